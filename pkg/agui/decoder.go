package agui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxDecodeFailures is how many malformed frames in a row are
// tolerated before the stream is abandoned.
const DefaultMaxDecodeFailures = 3

const maxFrameBytes = 1024 * 1024

// AssistantMessage is one complete assistant reply extracted from a run.
type AssistantMessage struct {
	ID      string
	Content string
}

// Handlers receive decoded run activity. Every field is optional.
type Handlers struct {
	// OnRunRequest fires once a request has been built, before it is sent.
	OnRunRequest       func(ctx context.Context, req *RunRequest)
	OnRunStarted       func(ctx context.Context, event RunEvent)
	OnRunFinished      func(ctx context.Context, event RunEvent)
	OnRunError         func(ctx context.Context, err error)
	OnAssistantMessage func(ctx context.Context, msg AssistantMessage) error
}

// Decoder turns an event-stream body into handler calls. A Decoder is
// single-use and not safe for concurrent use.
type Decoder struct {
	handlers    Handlers
	maxFailures int
	log         *slog.Logger

	failures   int
	active     map[string]*strings.Builder
	order      []string
	dispatched map[string]struct{}
}

// NewDecoder returns a decoder that gives up after more than maxFailures
// consecutive malformed frames. Non-positive maxFailures uses the default.
func NewDecoder(handlers Handlers, maxFailures int, log *slog.Logger) *Decoder {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxDecodeFailures
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Decoder{
		handlers:    handlers,
		maxFailures: maxFailures,
		log:         log,
	}
	d.reset()
	return d
}

func (d *Decoder) reset() {
	d.active = make(map[string]*strings.Builder)
	d.order = nil
	d.dispatched = make(map[string]struct{})
}

// Decode consumes r until EOF, a fatal decode error, a RUN_ERROR event, or a
// failing assistant-message handler.
func (d *Decoder) Decode(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var data []string
	inBlock := false
	flush := func() error {
		if !inBlock {
			return nil
		}
		frame := strings.Join(data, "\n")
		data = data[:0]
		inBlock = false
		return d.handleFrame(ctx, frame)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}

		inBlock = true
		if strings.HasPrefix(line, ":") {
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read agent stream: %w", err)
	}

	return flush()
}

func (d *Decoder) handleFrame(ctx context.Context, frame string) error {
	if strings.TrimSpace(frame) == "" {
		return nil
	}

	event, err := ParseEvent([]byte(frame))
	if err != nil {
		d.failures++
		d.log.Warn("Skipping malformed agent event", "failures", d.failures, "error", err)
		if d.failures > d.maxFailures {
			return &DecodeError{Failures: d.failures, Err: err}
		}
		return nil
	}
	d.failures = 0

	return d.apply(ctx, event)
}

func (d *Decoder) apply(ctx context.Context, event RunEvent) error {
	switch event.Type {
	case EventRunStarted:
		d.reset()
		if d.handlers.OnRunStarted != nil {
			d.handlers.OnRunStarted(ctx, event)
		}

	case EventTextMessageStart:
		if event.Role != "" && event.Role != roleAssistant {
			return nil
		}
		d.open(event.MessageID)

	case EventTextMessageContent, EventTextMessageChunk:
		d.appendDelta(event)

	case EventTextMessageEnd:
		id := d.resolveID(event.MessageID)
		acc, ok := d.active[id]
		if !ok {
			return nil
		}
		d.close(id)
		return d.emit(ctx, id, acc.String())

	case EventTextMessage:
		if event.Role != "" && event.Role != roleAssistant {
			return nil
		}
		return d.emit(ctx, event.MessageID, event.Content)

	case EventMessagesSnapshot:
		if len(d.dispatched) > 0 {
			d.log.Debug("Skipping messages snapshot after streamed delivery")
			return nil
		}
		for _, msg := range event.Messages {
			if msg.Role != roleAssistant {
				continue
			}
			if err := d.emit(ctx, msg.ID, msg.Content); err != nil {
				return err
			}
		}

	case EventRunFinished:
		for _, id := range append([]string(nil), d.order...) {
			acc := d.active[id]
			d.close(id)
			if err := d.emit(ctx, id, acc.String()); err != nil {
				return err
			}
		}
		if d.handlers.OnRunFinished != nil {
			d.handlers.OnRunFinished(ctx, event)
		}
		d.reset()

	case EventRunError:
		runErr := &RunError{Message: event.Message, Code: event.Code}
		if d.handlers.OnRunError != nil {
			d.handlers.OnRunError(ctx, runErr)
		}
		return runErr

	default:
		d.log.Debug("Ignoring unrecognized agent event", "type", string(event.Type))
	}

	return nil
}

func (d *Decoder) open(id string) {
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := d.active[id]; ok {
		return
	}
	if _, ok := d.dispatched[id]; ok {
		return
	}
	d.active[id] = &strings.Builder{}
	d.order = append(d.order, id)
}

func (d *Decoder) close(id string) {
	delete(d.active, id)
	for i, open := range d.order {
		if open == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// resolveID maps an id-less frame onto the most recently opened message.
func (d *Decoder) resolveID(id string) string {
	if id == "" && len(d.order) > 0 {
		return d.order[len(d.order)-1]
	}
	return id
}

func (d *Decoder) appendDelta(event RunEvent) {
	id := d.resolveID(event.MessageID)
	if _, ok := d.active[id]; !ok {
		if event.Role != roleAssistant && len(d.active) == 0 {
			return
		}
		if id == "" {
			id = uuid.NewString()
		}
		d.open(id)
	}

	if acc, ok := d.active[id]; ok {
		acc.WriteString(event.Delta)
	}
}

func (d *Decoder) emit(ctx context.Context, id, content string) error {
	if _, ok := d.dispatched[id]; ok {
		return nil
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	d.dispatched[id] = struct{}{}

	if d.handlers.OnAssistantMessage == nil {
		return nil
	}
	if err := d.handlers.OnAssistantMessage(ctx, AssistantMessage{ID: id, Content: content}); err != nil {
		return fmt.Errorf("deliver assistant message %s: %w", id, err)
	}
	return nil
}
