package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"msgrelay/pkg/channel"
	"msgrelay/pkg/logger"
)

const (
	DefaultTextLimit      = 2000
	DefaultTextAttempts   = 3
	DefaultActionAttempts = 2
	DefaultRetryStep      = 100 * time.Millisecond
)

// OutboundOptions tunes chunking and retries. Zero values use the defaults.
type OutboundOptions struct {
	TextLimit      int
	TextAttempts   int
	ActionAttempts int
	RetryStep      time.Duration
}

// Outbound sends text and presence actions to the platform with chunking and
// linear-backoff retries.
type Outbound struct {
	sender         channel.Sender
	limit          int
	textAttempts   int
	actionAttempts int
	step           time.Duration
	metrics        Metrics
	log            *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

func NewOutbound(sender channel.Sender, opts OutboundOptions, metrics Metrics, log *slog.Logger) *Outbound {
	if log == nil {
		log = slog.Default()
	}
	if opts.TextLimit <= 0 {
		opts.TextLimit = DefaultTextLimit
	}
	if opts.TextAttempts <= 0 {
		opts.TextAttempts = DefaultTextAttempts
	}
	if opts.ActionAttempts <= 0 {
		opts.ActionAttempts = DefaultActionAttempts
	}
	if opts.RetryStep <= 0 {
		opts.RetryStep = DefaultRetryStep
	}

	return &Outbound{
		sender:         sender,
		limit:          opts.TextLimit,
		textAttempts:   opts.TextAttempts,
		actionAttempts: opts.ActionAttempts,
		step:           opts.RetryStep,
		metrics:        metricsOrNop(metrics),
		log:            log.With("component", "relay.outbound", "platform", sender.Name()),
		sleep:          sleepContext,
	}
}

// SendText delivers text in order, one chunk per request. The first chunk
// that exhausts its retries stops the call; earlier chunks stay sent.
func (o *Outbound) SendText(ctx context.Context, recipientID, text, purpose string) error {
	chunks := ChunkText(text, o.limit)
	for i, chunk := range chunks {
		if err := o.send(ctx, recipientID, channel.Payload{Text: chunk}, purpose, o.textAttempts); err != nil {
			o.log.Error("Text delivery aborted",
				"conversation", recipientID,
				"purpose", purpose,
				"chunk", i+1,
				"chunks", len(chunks),
				"content", logger.Preview(chunk),
				"error", err,
			)
			return err
		}
	}
	return nil
}

// SendPresenceAction delivers one sender action.
func (o *Outbound) SendPresenceAction(ctx context.Context, recipientID string, action channel.SenderAction) error {
	return o.send(ctx, recipientID, channel.Payload{Action: action}, string(action), o.actionAttempts)
}

func (o *Outbound) send(ctx context.Context, recipientID string, payload channel.Payload, purpose string, attempts int) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := o.sender.Send(ctx, recipientID, payload)
		if err == nil {
			o.metrics.IncOutbound(purpose, statusSuccess)
			return nil
		}

		o.metrics.IncOutbound(purpose, statusError)
		lastErr = err
		o.log.Warn("Outbound send failed", "conversation", recipientID, "purpose", purpose, "attempt", attempt, "error", err)

		if attempt == attempts {
			break
		}
		if err := o.sleep(ctx, time.Duration(attempt)*o.step); err != nil {
			return &OutboundError{Purpose: purpose, Attempts: attempt, Err: errors.Join(lastErr, err)}
		}
	}

	return &OutboundError{Purpose: purpose, Attempts: attempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ChunkText splits text into pieces of at most limit runes, cutting at the
// last whitespace within the limit where there is one. Pieces are trimmed and
// never empty. Text within the limit is returned unchanged.
func ChunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultTextLimit
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	rest := []rune(text)
	if len(rest) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(rest) > limit {
		cut := limit
		for i := limit; i > 0; i-- {
			if unicode.IsSpace(rest[i]) {
				cut = i
				break
			}
		}

		if chunk := strings.TrimSpace(string(rest[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = trimLeftSpace(rest[cut:])
	}
	if tail := strings.TrimSpace(string(rest)); tail != "" {
		chunks = append(chunks, tail)
	}

	return chunks
}

func trimLeftSpace(r []rune) []rune {
	for len(r) > 0 && unicode.IsSpace(r[0]) {
		r = r[1:]
	}
	return r
}
