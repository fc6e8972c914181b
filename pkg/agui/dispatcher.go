package agui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"msgrelay/pkg/bus"
	"msgrelay/pkg/config"
)

// DefaultTimeout bounds one agent request, from POST to end of stream.
// Delivering replies is not counted against it.
const DefaultTimeout = 10 * time.Second

const maxErrorBody = 4096

// Transport starts a run and returns its streamed body.
type Transport interface {
	Run(ctx context.Context, req *RunRequest) (io.ReadCloser, error)
}

// HTTPTransport posts run requests to an AG-UI endpoint.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTPTransport returns a transport for url. A nil client uses
// http.DefaultClient; the dispatcher applies its own deadline.
func NewHTTPTransport(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{url: url, client: client}
}

// Run posts req and returns the response body on a 2xx status.
func (t *HTTPTransport) Run(ctx context.Context, req *RunRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post run request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	return resp.Body, nil
}

// Identity is who a run is on behalf of.
type Identity struct {
	UserID string
	PageID string
}

// Dispatcher runs one conversation batch against the agent and feeds the
// stream to a Decoder.
type Dispatcher struct {
	transport      Transport
	timeout        time.Duration
	maxFailures    int
	forwardedProps map[string]any
	log            *slog.Logger
}

// NewDispatcher builds a dispatcher from agent config.
func NewDispatcher(transport Transport, cfg config.AgentConfig, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Dispatcher{
		transport:      transport,
		timeout:        timeout,
		maxFailures:    cfg.MaxDecodeFailures,
		forwardedProps: cfg.ForwardedProps,
		log:            log.With("component", "agui.dispatcher"),
	}
}

// Dispatch sends events as one run. It reports false without contacting the
// agent when no event produces a user message. Failures are passed to
// handlers.OnRunError and returned.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, events []bus.InboundEvent, who Identity, handlers Handlers) (bool, error) {
	req, ok := BuildRunRequest(key, events, RequestOptions{
		UserID:         who.UserID,
		PageID:         who.PageID,
		ForwardedProps: d.forwardedProps,
	})
	if !ok {
		d.log.Debug("No user messages to dispatch", "conversation", key, "events", len(events))
		return false, nil
	}

	log := d.log.With("conversation", key, "run_id", req.RunID)
	if handlers.OnRunRequest != nil {
		handlers.OnRunRequest(ctx, req)
	}

	err := d.run(ctx, req, handlers, log)
	if err == nil {
		return true, nil
	}

	log.Error("Agent run failed", "error", err)
	var runErr *RunError
	if !errors.As(err, &runErr) && handlers.OnRunError != nil {
		handlers.OnRunError(ctx, err)
	}
	return true, err
}

func (d *Dispatcher) run(ctx context.Context, req *RunRequest, handlers Handlers, log *slog.Logger) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	log.Info("Dispatching agent run", "messages", len(req.Messages))

	body, err := d.transport.Run(reqCtx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	// Handlers see ctx, not reqCtx: slow reply delivery must not eat into the
	// agent's deadline.
	stream := newStreamBuffer(body)
	if err := NewDecoder(handlers, d.maxFailures, log).Decode(ctx, stream); err != nil {
		if ctxErr := reqCtx.Err(); ctxErr != nil && !stream.received() && !errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}

	log.Debug("Agent run stream closed", "duration", time.Since(started))
	return nil
}
