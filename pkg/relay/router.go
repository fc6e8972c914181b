package relay

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"msgrelay/pkg/bus"
)

// Verifier checks a webhook signature header against the raw body.
type Verifier func(secret string, body []byte, header string) bool

// SessionProcessor handles one conversation's share of a delivery.
type SessionProcessor interface {
	ProcessSession(ctx context.Context, key string, events []bus.InboundEvent) error
}

// WebhookRequest is one inbound delivery. Body and Signature are only
// consulted when the router has a verifier and secret.
type WebhookRequest struct {
	Events    []bus.InboundEvent
	Body      []byte
	Signature string
}

// WebhookResult acknowledges a delivery.
type WebhookResult struct {
	ReceivedEvents int `json:"received_events"`
}

// Router splits deliveries by conversation and hands each share to the
// session processor.
type Router struct {
	sessions SessionProcessor
	verify   Verifier
	secret   string
	dedupe   *Dedupe
	metrics  Metrics
	log      *slog.Logger
}

// NewRouter returns a router. With a nil verify or empty secret, signatures
// are not checked.
func NewRouter(sessions SessionProcessor, verify Verifier, secret string, metrics Metrics, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		sessions: sessions,
		verify:   verify,
		secret:   secret,
		metrics:  metricsOrNop(metrics),
		log:      log.With("component", "relay.router"),
	}
}

// WithDedupe drops events whose message id was already routed.
func (r *Router) WithDedupe(d *Dedupe) *Router {
	r.dedupe = d
	return r
}

// Verify returns a *SignatureError when body does not match signature.
func (r *Router) Verify(body []byte, signature string) error {
	if r.verify == nil || r.secret == "" {
		return nil
	}
	if !r.verify(r.secret, body, signature) {
		r.log.Warn("Rejected webhook with invalid signature", "bytes", len(body))
		return &SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

// HandleWebhook verifies and routes a delivery. A bad signature returns
// *SignatureError before anything is processed. Dispatch failures are
// returned alongside a populated result.
func (r *Router) HandleWebhook(ctx context.Context, req WebhookRequest) (WebhookResult, error) {
	if err := r.Verify(req.Body, req.Signature); err != nil {
		return WebhookResult{}, err
	}

	events := make([]bus.InboundEvent, 0, len(req.Events))
	for _, event := range req.Events {
		r.metrics.IncRequest(string(event.Kind))
		if r.dedupe.Seen(event.MessageID()) {
			r.log.Debug("Dropping redelivered event", "conversation", bus.ConversationKey(event), "message_id", event.MessageID())
			continue
		}
		events = append(events, event)
	}

	result := WebhookResult{ReceivedEvents: len(req.Events)}
	return result, r.Route(ctx, events)
}

// Route processes events grouped by conversation key. Groups run
// concurrently; events within a group keep arrival order.
func (r *Router) Route(ctx context.Context, events []bus.InboundEvent) error {
	groups := bus.GroupByConversation(events)
	if len(groups) == 0 {
		return nil
	}
	r.log.Debug("Routing delivery", "events", len(events), "conversations", len(groups))

	var g errgroup.Group
	for _, group := range groups {
		g.Go(func() error {
			return r.sessions.ProcessSession(ctx, group.Key, group.Events)
		})
	}
	return g.Wait()
}
