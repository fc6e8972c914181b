package relay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"msgrelay/pkg/agui"
	"msgrelay/pkg/bus"
	"msgrelay/pkg/session"
)

// ApologyText is sent when an agent run fails.
const ApologyText = "Sorry, something went wrong while handling your message. Please try again in a moment."

// Dispatcher runs a conversation batch against the agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, key string, events []bus.InboundEvent, who agui.Identity, handlers agui.Handlers) (bool, error)
}

// CoordinatorOptions wires a Coordinator. Locks, Bus, Metrics and Log may be nil.
type CoordinatorOptions struct {
	Store      session.Store
	TTL        time.Duration
	Dispatcher Dispatcher
	Outbound   *Outbound
	Locks      *LockRegistry
	KeepAlive  time.Duration
	Bus        *bus.MessageBus
	Metrics    Metrics
	Log        *slog.Logger
}

// Coordinator processes one conversation's events at a time: session
// bookkeeping, local commands, then the agent run.
type Coordinator struct {
	locks      *LockRegistry
	store      session.Store
	ttl        time.Duration
	commands   *Commands
	dispatcher Dispatcher
	out        *Outbound
	keepAlive  time.Duration
	bus        *bus.MessageBus
	metrics    Metrics
	log        *slog.Logger
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	locks := opts.Locks
	if locks == nil {
		locks = NewLockRegistry()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	metrics := metricsOrNop(opts.Metrics)

	return &Coordinator{
		locks:      locks,
		store:      opts.Store,
		ttl:        ttl,
		commands:   NewCommands(opts.Store, opts.Outbound, opts.Bus, metrics, log),
		dispatcher: opts.Dispatcher,
		out:        opts.Outbound,
		keepAlive:  opts.KeepAlive,
		bus:        opts.Bus,
		metrics:    metrics,
		log:        log.With("component", "relay.session"),
	}
}

// ProcessSession handles events for key under the key's lock. Only a failed
// agent run is returned, as a *DispatchError.
func (c *Coordinator) ProcessSession(ctx context.Context, key string, events []bus.InboundEvent) error {
	release, err := c.locks.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	log := c.log.With("conversation", key)

	prev, err := c.store.Read(ctx, key)
	if err != nil {
		log.Warn("Failed to read session; continuing without it", "error", err)
		prev = nil
	}

	who := resolveIdentity(events, prev)
	// Nothing worth keeping for a conversation nobody has spoken in yet, such
	// as the page's own echoes.
	if prev != nil || who != (agui.Identity{}) {
		record := session.Merge(prev, session.Record{
			UserID:             who.UserID,
			PageID:             who.PageID,
			LastEventTimestamp: latestTimestamp(events),
		})
		if err := c.store.Write(ctx, key, record, c.ttl); err != nil {
			log.Warn("Failed to persist session", "error", err)
		}
	}

	remaining := c.commands.Intercept(ctx, key, events)
	if len(remaining) == 0 {
		return nil
	}

	if who.UserID == "" {
		if allEchoes(remaining) {
			log.Debug("Ignoring page echoes", "events", len(remaining))
			return nil
		}
		log.Warn("No user id resolved; skipping dispatch", "events", len(remaining))
		c.bus.PublishEvent(ctx, bus.Event{Type: bus.EventDispatchSkipped, ConversationKey: key, Payload: map[string]string{"reason": "no_user"}})
		return nil
	}

	return c.dispatch(ctx, key, remaining, who, log)
}

func (c *Coordinator) dispatch(ctx context.Context, key string, events []bus.InboundEvent, who agui.Identity, log *slog.Logger) error {
	presence := NewPresence(c.out, who.UserID, c.keepAlive, log)
	defer presence.End(ctx)

	var runID string
	started := time.Now()

	handlers := agui.Handlers{
		OnRunRequest: func(ctx context.Context, req *agui.RunRequest) {
			runID = req.RunID
			presence.Begin(ctx)
			c.bus.PublishEvent(ctx, bus.Event{Type: bus.EventDispatchStarted, ConversationKey: key, RunID: runID})
		},
		OnAssistantMessage: func(ctx context.Context, msg agui.AssistantMessage) error {
			return c.out.SendText(ctx, who.UserID, msg.Content, PurposeReply)
		},
		OnRunFinished: func(ctx context.Context, _ agui.RunEvent) {
			presence.End(ctx)
		},
		OnRunError: func(ctx context.Context, _ error) {
			presence.End(ctx)
		},
	}

	dispatched, err := c.dispatcher.Dispatch(ctx, key, events, who, handlers)
	if err == nil {
		if dispatched {
			c.metrics.ObserveDispatch(statusSuccess, time.Since(started))
			c.bus.PublishEvent(ctx, bus.Event{Type: bus.EventDispatchCompleted, ConversationKey: key, RunID: runID})
		}
		return nil
	}

	presence.End(ctx)
	c.metrics.IncDispatchFailure()
	c.metrics.ObserveDispatch(statusError, time.Since(started))

	if sendErr := c.out.SendText(context.WithoutCancel(ctx), who.UserID, ApologyText, PurposeError); sendErr != nil {
		log.Error("Failed to send apology", "error", sendErr)
	}

	c.bus.PublishEvent(context.WithoutCancel(ctx), bus.Event{
		Type:            bus.EventDispatchFailed,
		ConversationKey: key,
		RunID:           runID,
		Error:           err.Error(),
	})

	return &DispatchError{Key: key, RunID: runID, Err: err}
}

// resolveIdentity takes user and page ids from the first user-originated
// message or postback, falling back to what the session already knew.
func resolveIdentity(events []bus.InboundEvent, prev *session.Record) agui.Identity {
	var who agui.Identity
	for _, event := range events {
		if event.Kind != bus.KindMessage && event.Kind != bus.KindPostback {
			continue
		}
		if event.IsEcho() {
			continue
		}
		sender := strings.TrimSpace(event.SenderID)
		recipient := strings.TrimSpace(event.RecipientID)
		if sender == "" && recipient == "" {
			continue
		}
		who = agui.Identity{UserID: sender, PageID: recipient}
		break
	}

	if prev != nil {
		if who.UserID == "" {
			who.UserID = prev.UserID
		}
		if who.PageID == "" {
			who.PageID = prev.PageID
		}
	}
	return who
}

func allEchoes(events []bus.InboundEvent) bool {
	for _, event := range events {
		if !event.IsEcho() {
			return false
		}
	}
	return len(events) > 0
}

func latestTimestamp(events []bus.InboundEvent) int64 {
	var latest int64
	for _, event := range events {
		latest = max(latest, event.Timestamp)
	}
	return latest
}
