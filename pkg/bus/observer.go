package bus

import (
	"context"
	"log/slog"
	"time"
)

// Observe logs lifecycle events until ctx is done or the bus closes.
func Observe(ctx context.Context, messageBus *MessageBus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")

	events, unsubscribe := messageBus.SubscribeEvents(ctx, 32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event Event) {
	// Keep a stable attribute set across event types so logs stay greppable.
	attrs := []any{
		"event_type", event.Type,
		"conversation", event.ConversationKey,
		"run_id", event.RunID,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case EventDispatchFailed:
		log.Error("Relay event", append(attrs, "error", event.Error)...)
	case EventDispatchStarted, EventDispatchCompleted, EventCommandHandled, EventSessionReset:
		log.Info("Relay event", attrs...)
	default:
		log.Debug("Relay event", attrs...)
	}
}
