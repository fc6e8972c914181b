package relay

import (
	"context"
	"log/slog"
	"strings"

	"msgrelay/pkg/bus"
	"msgrelay/pkg/session"
)

const (
	commandReset   = "reset"
	commandHelp    = "help"
	commandUnknown = "unknown"
)

// Canned replies for locally handled commands.
const (
	ResetText = "Conversation reset. Send a message to start fresh."
	HelpText  = "Available commands:\n/reset - forget this conversation and start over\n/help - show this message"
)

// Commands answers slash commands without involving the agent.
type Commands struct {
	store   session.Store
	out     *Outbound
	bus     *bus.MessageBus
	metrics Metrics
	log     *slog.Logger
}

func NewCommands(store session.Store, out *Outbound, messageBus *bus.MessageBus, metrics Metrics, log *slog.Logger) *Commands {
	if log == nil {
		log = slog.Default()
	}
	return &Commands{
		store:   store,
		out:     out,
		bus:     messageBus,
		metrics: metricsOrNop(metrics),
		log:     log.With("component", "relay.commands"),
	}
}

// ParseCommand returns the lowercased command name for text starting with
// "/", without any "@botname" suffix. The name is empty for a bare "/".
func ParseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	name := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), true
}

// Intercept handles every command in events and returns the rest in order.
func (c *Commands) Intercept(ctx context.Context, key string, events []bus.InboundEvent) []bus.InboundEvent {
	remaining := events[:0:0]
	for _, event := range events {
		if event.Kind != bus.KindMessage || event.IsEcho() {
			remaining = append(remaining, event)
			continue
		}
		name, ok := ParseCommand(event.Text())
		if !ok {
			remaining = append(remaining, event)
			continue
		}

		c.handle(ctx, key, replyTarget(key, event), name)
	}
	return remaining
}

func (c *Commands) handle(ctx context.Context, key, recipient, name string) {
	log := c.log.With("conversation", key, "command", name)
	label := name
	ok := true

	switch name {
	case commandReset:
		if err := c.store.Delete(ctx, key); err != nil {
			log.Error("Failed to delete session", "error", err)
			ok = false
		} else {
			c.bus.PublishEvent(ctx, bus.Event{Type: bus.EventSessionReset, ConversationKey: key})
		}
		ok = c.reply(ctx, log, recipient, ResetText) && ok
	case commandHelp:
		ok = c.reply(ctx, log, recipient, HelpText)
	default:
		label = commandUnknown
		ok = c.reply(ctx, log, recipient, "Unknown command: /"+name) && ok
		ok = c.reply(ctx, log, recipient, HelpText) && ok
	}

	status := statusSuccess
	if !ok {
		status = statusError
	}
	c.metrics.IncCommand(label, status)
	c.bus.PublishEvent(ctx, bus.Event{
		Type:            bus.EventCommandHandled,
		ConversationKey: key,
		Payload:         map[string]string{"command": label, "status": status},
	})
	log.Info("Handled command", "status", status)
}

func (c *Commands) reply(ctx context.Context, log *slog.Logger, recipient, text string) bool {
	if recipient == "" {
		log.Warn("No recipient for command reply")
		return false
	}
	if err := c.out.SendText(ctx, recipient, text, PurposeCommand); err != nil {
		log.Error("Failed to send command reply", "error", err)
		return false
	}
	return true
}

func replyTarget(key string, event bus.InboundEvent) string {
	if id := strings.TrimSpace(event.SenderID); id != "" {
		return id
	}
	if bus.IsAnonymousKey(key) {
		return ""
	}
	return key
}
