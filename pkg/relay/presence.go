package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"msgrelay/pkg/channel"
)

// DefaultKeepAlive is how often typing_on is re-sent while a run is active.
const DefaultKeepAlive = 5 * time.Second

// PresenceState tracks the indicator for one dispatch.
type PresenceState string

const (
	PresenceIdle         PresenceState = "idle"
	PresenceMarkSeenSent PresenceState = "mark_seen_sent"
	PresenceTypingOn     PresenceState = "typing_on"
	PresenceTypingOff    PresenceState = "typing_off"
)

// Presence drives seen and typing indicators for a single dispatch. Sends
// never fail the caller; a failed indicator is logged and left unshown.
type Presence struct {
	out       *Outbound
	recipient string
	interval  time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	state   PresenceState
	begun   bool
	ended   bool
	sent    bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewPresence(out *Outbound, recipientID string, interval time.Duration, log *slog.Logger) *Presence {
	if interval <= 0 {
		interval = DefaultKeepAlive
	}
	if log == nil {
		log = slog.Default()
	}

	return &Presence{
		out:       out,
		recipient: recipientID,
		interval:  interval,
		log:       log.With("component", "relay.presence"),
		state:     PresenceIdle,
	}
}

// Begin marks the conversation seen, then shows typing and keeps it alive
// until End. Only the first call has any effect.
func (p *Presence) Begin(ctx context.Context) {
	p.mu.Lock()
	if p.begun || p.ended {
		p.mu.Unlock()
		return
	}
	p.begun = true
	p.mu.Unlock()

	if err := p.out.SendPresenceAction(ctx, p.recipient, channel.ActionMarkSeen); err != nil {
		p.log.Debug("mark_seen not delivered", "conversation", p.recipient, "error", err)
	}
	p.setState(PresenceMarkSeenSent)

	if err := p.out.SendPresenceAction(ctx, p.recipient, channel.ActionTypingOn); err != nil {
		p.log.Warn("Typing indicator not shown", "conversation", p.recipient, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.sent = true
	p.state = PresenceTypingOn

	keepAliveCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	go p.keepAlive(keepAliveCtx, p.stopped)
}

func (p *Presence) keepAlive(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.out.SendPresenceAction(ctx, p.recipient, channel.ActionTypingOn); err != nil && ctx.Err() == nil {
				p.log.Debug("Typing keep-alive failed", "conversation", p.recipient, "error", err)
			}
		}
	}
}

// End stops the keep-alive and hides typing if it was shown. Repeat calls are
// no-ops. It runs even when ctx is already cancelled.
func (p *Presence) End(ctx context.Context) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	cancel, stopped, sent := p.cancel, p.stopped, p.sent
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	if !sent {
		return
	}

	if err := p.out.SendPresenceAction(context.WithoutCancel(ctx), p.recipient, channel.ActionTypingOff); err != nil {
		p.log.Warn("Typing indicator not cleared", "conversation", p.recipient, "error", err)
	}
	p.setState(PresenceTypingOff)
}

// State reports the last transition reached.
func (p *Presence) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Presence) setState(state PresenceState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}
