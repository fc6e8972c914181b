package telegram

import (
	"context"
	"log/slog"
	"sync"

	"msgrelay/pkg/bus"
	"msgrelay/pkg/channel"
)

// chatQueues hands updates to the handler one chat at a time. Each chat with
// pending work has a single worker goroutine that exits once its backlog is
// empty, so chats progress independently while each keeps update order.
type chatQueues struct {
	handler channel.Handler
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string][]bus.InboundEvent
	wg      sync.WaitGroup
}

func newChatQueues(handler channel.Handler, log *slog.Logger) *chatQueues {
	return &chatQueues{
		handler: handler,
		log:     log,
		pending: make(map[string][]bus.InboundEvent),
	}
}

// submit queues event behind earlier updates from the same chat.
func (q *chatQueues) submit(ctx context.Context, event bus.InboundEvent) {
	chatID := event.SenderID

	q.mu.Lock()
	if backlog, busy := q.pending[chatID]; busy {
		q.pending[chatID] = append(backlog, event)
		q.mu.Unlock()
		return
	}
	q.pending[chatID] = []bus.InboundEvent{}
	q.mu.Unlock()

	q.wg.Add(1)
	go q.drain(ctx, chatID, event)
}

func (q *chatQueues) drain(ctx context.Context, chatID string, event bus.InboundEvent) {
	defer q.wg.Done()

	for {
		if err := q.handler(ctx, []bus.InboundEvent{event}); err != nil {
			q.log.Error("Failed to process inbound message", "conversation", chatID, "error", err)
		}

		q.mu.Lock()
		backlog := q.pending[chatID]
		if len(backlog) == 0 || ctx.Err() != nil {
			if len(backlog) > 0 {
				q.log.Warn("Dropping queued messages on shutdown", "conversation", chatID, "count", len(backlog))
			}
			delete(q.pending, chatID)
			q.mu.Unlock()
			return
		}
		event = backlog[0]
		q.pending[chatID] = backlog[1:]
		q.mu.Unlock()
	}
}

// wait blocks until every chat worker has exited.
func (q *chatQueues) wait() {
	q.wg.Wait()
}

func (q *chatQueues) active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
