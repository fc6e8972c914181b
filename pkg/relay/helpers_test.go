package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"msgrelay/pkg/agui"
	"msgrelay/pkg/bus"
	"msgrelay/pkg/channel"
	"msgrelay/pkg/config"
	"msgrelay/pkg/session"
)

type sent struct {
	Recipient string
	Text      string
	Action    channel.SenderAction
}

func (s sent) String() string {
	if s.Action != "" {
		return string(s.Action)
	}
	return "text:" + s.Text
}

type fakeSender struct {
	mu    sync.Mutex
	calls int
	sent  []sent
	fail  func(call int, payload channel.Payload) error
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, recipientID string, payload channel.Payload) (channel.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls, payload); err != nil {
			return channel.SendResult{}, err
		}
	}
	f.sent = append(f.sent, sent{Recipient: recipientID, Text: payload.Text, Action: payload.Action})
	return channel.SendResult{RecipientID: recipientID}, nil
}

func (f *fakeSender) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.String())
	}
	return out
}

func (f *fakeSender) count(action channel.SenderAction) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.sent {
		if s.Action == action {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]session.Record
	deleted  []string
	readErr  error
	writeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]session.Record)}
}

func (s *fakeStore) Read(_ context.Context, key string) (*session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return nil, s.readErr
	}
	record, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *fakeStore) Write(_ context.Context, key string, record session.Record, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	s.records[key] = record
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStore) get(key string) (session.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	return record, ok
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{counts: make(map[string]int)}
}

func (m *fakeMetrics) inc(name string) {
	m.mu.Lock()
	m.counts[name]++
	m.mu.Unlock()
}

func (m *fakeMetrics) get(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *fakeMetrics) IncRequest(kind string)                         { m.inc("request:" + kind) }
func (m *fakeMetrics) IncDispatchFailure()                            { m.inc("dispatch_failure") }
func (m *fakeMetrics) ObserveDispatch(status string, _ time.Duration) { m.inc("dispatch:" + status) }
func (m *fakeMetrics) IncOutbound(purpose, status string) {
	m.inc("outbound:" + purpose + ":" + status)
}
func (m *fakeMetrics) IncCommand(name, status string) { m.inc("command:" + name + ":" + status) }

type transportFunc func(ctx context.Context, req *agui.RunRequest) (io.ReadCloser, error)

func (f transportFunc) Run(ctx context.Context, req *agui.RunRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}

func sseBody(frames ...string) io.ReadCloser {
	var b strings.Builder
	for _, frame := range frames {
		fmt.Fprintf(&b, "data: %s\n\n", frame)
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func helloStream() io.ReadCloser {
	return sseBody(
		`{"type":"RUN_STARTED","runId":"r1"}`,
		`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hi"}`,
		`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`,
		`{"type":"RUN_FINISHED","runId":"r1"}`,
	)
}

func newTestOutbound(sender channel.Sender, metrics Metrics) *Outbound {
	out := NewOutbound(sender, OutboundOptions{RetryStep: time.Millisecond}, metrics, nil)
	return out
}

type harness struct {
	sender      *fakeSender
	store       *fakeStore
	metrics     *fakeMetrics
	bus         *bus.MessageBus
	transport   transportFunc
	runs        int
	mu          sync.Mutex
	coordinator *Coordinator
}

func newHarness(transport transportFunc) *harness {
	h := &harness{
		sender:  &fakeSender{},
		store:   newFakeStore(),
		metrics: newFakeMetrics(),
		bus:     bus.NewMessageBus(),
	}
	h.transport = func(ctx context.Context, req *agui.RunRequest) (io.ReadCloser, error) {
		h.mu.Lock()
		h.runs++
		h.mu.Unlock()
		if transport == nil {
			return nil, errors.New("no transport configured")
		}
		return transport(ctx, req)
	}

	out := newTestOutbound(h.sender, h.metrics)
	h.coordinator = NewCoordinator(CoordinatorOptions{
		Store:      h.store,
		Dispatcher: agui.NewDispatcher(h.transport, config.AgentConfig{RequestTimeoutSeconds: 5}, nil),
		Outbound:   out,
		Bus:        h.bus,
		Metrics:    h.metrics,
	})
	return h
}

func (h *harness) runCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

func textFrom(sender, text string) bus.InboundEvent {
	return bus.InboundEvent{
		Kind:        bus.KindMessage,
		SenderID:    sender,
		RecipientID: "page-1",
		Timestamp:   1700000000000,
		Message:     &bus.Message{MID: "mid-" + text, Text: text},
	}
}
