package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msgrelay/pkg/bus"
	"msgrelay/pkg/channel"
	"msgrelay/pkg/channel/messenger"
	"msgrelay/pkg/config"
	"msgrelay/pkg/relay"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790
	maxWebhookBytes   = 1 << 20
)

// WebhookHandler is the relay surface the gateway drives.
type WebhookHandler interface {
	Verify(body []byte, signature string) error
	HandleWebhook(ctx context.Context, req relay.WebhookRequest) (relay.WebhookResult, error)
}

// Options wires a Service. Adapters and Gatherer are optional.
type Options struct {
	Config   *config.Config
	Router   WebhookHandler
	Adapters []channel.Adapter
	Gatherer prometheus.Gatherer
	Log      *slog.Logger
}

// Service exposes the webhook, health and metrics endpoints and runs any
// polling channel adapters.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	router   WebhookHandler
	channels []channel.Adapter
	gatherer prometheus.Gatherer

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	Platform      string                  `json:"platform"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Channels      map[string]channelState `json:"channels"`
}

func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(opts.Adapters)+1)
	if opts.Config.Platform == config.PlatformMessenger {
		channelStates[config.PlatformMessenger] = channelState{}
	}
	for _, adapter := range opts.Adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           opts.Config,
		log:           log.With("component", "gateway.service"),
		router:        opts.Router,
		channels:      opts.Adapters,
		gatherer:      opts.Gatherer,
		channelStates: channelStates,
	}, nil
}

// Run serves HTTP and runs adapters until ctx is done or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	serverErrors := make(chan error, 1)
	go s.runServer(ctx, serverErrors)

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.handleInbound)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	case err := <-errCh:
		return err
	}
}

// Handler returns the HTTP routes served by Run.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	if s.cfg.Platform == config.PlatformMessenger {
		mux.HandleFunc(s.webhookPath(), s.handleWebhook)
	}
	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		mux.Handle(s.metricsPath(), promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// handleInbound feeds events from polling adapters through the router.
func (s *Service) handleInbound(ctx context.Context, events []bus.InboundEvent) error {
	_, err := s.router.HandleWebhook(ctx, relay.WebhookRequest{Events: events})
	return err
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleSubscribe(w, r)
	case http.MethodPost:
		s.handleDelivery(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSubscribe answers the platform's webhook verification handshake.
func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := s.cfg.Messenger.VerifyToken
	if query.Get("hub.mode") != "subscribe" || token == "" || query.Get("hub.verify_token") != token {
		s.log.Warn("Rejected webhook subscription", "mode", query.Get("hub.mode"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	s.log.Info("Webhook subscription verified")
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, query.Get("hub.challenge"))
}

func (s *Service) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	signature := r.Header.Get(messenger.SignatureHeader)

	events, err := messenger.Normalize(body)
	if err != nil {
		if verr := s.router.Verify(body, signature); verr != nil {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		s.log.Warn("Rejected malformed webhook", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// The platform retries on slow responses; finish the work even if the
	// client hangs up.
	ctx := context.WithoutCancel(r.Context())
	result, err := s.router.HandleWebhook(ctx, relay.WebhookRequest{
		Events:    events,
		Body:      body,
		Signature: signature,
	})

	var sigErr *relay.SignatureError
	switch {
	case errors.As(err, &sigErr):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	case err != nil:
		s.log.Error("Webhook processing failed", "events", len(events), "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.log.Error("Failed to write webhook response", "error", err)
	}
}

func (s *Service) runServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.setServing(true)
	defer s.setServing(false)

	s.log.Info("Gateway server started", "address", addr, "webhook", s.webhookPath(), "metrics", s.cfg.Metrics.Enabled)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start gateway server: %w", err)
	}
}

func (s *Service) webhookPath() string {
	if path := strings.TrimSpace(s.cfg.Gateway.WebhookPath); path != "" {
		return path
	}
	return "/webhook"
}

func (s *Service) metricsPath() string {
	if path := strings.TrimSpace(s.cfg.Metrics.Path); path != "" {
		return path
	}
	return "/metrics"
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		Platform:      s.cfg.Platform,
		UptimeSeconds: uptime,
		Channels:      channels,
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.channelStates) == 0 {
		return false
	}

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}
	return false
}

// setServing marks the webhook channel live while the HTTP server runs.
func (s *Service) setServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channelStates[config.PlatformMessenger]; ok {
		s.channelStates[config.PlatformMessenger] = channelState{Running: serving}
	}
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
