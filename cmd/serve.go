package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"msgrelay/pkg/agui"
	"msgrelay/pkg/bus"
	"msgrelay/pkg/channel"
	"msgrelay/pkg/channel/messenger"
	"msgrelay/pkg/channel/telegram"
	"msgrelay/pkg/config"
	"msgrelay/pkg/gateway"
	"msgrelay/pkg/logger"
	"msgrelay/pkg/metrics"
	"msgrelay/pkg/relay"
	"msgrelay/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay gateway",
	Long:  "Serves the platform webhook (or polls Telegram), health, readiness and metrics endpoints, and relays conversations to the agent.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stack, err := buildRelay(runCtx, cfg, appLogger)
		if err != nil {
			log.Error("Relay configuration invalid", "error", err)
			return err
		}
		defer stack.Close()

		log.Info("Relay started", "platform", cfg.Platform, "channels", enabledChannelNames(stack.adapters), "agent", cfg.Agent.URL)
		if err := stack.service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Relay runtime failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// relayStack is everything serve starts, in dependency order.
type relayStack struct {
	service  *gateway.Service
	adapters []channel.Adapter
	store    *session.BadgerStore
	bus      *bus.MessageBus
}

func (s *relayStack) Close() {
	s.bus.Close()
	if err := s.store.Close(); err != nil {
		slog.Default().Warn("Failed to close session store", "error", err)
	}
}

func buildRelay(ctx context.Context, cfg *config.Config, log *slog.Logger) (*relayStack, error) {
	sender, adapters, textLimit, err := platformSender(cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := session.Open(session.Options{Dir: cfg.Session.Dir, InMemory: cfg.Session.InMemory}, log)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.MustNew(reg, cfg.Metrics.Namespace)

	messageBus := bus.NewMessageBus()
	go bus.Observe(ctx, messageBus, log)

	out := relay.NewOutbound(sender, relay.OutboundOptions{
		TextLimit:      textLimit,
		TextAttempts:   cfg.Relay.TextRetryAttempts,
		ActionAttempts: cfg.Relay.ActionRetryAttempts,
		RetryStep:      time.Duration(cfg.Relay.RetryStepMillis) * time.Millisecond,
	}, collector, log)

	dispatcher := agui.NewDispatcher(agui.NewHTTPTransport(cfg.Agent.URL, nil), cfg.Agent, log)
	coordinator := relay.NewCoordinator(relay.CoordinatorOptions{
		Store:      store,
		TTL:        time.Duration(cfg.Session.TTLSeconds) * time.Second,
		Dispatcher: dispatcher,
		Outbound:   out,
		KeepAlive:  time.Duration(cfg.Presence.KeepAliveSeconds) * time.Second,
		Bus:        messageBus,
		Metrics:    collector,
		Log:        log,
	})

	// Only webhook deliveries carry a signed body.
	secret := ""
	if cfg.Platform == config.PlatformMessenger {
		secret = cfg.Messenger.AppSecret
	}
	router := relay.NewRouter(coordinator, messenger.Verify, secret, collector, log).
		WithDedupe(relay.NewDedupe(cfg.Relay.DedupeSize, time.Duration(cfg.Relay.DedupeTTLSeconds)*time.Second))

	svc, err := gateway.NewService(gateway.Options{
		Config:   cfg,
		Router:   router,
		Adapters: adapters,
		Gatherer: reg,
		Log:      log,
	})
	if err != nil {
		messageBus.Close()
		_ = store.Close()
		return nil, fmt.Errorf("initialize gateway: %w", err)
	}

	return &relayStack{service: svc, adapters: adapters, store: store, bus: messageBus}, nil
}

// platformSender picks the outbound client for the configured platform.
// Telegram is also the inbound adapter.
func platformSender(cfg *config.Config, log *slog.Logger) (channel.Sender, []channel.Adapter, int, error) {
	switch cfg.Platform {
	case config.PlatformMessenger:
		client, err := messenger.NewClient(cfg.Messenger, nil, log)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("configure messenger channel: %w", err)
		}
		return client, nil, cfg.Messenger.TextLimit, nil
	case config.PlatformTelegram:
		ch, err := telegram.New(cfg.Telegram, log)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("configure telegram channel: %w", err)
		}
		return ch, []channel.Adapter{ch}, cfg.Telegram.TextLimit, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}

func enabledChannelNames(adapters []channel.Adapter) string {
	if len(adapters) == 0 {
		return "webhook"
	}

	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
