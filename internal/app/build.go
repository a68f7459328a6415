package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ent0n29/fieldwatch/internal/access"
	"github.com/ent0n29/fieldwatch/internal/audit"
	"github.com/ent0n29/fieldwatch/internal/config"
	"github.com/ent0n29/fieldwatch/internal/events"
	"github.com/ent0n29/fieldwatch/internal/gateway"
	"github.com/ent0n29/fieldwatch/internal/httpapi"
	"github.com/ent0n29/fieldwatch/internal/monitoring"
	"github.com/ent0n29/fieldwatch/internal/observability"
	"github.com/ent0n29/fieldwatch/internal/reliability"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Coordinator *monitoring.Coordinator
	Events      *events.Bus
	Audit       audit.Store
	Metrics     *observability.Metrics

	recorder *audit.Recorder

	// Cleanup should be called on shutdown to release external resources (DB, subscriptions).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	auth, err := buildAuthenticator(cfg)
	if err != nil {
		return nil, fmt.Errorf("access init failed: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		Mode: cfg.GatewayMode,
		LiveKit: gateway.LiveKitConfig{
			Host:         cfg.LiveKitURL,
			APIKey:       cfg.LiveKitAPIKey,
			APISecret:    cfg.LiveKitAPISecret,
			PublicURL:    cfg.LiveKitPublicURL,
			TokenTTL:     cfg.LiveKitTokenTTL,
			EmptyTimeout: cfg.LiveKitRoomEmptyTimeout,
			Logger:       logger.With("component", "gateway"),
			OnError: func(op string, class reliability.Class) {
				metrics.ObserveGatewayError(op, string(class))
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gateway init failed: %w", err)
	}

	store, err := audit.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit store init failed: %w", err)
	}

	bus := events.NewBus()
	bus.SetDropHook(func(e events.Event) {
		metrics.ObserveWSMessage("dropped", string(e.Type))
	})

	coordinator := monitoring.NewCoordinator(monitoring.NewRegistry(), gateway.Instrument(gw, metrics), monitoring.Options{
		Events:  bus,
		Metrics: metrics,
		Logger:  logger,
	})

	api := httpapi.New(httpapi.Deps{
		Config:      cfg,
		Coordinator: coordinator,
		Events:      bus,
		Audit:       store,
		Auth:        auth,
		Metrics:     metrics,
		Logger:      logger,
	})

	logger.Info("monitoring service assembled",
		"gateway_mode", gw.Mode(),
		"audit_store", store.Mode(),
		"auth_mode", auth.Mode(),
	)

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Coordinator: coordinator,
		Events:      bus,
		Audit:       store,
		Metrics:     metrics,
		recorder:    audit.NewRecorder(store, logger),
		Cleanup:     store.Close,
	}, nil
}

// Start launches the background workers: the audit recorder and, when
// enabled, the ghost-session reconciler. They stop when ctx is done.
func (b *BuildResult) Start(ctx context.Context) {
	feed, unsubscribe := b.Events.Subscribe()
	go func() {
		defer unsubscribe()
		b.recorder.Run(ctx, feed)
	}()
	b.Coordinator.StartReconciler(ctx, b.Config.ReconcileInterval)
}

func buildAuthenticator(cfg config.Config) (access.Authenticator, error) {
	switch cfg.AuthMode {
	case "disabled":
		return access.HeaderAuthenticator{}, nil
	case "jwt", "":
		jwtCfg := access.JWTConfig{
			Secret: cfg.AuthJWTSecret,
			Issuer: cfg.AuthJWTIssuer,
		}
		if cfg.AuthJWTPublicKeyFile != "" {
			pem, err := os.ReadFile(cfg.AuthJWTPublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("read jwt public key: %w", err)
			}
			jwtCfg.PublicKeyPEM = pem
		}
		return access.NewJWTVerifier(jwtCfg)
	default:
		return nil, errors.New("unsupported auth mode " + cfg.AuthMode)
	}
}
