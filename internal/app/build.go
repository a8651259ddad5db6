package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/config"
	"github.com/ent0n29/voxnote/internal/httpapi"
	"github.com/ent0n29/voxnote/internal/observability"
	"github.com/ent0n29/voxnote/internal/reliability"
	"github.com/ent0n29/voxnote/internal/session"
	"github.com/ent0n29/voxnote/internal/storage"
	"github.com/ent0n29/voxnote/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Connections  *session.Manager
	Orchestrator *voice.Orchestrator
	Providers    *voice.Registry
	Breakers     *reliability.Breakers
	Metrics      *observability.Metrics
	Health       *Health

	// Cleanup should be called on shutdown to release the storage pool.
	Cleanup func() error
}

type buildOptions struct {
	registerer prometheus.Registerer
	openStore  func(ctx context.Context, databaseURL string) (storage.Gateway, error)
	sleep      func(ctx context.Context, d time.Duration) error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	return build(ctx, cfg, buildOptions{
		registerer: prometheus.DefaultRegisterer,
		openStore:  storage.NewStore,
	})
}

func build(ctx context.Context, cfg config.Config, opts buildOptions) (*BuildResult, error) {
	metrics := observability.NewMetricsWith(cfg.MetricsNamespace, opts.registerer)

	breakers := reliability.NewBreakers(cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	breakers.OnStateChange(func(name string, from, to reliability.BreakerState) {
		log.Printf("app: breaker %s %s -> %s", name, from, to)
		metrics.SetBreakerState(name, string(to))
	})

	connections := session.NewManager()
	connections.SetChangeHook(func(active int) {
		metrics.ActiveSessions.Set(float64(active))
	})

	health := &Health{}
	result := &BuildResult{
		Config:      cfg,
		Connections: connections,
		Breakers:    breakers,
		Metrics:     metrics,
		Health:      health,
		Cleanup:     func() error { return nil },
	}

	store, err := openStoreWithRetry(ctx, cfg, breakers.Get("storage"), opts)
	if err != nil {
		if !cfg.Production() {
			return nil, fmt.Errorf("storage init failed: %w", err)
		}
		reason := fmt.Sprintf("storage init failed (%s)", apperr.KindOf(err))
		health.markDegraded(reason)
		metrics.ObserveIndicator("startup_degraded")
		log.Printf("app: entering degraded mode: %v", err)
		result.API = httpapi.New(cfg, httpapi.Deps{
			Connections: connections,
			Breakers:    breakers,
			Metrics:     metrics,
			Health:      health,
		})
		return result, nil
	}

	providers, err := resolveProviders(ctx, cfg, breakers)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gateway := storage.NewGuardedGateway(store, breakers.Get("storage"), cfg.Timeouts.Storage)
	orchestrator := voice.NewOrchestrator(providers, gateway, connections, metrics, voice.Options{
		PartialWindowChunks: cfg.Streaming.PartialWindowChunks,
		PartialEveryChunks:  cfg.Streaming.PartialEveryChunks,
		DefaultSampleRate:   cfg.Streaming.SampleRate,
		Limits: session.Limits{
			MaxSessions:     cfg.Streaming.MaxSessionsPerConnection,
			MaxChunkBytes:   cfg.Streaming.MaxChunkBytes,
			MaxSessionBytes: cfg.Streaming.MaxSessionAudioBytes,
		},
		SendTimeout: cfg.Timeouts.WSRoundTrip,
	})

	result.API = httpapi.New(cfg, httpapi.Deps{
		Connections:   connections,
		Orchestrator:  orchestrator,
		Providers:     providers,
		Conversations: gateway,
		Breakers:      breakers,
		Metrics:       metrics,
		Health:        health,
	})
	result.Orchestrator = orchestrator
	result.Providers = providers
	result.Cleanup = gateway.Close
	return result, nil
}

// openStoreWithRetry connects storage with a per-attempt deadline, retrying
// transient failures with linear backoff.
func openStoreWithRetry(ctx context.Context, cfg config.Config, breaker *reliability.CircuitBreaker, opts buildOptions) (storage.Gateway, error) {
	policy := reliability.NewRetryPolicy(cfg.InitRetry.MaxAttempts, cfg.InitRetry.BaseDelay)
	policy.Sleep = opts.sleep
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Printf("app: storage init attempt %d failed, retrying in %s: %v", attempt, delay, err)
	}
	return reliability.Retry(ctx, policy, func(ctx context.Context) (storage.Gateway, error) {
		return reliability.Do(breaker, func() (storage.Gateway, error) {
			return reliability.WithTimeout(ctx, cfg.Timeouts.InitStep, "storage init", func(ctx context.Context) (storage.Gateway, error) {
				return opts.openStore(ctx, cfg.DatabaseURL)
			})
		})
	})
}
