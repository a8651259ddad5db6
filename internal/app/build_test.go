package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/config"
	"github.com/ent0n29/voxnote/internal/storage"
)

func testConfig() config.Config {
	return config.Config{
		Environment:      "development",
		MetricsNamespace: "test_app",
		DefaultProvider:  "auto",
		Timeouts: config.Timeouts{
			InitStep:             time.Second,
			WSRoundTrip:          time.Second,
			Storage:              time.Second,
			Upload:               time.Second,
			Transcription:        time.Second,
			PartialTranscription: time.Second,
			Extraction:           time.Second,
		},
		InitRetry: config.InitRetry{MaxAttempts: 3, BaseDelay: time.Second},
		Breaker:   config.Breaker{Threshold: 5, Cooldown: time.Minute},
		Streaming: config.Streaming{
			PartialWindowChunks:      5,
			PartialEveryChunks:       1,
			MaxSessionsPerConnection: 4,
			MaxChunkBytes:            1 << 16,
			MaxSessionAudioBytes:     1 << 20,
			SampleRate:               16000,
		},
	}
}

// scriptedStore fails the first len(errs) opens with the given errors.
type scriptedStore struct {
	errs   []error
	calls  int
	delays []time.Duration
}

func (s *scriptedStore) open(context.Context, string) (storage.Gateway, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	return storage.NewInMemoryStore(), nil
}

func (s *scriptedStore) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func (s *scriptedStore) options() buildOptions {
	return buildOptions{
		registerer: prometheus.NewRegistry(),
		openStore:  s.open,
		sleep:      s.sleep,
	}
}

func TestBuildDevelopmentDefaults(t *testing.T) {
	store := &scriptedStore{}
	res, err := build(context.Background(), testConfig(), store.options())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	t.Cleanup(func() { _ = res.Cleanup() })

	if res.Orchestrator == nil || res.Providers == nil {
		t.Fatalf("build() result missing orchestrator or providers: %+v", res)
	}
	if res.Providers.Default() != "mock" {
		t.Fatalf("Default() = %q, want mock", res.Providers.Default())
	}
	if degraded, _ := res.Health.Degraded(); degraded {
		t.Fatalf("Health.Degraded() = true, want false")
	}
}

func TestBuildRetriesTransientStorageFailures(t *testing.T) {
	store := &scriptedStore{errs: []error{
		apperr.New(apperr.KindNetwork, "connection refused"),
		apperr.New(apperr.KindTimeout, "storage init timed out"),
	}}
	res, err := build(context.Background(), testConfig(), store.options())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	t.Cleanup(func() { _ = res.Cleanup() })

	if store.calls != 3 {
		t.Fatalf("open calls = %d, want 3", store.calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(store.delays) != len(want) || store.delays[0] != want[0] || store.delays[1] != want[1] {
		t.Fatalf("delays = %v, want %v", store.delays, want)
	}
}

func TestBuildDoesNotRetryPermissionFailures(t *testing.T) {
	store := &scriptedStore{errs: []error{
		apperr.New(apperr.KindPermission, "password authentication failed"),
	}}
	_, err := build(context.Background(), testConfig(), store.options())
	if err == nil {
		t.Fatalf("build() error = nil, want permission failure")
	}
	if store.calls != 1 {
		t.Fatalf("open calls = %d, want 1", store.calls)
	}
}

func TestBuildProductionDegradesOnStorageFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Environment = "production"
	failure := apperr.New(apperr.KindNetwork, "connection refused")
	store := &scriptedStore{errs: []error{failure, failure, failure}}

	res, err := build(context.Background(), cfg, store.options())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	degraded, reason := res.Health.Degraded()
	if !degraded || reason == "" {
		t.Fatalf("Health.Degraded() = %v, %q", degraded, reason)
	}
	if res.Orchestrator != nil {
		t.Fatalf("degraded build wired an orchestrator")
	}

	rec := httptest.NewRecorder()
	res.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status = %d, want 503", rec.Code)
	}
	rec = httptest.NewRecorder()
	res.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", rec.Code)
	}
}

func TestBuildDevelopmentFailsOnStorageFailure(t *testing.T) {
	failure := apperr.New(apperr.KindNetwork, "connection refused")
	store := &scriptedStore{errs: []error{failure, failure, failure}}

	_, err := build(context.Background(), testConfig(), store.options())
	if err == nil {
		t.Fatalf("build() error = nil, want storage failure")
	}
	if !errors.Is(err, failure) {
		t.Fatalf("build() error = %v, want wrapped %v", err, failure)
	}
}

func TestBuildRejectsUnconfiguredDefaultProvider(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultProvider = "openai"
	store := &scriptedStore{}

	if _, err := build(context.Background(), cfg, store.options()); err == nil {
		t.Fatalf("build() error = nil, want missing provider error")
	}
}

func TestBuildRegistersOpenAIWhenKeyIsSet(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAIAPIKey = "sk-test"
	cfg.DefaultProvider = "openai"
	store := &scriptedStore{}

	res, err := build(context.Background(), cfg, store.options())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	t.Cleanup(func() { _ = res.Cleanup() })
	if res.Providers.Default() != "openai" {
		t.Fatalf("Default() = %q, want openai", res.Providers.Default())
	}
	if got := len(res.Providers.Statuses()); got != 2 {
		t.Fatalf("len(Statuses()) = %d, want 2", got)
	}
}
