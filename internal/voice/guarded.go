package voice

import (
	"context"
	"time"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/reliability"
	"github.com/ent0n29/voxnote/internal/storage"
)

// Deadlines applied to provider calls.
type Timeouts struct {
	Transcription        time.Duration
	PartialTranscription time.Duration
	Extraction           time.Duration
}

// GuardedProvider bounds each provider call with a deadline and routes it
// through the process-wide breaker for that provider and capability.
type GuardedProvider struct {
	inner      Provider
	transcribe *reliability.CircuitBreaker
	extract    *reliability.CircuitBreaker
	timeouts   Timeouts
}

// NewGuardedProvider wires inner to the breakers named
// "transcription:<name>" and "extraction:<name>" in breakers.
func NewGuardedProvider(inner Provider, breakers *reliability.Breakers, timeouts Timeouts) *GuardedProvider {
	if breakers == nil {
		breakers = reliability.NewBreakers(0, 0)
	}
	return &GuardedProvider{
		inner:      inner,
		transcribe: breakers.Get("transcription:" + inner.Name()),
		extract:    breakers.Get("extraction:" + inner.Name()),
		timeouts:   timeouts,
	}
}

func (g *GuardedProvider) Name() string { return g.inner.Name() }

// Transcribe runs a final transcription of the full session audio.
func (g *GuardedProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return g.transcribeWithin(ctx, g.timeouts.Transcription, "transcription", pcm, sampleRate)
}

// TranscribePartial runs a best-effort transcription of a recent window.
func (g *GuardedProvider) TranscribePartial(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return g.transcribeWithin(ctx, g.timeouts.PartialTranscription, "partial transcription", pcm, sampleRate)
}

func (g *GuardedProvider) transcribeWithin(ctx context.Context, d time.Duration, op string, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	return reliability.Do(g.transcribe, func() (string, error) {
		text, err := reliability.WithTimeout(ctx, d, g.Name()+" "+op, func(ctx context.Context) (string, error) {
			return g.inner.Transcribe(ctx, pcm, sampleRate)
		})
		return text, apperr.Wrap(err, apperr.KindTranscription, op+" failed")
	})
}

func (g *GuardedProvider) ExtractEntities(ctx context.Context, transcript string) ([]storage.Entity, error) {
	return reliability.Do(g.extract, func() ([]storage.Entity, error) {
		entities, err := reliability.WithTimeout(ctx, g.timeouts.Extraction, g.Name()+" extraction", func(ctx context.Context) ([]storage.Entity, error) {
			return g.inner.ExtractEntities(ctx, transcript)
		})
		return entities, apperr.Wrap(err, apperr.KindAIProvider, "entity extraction failed")
	})
}
