package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/voxnote/internal/config"
	"github.com/ent0n29/voxnote/internal/reliability"
	"github.com/ent0n29/voxnote/internal/voice"
)

// resolveProviders builds every provider the config allows. The mock provider
// is always registered; remote backends need an API key.
func resolveProviders(ctx context.Context, cfg config.Config, breakers *reliability.Breakers) (*voice.Registry, error) {
	timeouts := voice.Timeouts{
		Transcription:        cfg.Timeouts.Transcription,
		PartialTranscription: cfg.Timeouts.PartialTranscription,
		Extraction:           cfg.Timeouts.Extraction,
	}
	guard := func(p voice.Provider) *voice.GuardedProvider {
		return voice.NewGuardedProvider(p, breakers, timeouts)
	}

	providers := []*voice.GuardedProvider{guard(voice.NewMockProvider())}

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		providers = append(providers, guard(voice.NewOpenAIProvider(voice.OpenAIConfig{
			APIKey:             cfg.OpenAIAPIKey,
			BaseURL:            cfg.OpenAIBaseURL,
			TranscriptionModel: cfg.OpenAITranscriptionModel,
			ExtractionModel:    cfg.OpenAIExtractionModel,
			UploadTimeout:      cfg.Timeouts.Upload,
		})))
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := reliability.WithTimeout(ctx, cfg.Timeouts.InitStep, "gemini client init",
			func(ctx context.Context) (*voice.GeminiProvider, error) {
				return voice.NewGeminiProvider(ctx, voice.GeminiConfig{
					APIKey: cfg.GeminiAPIKey,
					Model:  cfg.GeminiModel,
				})
			})
		if err != nil {
			log.Printf("app: gemini provider unavailable: %v", err)
		} else {
			providers = append(providers, guard(gemini))
		}
	}

	registry := voice.NewRegistry(cfg.DefaultProvider, providers...)
	if _, err := registry.Resolve(""); err != nil {
		return nil, fmt.Errorf("STREAM_DEFAULT_PROVIDER=%s but that provider is not configured", cfg.DefaultProvider)
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	log.Printf("app: providers %s (default %s)", strings.Join(names, ","), registry.Default())
	return registry, nil
}
