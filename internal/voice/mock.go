package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voxnote/internal/audio"
	"github.com/ent0n29/voxnote/internal/storage"
)

// MockProvider is a local fallback used when no AI backend is configured.
// Transcripts are synthesized from the audio shape; extraction is
// pattern-based.
type MockProvider struct {
	// Script, when set, is returned verbatim for any non-empty audio.
	Script string

	extractor heuristicExtractor
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return ProviderMock }

func (p *MockProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", nil
	}
	if p.Script != "" {
		return p.Script, nil
	}
	secs := audio.DurationSeconds(len(pcm), sampleRate)
	if isSilent(pcm) {
		return fmt.Sprintf("[silence %.1fs]", secs), nil
	}
	return fmt.Sprintf("simulated voice input (%.1fs)", secs), nil
}

func (p *MockProvider) ExtractEntities(ctx context.Context, transcript string) ([]storage.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}
	return p.extractor.extract(transcript), nil
}

// isSilent reports whether every 16-bit sample sits within a small noise floor.
func isSilent(pcm []byte) bool {
	const floor = 64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		if v > floor || v < -floor {
			return false
		}
	}
	return true
}
