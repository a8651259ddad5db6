package voice

import (
	"context"

	"github.com/ent0n29/voxnote/internal/storage"
)

// Transcriber turns raw PCM16LE mono audio into text. Empty audio must yield
// an empty transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Extractor pulls typed entities out of a transcript.
type Extractor interface {
	ExtractEntities(ctx context.Context, transcript string) ([]storage.Entity, error)
}

// Provider is a named AI backend offering both capabilities.
type Provider interface {
	Transcriber
	Extractor
	Name() string
}
