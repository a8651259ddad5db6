package voice

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/audio"
	"github.com/ent0n29/voxnote/internal/reliability"
	"github.com/ent0n29/voxnote/internal/storage"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiProvider sends audio inline as a WAV part and asks for JSON entities.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperr.New(apperr.KindPermission, "gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindAIProvider, "create gemini client")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return ProviderGemini }

func (p *GeminiProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindTranscription, "encode wav")
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcriptionPrompt),
			genai.NewPartFromBytes(wav, "audio/wav"),
		}, genai.RoleUser),
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return "", geminiError(err, apperr.KindTranscription)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (p *GeminiProvider) ExtractEntities(ctx context.Context, transcript string) ([]storage.Entity, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(transcript), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(extractionPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	})
	if err != nil {
		return nil, geminiError(err, apperr.KindAIProvider)
	}
	entities, err := parseEntityJSON(resp.Text())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindAIProvider, "parse extraction response")
	}
	return entities, nil
}

func geminiError(err error, fallback apperr.Kind) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apperr.Wrap(err, reliability.KindForHTTPStatus(apiErr.Code, fallback), "gemini: "+apiErr.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.From(err)
	}
	return apperr.Wrap(err, apperr.KindNetwork, "gemini request")
}
