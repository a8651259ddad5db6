package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/audio"
	"github.com/ent0n29/voxnote/internal/reliability"
	"github.com/ent0n29/voxnote/internal/storage"
)

// OpenAIConfig configures an OpenAI-compatible HTTP backend.
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	ExtractionModel    string
	// UploadTimeout bounds one audio upload to /audio/transcriptions.
	UploadTimeout      time.Duration
}

const defaultUploadTimeout = 60 * time.Second

// OpenAIProvider talks to /audio/transcriptions and /chat/completions.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	if cfg.ExtractionModel == "" {
		cfg.ExtractionModel = "gpt-4o-mini"
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	// Deadlines are per call: the upload timeout here, the guard for the rest.
	return &OpenAIProvider{cfg: cfg, client: &http.Client{}}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

func (p *OpenAIProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindTranscription, "encode wav")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", p.cfg.TranscriptionModel); err != nil {
		return "", apperr.Wrap(err, apperr.KindTranscription, "build upload")
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", apperr.Wrap(err, apperr.KindTranscription, "build upload")
	}
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindTranscription, "build upload")
	}
	if _, err := fw.Write(wav); err != nil {
		return "", apperr.Wrap(err, apperr.KindTranscription, "build upload")
	}
	if err := mw.Close(); err != nil {
		return "", apperr.Wrap(err, apperr.KindTranscription, "build upload")
	}

	type transcription struct {
		Text string `json:"text"`
	}
	out, err := reliability.WithTimeout(ctx, p.cfg.UploadTimeout, "audio upload", func(ctx context.Context) (transcription, error) {
		var out transcription
		err := p.do(ctx, "/audio/transcriptions", mw.FormDataContentType(), &body, &out, apperr.KindTranscription)
		return out, err
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) ExtractEntities(ctx context.Context, transcript string) ([]storage.Entity, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}
	payload, err := json.Marshal(chatRequest{
		Model: p.cfg.ExtractionModel,
		Messages: []chatMessage{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: transcript},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindAIProvider, "marshal extraction request")
	}

	var out chatResponse
	if err := p.do(ctx, "/chat/completions", "application/json", bytes.NewReader(payload), &out, apperr.KindAIProvider); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, apperr.New(apperr.KindAIProvider, "extraction response has no choices")
	}
	entities, err := parseEntityJSON(out.Choices[0].Message.Content)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindAIProvider, "parse extraction response")
	}
	return entities, nil
}

func (p *OpenAIProvider) do(ctx context.Context, path, contentType string, body io.Reader, out any, fallback apperr.Kind) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, body)
	if err != nil {
		return apperr.Wrap(err, fallback, "create request")
	}
	req.Header.Set("Content-Type", contentType)
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	res, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return apperr.From(err)
		}
		return apperr.Wrap(err, apperr.KindNetwork, "send request")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		kind := reliability.KindForHTTPStatus(res.StatusCode, fallback)
		return apperr.Newf(kind, "openai %s status %d: %s", path, res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperr.Wrap(fmt.Errorf("decode %s response: %w", path, err), fallback, "decode response")
	}
	return nil
}
