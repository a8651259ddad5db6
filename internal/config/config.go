package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the streaming transcription service.
type Config struct {
	BindAddr         string
	Environment      string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	DefaultProvider string

	OpenAIAPIKey             string
	OpenAIBaseURL            string
	OpenAITranscriptionModel string
	OpenAIExtractionModel    string

	GeminiAPIKey string
	GeminiModel  string

	Timeouts  Timeouts
	InitRetry InitRetry
	Breaker   Breaker
	Streaming Streaming
}

// Timeouts are the per-category deadlines of the timeout guard.
type Timeouts struct {
	InitStep             time.Duration
	WSRoundTrip          time.Duration
	Storage              time.Duration
	Upload               time.Duration
	Transcription        time.Duration
	PartialTranscription time.Duration
	Extraction           time.Duration
}

// InitRetry bounds service-initialization retries.
type InitRetry struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type Breaker struct {
	Threshold int
	Cooldown  time.Duration
}

// Streaming tunes the per-connection session state machine.
type Streaming struct {
	// PartialWindowChunks is both the buffering threshold and the size of the
	// recent window sent for partial transcription.
	PartialWindowChunks int
	// PartialEveryChunks spaces partial recomputation once the window is full.
	PartialEveryChunks       int
	MaxSessionsPerConnection int
	MaxChunkBytes            int
	MaxSessionAudioBytes     int
	SampleRate               int
}

// Production reports whether degraded-mode startup applies.
func (c Config) Production() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "production", "prod":
		return true
	default:
		return false
	}
}

// Load reads environment variables (and the optional APP_CONFIG_FILE) and
// applies safe defaults.
func Load() (Config, error) {
	src := viper.New()
	src.AutomaticEnv()
	if path := strings.TrimSpace(src.GetString("APP_CONFIG_FILE")); path != "" {
		src.SetConfigFile(path)
		if err := src.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("APP_CONFIG_FILE read error: %w", err)
		}
	}
	l := loader{src: src}

	cfg := Config{
		BindAddr:                 l.stringOr("APP_BIND_ADDR", ":8080"),
		Environment:              l.stringOr("APP_ENV", "development"),
		MetricsNamespace:         l.stringOr("APP_METRICS_NAMESPACE", "voxnote"),
		DatabaseURL:              l.trimmed("DATABASE_URL"),
		DefaultProvider:          strings.ToLower(l.stringOr("STREAM_DEFAULT_PROVIDER", "auto")),
		OpenAIAPIKey:             l.trimmed("OPENAI_API_KEY"),
		OpenAIBaseURL:            l.stringOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAITranscriptionModel: l.stringOr("OPENAI_TRANSCRIPTION_MODEL", "whisper-1"),
		OpenAIExtractionModel:    l.stringOr("OPENAI_EXTRACTION_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:             l.trimmed("GEMINI_API_KEY"),
		GeminiModel:              l.stringOr("GEMINI_MODEL", "gemini-2.0-flash"),
	}

	cfg.ShutdownTimeout = l.duration("APP_SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.AllowAnyOrigin = l.boolean("APP_ALLOW_ANY_ORIGIN", false)

	cfg.Timeouts = Timeouts{
		InitStep:             l.duration("TIMEOUT_INIT_STEP", 15*time.Second),
		WSRoundTrip:          l.duration("TIMEOUT_WS_ROUND_TRIP", 30*time.Second),
		Storage:              l.duration("TIMEOUT_STORAGE", 10*time.Second),
		Upload:               l.duration("TIMEOUT_UPLOAD", 60*time.Second),
		Transcription:        l.duration("TIMEOUT_TRANSCRIPTION", 120*time.Second),
		PartialTranscription: l.duration("TIMEOUT_PARTIAL_TRANSCRIPTION", 10*time.Second),
		Extraction:           l.duration("TIMEOUT_EXTRACTION", 60*time.Second),
	}
	cfg.InitRetry = InitRetry{
		MaxAttempts: l.integer("INIT_RETRY_MAX_ATTEMPTS", 3),
		BaseDelay:   l.duration("INIT_RETRY_BASE_DELAY", 2*time.Second),
	}
	cfg.Breaker = Breaker{
		Threshold: l.integer("BREAKER_FAILURE_THRESHOLD", 5),
		Cooldown:  l.duration("BREAKER_COOLDOWN", 30*time.Second),
	}
	cfg.Streaming = Streaming{
		PartialWindowChunks:      l.integer("STREAM_PARTIAL_WINDOW_CHUNKS", 5),
		PartialEveryChunks:       l.integer("STREAM_PARTIAL_EVERY_CHUNKS", 1),
		MaxSessionsPerConnection: l.integer("STREAM_MAX_SESSIONS_PER_CONNECTION", 8),
		MaxChunkBytes:            l.integer("STREAM_MAX_CHUNK_BYTES", 1<<20),
		MaxSessionAudioBytes:     l.integer("STREAM_MAX_SESSION_AUDIO_BYTES", 32<<20),
		SampleRate:               l.integer("STREAM_SAMPLE_RATE", 16000),
	}

	if l.err != nil {
		return Config{}, l.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DefaultProvider {
	case "auto", "mock", "openai", "gemini":
	default:
		return fmt.Errorf("invalid STREAM_DEFAULT_PROVIDER: %q (expected auto|mock|openai|gemini)", c.DefaultProvider)
	}
	if c.Streaming.PartialWindowChunks <= 0 {
		return fmt.Errorf("STREAM_PARTIAL_WINDOW_CHUNKS must be positive")
	}
	if c.Streaming.PartialEveryChunks <= 0 {
		return fmt.Errorf("STREAM_PARTIAL_EVERY_CHUNKS must be positive")
	}
	if c.Streaming.MaxSessionsPerConnection <= 0 {
		return fmt.Errorf("STREAM_MAX_SESSIONS_PER_CONNECTION must be positive")
	}
	if c.Streaming.SampleRate <= 0 {
		return fmt.Errorf("STREAM_SAMPLE_RATE must be positive")
	}
	if c.InitRetry.MaxAttempts <= 0 {
		return fmt.Errorf("INIT_RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.Breaker.Cooldown < time.Second {
		return fmt.Errorf("BREAKER_COOLDOWN must be at least 1s")
	}
	for name, d := range map[string]time.Duration{
		"TIMEOUT_INIT_STEP":             c.Timeouts.InitStep,
		"TIMEOUT_WS_ROUND_TRIP":         c.Timeouts.WSRoundTrip,
		"TIMEOUT_STORAGE":               c.Timeouts.Storage,
		"TIMEOUT_UPLOAD":                c.Timeouts.Upload,
		"TIMEOUT_TRANSCRIPTION":         c.Timeouts.Transcription,
		"TIMEOUT_PARTIAL_TRANSCRIPTION": c.Timeouts.PartialTranscription,
		"TIMEOUT_EXTRACTION":            c.Timeouts.Extraction,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// loader reads keys from viper and keeps the first parse error.
type loader struct {
	src *viper.Viper
	err error
}

func (l *loader) trimmed(key string) string {
	return strings.TrimSpace(l.src.GetString(key))
}

func (l *loader) stringOr(key, fallback string) string {
	v := l.trimmed(key)
	if v == "" {
		return fallback
	}
	return v
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	v := l.trimmed(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(fmt.Errorf("%s parse error: %w", key, err))
		return fallback
	}
	return d
}

func (l *loader) integer(key string, fallback int) int {
	v := l.trimmed(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(fmt.Errorf("%s parse error: %w", key, err))
		return fallback
	}
	return n
}

func (l *loader) boolean(key string, fallback bool) bool {
	v := strings.ToLower(l.trimmed(key))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		l.fail(fmt.Errorf("%s parse error: expected bool", key))
		return fallback
	}
}

func (l *loader) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}
