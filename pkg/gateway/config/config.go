package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Postgres
	DatabaseURL    string
	MigrateOnStart bool

	// Generative backend
	GeminiAPIKey         string
	GenerationModel      string
	TTSModel             string
	TTSVoice             string
	GenerationAttempts   int
	GenerationRetryDelay time.Duration

	// Audio blob storage
	S3Bucket       string
	S3PublicURL    string
	AudioNamespace string

	// Conversation scripts
	MaxScriptMessages int

	// Live WebSocket mode (/v1/live)
	LiveSetupTimeout          time.Duration
	LiveWSPingInterval        time.Duration
	LiveWSWriteTimeout        time.Duration
	LiveQueueSize             int
	LiveMaxAudioBytes         int64
	WSMaxSessionsPerPrincipal int

	// In-memory limits (per principal)
	LimitRPS   float64
	LimitBurst int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("VOX_ADDR", ":8080"),
		AuthMode:                  AuthMode(envOr("VOX_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                   make(map[string]struct{}),
		TrustProxyHeaders:         envBoolOr("VOX_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:              envInt64Or("VOX_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:        make(map[string]struct{}),
		DatabaseURL:               strings.TrimSpace(os.Getenv("VOX_DATABASE_URL")),
		MigrateOnStart:            envBoolOr("VOX_MIGRATE_ON_START", true),
		GeminiAPIKey:              strings.TrimSpace(os.Getenv("VOX_GEMINI_API_KEY")),
		GenerationModel:           envOr("VOX_GENERATION_MODEL", "gemini-2.5-flash"),
		TTSModel:                  envOr("VOX_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
		TTSVoice:                  envOr("VOX_TTS_VOICE", "Kore"),
		GenerationAttempts:        envIntOr("VOX_GENERATION_ATTEMPTS", 3),
		GenerationRetryDelay:      envDurationOr("VOX_GENERATION_RETRY_DELAY", 300*time.Millisecond),
		S3Bucket:                  strings.TrimSpace(os.Getenv("VOX_S3_BUCKET")),
		S3PublicURL:               strings.TrimSpace(os.Getenv("VOX_S3_PUBLIC_URL")),
		AudioNamespace:            envOr("VOX_AUDIO_NAMESPACE", "conversation-audio"),
		MaxScriptMessages:         envIntOr("VOX_MAX_SCRIPT_MESSAGES", 64),
		LiveSetupTimeout:          envDurationOr("VOX_LIVE_SETUP_TIMEOUT", 10*time.Second),
		LiveWSPingInterval:        envDurationOr("VOX_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:        envDurationOr("VOX_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveQueueSize:             envIntOr("VOX_LIVE_QUEUE_SIZE", 32),
		LiveMaxAudioBytes:         envInt64Or("VOX_LIVE_MAX_AUDIO_BYTES", 4<<20), // 4 MiB decoded
		WSMaxSessionsPerPrincipal: envIntOr("VOX_WS_MAX_SESSIONS_PER_PRINCIPAL", 2),
		LimitRPS:                  envFloat64Or("VOX_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                envIntOr("VOX_RATE_LIMIT_BURST", 4),
		ReadHeaderTimeout:         envDurationOr("VOX_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:               envDurationOr("VOX_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:            envDurationOr("VOX_TOTAL_REQUEST_TIMEOUT", 2*time.Minute),
		ShutdownGracePeriod:       envDurationOr("VOX_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOX_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VOX_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("VOX_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VOX_MAX_BODY_BYTES must be > 0")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("VOX_DATABASE_URL must be set")
	}
	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("VOX_GEMINI_API_KEY must be set")
	}
	if cfg.S3Bucket == "" {
		return Config{}, fmt.Errorf("VOX_S3_BUCKET must be set")
	}
	if strings.TrimSpace(cfg.AudioNamespace) == "" {
		return Config{}, fmt.Errorf("VOX_AUDIO_NAMESPACE must not be empty")
	}
	if cfg.GenerationAttempts <= 0 {
		return Config{}, fmt.Errorf("VOX_GENERATION_ATTEMPTS must be > 0")
	}
	if cfg.GenerationRetryDelay < 0 {
		return Config{}, fmt.Errorf("VOX_GENERATION_RETRY_DELAY must be >= 0")
	}
	if cfg.MaxScriptMessages < 2 {
		return Config{}, fmt.Errorf("VOX_MAX_SCRIPT_MESSAGES must be >= 2")
	}
	if cfg.LiveSetupTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_LIVE_SETUP_TIMEOUT must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOX_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOX_LIVE_QUEUE_SIZE must be > 0")
	}
	if cfg.LiveMaxAudioBytes <= 0 {
		return Config{}, fmt.Errorf("VOX_LIVE_MAX_AUDIO_BYTES must be > 0")
	}
	if cfg.WSMaxSessionsPerPrincipal <= 0 {
		return Config{}, fmt.Errorf("VOX_WS_MAX_SESSIONS_PER_PRINCIPAL must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VOX_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VOX_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOX_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOX_API_KEYS must be set when VOX_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
