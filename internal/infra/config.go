package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"server/internal/retry"
)

// Config is the application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	CozeBaseURL    string
	CozeToken      string
	CozeWorkflowID string
	CozeSpaceID    string

	MaxUploadBytes int64
	CacheTTL       time.Duration
	SpoolPath      string

	UploadRetry  retry.Options
	ResolveRetry retry.Options
	RunRetry     retry.Options
	RunRetryAlt  retry.Options

	DefaultLanguage string
	GeoIPDBPath     string
	AllowedOrigins  []string
	RateLimitPerMin int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig reads the environment and applies defaults. The Coze token and
// workflow id are required: a missing credential fails startup here instead
// of surfacing as an upstream 401 on the first request.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		CozeBaseURL:      getEnv("COZE_API_BASE_URL", "https://api.coze.cn"),
		CozeToken:        os.Getenv("COZE_TOKEN"),
		CozeWorkflowID:   os.Getenv("COZE_WORKFLOW_ID"),
		CozeSpaceID:      os.Getenv("COZE_SPACE_ID"),
		MaxUploadBytes:   int64(getEnvInt("MAX_UPLOAD_MB", 10)) << 20,
		CacheTTL:         time.Second * time.Duration(getEnvInt("PROMPT_CACHE_TTL_SECONDS", 300)),
		SpoolPath:        os.Getenv("UPLOAD_SPOOL_PATH"),
		DefaultLanguage:  getEnv("DEFAULT_LANGUAGE", "en"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		AllowedOrigins:   splitAndTrim(os.Getenv("ALLOWED_ORIGINS")),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 120)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 300)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	attempts := getEnvInt("COZE_RETRY_ATTEMPTS", 2)
	cfg.UploadRetry = retry.Options{
		Attempts:  attempts,
		BaseDelay: 500 * time.Millisecond,
		Timeout:   time.Second * time.Duration(getEnvInt("COZE_UPLOAD_TIMEOUT_SECONDS", 60)),
	}
	cfg.ResolveRetry = retry.Options{
		Attempts:  attempts,
		BaseDelay: 500 * time.Millisecond,
		Timeout:   time.Second * time.Duration(getEnvInt("COZE_RESOLVE_TIMEOUT_SECONDS", 30)),
	}
	runTimeout := time.Second * time.Duration(getEnvInt("COZE_RUN_TIMEOUT_SECONDS", 90))
	cfg.RunRetry = retry.Options{Attempts: attempts, BaseDelay: 600 * time.Millisecond, Timeout: runTimeout}
	cfg.RunRetryAlt = retry.Options{Attempts: attempts, BaseDelay: 800 * time.Millisecond, Timeout: runTimeout}

	if strings.TrimSpace(cfg.CozeToken) == "" {
		return nil, fmt.Errorf("COZE_TOKEN is required")
	}
	if strings.TrimSpace(cfg.CozeWorkflowID) == "" {
		return nil, fmt.Errorf("COZE_WORKFLOW_ID is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitAndTrim(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
