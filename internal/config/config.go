// Package config resolves runtime settings from the environment. A .env
// file in the working directory is applied first when present; real
// environment variables always win over file values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"botforge/internal/models"
)

// minSecretLen matches the key size required by the token box and the
// overlay URL signer.
const minSecretLen = 32

// OAuthCredentials is one platform's application registration.
type OAuthCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Configured reports whether the registration is complete enough to build
// an OAuth provider from.
func (c OAuthCredentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RedirectURI != ""
}

// Config is the resolved process configuration.
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	TLSCert string
	TLSKey  string

	SessionSecret string
	ServiceToken  string
	SettingsURL   string

	// StorageDriver is "memory" or "postgres".
	StorageDriver string
	DatabaseURL   string

	RedisURL    string
	EventStream string

	AdminOrigins   []string
	OverlayOrigins []string

	GlobalRPS   float64
	GlobalBurst int
	AuthLimit   int
	AuthWindow  time.Duration

	OAuth map[models.Platform]OAuthCredentials

	LocalAIOnly  bool
	OllamaURL    string
	OpenAIAPIKey string
	AITimeout    time.Duration
}

// Load reads the environment and validates the result. Errors here are
// fatal: the process cannot run on a partial configuration.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		Addr:           firstNonEmpty(os.Getenv("ADDR"), ":8080"),
		LogLevel:       firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
		LogFormat:      firstNonEmpty(os.Getenv("LOG_FORMAT"), "json"),
		TLSCert:        strings.TrimSpace(os.Getenv("TLS_CERT")),
		TLSKey:         strings.TrimSpace(os.Getenv("TLS_KEY")),
		SessionSecret:  os.Getenv("SESSION_SECRET"),
		ServiceToken:   strings.TrimSpace(os.Getenv("SERVICE_AUTH_TOKEN")),
		SettingsURL:    firstNonEmpty(os.Getenv("SETTINGS_URL"), "/settings"),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:       strings.TrimSpace(os.Getenv("REDIS_URL")),
		EventStream:    firstNonEmpty(os.Getenv("EVENT_STREAM"), "botforge:events"),
		AdminOrigins:   splitAndTrim(os.Getenv("ADMIN_ORIGINS")),
		OverlayOrigins: splitAndTrim(os.Getenv("OVERLAY_ORIGINS")),
		GlobalRPS:      resolveFloat("RATE_GLOBAL_RPS"),
		GlobalBurst:    resolveInt("RATE_GLOBAL_BURST"),
		AuthLimit:      resolveInt("RATE_AUTH_LIMIT"),
		AuthWindow:     resolveDuration("RATE_AUTH_WINDOW", 0),
		LocalAIOnly:    resolveBool("LOCAL_AI_ONLY"),
		OllamaURL:      strings.TrimSpace(os.Getenv("OLLAMA_URL")),
		OpenAIAPIKey:   strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		AITimeout:      resolveDuration("AI_TIMEOUT", 30*time.Second),
	}

	if len(cfg.SessionSecret) < minSecretLen {
		return Config{}, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSecretLen)
	}
	if cfg.ServiceToken == "" {
		return Config{}, errors.New("SERVICE_AUTH_TOKEN is required")
	}

	driver, err := resolveStorageDriver(os.Getenv("STORAGE_DRIVER"), cfg.DatabaseURL)
	if err != nil {
		return Config{}, err
	}
	cfg.StorageDriver = driver

	cfg.OAuth = make(map[models.Platform]OAuthCredentials)
	for _, platform := range []models.Platform{
		models.PlatformTwitch,
		models.PlatformYouTube,
		models.PlatformKick,
		models.PlatformSpotify,
	} {
		creds, present, err := oauthFromEnv(platform)
		if err != nil {
			return Config{}, err
		}
		if present {
			cfg.OAuth[platform] = creds
		}
	}

	return cfg, nil
}

func resolveStorageDriver(raw, databaseURL string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(raw))
	switch driver {
	case "":
		if databaseURL != "" {
			return "postgres", nil
		}
		return "memory", nil
	case "memory":
		return "memory", nil
	case "postgres":
		if databaseURL == "" {
			return "", errors.New("postgres storage selected without DATABASE_URL")
		}
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func oauthFromEnv(platform models.Platform) (OAuthCredentials, bool, error) {
	prefix := strings.ToUpper(string(platform))
	creds := OAuthCredentials{
		ClientID:     strings.TrimSpace(os.Getenv(prefix + "_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv(prefix + "_CLIENT_SECRET")),
		RedirectURI:  strings.TrimSpace(os.Getenv(prefix + "_REDIRECT_URI")),
	}
	if creds == (OAuthCredentials{}) {
		return OAuthCredentials{}, false, nil
	}
	if !creds.Configured() {
		return OAuthCredentials{}, false, fmt.Errorf("%s oauth credentials are incomplete: client id, secret, and redirect URI are all required", platform)
	}
	return creds, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveBool(envKey string) bool {
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

func resolveInt(envKey string) int {
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(envKey string) float64 {
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseFloat(env, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(envKey string, fallback time.Duration) time.Duration {
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
