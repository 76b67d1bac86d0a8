// Package config loads the portal's runtime configuration from the
// environment, after reading an optional .env file.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tokenportal/portal/middleware"
	"github.com/tokenportal/portal/oidcconf"
)

// SessionBackend selects where SSO sessions are persisted.
type SessionBackend string

const (
	SessionCookie SessionBackend = "cookie"
	SessionRedis  SessionBackend = "redis"
)

// EventsBackend selects the transport of auth events.
type EventsBackend string

const (
	EventsNone  EventsBackend = "none"
	EventsRedis EventsBackend = "redis"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	ListenAddr  string
	PublicURL   string

	// TrustProxyHeaders honours X-Forwarded-For, -Proto and -Host. Only
	// enable it behind a reverse proxy that sets them.
	TrustProxyHeaders bool

	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCScopes       []string
	OIDCDiscovery    bool
	OIDCRedirectPath string
	OIDCPostLogout   string

	CookieKeyID   string
	CookieKeys    map[string][]byte
	CookieSecure  bool
	EphemeralKeys bool

	SessionBackend SessionBackend
	RedisURL       string

	BackendURL     string
	BackendTimeout time.Duration
	BackendRetries int

	WalletCooldown     time.Duration
	WalletRateLimitRPM int

	EventsBackend EventsBackend
	EventsTopic   string
	DefaultLocale string
}

// NeedsRedis reports whether sessions or events use Redis.
func (c Config) NeedsRedis() bool {
	return c.SessionBackend == SessionRedis || c.EventsBackend == EventsRedis
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "production"),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		PublicURL:   strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),

		TrustProxyHeaders: getBool("TRUST_PROXY_HEADERS", false),

		OIDCIssuer:       strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCClientID:     strings.TrimSpace(os.Getenv("OIDC_CLIENT_ID")),
		OIDCClientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
		OIDCScopes:       getFields("OIDC_SCOPES", oidcconf.DefaultScopes),
		OIDCDiscovery:    getBool("OIDC_DISCOVERY", false),
		OIDCRedirectPath: getEnv("OIDC_REDIRECT_PATH", oidcconf.DefaultRedirectPath),
		OIDCPostLogout:   getEnv("OIDC_POST_LOGOUT_PATH", oidcconf.DefaultPostLogoutRedirectPath),

		CookieKeyID:  strings.TrimSpace(os.Getenv("COOKIE_KEY_ID")),
		CookieSecure: getBool("COOKIE_SECURE", true),

		SessionBackend: SessionBackend(strings.ToLower(getEnv("SESSION_BACKEND", string(SessionCookie)))),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),

		BackendURL:     strings.TrimSpace(os.Getenv("BACKEND_URL")),
		BackendTimeout: getDuration("BACKEND_TIMEOUT", 10*time.Second),
		BackendRetries: getInt("BACKEND_RETRIES", 3),

		WalletCooldown:     getDuration("WALLET_COOLDOWN", 2*time.Second),
		WalletRateLimitRPM: getInt("WALLET_RATE_LIMIT_RPM", 30),

		EventsTopic:   getEnv("EVENTS_TOPIC", "portal.auth"),
		DefaultLocale: getEnv("DEFAULT_LOCALE", "en"),
	}

	keys, err := ParseKeys(os.Getenv("COOKIE_KEYS"))
	if err != nil {
		return Config{}, err
	}
	if len(keys) == 0 {
		// Sessions will not survive a restart.
		k := make([]byte, middleware.DefaultAEADKeysize)
		if _, err := rand.Read(k); err != nil {
			return Config{}, fmt.Errorf("generate cookie key: %w", err)
		}
		keys = map[string][]byte{"ephemeral": k}
		cfg.CookieKeyID = "ephemeral"
		cfg.EphemeralKeys = true
	}
	cfg.CookieKeys = keys
	if cfg.CookieKeyID == "" {
		if len(keys) != 1 {
			return Config{}, errors.New("COOKIE_KEY_ID is required when COOKIE_KEYS holds several keys")
		}
		for id := range keys {
			cfg.CookieKeyID = id
		}
	}
	if _, ok := keys[cfg.CookieKeyID]; !ok {
		return Config{}, fmt.Errorf("COOKIE_KEY_ID %q not found in COOKIE_KEYS", cfg.CookieKeyID)
	}

	switch cfg.SessionBackend {
	case SessionCookie, SessionRedis:
	default:
		return Config{}, fmt.Errorf("SESSION_BACKEND must be %q or %q", SessionCookie, SessionRedis)
	}
	defEvents := EventsNone
	if cfg.SessionBackend == SessionRedis {
		defEvents = EventsRedis
	}
	cfg.EventsBackend = EventsBackend(strings.ToLower(getEnv("EVENTS_BACKEND", string(defEvents))))
	switch cfg.EventsBackend {
	case EventsNone, EventsRedis:
	default:
		return Config{}, fmt.Errorf("EVENTS_BACKEND must be %q or %q", EventsNone, EventsRedis)
	}
	if cfg.BackendURL == "" {
		return Config{}, errors.New("BACKEND_URL is required")
	}
	if cfg.BackendRetries < 0 {
		cfg.BackendRetries = 0
	}
	return cfg, nil
}

// OIDC returns the provider configuration. Endpoints are the static
// Keycloak layout; with OIDCDiscovery set the caller replaces them through
// oidcconf.Discover.
func (c Config) OIDC() oidcconf.Config {
	return oidcconf.Config{
		Issuer:                 c.OIDCIssuer,
		ClientID:               c.OIDCClientID,
		ClientSecret:           c.OIDCClientSecret,
		Scopes:                 append([]string(nil), c.OIDCScopes...),
		Endpoints:              oidcconf.StaticEndpoints(c.OIDCIssuer),
		RedirectPath:           c.OIDCRedirectPath,
		PostLogoutRedirectPath: c.OIDCPostLogout,
	}
}

// ParseKeys parses "id:base64key,id2:base64key2". Keys may use standard or
// URL-safe base64, padded or not.
func ParseKeys(s string) (map[string][]byte, error) {
	keys := map[string][]byte{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, enc, ok := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("COOKIE_KEYS: entry %q must be id:base64", part)
		}
		key, err := decodeKey(strings.TrimSpace(enc))
		if err != nil {
			return nil, fmt.Errorf("COOKIE_KEYS: key %q: %w", id, err)
		}
		if len(key) != middleware.DefaultAEADKeysize {
			return nil, fmt.Errorf("COOKIE_KEYS: key %q must be %d bytes, got %d", id, middleware.DefaultAEADKeysize, len(key))
		}
		keys[id] = key
	}
	return keys, nil
}

func decodeKey(s string) ([]byte, error) {
	trimmed := strings.TrimRight(s, "=")
	if b, err := base64.RawStdEncoding.DecodeString(trimmed); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(trimmed)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

// getFields splits a space or comma separated list.
func getFields(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
		if len(fields) > 0 {
			return fields
		}
	}
	return append([]string(nil), def...)
}
