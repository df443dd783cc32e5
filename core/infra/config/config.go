package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultHTTPAddr        = ":8000"
	defaultMetricsAddr     = ":9092"
	defaultTopicsPath      = "config/topics.yaml"
	defaultRPCTimeout      = 10 * time.Second
	defaultPollInterval    = 100 * time.Millisecond
	defaultReplyTTL        = 60 * time.Second
	defaultCacheTTL        = 60 * time.Second
	defaultAccessMinutes   = 15
	defaultRefreshMinutes  = 60 * 24 * 7
	defaultAccessCookie    = "Bearer-token"
	defaultRefreshCookie   = "Refresh-token"
	defaultAdminID         = "1209"
	defaultCompressMinSize = 1024

	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envHTTPAddr         = "HTTP_ADDR"
	envMetricsAddr      = "METRICS_ADDR"
	envTopicsPath       = "TOPICS_CONFIG_PATH"
	envRPCTimeout       = "RPC_TIMEOUT"
	envPollInterval     = "RPC_POLL_INTERVAL"
	envReplyTTL         = "REPLY_TTL"
	envCacheTTL         = "RESULT_CACHE_TTL"
	envCompressMinSize  = "BUS_COMPRESS_MIN_BYTES"
	envJWTSecret        = "JWT_SECRET"
	envAccessMinutes    = "ACCESS_TOKEN_EXPIRE_MINUTES"
	envRefreshMinutes   = "REFRESH_TOKEN_EXPIRE_MINUTES"
	envAccessCookie     = "JWT_COOKIE_NAME"
	envRefreshCookie    = "JWT_REFRESH_COOKIE_NAME"
	envCookieSecure     = "JWT_SECURE"
	envAdminID          = "ADMIN_ID"
	envAdminName        = "ADMIN_USERNAME"
	envAdminPassword    = "ADMIN_PASSWORD"
	envAdminPasswordBcr = "ADMIN_PASSWORD_BCRYPT"
	envWorkerQueue      = "WORKER_QUEUE"
)

// Config holds process-wide settings. It is built once in main and handed to
// every component constructor.
type Config struct {
	NatsURL     string
	RedisURL    string
	HTTPAddr    string
	MetricsAddr string
	TopicsPath  string
	WorkerQueue string

	RPCTimeout      time.Duration
	PollInterval    time.Duration
	ReplyTTL        time.Duration
	CacheTTL        time.Duration
	CompressMinSize int

	JWTSecret         string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	AccessCookieName  string
	RefreshCookieName string
	CookieSecure      bool

	AdminID             string
	AdminName           string
	AdminPassword       string
	AdminPasswordBcrypt string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:     stringEnv(envNATSURL, defaultNATSURL),
		RedisURL:    stringEnv(envRedisURL, defaultRedisURL),
		HTTPAddr:    stringEnv(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr: stringEnv(envMetricsAddr, defaultMetricsAddr),
		TopicsPath:  stringEnv(envTopicsPath, defaultTopicsPath),
		WorkerQueue: stringEnv(envWorkerQueue, "backplane-worker"),

		RPCTimeout:      durationEnv(envRPCTimeout, defaultRPCTimeout),
		PollInterval:    durationEnv(envPollInterval, defaultPollInterval),
		ReplyTTL:        durationEnv(envReplyTTL, defaultReplyTTL),
		CacheTTL:        durationEnv(envCacheTTL, defaultCacheTTL),
		CompressMinSize: intEnv(envCompressMinSize, defaultCompressMinSize),

		JWTSecret:         os.Getenv(envJWTSecret),
		AccessTokenTTL:    time.Duration(intEnv(envAccessMinutes, defaultAccessMinutes)) * time.Minute,
		RefreshTokenTTL:   time.Duration(intEnv(envRefreshMinutes, defaultRefreshMinutes)) * time.Minute,
		AccessCookieName:  stringEnv(envAccessCookie, defaultAccessCookie),
		RefreshCookieName: stringEnv(envRefreshCookie, defaultRefreshCookie),
		CookieSecure:      boolEnv(envCookieSecure),

		AdminID:             stringEnv(envAdminID, defaultAdminID),
		AdminName:           strings.TrimSpace(os.Getenv(envAdminName)),
		AdminPassword:       os.Getenv(envAdminPassword),
		AdminPasswordBcrypt: strings.TrimSpace(os.Getenv(envAdminPasswordBcr)),
	}
}

func stringEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// durationEnv accepts Go durations ("750ms") or plain seconds ("60").
func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
