// Package redisutil dials the Redis deployment every backplane store shares.
package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/redis/go-redis/v9"
)

const (
	envTLSCA         = "REDIS_TLS_CA"
	envTLSCert       = "REDIS_TLS_CERT"
	envTLSKey        = "REDIS_TLS_KEY"
	envTLSInsecure   = "REDIS_TLS_INSECURE"
	envTLSServerName = "REDIS_TLS_SERVER_NAME"
	envClusterAddrs  = "REDIS_CLUSTER_ADDRESSES"

	defaultURL   = "redis://localhost:6379"
	pingTimeout  = 2 * time.Second
	pingAttempts = 3
	pingBackoff  = 250 * time.Millisecond
)

// Settings describes one Redis deployment: a URL plus the optional cluster
// seeds and TLS files operators supply through the environment.
type Settings struct {
	URL          string
	ClusterAddrs []string
	CAFile       string
	CertFile     string
	KeyFile      string
	ServerName   string
	Insecure     bool
}

// SettingsFromEnv combines url with the REDIS_TLS_* and cluster variables.
func SettingsFromEnv(url string) Settings {
	if strings.TrimSpace(url) == "" {
		url = defaultURL
	}
	return Settings{
		URL:          strings.TrimSpace(url),
		ClusterAddrs: splitList(os.Getenv(envClusterAddrs)),
		CAFile:       strings.TrimSpace(os.Getenv(envTLSCA)),
		CertFile:     strings.TrimSpace(os.Getenv(envTLSCert)),
		KeyFile:      strings.TrimSpace(os.Getenv(envTLSKey)),
		ServerName:   strings.TrimSpace(os.Getenv(envTLSServerName)),
		Insecure:     truthy(os.Getenv(envTLSInsecure)),
	}
}

// Connect dials url and checks the connection with PING, retrying briefly
// while Redis comes up next to the service.
func Connect(url string) (redis.UniversalClient, error) {
	return SettingsFromEnv(url).Connect(context.Background())
}

// Connect builds the client and pings it.
func (s Settings) Connect(ctx context.Context) (redis.UniversalClient, error) {
	client, err := s.Client()
	if err != nil {
		return nil, err
	}
	var pingErr error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		pingErr = client.Ping(pctx).Err()
		cancel()
		if pingErr == nil {
			return client, nil
		}
		if attempt < pingAttempts {
			logging.Warn("redis", "ping failed, retrying", "attempt", attempt, "error", pingErr)
			select {
			case <-time.After(time.Duration(attempt) * pingBackoff):
			case <-ctx.Done():
				_ = client.Close()
				return nil, ctx.Err()
			}
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("connect redis: %w", pingErr)
}

// Client builds a universal client without contacting the server. Cluster
// seeds, when set, replace the URL's host.
func (s Settings) Client() (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(s.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	tlsCfg, err := s.TLSConfig(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	addrs := s.ClusterAddrs
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsCfg,
	}), nil
}

// TLSConfig layers the configured files over base, which a rediss:// URL
// may already carry. It returns base unchanged when nothing is configured.
func (s Settings) TLSConfig(base *tls.Config) (*tls.Config, error) {
	if s.CAFile == "" && s.CertFile == "" && s.KeyFile == "" && s.ServerName == "" && !s.Insecure {
		return base, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}
	if s.Insecure {
		// #nosec G402 -- operator opt-in for local clusters.
		cfg.InsecureSkipVerify = true
	}
	if s.CAFile != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls ca parse: %s", s.CAFile)
		}
		cfg.RootCAs = pool
	}
	if s.CertFile != "" || s.KeyFile != "" {
		if s.CertFile == "" || s.KeyFile == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
