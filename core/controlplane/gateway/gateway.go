// Package gateway is the HTTP front of the backplane: it authenticates each
// request, validates the body and turns it into a correlated bus call.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/laptopdesk/backplane/core/auth"
	"github.com/laptopdesk/backplane/core/infra/buildinfo"
	"github.com/laptopdesk/backplane/core/infra/bus"
	"github.com/laptopdesk/backplane/core/infra/config"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/infra/memory"
	infraMetrics "github.com/laptopdesk/backplane/core/infra/metrics"
	"github.com/laptopdesk/backplane/core/infra/redisutil"
	"github.com/laptopdesk/backplane/core/infra/schema"
	"github.com/laptopdesk/backplane/core/protocol/wire"
	"github.com/laptopdesk/backplane/core/rpc"
)

const (
	serviceName           = "backplane-api"
	maxBodyBytes          = 1 << 20
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	shutdownTimeout       = 10 * time.Second
)

// invoker is the slice of rpc.Gateway the handlers use.
type invoker interface {
	Invoke(ctx context.Context, topicKey string, payload wire.Message, out any) error
}

// revocations records refresh tokens ended by logout or account deletion.
type revocations interface {
	auth.Revocations
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
}

// healthCheck reports whether a dependency is usable.
type healthCheck func(ctx context.Context) error

type server struct {
	calls       invoker
	issuer      *auth.Issuer
	cookies     auth.Cookies
	revoked     revocations
	cache       *memory.ResultCache
	deadLetters *memory.DeadLetterStore
	schemas     *schema.Registry
	admin       adminAccount
	paths       *auth.PathClassifier
	limiter     *tokenBucket
	metrics     infraMetrics.GatewayMetrics
	authMetrics infraMetrics.AuthMetrics
	checks      map[string]healthCheck
	started     time.Time
}

// Run wires the API process from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, topicCfg *config.TopicsConfig) error {
	if cfg == nil {
		cfg = config.Load()
	}
	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		return fmt.Errorf("init token issuer: %w", err)
	}
	schemas, err := schema.Requests()
	if err != nil {
		return fmt.Errorf("load request schemas: %w", err)
	}

	client, err := redisutil.Connect(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL, serviceName)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	table := topicCfg.Producer()
	rpcMetrics := infraMetrics.NewProm("backplane")
	producers := rpc.NewProducerFactory(natsBus, table, rpc.WithCompressMin(cfg.CompressMinSize))
	replies := memory.NewRedisReplyStore(client, cfg.ReplyTTL)
	defer replies.Close()
	calls := rpc.NewGateway(producers, replies,
		rpc.WithDefaultTimeout(cfg.RPCTimeout),
		rpc.WithPollInterval(cfg.PollInterval),
		rpc.WithRPCMetrics(rpcMetrics),
	)

	s := &server{
		calls:  calls,
		issuer: issuer,
		cookies: auth.Cookies{
			AccessName:  cfg.AccessCookieName,
			RefreshName: cfg.RefreshCookieName,
			Secure:      cfg.CookieSecure,
			AccessTTL:   cfg.AccessTokenTTL,
			RefreshTTL:  cfg.RefreshTokenTTL,
		},
		revoked:     auth.NewRevocationList(client),
		cache:       memory.NewResultCache(client, cfg.CacheTTL),
		deadLetters: memory.NewDeadLetterStore(client),
		schemas:     schemas,
		admin:       adminFromConfig(cfg),
		limiter:     newTokenBucketFromEnv(),
		metrics:     infraMetrics.NewGatewayProm("backplane_api"),
		authMetrics: rpcMetrics,
		checks: map[string]healthCheck{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
			"nats": func(context.Context) error {
				if !natsBus.IsConnected() {
					return errors.New(natsBus.Status())
				}
				return nil
			},
		},
		started: time.Now().UTC(),
	}
	if s.admin.name == "" {
		logging.Warn(serviceName, "admin login disabled", "reason", "ADMIN_USERNAME not set")
	}
	return startHTTPServer(ctx, s, cfg.HTTPAddr, cfg.MetricsAddr)
}

func startHTTPServer(ctx context.Context, s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info(serviceName, "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(serviceName, "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		_ = metricsSrv.Shutdown(sctx)
	}()

	logging.Info(serviceName, "http listening", "addr", httpAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error(serviceName, "http server error", "error", err)
		return err
	}
	return nil
}

// handler builds the routed, authenticated HTTP handler.
func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /{$}", s.instrumented("/", s.handleRoot))
	mux.HandleFunc("GET /health", s.instrumented("/health", s.handleHealth))

	// Auth
	mux.HandleFunc("POST /auth/register", s.instrumented("/auth/register", s.handleRegister))
	mux.HandleFunc("POST /auth/login/user", s.instrumented("/auth/login/user", s.handleLoginUser))
	mux.HandleFunc("POST /auth/login/admin", s.instrumented("/auth/login/admin", s.handleLoginAdmin))
	mux.HandleFunc("POST /auth/logout", s.instrumented("/auth/logout", s.handleLogout))
	mux.HandleFunc("GET /auth/users/me", s.instrumented("/auth/users/me", s.handleMe))

	// Account
	mux.HandleFunc("GET /account/profile", s.instrumented("/account/profile", s.handleProfile))
	mux.HandleFunc("DELETE /account", s.instrumented("/account", s.handleDeleteAccount))
	mux.HandleFunc("PATCH /account/username", s.instrumented("/account/username", s.handleUpdateUsername))
	mux.HandleFunc("PATCH /account/password", s.instrumented("/account/password", s.handleUpdatePassword))
	mux.HandleFunc("PATCH /account/email", s.instrumented("/account/email", s.handleUpdateEmail))
	mux.HandleFunc("GET /account/laptops", s.instrumented("/account/laptops", s.handleListLaptops))
	mux.HandleFunc("POST /account/laptops", s.instrumented("/account/laptops", s.handleAddLaptop))
	mux.HandleFunc("DELETE /account/laptops/{id}", s.instrumented("/account/laptops/{id}", s.handleDeleteLaptop))
	mux.HandleFunc("GET /account/activity", s.instrumented("/account/activity", s.handleListActivity))
	mux.HandleFunc("GET /account/result-file", s.instrumented("/account/result-file", s.handleGetResultFile))
	mux.HandleFunc("PUT /account/result-file", s.instrumented("/account/result-file", s.handlePutResultFile))

	// Admin
	mux.HandleFunc("GET /admin/users/all", s.instrumented("/admin/users/all", s.handleAdminAllUsers))
	mux.HandleFunc("POST /admin/users/search/{field}", s.instrumented("/admin/users/search/{field}", s.handleAdminSearch))
	mux.HandleFunc("GET /admin/dead-letters", s.instrumented("/admin/dead-letters", s.handleListDeadLetters))
	mux.HandleFunc("GET /admin/dead-letters/{id}", s.instrumented("/admin/dead-letters/{id}", s.handleGetDeadLetter))
	mux.HandleFunc("DELETE /admin/dead-letters/{id}", s.instrumented("/admin/dead-letters/{id}", s.handleDeleteDeadLetter))

	guard := auth.NewMiddleware(s.paths, s.issuer, &userLookup{calls: s.calls, admin: s.admin}, s.cookies,
		auth.WithRevocations(s.revoked),
		auth.WithAuthMetrics(s.authMetrics),
	)
	return corsMiddleware(rateLimitMiddleware(s.limiter, guard.Wrap(mux)))
}

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"build":   buildinfo.Fields(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	out := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": out})
}

// --- Middleware ---

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func newTokenBucketFromEnv() *tokenBucket {
	rps := defaultRateLimitRPS
	burst := defaultRateLimitBurst
	if val := os.Getenv("API_RATE_LIMIT_RPS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	if val := os.Getenv("API_RATE_LIMIT_BURST"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return newTokenBucket(rps, burst)
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

func rateLimitMiddleware(limiter *tokenBucket, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			writeDetail(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				writeDetail(w, http.StatusForbidden, "origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	for _, key := range []string{"BACKPLANE_ALLOWED_ORIGINS", "CORS_ALLOW_ORIGINS"} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if raw == "*" {
			return nil, true
		}
		set := make(map[string]struct{})
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				set[p] = struct{}{}
			}
		}
		return set, false
	}
	return nil, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}
