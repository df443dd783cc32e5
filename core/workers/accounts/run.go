package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/laptopdesk/backplane/core/infra/bus"
	"github.com/laptopdesk/backplane/core/infra/config"
	"github.com/laptopdesk/backplane/core/infra/locks"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/infra/memory"
	infraMetrics "github.com/laptopdesk/backplane/core/infra/metrics"
	"github.com/laptopdesk/backplane/core/infra/objects"
	"github.com/laptopdesk/backplane/core/infra/records"
	"github.com/laptopdesk/backplane/core/infra/redisutil"
	"github.com/laptopdesk/backplane/core/rpc"
)

const serviceName = "backplane-worker"

// Run connects the worker to Redis and NATS and serves every worker topic
// until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, topicCfg *config.TopicsConfig) error {
	if cfg == nil {
		cfg = config.Load()
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

	prom := infraMetrics.NewProm("backplane")
	d := rpc.NewDispatcher(natsBus, memory.NewRedisReplyStore(client, cfg.ReplyTTL), topicCfg.Worker(),
		rpc.WithQueue(cfg.WorkerQueue),
		rpc.WithReplyTTL(cfg.ReplyTTL),
		rpc.WithDispatchMetrics(prom),
		rpc.WithDropRecorder(memory.NewDeadLetterStore(client)),
	)
	svc := New(records.New(client), objects.NewRedisStore(client), WithLocks(locks.NewRedisStore(client)))
	if err := svc.Register(d); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info(serviceName, "metrics listening", "addr", cfg.MetricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(serviceName, "metrics server error", "error", err)
		}
	}()
	defer metricsSrv.Close()

	logging.Info(serviceName, "serving", "subjects", len(d.Subjects()), "queue", cfg.WorkerQueue)
	return d.Run(ctx)
}
