package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/laptopdesk/backplane/core/infra/buildinfo"
	"github.com/laptopdesk/backplane/core/infra/config"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/workers/accounts"
	"github.com/spf13/pflag"
)

const service = "backplane-worker"

func main() {
	if err := run(os.Args[1:]); err != nil {
		logging.Error(service, "exiting", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := config.Load()
	flags := pflag.NewFlagSet(service, pflag.ContinueOnError)
	flags.StringVar(&cfg.TopicsPath, "config-topics", cfg.TopicsPath, "path to the YAML topic table")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address")
	flags.StringVar(&cfg.WorkerQueue, "queue", cfg.WorkerQueue, "NATS queue group shared by worker replicas")
	showVersion := flags.Bool("version", false, "print build info and exit")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println(service, buildinfo.Info())
		return nil
	}

	buildinfo.Log(service)
	topicCfg, err := config.LoadTopics(cfg.TopicsPath)
	if err != nil {
		logging.Warn(service, "using built-in topic table", "path", cfg.TopicsPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return accounts.Run(ctx, cfg, topicCfg)
}
