package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/api"
	"github.com/hapa-ai/hapa/pkg/config"
	"github.com/hapa-ai/hapa/pkg/errlog"
	"github.com/hapa-ai/hapa/pkg/history"
	"github.com/hapa-ai/hapa/pkg/memory"
	"github.com/hapa-ai/hapa/pkg/offline"
	"github.com/hapa-ai/hapa/pkg/perf"
	"github.com/hapa-ai/hapa/pkg/telemetry"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	mem      *memory.Manager
	opt      *perf.Optimizer
	client   *api.Client
	history  *history.Store
	offline  *offline.Service
}

// openApp loads the configuration and builds every component. The offline
// service has its persisted state restored but is not started.
func openApp(configPath string, notifier offline.Notifier) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.metrics = telemetry.NewMetrics(a.registry)

	log := errlog.New(logrus.StandardLogger())
	a.mem = memory.New(memory.Options{
		Logger:           log,
		CacheMaxAge:      cfg.Memory.CacheMaxAge,
		CacheMaxEntries:  cfg.Memory.CacheMaxEntries,
		HeapWarningBytes: cfg.Memory.HeapWarningBytes,
	})
	a.opt = perf.New(a.mem, perf.Options{
		Logger:     log,
		MaxMetrics: cfg.Perf.MaxMetrics,
		Observer:   a.metrics,
	})
	a.client = api.New(cfg.API)

	var recorder offline.Recorder
	if cfg.History.Enabled {
		a.history, err = history.New(history.Options{
			DBPath:        cfg.History.DBPath,
			RetentionDays: cfg.History.RetentionDays,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open history db: %w", err)
		}
		recorder = a.history
	}

	opts := offline.OptionsFromConfig(cfg.Offline)
	opts.Backend = a.client
	opts.Notifier = notifier
	opts.History = recorder
	opts.Metrics = a.metrics
	opts.Logger = log
	a.offline = offline.New(a.mem, opts)
	if err := a.offline.Restore(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// start begins connectivity polling, which also drains the queue.
func (a *app) start(ctx context.Context) error {
	return a.offline.Start(ctx)
}

func (a *app) close() {
	if a.offline != nil {
		a.offline.Cleanup()
	}
	if a.opt != nil {
		a.opt.Cleanup()
	}
	if a.mem != nil {
		a.mem.Cleanup()
	}
	if a.history != nil {
		_ = a.history.Close()
	}
}

// logNotifier prints offline notifications for interactive commands.
var logNotifier = offline.NotifierFunc(func(n offline.Notification) {
	entry := logrus.WithFields(logrus.Fields{"kind": n.Kind, "pending": n.Pending})
	if n.Kind == offline.NotifyDropped {
		entry.Warn(n.Message)
		return
	}
	entry.Info(n.Message)
})
