package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hapa-ai/hapa/pkg/config"
	"github.com/hapa-ai/hapa/pkg/perf"
	"github.com/hapa-ai/hapa/pkg/telemetry"
)

const (
	reloadDelay    = 250 * time.Millisecond
	statusLogEvery = 10 * time.Second
)

func newRunCmd(configPath *string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the offline service in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(*configPath, logNotifier)
			if err != nil {
				return err
			}
			defer a.close()

			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Listen
			}
			if err := a.background(ctx, *configPath, metricsAddr); err != nil {
				return err
			}
			logrus.WithField("backend", a.client.BaseURL()).Info("[HAPA] running")
			<-ctx.Done()
			a.logReport()
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	return cmd
}

// background starts the offline service and the long-running helpers:
// memory monitoring, config reloads and the metrics endpoint. They stop
// when ctx is done or the app is closed.
func (a *app) background(ctx context.Context, configPath, metricsAddr string) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	a.mem.StartMemoryMonitoring(a.cfg.Memory.MonitorInterval)

	statusLog := perf.Throttle(a.opt, func(online bool) struct{} {
		st := a.offline.GetStatus()
		logrus.WithFields(logrus.Fields{
			"online":  online,
			"pending": st.PendingRequests,
		}).Info("[HAPA] connectivity changed")
		return struct{}{}
	}, statusLogEvery, perf.ThrottleOptions{Key: "status-log"})
	a.mem.AddEventListener("offline", a.offline.OnOnlineStatusChange(func(online bool) {
		statusLog.Call(online)
	}))

	reload := perf.Debounce(a.opt, func(cfg *config.Config) struct{} {
		a.reload(cfg)
		return struct{}{}
	}, reloadDelay, perf.DebounceOptions{Key: "config-reload"})
	go func() {
		if err := config.Watch(ctx, configPath, func(cfg *config.Config) { reload.Call(cfg) }); err != nil {
			logrus.WithError(err).Warn("[HAPA] config watching disabled")
		}
	}()

	if metricsAddr != "" {
		go func() {
			if err := serveMetrics(ctx, metricsAddr, a); err != nil {
				logrus.WithError(err).Error("[HAPA] metrics server stopped")
			}
		}()
	}
	return nil
}

// reload applies the settings that can change without a restart.
func (a *app) reload(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Warn("[HAPA] ignoring invalid config")
		return
	}
	a.client.Configure(cfg.API)
	if err := setupLogging(cfg.Log); err != nil {
		logrus.WithError(err).Warn("[HAPA] keeping previous log settings")
	}
	logrus.WithField("backend", cfg.API.BaseURL).Info("[HAPA] config reloaded")
}

func serveMetrics(ctx context.Context, addr string, a *app) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(a.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !a.offline.IsOnline() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("offline\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Info("[HAPA] metrics listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// logReport writes the slowest and most frequent functions at shutdown.
func (a *app) logReport() {
	r := a.opt.Report()
	for _, m := range r.Bottlenecks.SlowFunctions {
		logrus.WithFields(logrus.Fields{
			"function": m.FunctionName,
			"mean":     m.ExecutionTime,
			"calls":    m.CallCount,
		}).Info("[PERF] slow function")
	}
	logrus.WithFields(logrus.Fields{
		"functions": len(r.Metrics),
		"timers":    r.Memory.Timers,
		"intervals": r.Memory.Intervals,
	}).Info("[HAPA] shutting down")
}
