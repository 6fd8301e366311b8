package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Admin serves metrics and health probes on a separate listener.
type Admin struct {
	log   *zap.Logger
	http  *http.Server
	ready atomic.Bool
}

// NewAdmin wires /metrics, /healthz and /readyz. A nil gatherer falls back to
// the default registry.
func NewAdmin(log *zap.Logger, reg prometheus.Gatherer, addr string, readHeaderTimeout time.Duration) *Admin {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultGatherer
	}
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}

	a := &Admin{log: log.Named("admin")}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if a.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	a.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a
}

// Start serves in the background until Shutdown.
func (a *Admin) Start() {
	go func() {
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	a.log.Info("admin server listening", zap.String("addr", a.http.Addr))
}

// SetReady flips the /readyz probe.
func (a *Admin) SetReady(ready bool) {
	a.ready.Store(ready)
}

func (a *Admin) Shutdown(ctx context.Context) {
	a.ready.Store(false)
	if err := a.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("admin server shutdown", zap.Error(err))
	}
}
