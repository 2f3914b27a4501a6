package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/metrics"
	"github.com/dgnsrekt/rental-realtime/internal/realtime"
)

// openSession builds a session from the loaded config. When reg is
// non-nil the session records metrics into it.
func openSession(reg prometheus.Registerer) (*realtime.Session, error) {
	client := api.NewClient(cfg.APIOptions(), cfg.Identity(), logger)

	var m *metrics.Client
	if reg != nil {
		m = metrics.NewClient(reg)
	}
	s, err := realtime.NewSession(realtime.Options{
		Config:  cfg.Session(),
		API:     client,
		UserID:  cfg.API.UserID,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.OnStateChange(func(st realtime.Status) {
		logger.Info("connection state", zap.String("state", string(st.State)), zap.String("tier", st.Tier.String()))
	})
	return s, nil
}

// waitLive blocks until the session delivers events or ctx ends.
func waitLive(ctx context.Context, s *realtime.Session) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !s.ConnectionState().Live() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// serveMetrics exposes reg on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
}
