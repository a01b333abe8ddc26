package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/discordfs/discordfs/internal/middleware"
)

// AdminServer exposes the engine's operational surface: liveness,
// readiness and Prometheus metrics. It carries no data-plane routes —
// every filesystem operation goes through the kernel bridge, never HTTP.
type AdminServer struct {
	srv *http.Server
	log *logrus.Entry
}

// NewAdminServer builds the admin router. readyChecks are consulted by
// /readyz; /metrics serves the default Prometheus gatherer via
// promhttp.Handler, so instruments appear there only when they were
// registered against prometheus.DefaultRegisterer. The metrics argument
// itself is not read.
func NewAdminServer(addr string, metrics *Metrics, readyChecks []ReadyCheck, log *logrus.Entry) *AdminServer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	// metrics is registered against its registry at construction time in
	// main; by the time the admin server is serving /metrics, the ros,
	// fsadapter and metaindex call sites have already been recording
	// against the same instruments.

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(middleware.RecoveryMiddleware(log.Logger)))
	r.HandleFunc("/healthz", HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", ReadinessHandler(readyChecks...)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return &AdminServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.WithField("component", "telemetry"),
	}
}

// ListenAndServe blocks serving the admin surface until Shutdown is
// called. It never returns a non-nil error on clean shutdown.
func (a *AdminServer) ListenAndServe() error {
	a.log.WithField("addr", a.srv.Addr).Info("admin server listening")
	if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the admin server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}
