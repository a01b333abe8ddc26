package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Status is the JSON body served by the health endpoints.
type Status struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion sets the version string reported by health endpoints.
func SetVersion(v string) { version = v }

// Uptime returns how long this process has been running.
func Uptime() time.Duration { return time.Since(startTime) }

// HealthHandler always reports "healthy" once the process is up.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, Status{Status: "healthy", Timestamp: time.Now(), Version: version})
	}
}

// ReadyCheck is a dependency health probe, e.g. the metadata index or an
// optional KMS.
type ReadyCheck func(context.Context) error

// ReadinessHandler reports "ready" only once every check succeeds.
func ReadinessHandler(checks ...ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, Status{Status: "not_ready", Timestamp: time.Now(), Version: version})
				return
			}
		}
		writeStatus(w, http.StatusOK, Status{Status: "ready", Timestamp: time.Now(), Version: version})
	}
}

func writeStatus(w http.ResponseWriter, code int, status Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
