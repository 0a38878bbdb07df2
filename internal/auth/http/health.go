package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aussiebroadwan/authcore/pkg/authsdk"
	"github.com/aussiebroadwan/authcore/pkg/httpx"
	"github.com/aussiebroadwan/authcore/pkg/slogx"
)

const readyzTimeout = 2 * time.Second

func healthResponse(status string, startTime time.Time, version string) authsdk.HealthResponse {
	return authsdk.HealthResponse{
		Status:  status,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Version: version,
	}
}

// LivezHandler always answers 200 while the process is serving.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		httpx.WriteJSON(w, http.StatusOK, healthResponse("ok", startTime, version))
	}
}

// probe is one readiness check. It writes "ok" or the error into result.
type probe struct {
	name   string
	result *string
	check  func(ctx context.Context) error
}

// ReadyzHandler reports 503 until the database answers, the redis refresh
// store (if any) answers and the current period's signing key is loadable.
// Probes run concurrently under one deadline.
func ReadyzHandler(
	startTime time.Time,
	version string,
	db Pinger,
	refreshStore Pinger,
	keys KeySource,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
		defer cancel()

		checks := &authsdk.HealthChecks{}
		probes := []probe{
			{"database", &checks.Database, db.Ping},
			// The rotation job or the first sign creates the active key
			{"signer", &checks.Signer, keys.Ready},
		}
		if refreshStore != nil {
			probes = append(probes, probe{"refresh_store", &checks.RefreshStore, refreshStore.Ping})
		}

		failed := make([]error, len(probes))
		var wg sync.WaitGroup
		for i, p := range probes {
			wg.Go(func() {
				failed[i] = p.check(ctx)
			})
		}
		wg.Wait()

		status, code := "ok", http.StatusOK
		for i, p := range probes {
			if err := failed[i]; err != nil {
				*p.result = "error: " + err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				slogx.FromContext(r.Context()).Warn("readiness probe failed", "probe", p.name, "error", err)
				continue
			}
			*p.result = "ok"
		}

		response := healthResponse(status, startTime, version)
		response.Checks = checks
		w.Header().Set("Cache-Control", "no-store")
		httpx.WriteJSON(w, code, response)
	}
}
