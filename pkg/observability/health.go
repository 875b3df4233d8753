package observability

import (
	"context"
	"encoding/json"
	"net/http"
)

const (
	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"

	healthServiceName = "synopticon"
)

// ReadyCheck probes one subsystem. A nil return means the subsystem can
// serve; the error explains why it cannot.
type ReadyCheck func(ctx context.Context) error

// HealthHandler serves liveness at /healthz: the process is up, nothing
// more. Always HTTP 200.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeHealth(rw, http.StatusOK, map[string]string{
			"status":  healthStatusOK,
			"service": healthServiceName,
		})
	})
}

// ReadyHandler serves readiness at /readyz. Checks run in order; the first
// failure turns the response into HTTP 503 with the check's error as the
// reason. No checks means always ready.
func ReadyHandler(checks ...ReadyCheck) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		for _, check := range checks {
			err := check(hr.Context())
			if err != nil {
				writeHealth(rw, http.StatusServiceUnavailable, map[string]string{
					"status":  healthStatusUnavailable,
					"service": healthServiceName,
					"reason":  err.Error(),
				})

				return
			}
		}

		writeHealth(rw, http.StatusOK, map[string]string{
			"status":  healthStatusOK,
			"service": healthServiceName,
		})
	})
}

func writeHealth(rw http.ResponseWriter, code int, body map[string]string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)

	data, err := json.Marshal(body)
	if err != nil {
		return
	}

	_, _ = rw.Write(data)
}
