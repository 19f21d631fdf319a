package http

import (
	"encoding/json"
	"net/http"
	"time"
)

// NewReadyHandler reports ready once ready returns true. The started time
// is the moment the handler was built.
func NewReadyHandler(ready func() bool) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		var resp struct {
			Status  string    `json:"status"`
			Started time.Time `json:"started"`
			Up      string    `json:"up"`
		}
		resp.Started = started
		resp.Up = time.Since(started).Round(time.Second).String()

		status := http.StatusOK
		resp.Status = "ready"
		if ready != nil && !ready() {
			status = http.StatusServiceUnavailable
			resp.Status = "starting"
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
