package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadyHandler(t *testing.T) {
	ready := false
	h := NewReadyHandler(func() bool { return ready })

	for _, tt := range []struct {
		ready      bool
		wantStatus int
		wantBody   string
	}{
		{ready: false, wantStatus: http.StatusServiceUnavailable, wantBody: "starting"},
		{ready: true, wantStatus: http.StatusOK, wantBody: "ready"},
	} {
		ready = tt.ready
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		require.Equal(t, tt.wantStatus, w.Code)
		require.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "application/json"))
		var content map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &content))
		require.Equal(t, tt.wantBody, content["status"])
		require.Contains(t, content, "started")
		require.Contains(t, content, "up")
	}
}
