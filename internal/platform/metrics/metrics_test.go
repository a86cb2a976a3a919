package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMiddleware_countsErrors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, p := range []string{"/ok", "/bad", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.requestsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal))
}

func TestHandler_refreshesGauges(t *testing.T) {
	m := New()
	m.IncSessionsTornDown("idle")
	m.IncProxyRequests("manifest", "ok")

	rec := httptest.NewRecorder()
	m.Handler(func() { m.SetActiveSessions(4) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "iptv_relay_active_sessions 4"))
	assert.True(t, strings.Contains(string(body), `iptv_relay_sessions_torn_down_total{reason="idle"} 1`))
	assert.True(t, strings.Contains(string(body), `iptv_relay_proxy_requests_total{kind="manifest",outcome="ok"} 1`))
}
