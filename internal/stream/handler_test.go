package stream

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"iptv-relay/internal/platform/logger"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, f *fakeFactory) (*chi.Mux, *Manager) {
	t.Helper()
	m, _ := newTestManager(t, f)
	t.Cleanup(func() { shutdown(t, m) })
	r := chi.NewRouter()
	r.Route("/api/stream", NewHandler(m, logger.Discard()).Routes)
	return r, m
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_StartJoinStop(t *testing.T) {
	r, _ := newTestRouter(t, &fakeFactory{})

	rec := do(t, r, http.MethodPost, "/api/stream/start", map[string]string{"channelId": "ch1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var first StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "ch1", first.Key)
	assert.Equal(t, 1, first.ViewerCount)
	assert.Contains(t, first.DeliveryAddress, "ws://127.0.0.1:")

	rec = do(t, r, http.MethodPost, "/api/stream/start", map[string]string{"channelId": "ch1"})
	var second StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, 2, second.ViewerCount)
	assert.Equal(t, first.DeliveryAddress, second.DeliveryAddress)

	rec = do(t, r, http.MethodGet, "/api/stream/status/ch1", nil)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Active)
	assert.Equal(t, 2, st.ViewerCount)

	do(t, r, http.MethodPost, "/api/stream/stop", map[string]string{"channelId": "ch1"})
	rec = do(t, r, http.MethodPost, "/api/stream/stop", map[string]string{"channelId": "ch1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/stream/status/ch1", nil)
	st = Status{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Active)
	assert.Equal(t, 0, st.ViewerCount)
}

func TestHandler_StartByURL(t *testing.T) {
	r, _ := newTestRouter(t, &fakeFactory{})

	rec := do(t, r, http.MethodPost, "/api/stream/start", map[string]string{"url": "http://x/a.mp4"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, DeriveKey("", "http://x/a.mp4"), res.Key)

	rec = do(t, r, http.MethodGet, "/api/stream/status/"+res.Key, nil)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Active)
}

func TestHandler_StartErrors(t *testing.T) {
	r, _ := newTestRouter(t, &fakeFactory{})

	rec := do(t, r, http.MethodPost, "/api/stream/start", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/stream/start", bytes.NewReader([]byte("not json")))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/stream/start", map[string]string{"channelId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Channel not found", body["error"])
}

func TestHandler_StartUpstreamFailure(t *testing.T) {
	r, m := newTestRouter(t, &fakeFactory{encoderErr: assert.AnError})

	rec := do(t, r, http.MethodPost, "/api/stream/start", map[string]string{"channelId": "ch1"})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, m.List())
}

func TestHandler_Sessions(t *testing.T) {
	r, _ := newTestRouter(t, &fakeFactory{})
	do(t, r, http.MethodPost, "/api/stream/start", map[string]string{"channelId": "ch1"})
	do(t, r, http.MethodPost, "/api/stream/start", map[string]string{"channelId": "ch2"})

	rec := do(t, r, http.MethodGet, "/api/stream/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count    int           `json:"count"`
		Sessions []SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, "ch1", body.Sessions[0].Key)
	assert.Equal(t, 1, body.Sessions[0].ViewerCount)
}
