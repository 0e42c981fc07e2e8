package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfarnham/hwkey-bridge/internal/hwkey"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	eng := hwkey.NewWithTransport("server-test-"+t.Name(), hwkey.NewDemoTransport(), hwkey.Config{})
	require.NoError(t, eng.Open())
	t.Cleanup(func() { eng.Close() })
	return New(DefaultConfig(), eng, nil)
}

func TestHandleSendStatusReply(t *testing.T) {
	s := newTestServer(t)

	// CommandWake (0x01): the demo key answers OK.
	req := httptest.NewRequest(http.MethodPost, "/api/send",
		strings.NewReader(`{"data":"01"}`))
	w := httptest.NewRecorder()
	s.handleSend(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp sendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, hwkey.ResponseOK, resp.Status)
	assert.Equal(t, "OK", resp.StatusName)
	assert.Empty(t, resp.Data)
}

func TestHandleSendOutputReply(t *testing.T) {
	s := newTestServer(t)

	// CommandInfo (0x02): the demo key answers with an output payload.
	req := httptest.NewRequest(http.MethodPost, "/api/send",
		strings.NewReader(`{"data":"02"}`))
	w := httptest.NewRecorder()
	s.handleSend(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp sendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data)
}

func TestHandleSendRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"not hex", `{"data":"zz"}`},
		{"empty", `{"data":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			s.handleSend(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/send", nil)
	w := httptest.NewRecorder()
	s.handleSend(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleConfigRoundTrip(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	w := httptest.NewRecorder()
	s.handleConfig(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var cfg map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Contains(t, cfg, "device")
	assert.Contains(t, cfg, "server")
}
