package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/writemesh/writemesh/internal/bus"
	"github.com/writemesh/writemesh/internal/coord"
	"github.com/writemesh/writemesh/internal/logger"
)

func newTestHandler(t *testing.T) (http.Handler, *coord.Coordinator) {
	t.Helper()

	c := coord.New(bus.NewNoopBus(), coord.Options{
		PeerID:            "api-test-peer",
		ElectionWindow:    20 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		LivenessInterval:  10 * time.Millisecond,
	}, logger.NewForComponent("api-test"))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })

	// The no-op bus promotes immediately
	require.Eventually(t, c.IsPrimary, time.Second, 5*time.Millisecond)

	return NewHTTPHandler(c), c
}

func TestGetStatus(t *testing.T) {
	handler, c := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/coordinator/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status coord.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, c.ID(), status.PeerID)
	assert.True(t, status.IsPrimary)
	assert.False(t, status.HasOtherPeers)
	assert.Equal(t, "primary", status.State)
}

func TestGetHealth(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestRequestFocus(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/coordinator/focus", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["requested"])
}

func TestGetInfo(t *testing.T) {
	handler, c := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, c.ID(), body["peer_id"])
	assert.Equal(t, true, body["is_primary"])
}
