package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apiv1 "github.com/beam-cloud/airsync/pkg/api/v1"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeResponse(w http.ResponseWriter, status int, resp apiv1.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func TestClient_DecodesData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/v1/projects/p1/sync", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		writeResponse(w, http.StatusOK, apiv1.Response{Success: true, Data: types.SyncCounts{Created: 2, Deleted: 1}})
	}))
	t.Cleanup(srv.Close)

	counts, err := NewClient(srv.URL, "secret").ForceSync(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{Created: 2, Deleted: 1}, counts)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, http.StatusForbidden, apiv1.Response{Error: "permission denied", Code: "permission_denied"})
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL, "").GetSandbox(context.Background(), "p1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "permission_denied", apiErr.Code)

	assert.Contains(t, FormatError(err), "Access denied")
	assert.NotEmpty(t, GetErrorSuggestions(err))
}

func TestNewClient_AddsScheme(t *testing.T) {
	c := NewClient("localhost:1995/", "")
	assert.Equal(t, "http://localhost:1995/api/v1", c.baseURL)
}

func TestWaitForSandbox_PollsWhilePending(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch {
		case n == 1:
			writeResponse(w, http.StatusAccepted, apiv1.Response{Success: true, Data: types.SandboxRequestResult{Status: types.SandboxRequestPending}})
		case n == 2:
			writeResponse(w, http.StatusServiceUnavailable, apiv1.Response{Error: "no capacity", Code: "sandbox_unavailable"})
		default:
			writeResponse(w, http.StatusOK, apiv1.Response{Success: true, Data: types.SandboxRequestResult{
				Status:  types.SandboxRequestReady,
				Sandbox: &types.SandboxState{ProjectID: "p1", Status: types.SandboxStatusReady},
			}})
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := waitForSandbox(ctx, NewClient(srv.URL, ""), "p1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.SandboxRequestReady, res.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForSandbox_StopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeResponse(w, http.StatusUnauthorized, apiv1.Response{Error: "authentication required", Code: "auth_required"})
	}))
	t.Cleanup(srv.Close)

	_, err := waitForSandbox(context.Background(), NewClient(srv.URL, ""), "p1", 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFormatError_Connection(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1", "").ListSandboxes(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Cannot connect to gateway", FormatError(err))
}
