package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rtcwatch/internal/core/domain"
	apperrors "rtcwatch/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, endpoint string, cfg Config) *Client {
	t.Helper()
	cfg.Endpoint = endpoint
	return NewClient(cfg, zaptest.NewLogger(t).Sugar())
}

func TestClient_FetchConfiguration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, ConfigPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"enableNotifications":false,"uploadInterval":60000}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/", Config{})
	fragment, err := client.FetchConfiguration(context.Background())
	require.NoError(t, err)
	require.NotNil(t, fragment.EnableNotifications)
	assert.False(t, *fragment.EnableNotifications)
	require.NotNil(t, fragment.UploadInterval)
	assert.Equal(t, int64(60000), *fragment.UploadInterval)
}

func TestClient_FetchConfigurationRequiresEndpoint(t *testing.T) {
	client := newTestClient(t, "", Config{})

	_, err := client.FetchConfiguration(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfig))
	assert.Contains(t, err.Error(), "API endpoint not configured")
}

func TestClient_UploadData(t *testing.T) {
	var received []domain.StatSample
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, StatsPath, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &received))
		w.Write([]byte(`{"accepted":2}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})
	samples := []domain.StatSample{{ID: "a"}, {ID: "b"}}

	result, err := client.UploadData(context.Background(), samples)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.JSONEq(t, `{"accepted":2}`, string(result.Response))
	require.Len(t, received, 2)
	assert.Equal(t, "a", received[0].ID)
}

func TestClient_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})
	result, err := client.UploadData(context.Background(), []domain.StatSample{{ID: "a"}})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "HTTP 503: Service Unavailable", result.Error)
}

func TestClient_InvalidJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})
	_, err := client.FetchConfiguration(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{Timeout: 20 * time.Millisecond})
	_, err := client.FetchConfiguration(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTimeout))
}

func TestClient_BreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{BreakerFailures: 2, BreakerOpenPeriod: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.FetchConfiguration(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, "open", client.BreakerState())

	_, err := client.FetchConfiguration(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeServiceUnavailable))
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_TestConnection(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantSuccess   bool
		wantConnected bool
		wantError     string
	}{
		{name: "healthy", status: http.StatusOK, wantSuccess: true, wantConnected: true},
		{name: "failing", status: http.StatusBadGateway, wantError: "HTTP 502: Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, HealthPath, r.URL.Path)
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"status":"healthy"}`))
			}))
			defer server.Close()

			check := newTestClient(t, server.URL, Config{}).TestConnection(context.Background())
			assert.Equal(t, tt.wantSuccess, check.Success)
			assert.Equal(t, tt.wantConnected, check.Connected)
			assert.Equal(t, tt.wantError, check.Error)
		})
	}
}

func TestClient_TestConnectionWithoutEndpoint(t *testing.T) {
	check := newTestClient(t, "", Config{}).TestConnection(context.Background())
	assert.False(t, check.Success)
	assert.False(t, check.Connected)
	assert.Equal(t, "API endpoint not configured", check.Error)
}

func TestClient_TestEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, "", Config{})
	ctx := context.Background()

	ok := client.TestEndpoint(ctx, server.URL+"/api")
	assert.True(t, ok.Success)
	assert.True(t, ok.Accessible)
	assert.Equal(t, http.StatusOK, ok.Status)
	assert.Equal(t, "OK", ok.StatusText)

	missing := client.TestEndpoint(ctx, server.URL+"/missing")
	assert.True(t, missing.Success)
	assert.False(t, missing.Accessible)
	assert.Equal(t, http.StatusNotFound, missing.Status)

	unreachable := client.TestEndpoint(ctx, "http://127.0.0.1:1/")
	assert.False(t, unreachable.Success)
	assert.False(t, unreachable.Accessible)
	assert.NotEmpty(t, unreachable.Error)
}
