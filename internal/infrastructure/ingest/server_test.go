package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/services"
	apperrors "rtcwatch/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []domain.TabID
	stats [][]domain.ConnectionStats
}

func (s *recordingSink) HandleStats(ctx context.Context, connections []domain.ConnectionStats, tabID domain.TabID) (*domain.QualityResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, tabID)
	s.stats = append(s.stats, connections)
	return &domain.QualityResult{Status: domain.StatusGood}, nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestServer(t *testing.T, tokens services.TokenService, cfg Config) (*Server, *recordingSink, string) {
	t.Helper()
	sink := &recordingSink{}
	srv := NewServer(sink, tokens, cfg, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, sink, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, srv *Server, tab domain.TabID) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.IsConnected(tab) }, time.Second, 5*time.Millisecond)
}

func TestServer_StatsAreHandledAndAcked(t *testing.T) {
	_, sink, url := newTestServer(t, nil, DefaultConfig())
	conn := dial(t, url+"?tab_id=12")

	payload, _ := json.Marshal(domain.StatsPayload{Stats: []domain.ConnectionStats{{
		ConnectionID: "pc-0",
		Stats:        []domain.RawStatEntry{{ID: "CP1", Type: domain.StatKindCandidatePair, RTT: domain.Float(30)}},
	}}})
	require.NoError(t, conn.WriteJSON(domain.Message{ID: "m1", Type: domain.MessageWebRTCStats, Payload: payload}))

	var ack domain.Message
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, domain.MessageAck, ack.Type)
	assert.Equal(t, "m1", ack.ID)
	assert.JSONEq(t, `{"status":"good"}`, string(ack.Payload))

	require.Equal(t, 1, sink.count())
	assert.Equal(t, domain.TabID("12"), sink.calls[0])
	assert.Equal(t, "pc-0", sink.stats[0][0].ConnectionID)
}

func TestServer_RejectsForeignTabID(t *testing.T) {
	_, sink, url := newTestServer(t, nil, DefaultConfig())
	conn := dial(t, url+"?tab_id=12")

	require.NoError(t, conn.WriteJSON(domain.Message{ID: "m1", Type: domain.MessageWebRTCStats, TabID: "13", Payload: json.RawMessage(`{"stats":[]}`)}))

	var reply domain.Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, domain.MessageError, reply.Type)
	assert.Contains(t, string(reply.Payload), "tab id mismatch")
	assert.Zero(t, sink.count())

	var body domain.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &body))
	assert.False(t, body.Retriable)
}

func TestRetriableRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", apperrors.NewRateLimitError(), true},
		{"storage", apperrors.NewStorageError("write", errors.New("quota")), true},
		{"deadline", fmt.Errorf("sink: %w", context.DeadlineExceeded), true},
		{"bad payload", errors.New("invalid webrtc-stats payload: unexpected end of JSON input"), false},
		{"unknown type", errors.New("unknown message type: bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retriableRejection(tt.err))
		})
	}
}

func TestServer_RateLimitsStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	_, sink, url := newTestServer(t, nil, cfg)
	conn := dial(t, url+"?tab_id=12")

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.WriteJSON(domain.Message{Type: domain.MessageWebRTCStats, Payload: json.RawMessage(`{"stats":[]}`)}))
	}

	var first, second domain.Message
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, domain.MessageAck, first.Type)
	assert.Equal(t, domain.MessageError, second.Type)
	assert.Contains(t, string(second.Payload), "rate limit exceeded")
	assert.Equal(t, 1, sink.count())

	var body domain.ErrorPayload
	require.NoError(t, json.Unmarshal(second.Payload, &body))
	assert.True(t, body.Retriable)
}

func TestServer_SendWaitsForReply(t *testing.T) {
	srv, _, url := newTestServer(t, nil, DefaultConfig())
	conn := dial(t, url+"?tab_id=12")
	waitConnected(t, srv, "12")

	go func() {
		var req domain.Message
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(domain.Message{
			ID:      req.ID,
			Type:    domain.MessageScanResult,
			Payload: json.RawMessage(`{"success":true,"candidates":[]}`),
		})
	}()

	reply, delivered, err := srv.Send(context.Background(), "12", domain.Message{Type: domain.MessageDumpStatsNow})
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.JSONEq(t, `{"success":true,"candidates":[]}`, string(reply))
	assert.Equal(t, []domain.TabID{"12"}, srv.Tabs())
}

func TestServer_SendWithoutListener(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	srv, _, url := newTestServer(t, nil, cfg)

	reply, delivered, err := srv.Send(context.Background(), "nobody", domain.Message{Type: domain.MessageDumpStatsNow})
	assert.NoError(t, err)
	assert.False(t, delivered)
	assert.Nil(t, reply)

	// a relay that never answers
	dial(t, url+"?tab_id=12")
	waitConnected(t, srv, "12")
	_, delivered, err = srv.Send(context.Background(), "12", domain.Message{Type: domain.MessageDumpStatsNow})
	assert.NoError(t, err)
	assert.False(t, delivered)
}

func TestServer_TokenAuthentication(t *testing.T) {
	tokens := services.NewTokenService("secret", time.Hour)
	cfg := DefaultConfig()
	cfg.RequireToken = true
	srv, _, url := newTestServer(t, tokens, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?tab_id=12", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := tokens.IssueRelayToken("77")
	require.NoError(t, err)
	dial(t, url+"?tab_id=12&token="+token)

	// the token decides the tab, not the query
	waitConnected(t, srv, "77")
	assert.False(t, srv.IsConnected("12"))
}
