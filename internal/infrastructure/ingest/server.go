// Package ingest is the privileged end of the relay channel: page relays
// connect over a websocket, push captured statistics and answer on-demand
// scan requests.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	"rtcwatch/internal/core/services"
	apperrors "rtcwatch/pkg/errors"
	"rtcwatch/pkg/tracing"
	"rtcwatch/pkg/utils"
	"rtcwatch/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration
	RequireToken      bool
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		RequestTimeout:    5 * time.Second,
		MessagesPerSecond: 20,
		Burst:             40,
		MaxMessageSize:    1 << 20,
	}
}

type Server struct {
	sink   ports.StatsSink
	tokens services.TokenService
	cfg    Config
	logger *zap.SugaredLogger

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	relays map[domain.TabID]*relay
}

// relay is one connected page relay.
type relay struct {
	tabID   domain.TabID
	relayID string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan domain.Message
	closed    chan struct{}
}

func NewServer(sink ports.StatsSink, tokens services.TokenService, cfg Config, logger *zap.SugaredLogger) *Server {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = def.MessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	s := &Server{
		sink:   sink,
		tokens: tokens,
		cfg:    cfg,
		logger: logger,
		relays: make(map[domain.TabID]*relay),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// authenticate resolves the tab a connecting relay speaks for. The token
// claims are authoritative; the tab_id query parameter is only honoured when
// tokens are not required.
func (s *Server) authenticate(r *http.Request) (domain.TabID, string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}

	if token != "" && s.tokens != nil {
		claims, err := s.tokens.ValidateRelayToken(token)
		if err != nil {
			return "", "", err
		}
		return claims.TabID, claims.RelayID, nil
	}
	if s.cfg.RequireToken {
		return "", "", services.ErrUnauthorized
	}

	tabID := r.URL.Query().Get("tab_id")
	if err := validation.ValidateTabID(tabID); err != nil {
		return "", "", err
	}
	return domain.TabID(tabID), utils.GenerateRelayID(), nil
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tabID, relayID, err := s.authenticate(r)
	if err != nil {
		s.logger.Warnw("Relay rejected", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	rl := &relay{
		tabID:   tabID,
		relayID: relayID,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
		pending: make(map[string]chan domain.Message),
		closed:  make(chan struct{}),
	}

	s.mu.Lock()
	previous, reconnect := s.relays[tabID]
	s.relays[tabID] = rl
	s.mu.Unlock()
	if reconnect {
		previous.conn.Close()
		s.logger.Infow("Replacing relay connection", "tab_id", tabID)
	}
	s.logger.Infow("Relay connected", "tab_id", tabID, "relay_id", relayID, "reconnect", reconnect)

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messages := make(chan domain.Message, 16)
	readErr := make(chan error, 1)

	go func() {
		for {
			var msg domain.Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			messages <- msg
		}
	}()

loop:
	for {
		select {
		case msg := <-messages:
			if err := s.handleMessage(r.Context(), rl, msg); err != nil {
				s.logger.Infow("Relay message rejected", "tab_id", tabID, "type", msg.Type, "error", err)
				s.sendError(rl, msg.ID, err)
			}

		case <-pingTicker.C:
			if err := rl.write(websocket.PingMessage, nil, s.cfg.WriteTimeout); err != nil {
				s.logger.Infow("Relay ping failed", "tab_id", tabID, "error", err)
				break loop
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("Relay read failed", "tab_id", tabID, "error", err)
			}
			break loop
		}
	}

	s.mu.Lock()
	if s.relays[tabID] == rl {
		delete(s.relays, tabID)
	}
	s.mu.Unlock()
	rl.close()

	s.logger.Infow("Relay disconnected", "tab_id", tabID, "relay_id", relayID)
}

func (s *Server) handleMessage(ctx context.Context, rl *relay, msg domain.Message) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.TabID != "" && msg.TabID != rl.tabID {
		return fmt.Errorf("tab id mismatch: connection is bound to %s", rl.tabID)
	}

	switch msg.Type {
	case domain.MessageWebRTCStats:
		if !rl.limiter.Allow() {
			return apperrors.NewRateLimitError()
		}
		return s.handleStats(ctx, rl, msg)
	case domain.MessageHookInstalled:
		s.logger.Infow("Interception hook installed", "tab_id", rl.tabID, "relay_id", rl.relayID)
		return rl.writeJSON(domain.Message{ID: msg.ID, Type: domain.MessageAck}, s.cfg.WriteTimeout)
	case domain.MessageScanResult, domain.MessageAck, domain.MessageError:
		if !rl.resolve(msg) {
			s.logger.Debugw("Unsolicited reply", "tab_id", rl.tabID, "type", msg.Type, "id", msg.ID)
		}
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *Server) handleStats(ctx context.Context, rl *relay, msg domain.Message) error {
	ctx, span := tracing.TraceRelayMessage(ctx, msg.Type, string(rl.tabID))
	defer span.End()

	var payload domain.StatsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid webrtc-stats payload: %w", err)
	}
	skipped := 0
	for _, conn := range payload.Stats {
		skipped += conn.Skipped
	}
	if skipped > 0 {
		skip := apperrors.NewNormalizationSkip(fmt.Sprintf("%d malformed stat reports dropped", skipped))
		s.logger.Debugw("Stat reports skipped", "tab_id", rl.tabID, "code", skip.Code, "error", skip)
	}

	result, err := s.sink.HandleStats(ctx, payload.Stats, rl.tabID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	ack, _ := json.Marshal(map[string]any{"status": result.Status})
	return rl.writeJSON(domain.Message{ID: msg.ID, Type: domain.MessageAck, Payload: ack}, s.cfg.WriteTimeout)
}

// sendError rejects a relay message. The retriable flag tells the page
// whether resending the same message can succeed.
func (s *Server) sendError(rl *relay, id string, err error) {
	payload, _ := json.Marshal(domain.ErrorPayload{Message: err.Error(), Retriable: retriableRejection(err)})
	_ = rl.writeJSON(domain.Message{ID: id, Type: domain.MessageError, Payload: payload}, s.cfg.WriteTimeout)
}

// retriableRejection holds for throttling and transient store failures.
// Malformed or misaddressed messages fail the same way every time.
func retriableRejection(err error) bool {
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeRateLimit),
		apperrors.IsCode(err, apperrors.ErrCodeStorage),
		apperrors.IsCode(err, apperrors.ErrCodeTimeout),
		apperrors.IsRetriable(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

// Send delivers a request to the relay of a tab and waits for its reply.
// A tab without a relay, or a relay that does not answer in time, is reported
// as not delivered.
func (s *Server) Send(ctx context.Context, tabID domain.TabID, msg domain.Message) (json.RawMessage, bool, error) {
	s.mu.RLock()
	rl, ok := s.relays[tabID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if msg.ID == "" {
		msg.ID = utils.GenerateRequestID()
	}
	msg.TabID = tabID

	reply := rl.expect(msg.ID)
	defer rl.forget(msg.ID)

	if err := rl.writeJSON(msg, s.cfg.WriteTimeout); err != nil {
		s.logger.Debugw("Relay write failed", "tab_id", tabID, "error", err)
		return nil, false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	select {
	case resp := <-reply:
		if resp.Type == domain.MessageError {
			var body domain.ErrorPayload
			_ = json.Unmarshal(resp.Payload, &body)
			return nil, true, errors.New(body.Message)
		}
		return resp.Payload, true, nil
	case <-rl.closed:
		return nil, false, nil
	case <-ctx.Done():
		s.logger.Debugw("Relay did not answer", "tab_id", tabID, "type", msg.Type)
		return nil, false, nil
	}
}

// Tabs lists the tabs with a connected relay.
func (s *Server) Tabs() []domain.TabID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tabs := make([]domain.TabID, 0, len(s.relays))
	for tabID := range s.relays {
		tabs = append(tabs, tabID)
	}
	return tabs
}

func (s *Server) IsConnected(tabID domain.TabID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.relays[tabID]
	return ok
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.relays)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"relays":    count,
	})
}

// Close disconnects every relay.
func (s *Server) Close() {
	s.mu.Lock()
	relays := s.relays
	s.relays = make(map[domain.TabID]*relay)
	s.mu.Unlock()

	for _, rl := range relays {
		_ = rl.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Second)
		rl.conn.Close()
	}
}

func (rl *relay) write(messageType int, data []byte, timeout time.Duration) error {
	rl.writeMu.Lock()
	defer rl.writeMu.Unlock()
	rl.conn.SetWriteDeadline(time.Now().Add(timeout))
	return rl.conn.WriteMessage(messageType, data)
}

func (rl *relay) writeJSON(v any, timeout time.Duration) error {
	rl.writeMu.Lock()
	defer rl.writeMu.Unlock()
	rl.conn.SetWriteDeadline(time.Now().Add(timeout))
	return rl.conn.WriteJSON(v)
}

func (rl *relay) expect(id string) chan domain.Message {
	ch := make(chan domain.Message, 1)
	rl.pendingMu.Lock()
	rl.pending[id] = ch
	rl.pendingMu.Unlock()
	return ch
}

func (rl *relay) forget(id string) {
	rl.pendingMu.Lock()
	delete(rl.pending, id)
	rl.pendingMu.Unlock()
}

func (rl *relay) resolve(msg domain.Message) bool {
	rl.pendingMu.Lock()
	ch, ok := rl.pending[msg.ID]
	delete(rl.pending, msg.ID)
	rl.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (rl *relay) close() {
	select {
	case <-rl.closed:
	default:
		close(rl.closed)
	}
}

var _ ports.Messenger = (*Server)(nil)
