package pagehook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrRelayDisconnected = errors.New("relay disconnected")

// RejectedError is returned by Send when the monitor answered with a
// permanent rejection. Resending the same message fails the same way.
type RejectedError struct {
	Type    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Type, e.Message)
}

type RelayConfig struct {
	URL          string
	Token        string
	TabID        domain.TabID
	DialTimeout  time.Duration
	AckTimeout   time.Duration
	WriteTimeout time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		DialTimeout:  5 * time.Second,
		AckTimeout:   5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// DumpFunc answers a dump-stats-now request with the scan report to return.
type DumpFunc func(ctx context.Context) (json.RawMessage, error)

// Relay is the page end of the relay channel. It connects lazily and
// reconnects on the next Send after the connection drops.
type Relay struct {
	cfg    RelayConfig
	logger *zap.SugaredLogger
	dialer websocket.Dialer

	dumpMu sync.RWMutex
	onDump DumpFunc

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan domain.Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRelay(cfg RelayConfig, logger *zap.SugaredLogger) *Relay {
	def := DefaultRelayConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:     cfg,
		logger:  logger,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		pending: make(map[string]chan domain.Message),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnDumpStatsNow installs the handler for on-demand scan requests.
func (r *Relay) OnDumpStatsNow(fn DumpFunc) {
	r.dumpMu.Lock()
	r.onDump = fn
	r.dumpMu.Unlock()
}

func (r *Relay) endpoint() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	if r.cfg.Token != "" {
		q.Set("token", r.cfg.Token)
	} else if r.cfg.TabID != "" {
		q.Set("tab_id", string(r.cfg.TabID))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the monitor unless a connection is already open.
func (r *Relay) Connect(ctx context.Context) error {
	_, err := r.connection(ctx)
	return err
}

func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *Relay) connection(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return r.conn, nil
	}
	if r.ctx.Err() != nil {
		return nil, ErrRelayDisconnected
	}

	endpoint, err := r.endpoint()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	conn, _, err := r.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	r.conn = conn
	r.logger.Infow("Relay connected", "url", r.cfg.URL, "tab_id", r.cfg.TabID)

	r.wg.Add(1)
	go r.readLoop(conn)
	return conn, nil
}

// Send writes msg and waits for the monitor's acknowledgement.
func (r *Relay) Send(ctx context.Context, msg domain.Message) error {
	conn, err := r.connection(ctx)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = utils.GenerateRequestID()
	}
	reply := r.expect(msg.ID)
	defer r.forget(msg.ID)

	if err := r.writeJSON(conn, msg); err != nil {
		r.drop(conn)
		return fmt.Errorf("write relay message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
	defer cancel()

	select {
	case resp := <-reply:
		if resp.Type == domain.MessageError {
			body := errorPayload(resp.Payload)
			if !body.Retriable {
				return &RejectedError{Type: msg.Type, Message: body.Message}
			}
			return errors.New(body.Message)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no acknowledgement for %s: %w", msg.Type, ctx.Err())
	}
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	defer r.wg.Done()
	defer r.drop(conn)

	for {
		var msg domain.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("Relay read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case domain.MessageAck, domain.MessageError:
			r.resolve(msg)
		case domain.MessageDumpStatsNow:
			r.wg.Add(1)
			go func(req domain.Message) {
				defer r.wg.Done()
				r.answerDump(conn, req)
			}(msg)
		default:
			r.logger.Debugw("Ignoring relay message", "type", msg.Type)
		}
	}
}

func (r *Relay) answerDump(conn *websocket.Conn, req domain.Message) {
	r.dumpMu.RLock()
	fn := r.onDump
	r.dumpMu.RUnlock()

	if fn == nil {
		payload, _ := json.Marshal(domain.ErrorPayload{Message: "no scan handler"})
		_ = r.writeJSON(conn, domain.Message{ID: req.ID, Type: domain.MessageError, Payload: payload})
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.AckTimeout)
	defer cancel()

	report, err := fn(ctx)
	if err != nil {
		payload, _ := json.Marshal(domain.ErrorPayload{Message: err.Error()})
		_ = r.writeJSON(conn, domain.Message{ID: req.ID, Type: domain.MessageError, Payload: payload})
		return
	}
	if err := r.writeJSON(conn, domain.Message{ID: req.ID, Type: domain.MessageScanResult, Payload: report}); err != nil {
		r.logger.Warnw("Failed to answer scan request", "id", req.ID, "error", err)
	}
}

func (r *Relay) writeJSON(conn *websocket.Conn, msg domain.Message) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

// drop forgets conn and fails every request waiting on it.
func (r *Relay) drop(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	conn.Close()

	payload, _ := json.Marshal(domain.ErrorPayload{Message: ErrRelayDisconnected.Error(), Retriable: true})
	r.pendingMu.Lock()
	for id, ch := range r.pending {
		select {
		case ch <- domain.Message{ID: id, Type: domain.MessageError, Payload: payload}:
		default:
		}
	}
	r.pendingMu.Unlock()
}

func (r *Relay) expect(id string) chan domain.Message {
	ch := make(chan domain.Message, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()
	return ch
}

func (r *Relay) forget(id string) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

func (r *Relay) resolve(msg domain.Message) {
	r.pendingMu.Lock()
	ch, ok := r.pending[msg.ID]
	r.pendingMu.Unlock()
	if !ok {
		r.logger.Debugw("Unsolicited reply", "type", msg.Type, "id", msg.ID)
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// Close disconnects and waits for in-flight scan answers.
func (r *Relay) Close() error {
	r.cancel()

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.writeMu.Unlock()
		conn.Close()
	}

	r.wg.Wait()
	return nil
}

// errorPayload decodes an error reply. An unreadable body counts as a
// transient failure.
func errorPayload(payload json.RawMessage) domain.ErrorPayload {
	var body domain.ErrorPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return domain.ErrorPayload{Message: "relay request failed", Retriable: true}
	}
	if body.Message == "" {
		body.Message = "relay request failed"
	}
	return body
}

var _ Sender = (*Relay)(nil)
