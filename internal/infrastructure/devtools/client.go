// Package devtools implements the debugging channel over the Chrome DevTools
// Protocol. A single browser-level websocket carries every command; targets
// are attached in flatten mode and addressed by session id.
package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	"rtcwatch/pkg/tracing"
	"rtcwatch/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("devtools: not connected")
	ErrClosed       = errors.New("devtools: connection closed")
)

// Messages mirror the ones browsers report for extension debuggers so the
// retry classification is the same for both channels.
const (
	msgAlreadyAttached = "Another debugger is already attached to the target with id: %s."
	msgNotAttached     = "Debugger is not attached to the target with id: %s."
	msgDetached        = "Detached while handling command."
)

type Config struct {
	BrowserURL     string
	CommandTimeout time.Duration
}

type Client struct {
	cfg    Config
	logger *zap.SugaredLogger

	writeMu sync.Mutex
	conn    *websocket.Conn

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan cdpMessage

	sessionsMu sync.Mutex
	sessions   map[string]string // target id -> session id

	closeOnce sync.Once
	done      chan struct{}
}

type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *cdpError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[int64]chan cdpMessage),
		sessions: make(map[string]string),
		done:     make(chan struct{}),
	}
}

// Connect dials the browser endpoint. An http(s) URL is resolved through
// /json/version first.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := c.resolve(ctx)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("devtools dial %s failed (status=%d): %w", wsURL, status, err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)
	c.logger.Infow("Connected to browser debugging endpoint", "url", wsURL)
	return nil
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	u, err := url.Parse(c.cfg.BrowserURL)
	if err != nil {
		return "", fmt.Errorf("invalid devtools url: %w", err)
	}
	if u.Scheme == "ws" || u.Scheme == "wss" {
		return u.String(), nil
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("devtools version lookup failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("devtools version lookup: HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("decode devtools version: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools version response has no webSocketDebuggerUrl")
	}
	return version.WebSocketDebuggerURL, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.shutdown()

	for {
		var msg cdpMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("Devtools connection lost", "error", err)
			}
			return
		}

		if msg.ID != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		c.handleEvent(msg)
	}
}

func (c *Client) handleEvent(msg cdpMessage) {
	switch msg.Method {
	case "Target.detachedFromTarget":
		var params struct {
			SessionID string `json:"sessionId"`
			TargetID  string `json:"targetId"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		c.sessionsMu.Lock()
		for target, session := range c.sessions {
			if session == params.SessionID || target == params.TargetID {
				delete(c.sessions, target)
			}
		}
		c.sessionsMu.Unlock()
		c.logger.Debugw("Target detached", "target_id", params.TargetID, "session_id", params.SessionID)
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		c.sessionsMu.Lock()
		c.sessions = make(map[string]string)
		c.sessionsMu.Unlock()
	})
}

// call sends one command and waits for its response.
func (c *Client) call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		rawParams = b
	}

	id := c.nextID.Add(1)
	ch := make(chan cdpMessage, 1)
	c.pendingMu.Lock()
	select {
	case <-c.done:
		c.pendingMu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = ErrNotConnected
	} else {
		err = conn.WriteJSON(cdpMessage{ID: id, Method: method, Params: rawParams, SessionID: sessionID})
	}
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) session(target string) (string, bool) {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	s, ok := c.sessions[target]
	return s, ok
}

func (c *Client) Attach(ctx context.Context, target string) error {
	ctx, span := tracing.TraceDebuggerCommand(ctx, "Target.attachToTarget", target)
	defer span.End()

	if _, ok := c.session(target); ok {
		return fmt.Errorf(msgAlreadyAttached, target)
	}

	raw, err := c.call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": target,
		"flatten":  true,
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.SessionID == "" {
		return fmt.Errorf("attach %s: no session id in response", target)
	}

	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	if _, ok := c.sessions[target]; ok {
		return fmt.Errorf(msgAlreadyAttached, target)
	}
	c.sessions[target] = resp.SessionID
	return nil
}

func (c *Client) Detach(ctx context.Context, target string) error {
	ctx, span := tracing.TraceDebuggerCommand(ctx, "Target.detachFromTarget", target)
	defer span.End()

	c.sessionsMu.Lock()
	sessionID, ok := c.sessions[target]
	delete(c.sessions, target)
	c.sessionsMu.Unlock()
	if !ok {
		return fmt.Errorf(msgNotAttached, target)
	}

	_, err := c.call(ctx, "", "Target.detachFromTarget", map[string]any{"sessionId": sessionID})
	return err
}

// SendCommand runs a protocol method in the session attached to target.
func (c *Client) SendCommand(ctx context.Context, target, method string, params any) (json.RawMessage, error) {
	ctx, span := tracing.TraceDebuggerCommand(ctx, method, target)
	defer span.End()

	sessionID, ok := c.session(target)
	if !ok {
		return nil, fmt.Errorf(msgNotAttached, target)
	}

	raw, err := c.call(ctx, sessionID, method, params)
	if err != nil {
		var protoErr *cdpError
		if errors.As(err, &protoErr) && utils.ContainsAny(protoErr.Message, "No session with given id", "Session with given id not found") {
			return nil, errors.New(msgDetached)
		}
		if errors.Is(err, ErrClosed) {
			return nil, errors.New(msgDetached)
		}
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return raw, nil
}

func (c *Client) Targets(ctx context.Context) ([]domain.TargetInfo, error) {
	raw, err := c.call(ctx, "", "Target.getTargets", map[string]any{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		TargetInfos []domain.TargetInfo `json:"targetInfos"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	return resp.TargetInfos, nil
}

// Ping reports whether the browser still answers commands.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "", "Browser.getVersion", nil)
	return err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	c.shutdown()
	return err
}

var _ ports.Debugger = (*Client)(nil)
