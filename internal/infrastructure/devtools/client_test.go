package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBrowser answers a small subset of the protocol.
type fakeBrowser struct {
	mu       sync.Mutex
	sessions map[string]string
	commands []string
	evaluate json.RawMessage
}

func (b *fakeBrowser) handle(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json/version" {
			wsURL := "ws://" + r.Host + "/devtools/browser/fake"
			_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var msg cdpMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			reply := b.reply(msg)
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
			if msg.Method == "Target.detachFromTarget" {
				_ = conn.WriteJSON(cdpMessage{
					Method: "Target.detachedFromTarget",
					Params: json.RawMessage(`{"sessionId":"ignored"}`),
				})
			}
		}
	}
}

func (b *fakeBrowser) reply(msg cdpMessage) cdpMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, msg.SessionID+"|"+msg.Method)

	out := cdpMessage{ID: msg.ID}
	switch msg.Method {
	case "Target.getTargets":
		out.Result = json.RawMessage(`{"targetInfos":[{"targetId":"T1","type":"page","title":"call","url":"https://meet.example"},{"targetId":"W1","type":"worker"}]}`)
	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		if p.TargetID == "gone" {
			out.Error = &cdpError{Code: -32602, Message: "No target with given id found"}
			break
		}
		session := "S-" + p.TargetID
		b.sessions[session] = p.TargetID
		out.Result = json.RawMessage(fmt.Sprintf(`{"sessionId":%q}`, session))
	case "Target.detachFromTarget":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		delete(b.sessions, p.SessionID)
		out.Result = json.RawMessage(`{}`)
	case "Runtime.enable":
		out.Result = json.RawMessage(`{}`)
	case "Runtime.evaluate":
		if _, ok := b.sessions[msg.SessionID]; !ok {
			out.Error = &cdpError{Code: -32001, Message: "Session with given id not found."}
			break
		}
		out.Result = b.evaluate
	case "Browser.getVersion":
		out.Result = json.RawMessage(`{"product":"HeadlessChrome/120"}`)
	default:
		out.Error = &cdpError{Code: -32601, Message: "'" + msg.Method + "' wasn't found"}
	}
	return out
}

func newConnectedClient(t *testing.T, browser *fakeBrowser) *Client {
	t.Helper()
	srv := httptest.NewServer(browser.handle(t))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BrowserURL: srv.URL, CommandTimeout: 2 * time.Second}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_TargetsAndPing(t *testing.T) {
	client := newConnectedClient(t, &fakeBrowser{sessions: map[string]string{}})
	ctx := context.Background()

	targets, err := client.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "T1", targets[0].TargetID)
	assert.False(t, targets[0].IsWorker())
	assert.True(t, targets[1].IsWorker())

	assert.NoError(t, client.Ping(ctx))
}

func TestClient_AttachEvaluateDetach(t *testing.T) {
	browser := &fakeBrowser{
		sessions: map[string]string{},
		evaluate: json.RawMessage(`{"result":{"type":"object","value":[]}}`),
	}
	client := newConnectedClient(t, browser)
	ctx := context.Background()

	require.NoError(t, client.Attach(ctx, "T1"))

	err := client.Attach(ctx, "T1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Another debugger is already attached")

	_, err = client.SendCommand(ctx, "T1", "Runtime.enable", nil)
	require.NoError(t, err)
	raw, err := client.SendCommand(ctx, "T1", "Runtime.evaluate", map[string]any{"expression": "1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":{"type":"object","value":[]}}`, string(raw))

	require.NoError(t, client.Detach(ctx, "T1"))

	_, err = client.SendCommand(ctx, "T1", "Runtime.enable", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Debugger is not attached")

	err = client.Detach(ctx, "T1")
	assert.Contains(t, err.Error(), "Debugger is not attached")

	browser.mu.Lock()
	defer browser.mu.Unlock()
	assert.Contains(t, browser.commands, "S-T1|Runtime.evaluate")
}

func TestClient_LostSessionIsReportedAsDetached(t *testing.T) {
	browser := &fakeBrowser{sessions: map[string]string{}}
	client := newConnectedClient(t, browser)
	ctx := context.Background()

	require.NoError(t, client.Attach(ctx, "T1"))

	// the browser drops the session behind our back
	browser.mu.Lock()
	delete(browser.sessions, "S-T1")
	browser.mu.Unlock()

	_, err := client.SendCommand(ctx, "T1", "Runtime.evaluate", map[string]any{"expression": "1"})
	require.Error(t, err)
	assert.Equal(t, msgDetached, err.Error())
}

func TestClient_ProtocolErrorsSurface(t *testing.T) {
	client := newConnectedClient(t, &fakeBrowser{sessions: map[string]string{}})

	err := client.Attach(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "No target with given id found"))
}

func TestClient_NotConnected(t *testing.T) {
	client := NewClient(Config{BrowserURL: "ws://127.0.0.1:1/devtools"}, zaptest.NewLogger(t).Sugar())

	_, err := client.Targets(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}
