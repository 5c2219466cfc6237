package pagehook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"rtcwatch/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeHandle struct {
	id      string
	closed  atomic.Bool
	entries []domain.RawStatEntry
	err     error
}

func (h *fakeHandle) ID() string   { return h.id }
func (h *fakeHandle) Closed() bool { return h.closed.Load() }

func (h *fakeHandle) Stats(ctx context.Context) ([]domain.RawStatEntry, error) {
	return h.entries, h.err
}

type fakeInterceptor struct {
	next int
}

func (f *fakeInterceptor) Construct(args any) (ConnectionHandle, error) {
	f.next++
	rtt := 40.0
	return &fakeHandle{
		id:      fmt.Sprintf("pc-%d", f.next),
		entries: []domain.RawStatEntry{{Type: domain.StatKindCandidatePair, RTT: &rtt}},
	}, nil
}

func (f *fakeInterceptor) WrapStatsRetrieval(h ConnectionHandle) (StatsFunc, error) {
	fh, ok := h.(*fakeHandle)
	if !ok {
		return nil, ErrForeignHandle
	}
	return fh.Stats, nil
}

type queue struct {
	mu       sync.Mutex
	messages []domain.Message
}

func (q *queue) Enqueue(msg domain.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
}

func (q *queue) all() []domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Message(nil), q.messages...)
}

func TestHook_PublishSendsLiveConnections(t *testing.T) {
	out := &queue{}
	hook := NewHook(&fakeInterceptor{}, out, 0, zaptest.NewLogger(t).Sugar())

	first, err := hook.Construct(nil)
	require.NoError(t, err)
	_, err = hook.Construct(nil)
	require.NoError(t, err)

	broken := &fakeHandle{id: "pc-broken", err: errors.New("InvalidStateError")}
	require.NoError(t, hook.Track(broken))

	n := hook.Publish(context.Background())
	assert.Equal(t, 2, n)

	messages := out.all()
	require.Len(t, messages, 1)
	assert.Equal(t, domain.MessageWebRTCStats, messages[0].Type)
	assert.NotEmpty(t, messages[0].ID)

	var payload domain.StatsPayload
	require.NoError(t, json.Unmarshal(messages[0].Payload, &payload))
	require.Len(t, payload.Stats, 2)
	assert.Equal(t, first.ID(), payload.Stats[0].ConnectionID)
	require.Len(t, payload.Stats[0].Stats, 1)
	assert.Equal(t, 40.0, *payload.Stats[0].Stats[0].RTT)
}

func TestHook_ClosedConnectionsArePruned(t *testing.T) {
	out := &queue{}
	hook := NewHook(&fakeInterceptor{}, out, 0, zaptest.NewLogger(t).Sugar())

	handle, err := hook.Construct(nil)
	require.NoError(t, err)
	handle.(*fakeHandle).closed.Store(true)

	assert.Zero(t, hook.Publish(context.Background()))
	assert.Empty(t, hook.Connections())
	assert.Empty(t, out.all())
}

func TestHook_TrackIsIdempotent(t *testing.T) {
	hook := NewHook(&fakeInterceptor{}, &queue{}, 0, zaptest.NewLogger(t).Sugar())
	h := &fakeHandle{id: "pc-x"}

	require.NoError(t, hook.Track(h))
	require.NoError(t, hook.Track(h))
	assert.Equal(t, []string{"pc-x"}, hook.Connections())

	hook.Untrack("pc-x")
	assert.Empty(t, hook.Connections())
}

func TestHook_RunAnnouncesInstallation(t *testing.T) {
	out := &queue{}
	hook := NewHook(&fakeInterceptor{}, out, 0, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hook.Run(ctx)

	messages := out.all()
	require.Len(t, messages, 1)
	assert.Equal(t, domain.MessageHookInstalled, messages[0].Type)
}
