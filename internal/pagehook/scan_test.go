package pagehook

import (
	"context"
	"errors"
	"testing"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/walker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type slowSource struct {
	delay time.Duration
}

func (s slowSource) Stats(ctx context.Context) ([]domain.RawStatEntry, error) {
	select {
	case <-time.After(s.delay):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type call struct {
	Peer   *fakeHandle
	secret *fakeHandle
}

func newTestScanner(t *testing.T, timeout time.Duration) *Scanner {
	return NewScanner(walker.DefaultOptions(), timeout, zaptest.NewLogger(t).Sugar())
}

func TestScanner_FindsNestedAndFrameCandidates(t *testing.T) {
	rtt := 80.0
	pc := &fakeHandle{id: "pc", entries: []domain.RawStatEntry{{Type: domain.StatKindCandidatePair, RTT: &rtt}}}

	scope := Scope{
		Globals: map[string]any{
			"app":   map[string]any{"call": &call{Peer: pc, secret: &fakeHandle{id: "hidden"}}},
			"count": 3,
		},
		Frames: []Scope{{Globals: map[string]any{"pc": &fakeHandle{id: "frame-pc"}}}},
	}

	report := newTestScanner(t, time.Second).Scan(context.Background(), scope)
	require.True(t, report.Success)
	require.Len(t, report.Candidates, 2)

	assert.Equal(t, "window.app.call.Peer", report.Candidates[0].Name)
	assert.True(t, report.Candidates[0].Success)
	require.Len(t, report.Candidates[0].Entries, 1)
	assert.Equal(t, "frame[0].pc", report.Candidates[1].Name)

	conns := domain.Connections(report.Candidates, "")
	require.Len(t, conns, 2)
	assert.Equal(t, 80.0, *conns[0].Stats[0].RTT)
}

func TestScanner_FailuresDoNotAbort(t *testing.T) {
	scope := Scope{Globals: map[string]any{
		"a": &fakeHandle{id: "a", err: errors.New("InvalidStateError")},
		"b": slowSource{delay: time.Second},
		"c": &fakeHandle{id: "c"},
	}}

	report := newTestScanner(t, 20*time.Millisecond).Scan(context.Background(), scope)
	require.Len(t, report.Candidates, 3)

	assert.False(t, report.Candidates[0].Success)
	assert.Equal(t, "InvalidStateError", report.Candidates[0].Error)
	assert.False(t, report.Candidates[1].Success)
	assert.Equal(t, "getStats timeout", report.Candidates[1].Error)
	assert.True(t, report.Candidates[2].Success)
}

func TestScanner_CyclesAndBounds(t *testing.T) {
	loop := map[string]any{}
	loop["self"] = loop
	loop["pc"] = &fakeHandle{id: "pc"}

	deep := map[string]any{}
	cur := deep
	for i := 0; i < 8; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}
	cur["pc"] = &fakeHandle{id: "too-deep"}

	scope := Scope{Globals: map[string]any{"loop": loop, "deep": deep}}
	names := newTestScanner(t, time.Second).Find(scope)
	assert.Equal(t, []string{"window.loop.pc"}, names)
}

func TestScanner_EmptyScope(t *testing.T) {
	report := newTestScanner(t, time.Second).Scan(context.Background(), Scope{})
	assert.True(t, report.Success)
	assert.Empty(t, report.Candidates)
}
