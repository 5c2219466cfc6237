package pagehook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/walker"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const DefaultCandidateTimeout = 2 * time.Second

var errStatsTimeout = errors.New("getStats timeout")

// Scope is a set of named bindings visible to a scan, with its same-origin
// subframes.
type Scope struct {
	Globals map[string]any
	Frames  []Scope
}

// StatsSource is an object that can report its statistics.
type StatsSource interface {
	Stats(ctx context.Context) ([]domain.RawStatEntry, error)
}

type pionStatsGetter interface {
	GetStats() webrtc.StatsReport
}

// Scanner searches a scope for objects exposing stats retrieval.
type Scanner struct {
	opts    walker.Options
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewScanner(opts walker.Options, timeout time.Duration, logger *zap.SugaredLogger) *Scanner {
	if opts.MaxDepth <= 0 || opts.MaxBreadth <= 0 {
		opts = walker.DefaultOptions()
	}
	if timeout <= 0 {
		timeout = DefaultCandidateTimeout
	}
	return &Scanner{opts: opts, timeout: timeout, logger: logger}
}

type candidate struct {
	name  string
	stats StatsFunc
}

func statsFuncOf(v reflect.Value) (StatsFunc, bool) {
	if !v.IsValid() || !v.CanInterface() {
		return nil, false
	}
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
		return nil, false
	}
	switch s := v.Interface().(type) {
	case StatsSource:
		return s.Stats, true
	case pionStatsGetter:
		return func(ctx context.Context) ([]domain.RawStatEntry, error) {
			return ConvertReport(s.GetStats()), nil
		}, true
	}
	return nil, false
}

// Find lists the candidates reachable from the scope without invoking them.
// Paths start at "window" for the top scope and "frame[i]" for subframes.
func (s *Scanner) Find(scope Scope) []string {
	found := s.find(scope)
	names := make([]string, 0, len(found))
	for _, c := range found {
		names = append(names, c.name)
	}
	return names
}

func (s *Scanner) find(scope Scope) []candidate {
	roots := []walker.Edge[reflect.Value]{{Name: "window", Node: reflect.ValueOf(scope.Globals)}}
	for i, frame := range scope.Frames {
		roots = append(roots, walker.Edge[reflect.Value]{
			Name: fmt.Sprintf("frame[%d]", i),
			Node: reflect.ValueOf(frame.Globals),
		})
	}

	var found []candidate
	walker.Walk[reflect.Value](valueGraph{}, roots, s.opts, func(f walker.Frame[reflect.Value]) bool {
		if fn, ok := statsFuncOf(f.Node); ok {
			found = append(found, candidate{name: f.Path, stats: fn})
		}
		return true
	})
	return found
}

// Scan invokes every candidate with a per-candidate timeout. A failing
// candidate is reported and does not stop the scan.
func (s *Scanner) Scan(ctx context.Context, scope Scope) domain.ScanReport {
	found := s.find(scope)
	report := domain.ScanReport{Success: true, Candidates: make([]domain.CandidateResult, 0, len(found))}

	for _, c := range found {
		result := s.invoke(ctx, c)
		if result.Success {
			s.logger.Debugw("Stats retrieval succeeded", "candidate", c.name, "entries", len(result.Entries))
		} else {
			s.logger.Warnw("Stats retrieval failed", "candidate", c.name, "error", result.Error)
		}
		report.Candidates = append(report.Candidates, result)
	}

	if len(found) == 0 {
		s.logger.Infow("No candidates exposing stats retrieval found")
	}
	return report
}

func (s *Scanner) invoke(ctx context.Context, c candidate) domain.CandidateResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		entries []domain.RawStatEntry
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("stats retrieval panicked: %v", r)}
			}
		}()
		entries, err := c.stats(ctx)
		done <- outcome{entries: entries, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
		if errors.Is(out.err, context.DeadlineExceeded) {
			out.err = errStatsTimeout
		}
	case <-ctx.Done():
		out.err = errStatsTimeout
	}
	if out.err != nil {
		return domain.CandidateResult{Name: c.name, Error: out.err.Error()}
	}

	raw := make([]json.RawMessage, 0, len(out.entries))
	for _, e := range out.entries {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		raw = append(raw, b)
	}
	return domain.CandidateResult{Name: c.name, Success: true, Entries: raw}
}

// valueGraph exposes Go values to the walker: maps with string keys,
// slices, arrays, exported struct fields and the targets of pointers and
// interfaces.
type valueGraph struct{}

type valueKey struct {
	typ reflect.Type
	ptr uintptr
}

func (valueGraph) Identity(v reflect.Value) (any, bool) {
	v = unwrapInterface(v)
	if !v.IsValid() {
		return nil, false
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil, false
		}
		return valueKey{typ: v.Type(), ptr: v.Pointer()}, true
	case reflect.Struct, reflect.Array:
		// values are copies, so they cannot close a cycle
		return new(struct{ byte }), true
	}
	return nil, false
}

func (valueGraph) Children(v reflect.Value) ([]walker.Edge[reflect.Value], error) {
	v = unwrapInterface(v)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}

	var edges []walker.Edge[reflect.Value]
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, nil
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			edges = append(edges, walker.Edge[reflect.Value]{Name: k.String(), Node: v.MapIndex(k)})
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			edges = append(edges, walker.Edge[reflect.Value]{Name: strconv.Itoa(i), Node: v.Index(i)})
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			edges = append(edges, walker.Edge[reflect.Value]{Name: t.Field(i).Name, Node: v.Field(i)})
		}
	}
	return edges, nil
}

func unwrapInterface(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}
