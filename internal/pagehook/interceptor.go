// Package pagehook runs inside the observed runtime. It intercepts connection
// construction, polls the tracked connections for statistics and forwards
// them to the monitor through a websocket relay.
package pagehook

import (
	"context"
	"errors"

	"rtcwatch/internal/core/domain"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrForeignHandle    = errors.New("handle was not created by this binding")
)

// ConnectionHandle is a connection tracked by the hook.
type ConnectionHandle interface {
	ID() string
	Closed() bool
}

// StatsFunc retrieves the current statistics reports of one connection.
type StatsFunc func(ctx context.Context) ([]domain.RawStatEntry, error)

// Interceptor is the interception capability of one runtime binding.
type Interceptor interface {
	// Construct creates a connection the way the application would and
	// returns the handle the hook tracks it by.
	Construct(args any) (ConnectionHandle, error)
	// WrapStatsRetrieval returns the stats function of a handle created by
	// this interceptor.
	WrapStatsRetrieval(h ConnectionHandle) (StatsFunc, error)
}
