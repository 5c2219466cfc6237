package pagehook

import (
	"context"
	"errors"
	"sync"
	"time"

	"rtcwatch/internal/core/domain"

	"go.uber.org/zap"
)

// Sender delivers one message to the monitor and returns once it was
// acknowledged.
type Sender interface {
	Send(ctx context.Context, msg domain.Message) error
}

type ForwarderConfig struct {
	FirstDelay time.Duration
	RetryDelay time.Duration
}

func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		FirstDelay: 250 * time.Millisecond,
		RetryDelay: time.Second,
	}
}

// Forwarder is a FIFO retry queue in front of a Sender. Only the head of the
// queue is in flight. It is removed once acknowledged or permanently
// rejected, and retried after any other failure, so messages are never
// reordered and only rejected ones are dropped.
type Forwarder struct {
	sender Sender
	cfg    ForwarderConfig
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queue     []domain.Message
	timer     *time.Timer
	scheduled bool
	flushing  bool
	stopped   bool
}

func NewForwarder(sender Sender, cfg ForwarderConfig, logger *zap.SugaredLogger) *Forwarder {
	def := DefaultForwarderConfig()
	if cfg.FirstDelay <= 0 {
		cfg.FirstDelay = def.FirstDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		sender: sender,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue appends msg to the queue and schedules a drain.
func (f *Forwarder) Enqueue(msg domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		f.logger.Warnw("Forwarder stopped, message not queued", "type", msg.Type)
		return
	}
	f.queue = append(f.queue, msg)
	if !f.flushing {
		f.schedule(f.cfg.FirstDelay)
	}
}

// schedule must be called with mu held.
func (f *Forwarder) schedule(delay time.Duration) {
	if f.scheduled || f.stopped {
		return
	}
	f.scheduled = true
	f.wg.Add(1)
	f.timer = time.AfterFunc(delay, func() {
		defer f.wg.Done()
		f.flush()
	})
}

func (f *Forwarder) flush() {
	f.mu.Lock()
	f.scheduled = false
	if len(f.queue) == 0 || f.stopped {
		f.mu.Unlock()
		return
	}
	head := f.queue[0]
	f.flushing = true
	f.mu.Unlock()

	err := f.sender.Send(f.ctx, head)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushing = false

	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		f.logger.Warnw("Relay message rejected, dropping", "type", head.Type, "id", head.ID, "error", err)
	case err != nil:
		f.logger.Debugw("Relay send failed, retrying", "type", head.Type, "id", head.ID, "pending", len(f.queue), "error", err)
		f.schedule(f.cfg.RetryDelay)
		return
	}

	f.queue = f.queue[1:]
	if len(f.queue) > 0 {
		f.schedule(0)
	}
}

// Pending returns the number of queued messages, including the one in flight.
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Stop cancels the in-flight send and waits for the drain to finish. Queued
// messages are kept and reported by Pending.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	f.stopped = true
	if f.timer != nil && f.timer.Stop() {
		f.scheduled = false
		f.wg.Done()
	}
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
}
