// Package reactor runs timer callbacks and posted connection events on a
// single goroutine.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tksty/polipo/internal/logging"
)

type EventKind int

const (
	// EventTimeout is posted when a connection's timeout shut it down.
	EventTimeout EventKind = iota + 1
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Direction is a set of I/O directions affected by an event.
type Direction uint8

const (
	Read Direction = 1 << iota
	Write
)

// Event is delivered to the handler registered for ID.
type Event struct {
	ID   uint64
	Kind EventKind
	Mask Direction
}

type Handler func(Event)

// Timer is a pending callback. A cancelled timer never runs.
type Timer struct {
	t         *time.Timer
	cancelled atomic.Bool
}

// Loop serializes callbacks. Work posted before Run starts is kept and
// run once the loop starts.
type Loop struct {
	logger logging.Logger

	mu       sync.Mutex
	queue    []func()
	handlers map[uint64]Handler
	stopped  bool

	wake chan struct{}
}

func New(logger logging.Logger) *Loop {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Loop{
		logger:   logger,
		handlers: make(map[uint64]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Post queues fn to run on the loop. It reports false once the loop has
// stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// ScheduleTimer arranges for fn to run on the loop after d. It returns
// nil if the loop has stopped.
func (l *Loop) ScheduleTimer(d time.Duration, fn func(*Timer)) *Timer {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return nil
	}

	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.cancelled.Load() {
				return
			}
			fn(tm)
		})
	})
	return tm
}

// CancelTimer prevents tm from running. Cancelling a nil or already fired
// timer is a no-op.
func (l *Loop) CancelTimer(tm *Timer) {
	if tm == nil {
		return
	}
	tm.cancelled.Store(true)
	tm.t.Stop()
}

// Register routes events for id to h.
func (l *Loop) Register(id uint64, h Handler) {
	l.mu.Lock()
	l.handlers[id] = h
	l.mu.Unlock()
}

func (l *Loop) Unregister(id uint64) {
	l.mu.Lock()
	delete(l.handlers, id)
	l.mu.Unlock()
}

// PostEvent delivers ev to its handler on the loop. Events for ids with
// no handler are dropped.
func (l *Loop) PostEvent(ev Event) {
	l.Post(func() {
		l.mu.Lock()
		h := l.handlers[ev.ID]
		l.mu.Unlock()
		if h == nil {
			l.logger.Debug("dropping event for unknown connection", "conn", ev.ID, "kind", ev.Kind.String())
			return
		}
		h(ev)
	})
}

// Run executes posted work until ctx is done. Work still queued when ctx
// ends is discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return nil
			}
			fn()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}
