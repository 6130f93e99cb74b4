package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cache"
	"github.com/Tksty/polipo/internal/reactor"
)

// fakeScheduler records timers and events; tests fire timers by hand.
type fakeScheduler struct {
	mu        sync.Mutex
	timers    map[*reactor.Timer]func(*reactor.Timer)
	cancelled []*reactor.Timer
	events    []reactor.Event
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{timers: make(map[*reactor.Timer]func(*reactor.Timer))}
}

func (s *fakeScheduler) ScheduleTimer(d time.Duration, fn func(*reactor.Timer)) *reactor.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm := &reactor.Timer{}
	s.timers[tm] = fn
	return tm
}

func (s *fakeScheduler) CancelTimer(tm *reactor.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, tm)
	s.cancelled = append(s.cancelled, tm)
}

func (s *fakeScheduler) PostEvent(ev reactor.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeScheduler) fire(tm *reactor.Timer) {
	s.mu.Lock()
	fn := s.timers[tm]
	delete(s.timers, tm)
	s.mu.Unlock()
	if fn != nil {
		fn(tm)
	}
}

func (s *fakeScheduler) pending() []*reactor.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reactor.Timer
	for tm := range s.timers {
		out = append(out, tm)
	}
	return out
}

func newTestConnection(t *testing.T) (*Connection, *fakeScheduler, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	s := newFakeScheduler()
	return New(1, server, s, nil), s, client
}

func TestQueueFIFO(t *testing.T) {
	c, _, _ := newTestConnection(t)

	r1, r2, r3 := NewRequest(), NewRequest(), NewRequest()
	c.Queue(r1)
	c.Queue(r2)
	c.Queue(r3)

	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
	if c.State() != Pending {
		t.Fatalf("State() = %v, want %v", c.State(), Pending)
	}
	if c.Head() != r1 {
		t.Fatal("Head() is not the first request")
	}
	if r2.Connection() != c {
		t.Fatal("queued request does not point at its connection")
	}

	for i, want := range []*Request{r1, r2, r3} {
		got := c.Dequeue()
		if got != want {
			t.Fatalf("Dequeue #%d returned the wrong request", i+1)
		}
		if got.Connection() != nil {
			t.Fatalf("Dequeue #%d left the request attached", i+1)
		}
	}

	if c.Dequeue() != nil {
		t.Fatal("Dequeue on an empty queue returned a request")
	}
	if c.queue != nil {
		t.Fatal("queue storage not cleared after draining")
	}
	if c.State() != Idle {
		t.Fatalf("State() = %v, want %v", c.State(), Idle)
	}
}

func TestQueueTwicePanics(t *testing.T) {
	c, _, _ := newTestConnection(t)
	r := NewRequest()
	c.Queue(r)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when queueing a request twice")
		}
	}()
	c.Queue(r)
}

func TestSetTimeout(t *testing.T) {
	c, s, _ := newTestConnection(t)

	c.SetTimeout(time.Second)
	first := c.timeout
	if first == nil {
		t.Fatal("timeout not armed")
	}

	c.SetTimeout(2 * time.Second)
	if c.timeout == first || c.timeout == nil {
		t.Fatal("SetTimeout did not replace the timer")
	}
	if len(s.cancelled) != 1 || s.cancelled[0] != first {
		t.Fatal("previous timer not cancelled")
	}

	c.SetTimeout(0)
	if c.TimeoutArmed() {
		t.Fatal("SetTimeout(0) left a timer armed")
	}
	if len(s.pending()) != 0 {
		t.Fatalf("%d timers still pending", len(s.pending()))
	}
}

func TestTimeoutShutsDownConnection(t *testing.T) {
	c, s, client := newTestConnection(t)

	c.SetTimeout(time.Second)
	tm := c.timeout

	readErr := make(chan error, 1)
	go func() {
		_, err := c.Reader().ReadByte()
		readErr <- err
	}()

	s.fire(tm)

	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("read succeeded on a timed out connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read was not released by the timeout")
	}

	if c.TimeoutArmed() {
		t.Error("timeout handle not cleared after firing")
	}
	if c.State() != Closing {
		t.Errorf("State() = %v, want %v", c.State(), Closing)
	}
	if len(s.events) != 1 {
		t.Fatalf("got %d events, want 1", len(s.events))
	}
	ev := s.events[0]
	if ev.ID != c.ID || ev.Kind != reactor.EventTimeout || ev.Mask != reactor.Read|reactor.Write {
		t.Errorf("unexpected event %+v", ev)
	}

	if _, err := c.Write([]byte("x")); err == nil {
		t.Error("write succeeded after timeout")
	}
	_ = client
}

func TestStaleTimerIgnored(t *testing.T) {
	c, s, _ := newTestConnection(t)

	c.SetTimeout(time.Second)
	stale := c.timeout
	c.SetTimeout(time.Second)

	// a timer that fired while being cancelled
	c.onTimeout(stale)

	if !c.TimeoutArmed() {
		t.Fatal("stale timer cleared the current timeout")
	}
	if len(s.events) != 0 {
		t.Fatalf("stale timer posted %d events", len(s.events))
	}
}

func TestTimeoutAfterClose(t *testing.T) {
	c, s, _ := newTestConnection(t)
	c.SetTimeout(time.Second)
	tm := c.timeout

	c.mu.Lock()
	c.nc.Close()
	c.nc = nil
	c.mu.Unlock()

	s.fire(tm)
	if c.TimeoutArmed() {
		t.Error("timeout handle not cleared")
	}
	if len(s.events) != 0 {
		t.Error("event posted for a closed socket")
	}
}

func TestDestroyContracts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Connection)
	}{
		{"Flags", func(c *Connection) { c.SetFlags(Pipeline) }},
		{"Queue", func(c *Connection) { c.Queue(NewRequest()) }},
		{"Timeout", func(c *Connection) { c.SetTimeout(time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestConnection(t)
			tt.setup(c)
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			c.Destroy()
		})
	}

	t.Run("Clean", func(t *testing.T) {
		c, _, _ := newTestConnection(t)
		c.SetFlags(Pipeline | Reading)
		c.ClearFlags(Pipeline | Reading)
		c.Destroy()
		if c.State() != Destroyed {
			t.Fatalf("State() = %v, want %v", c.State(), Destroyed)
		}
		if c.Conn() != nil {
			t.Fatal("socket not released")
		}
	})
}

func TestRequestDestroy(t *testing.T) {
	p := atom.NewPool()
	c, _, _ := newTestConnection(t)

	r := NewRequest()
	if r.From != 0 || r.To != -1 {
		t.Fatalf("new request range = %d-%d, want 0--1", r.From, r.To)
	}
	r.URL = p.Intern("http://example.org/")
	r.Via = p.Intern("1.1 client")
	r.Headers = p.Intern("\r\nAccept: */*")
	r.SetError(502, p.Intern("Bad gateway"), nil)
	r.SetError(504, p.Intern("Gateway timeout"), p.Intern("\r\nRetry-After: 1"))

	obj := cache.NewObject(p.Intern("http://example.org/"))
	obj.Populated()
	r.Object = obj.Retain()

	c.Queue(r)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic destroying a queued request")
			}
		}()
		r.Destroy()
	}()

	c.Dequeue()
	r.Destroy()

	if obj.Refs() != 1 {
		t.Errorf("object refs = %d, want 1", obj.Refs())
	}
	obj.Release()
	if p.Used() != 0 {
		t.Errorf("%d atoms still live", p.Used())
	}
}

func TestReadyOnce(t *testing.T) {
	r := NewRequest()
	select {
	case <-r.Ready():
		t.Fatal("request ready before MarkReady")
	default:
	}
	r.MarkReady()
	r.MarkReady()
	select {
	case <-r.Ready():
	default:
		t.Fatal("request not ready after MarkReady")
	}
}
