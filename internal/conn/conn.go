// Package conn tracks client connections and the requests pipelined on
// them.
//
// Requests are queued in arrival order and answered in that order. A
// connection's timeout is the only way to cancel work on it: when it
// fires, the socket is shut down in both directions and a timeout event is
// posted so the owner unwinds through its normal error path.
package conn

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/Tksty/polipo/internal/logging"
	"github.com/Tksty/polipo/internal/reactor"
)

// Scheduler arms timers and delivers events for connections.
type Scheduler interface {
	ScheduleTimer(d time.Duration, fn func(*reactor.Timer)) *reactor.Timer
	CancelTimer(*reactor.Timer)
	PostEvent(reactor.Event)
}

type Flags uint8

const (
	// Pipeline allows more than one request in flight.
	Pipeline Flags = 1 << iota
	// Reading is set while a request is being read.
	Reading
	// Writing is set while a response is being written.
	Writing
)

type TransferEncoding uint8

const (
	Identity TransferEncoding = iota
	Chunked
)

type State int

const (
	Idle State = iota
	Pending
	Closing
	Destroyed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Closing:
		return "closing"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

const readBufferSize = 4096

// Connection is one client TCP session.
type Connection struct {
	ID     uint64
	sched  Scheduler
	logger logging.Logger

	br *bufio.Reader
	wm sync.Mutex

	mu        sync.Mutex
	nc        net.Conn
	flags     Flags
	version   int
	te        TransferEncoding
	queue     []*Request
	timeout   *reactor.Timer
	closing   bool
	destroyed bool
}

// New wraps nc. The connection starts idle with no timeout armed.
func New(id uint64, nc net.Conn, sched Scheduler, logger logging.Logger) *Connection {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Connection{
		ID:      id,
		sched:   sched,
		logger:  logger,
		nc:      nc,
		br:      bufio.NewReaderSize(nc, readBufferSize),
		version: 1,
	}
}

// Reader returns the buffered input side of the connection.
func (c *Connection) Reader() *bufio.Reader {
	return c.br
}

// RemoteAddr returns the peer address, or nil once the socket is closed.
func (c *Connection) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	return c.nc.RemoteAddr()
}

// Conn returns the underlying socket, or nil once it is closed.
func (c *Connection) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// Write sends p to the peer. Concurrent writes are serialized.
func (c *Connection) Write(p []byte) (int, error) {
	nc := c.Conn()
	if nc == nil {
		return 0, net.ErrClosed
	}
	c.wm.Lock()
	defer c.wm.Unlock()
	return nc.Write(p)
}

func (c *Connection) SetFlags(f Flags) {
	c.mu.Lock()
	c.flags |= f
	c.mu.Unlock()
}

func (c *Connection) ClearFlags(f Flags) {
	c.mu.Lock()
	c.flags &^= f
	c.mu.Unlock()
}

func (c *Connection) HasFlags(f Flags) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags&f == f
}

// SetProtocol records the HTTP minor version and transfer encoding in use.
func (c *Connection) SetProtocol(minor int, te TransferEncoding) {
	c.mu.Lock()
	c.version = minor
	c.te = te
	c.mu.Unlock()
}

func (c *Connection) Protocol() (int, TransferEncoding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, c.te
}

// SetTimeout cancels any armed timeout and, if d > 0, arms a new one.
func (c *Connection) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout != nil {
		c.sched.CancelTimer(c.timeout)
		c.timeout = nil
	}
	if d <= 0 || c.destroyed {
		return
	}
	c.timeout = c.sched.ScheduleTimer(d, c.onTimeout)
	if c.timeout == nil {
		c.logger.Error("couldn't schedule connection timeout", "conn", c.ID)
	}
}

// TimeoutArmed reports whether a timeout is pending.
func (c *Connection) TimeoutArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout != nil
}

func (c *Connection) onTimeout(tm *reactor.Timer) {
	c.mu.Lock()
	if c.timeout != tm {
		// superseded by a later SetTimeout
		c.mu.Unlock()
		return
	}
	c.timeout = nil
	nc := c.nc
	if nc != nil {
		c.closing = true
	}
	c.mu.Unlock()

	if nc == nil {
		return
	}

	c.logger.Debug("connection timed out", "conn", c.ID)
	if err := shutdown(nc); err != nil {
		c.logger.Error("couldn't shut down timed out connection", "conn", c.ID, "err", err)
	}
	c.sched.PostEvent(reactor.Event{ID: c.ID, Kind: reactor.EventTimeout, Mask: reactor.Read | reactor.Write})
}

// Shutdown stops both directions of the socket without releasing it.
// Blocked reads and writes return.
func (c *Connection) Shutdown() error {
	c.mu.Lock()
	nc := c.nc
	c.closing = true
	c.mu.Unlock()
	if nc == nil {
		return nil
	}
	return shutdown(nc)
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

func shutdown(nc net.Conn) error {
	var errs []error
	if hc, ok := nc.(halfCloser); ok {
		errs = append(errs, hc.CloseRead(), hc.CloseWrite())
	}
	errs = append(errs, nc.SetDeadline(time.Unix(1, 0)))

	for _, err := range errs {
		if err != nil && !disconnected(err) {
			return err
		}
	}
	return nil
}

// disconnected reports errors meaning the peer is already gone.
func disconnected(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Queue appends req to the connection's FIFO. req must not be queued
// anywhere.
func (c *Connection) Queue(req *Request) {
	if req.conn != nil {
		panic("conn: request is already queued")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		panic("conn: queueing on a destroyed connection")
	}
	req.conn = c
	c.queue = append(c.queue, req)
}

// Dequeue detaches and returns the oldest request, or nil if there is
// none.
func (c *Connection) Dequeue() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	req := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	req.conn = nil
	return req
}

// Head returns the oldest request without removing it.
func (c *Connection) Head() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[0]
}

func (c *Connection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.destroyed:
		return Destroyed
	case c.closing:
		return Closing
	case len(c.queue) > 0:
		return Pending
	}
	return Idle
}

// Destroy closes the socket and retires the connection. Flags must be
// clear, the queue empty and no timeout armed.
func (c *Connection) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flags != 0 {
		panic("conn: destroying a connection with flags set")
	}
	if len(c.queue) != 0 {
		panic("conn: destroying a connection with queued requests")
	}
	if c.timeout != nil {
		panic("conn: destroying a connection with a live timeout")
	}
	if c.destroyed {
		panic("conn: connection destroyed twice")
	}

	if c.nc != nil {
		if err := c.nc.Close(); err != nil && !disconnected(err) {
			c.logger.Debug("close failed", "conn", c.ID, "err", err)
		}
		c.nc = nil
	}
	c.destroyed = true
}
