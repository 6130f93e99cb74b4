package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cache"
	"github.com/Tksty/polipo/internal/cachecontrol"
	"github.com/Tksty/polipo/internal/chunk"
	"github.com/Tksty/polipo/internal/condition"
	"github.com/Tksty/polipo/internal/conn"
	"github.com/Tksty/polipo/internal/logging"
	"github.com/Tksty/polipo/internal/metrics"
	"github.com/Tksty/polipo/internal/middleware"
	"github.com/Tksty/polipo/internal/reactor"
	"github.com/Tksty/polipo/internal/response"
)

type Transport interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

type Timeouts struct {
	// Client bounds the wait for a pending response.
	Client time.Duration
	// Server bounds each upstream exchange.
	Server time.Duration
	// Idle bounds a kept-alive connection with nothing queued.
	Idle time.Duration
}

// Engine is an HTTP/1.1 forward proxy. Requests pipelined on a client
// connection are prepared concurrently and answered in arrival order.
type Engine struct {
	Director  *Director
	Store     cache.Store
	Transport Transport
	Composer  *response.Composer
	Atoms     *atom.Pool
	Chunks    *chunk.Pool
	Loop      *reactor.Loop
	Clients   *middleware.AccessList
	Logger    logging.Logger

	Timeouts          Timeouts
	MaxBodyBytes      int64
	Offline           bool
	RelaxTransparency int
	ExpectContinue    int

	// Dial opens tunnels; it defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// Now defaults to time.Now.
	Now func() time.Time

	nextID atomic.Uint64
	open   atomic.Int64
	conns  sync.WaitGroup
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// OpenConnections returns the number of client connections being served.
func (e *Engine) OpenConnections() int {
	return int(e.open.Load())
}

// Serve accepts connections on ln until ctx is done, then waits for the
// accepted connections to be torn down.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				e.conns.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		if !e.Clients.Allowed(nc.RemoteAddr()) {
			e.Logger.Info("client denied", "addr", nc.RemoteAddr().String())
			nc.Close()
			continue
		}

		e.conns.Add(1)
		go func() {
			defer e.conns.Done()
			e.ServeConn(ctx, nc)
		}()
	}
}

// ServeConn serves one client connection until it closes.
func (e *Engine) ServeConn(ctx context.Context, nc net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := e.nextID.Add(1)
	c := conn.New(id, nc, e.Loop, e.Logger)
	e.Loop.Register(id, func(ev reactor.Event) {
		if ev.Kind == reactor.EventTimeout {
			metrics.IncTimeout()
			e.Logger.Info("client connection timed out", "conn", ev.ID)
		}
		cancel()
	})
	defer e.Loop.Unregister(id)

	// unblock the reader when the connection's context ends
	stop := context.AfterFunc(ctx, func() { c.Shutdown() })
	defer stop()

	e.open.Add(1)
	metrics.ConnectionOpened()
	defer func() {
		e.open.Add(-1)
		metrics.ConnectionClosed()
	}()

	c.SetFlags(conn.Pipeline)
	c.SetTimeout(e.Timeouts.Idle)

	wake := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		e.writeLoop(ctx, c, wake, readerDone)
	}()

	e.readLoop(ctx, c, wake)
	close(readerDone)
	<-writerDone

	// the writer stopped early; drain what the reader queued meanwhile
	cancel()
	for r := c.Dequeue(); r != nil; r = c.Dequeue() {
		<-r.Ready()
		r.Destroy()
	}
	c.SetTimeout(0)
	c.ClearFlags(conn.Pipeline | conn.Reading | conn.Writing)
	c.Destroy()
}

func (e *Engine) readLoop(ctx context.Context, c *conn.Connection, wake chan<- struct{}) {
	for {
		req, err := http.ReadRequest(c.Reader())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				e.Logger.Debug("couldn't parse client request", "conn", c.ID, "err", err)
				r := conn.NewRequest()
				r.Method = http.MethodGet
				r.SetError(http.StatusBadRequest, e.Atoms.InternError(err, "Couldn't parse request"), nil)
				e.queue(c, r, wake)
				r.MarkReady()
			}
			return
		}

		c.SetFlags(conn.Reading)
		r := e.newRequest(c, req)
		c.ClearFlags(conn.Reading)

		e.queue(c, r, wake)

		if r.Method == http.MethodConnect {
			r.MarkReady()
			return
		}
		// prepare may clear Persistent; only the value at read time
		// decides whether to keep reading
		persistent := r.Persistent
		go e.prepare(ctx, r)

		if !persistent {
			return
		}
	}
}

func (e *Engine) queue(c *conn.Connection, r *conn.Request, wake chan<- struct{}) {
	c.Queue(r)
	c.SetTimeout(e.Timeouts.Client)
	select {
	case wake <- struct{}{}:
	default:
	}
}

// newRequest builds the transaction for req and reads its body. Problems
// are recorded as a deferred error on the returned request.
func (e *Engine) newRequest(c *conn.Connection, req *http.Request) *conn.Request {
	r := conn.NewRequest()
	r.Method = req.Method
	r.Version = req.ProtoMinor
	r.Persistent = !req.Close && req.ProtoMajor == 1

	var te conn.TransferEncoding
	if req.ProtoAtLeast(1, 1) {
		te = conn.Chunked
	}
	c.SetProtocol(req.ProtoMinor, te)

	r.CacheControl = cachecontrol.Parse(strings.Join(req.Header.Values("Cache-Control"), ","))
	if strings.Contains(strings.ToLower(req.Header.Get("Pragma")), "no-cache") {
		r.CacheControl.Flags |= cachecontrol.NoCache
	}
	r.Condition = condition.FromHeader(req.Header)
	r.From, r.To = parseRange(req.Header.Get("Range"))
	r.WaitContinue = strings.EqualFold(req.Header.Get("Expect"), "100-continue")
	if v := req.Header.Get("Via"); v != "" {
		r.Via = e.Atoms.Intern(v)
	}

	target, err := e.Director.Direct(req)
	if err != nil {
		var de *DirectError
		if !errors.As(err, &de) {
			de = &DirectError{Code: http.StatusBadRequest, Message: err.Error(), Close: true}
		}
		var headers *atom.Atom
		if de.Headers != "" {
			headers = e.Atoms.Intern(de.Headers)
		}
		r.SetError(de.Code, e.Atoms.Intern(de.Message), headers)
		if req.URL != nil {
			r.URL = e.Atoms.Intern(req.URL.String())
		}
		// an unread body would be parsed as the next request
		r.Persistent = r.Persistent && !de.Close && req.ContentLength == 0
		return r
	}

	r.URL = e.Atoms.Intern(target.String())
	if r.URL == nil {
		r.SetError(http.StatusRequestURITooLong, e.Atoms.Intern("URL too long"), nil)
		r.Persistent = false
		return r
	}
	r.Headers = serializeHeaders(e.Atoms, req.Header, conditionalHeaders)

	if req.Body != nil && req.ContentLength != 0 {
		if r.WaitContinue && c.Len() == 0 {
			if _, err := c.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n")); err != nil {
				r.Persistent = false
				return r
			}
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, e.MaxBodyBytes+1))
		switch {
		case err != nil:
			r.SetError(http.StatusBadRequest, e.Atoms.InternError(err, "Couldn't read request body"), nil)
			r.Persistent = false
		case int64(len(body)) > e.MaxBodyBytes:
			r.SetError(http.StatusRequestEntityTooLarge, e.Atoms.Intern("Request body too large"), nil)
			r.Persistent = false
		default:
			r.Body = body
		}
	}
	return r
}

// parseRange decodes a single "bytes=a-b" or "bytes=a-" range into the
// half-open interval [from, to). Anything else yields the whole entity.
func parseRange(h string) (from, to int64) {
	rng, ok := strings.CutPrefix(strings.TrimSpace(h), "bytes=")
	if !ok || strings.Contains(rng, ",") {
		return 0, -1
	}
	lo, hi, ok := strings.Cut(rng, "-")
	if !ok || lo == "" {
		return 0, -1
	}
	f, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
	if err != nil || f < 0 {
		return 0, -1
	}
	if strings.TrimSpace(hi) == "" {
		return f, -1
	}
	l, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
	if err != nil || l < f {
		return 0, -1
	}
	return f, l + 1
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (e *Engine) writeLoop(ctx context.Context, c *conn.Connection, wake <-chan struct{}, readerDone <-chan struct{}) {
	for {
		r := c.Head()
		if r == nil {
			select {
			case <-wake:
			case <-readerDone:
				if c.Head() == nil {
					return
				}
			}
			continue
		}

		<-r.Ready()

		c.SetFlags(conn.Writing)
		keep, err := e.respond(ctx, c, r)
		c.ClearFlags(conn.Writing)

		c.Dequeue()
		r.Destroy()

		if err != nil || !keep {
			if err != nil {
				e.Logger.Debug("response aborted", "conn", c.ID, "err", err)
			}
			c.Shutdown()
			return
		}

		if c.Len() > 0 {
			c.SetTimeout(e.Timeouts.Client)
		} else {
			c.SetTimeout(e.Timeouts.Idle)
		}
	}
}
