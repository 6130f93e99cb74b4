package conn

import (
	"io"
	"sync"
	"time"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cache"
	"github.com/Tksty/polipo/internal/cachecontrol"
	"github.com/Tksty/polipo/internal/condition"
)

// Request is one HTTP transaction received on a connection.
//
// Atom and object fields are owned: the request holds one reference to
// each and releases them in Destroy.
type Request struct {
	conn *Connection

	Method  string
	URL     *atom.Atom
	Version int

	// From and To delimit the requested byte range. To is -1 for the
	// end of the entity.
	From, To int64

	CacheControl cachecontrol.Control
	Condition    *condition.Condition
	Object       *cache.Object
	Via          *atom.Atom

	Persistent   bool
	WaitContinue bool

	// Headers holds the end-to-end request headers to forward upstream.
	Headers *atom.Atom
	Body    []byte

	// Stream carries the rest of a response body too large to hold in
	// Object.Body. It is closed by Destroy.
	Stream io.ReadCloser

	ErrorCode    int
	ErrorMessage *atom.Atom
	ErrorHeaders *atom.Atom

	Received time.Time

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRequest returns a detached request for the whole entity.
func NewRequest() *Request {
	return &Request{
		From:         0,
		To:           -1,
		CacheControl: cachecontrol.None,
		Received:     time.Now(),
		ready:        make(chan struct{}),
	}
}

// Connection returns the connection the request is queued on, or nil.
func (r *Request) Connection() *Connection {
	return r.conn
}

// SetError records a deferred error response, replacing any earlier one.
// The request adopts the caller's references to message and headers.
func (r *Request) SetError(code int, message, headers *atom.Atom) {
	r.ErrorMessage.Release()
	r.ErrorHeaders.Release()
	r.ErrorCode = code
	r.ErrorMessage = message
	r.ErrorHeaders = headers
}

// MarkReady signals that the response can be written. Later calls are
// no-ops.
func (r *Request) MarkReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Ready is closed once MarkReady has been called.
func (r *Request) Ready() <-chan struct{} {
	return r.ready
}

// Destroy releases the object and every owned atom. The request must
// have been dequeued.
func (r *Request) Destroy() {
	if r.conn != nil {
		panic("conn: destroying a request that is still queued")
	}
	r.Object.Release()
	r.Object = nil
	r.URL.Release()
	r.Via.Release()
	r.Headers.Release()
	r.ErrorMessage.Release()
	r.ErrorHeaders.Release()
	r.URL, r.Via, r.Headers, r.ErrorMessage, r.ErrorHeaders = nil, nil, nil, nil, nil
	r.Condition = nil
	r.Body = nil
	if r.Stream != nil {
		r.Stream.Close()
		r.Stream = nil
	}
}
