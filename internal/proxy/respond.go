package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cache"
	"github.com/Tksty/polipo/internal/condition"
	"github.com/Tksty/polipo/internal/conn"
	"github.com/Tksty/polipo/internal/metrics"
	"github.com/Tksty/polipo/internal/response"
)

// respond writes the response for r, which must be at the head of c's
// queue. It reports whether the connection may carry another response.
func (e *Engine) respond(ctx context.Context, c *conn.Connection, r *conn.Request) (keep bool, err error) {
	code := 0
	defer func() {
		metrics.ObserveRequest(r.Method, strconv.Itoa(code), time.Since(r.Received))
	}()

	if r.Method == http.MethodConnect && r.ErrorCode == 0 {
		code = http.StatusOK
		return false, e.tunnel(ctx, c, r)
	}

	buf := e.Chunks.Get()
	if buf == nil {
		e.Logger.Error("couldn't allocate header buffer", "conn", c.ID)
		return false, response.ErrNoChunk
	}
	defer e.Chunks.Put(buf)

	if r.ErrorCode != 0 {
		code = r.ErrorCode
		return e.writeError(c, r, buf, r.ErrorCode, r.ErrorMessage, r.ErrorHeaders, "")
	}

	obj := r.Object
	if obj == nil {
		code = http.StatusInternalServerError
		msg := e.Atoms.Intern("No object")
		defer msg.Release()
		r.Persistent = false
		return e.writeError(c, r, buf, code, msg, nil, "")
	}

	verdict := condition.Evaluate(obj, r.Condition)
	metrics.IncConditionVerdict(verdict.String())
	switch verdict {
	case condition.NotModified:
		code = http.StatusNotModified
		return e.writeError(c, r, buf, code, nil, nil, obj.ETag)
	case condition.Failed:
		code = http.StatusPreconditionFailed
		msg := e.Atoms.Intern("Precondition failed")
		defer msg.Release()
		return e.writeError(c, r, buf, code, msg, nil, "")
	}

	status, message := obj.Code, obj.Message
	from, to := int64(0), int64(-1)
	ranged := r.From > 0 || r.To >= 0
	if ranged && obj.Code == http.StatusOK && obj.Length >= 0 && obj.Flags&cache.Linear == 0 &&
		condition.RangeApplies(obj, r.Condition) {
		if r.From >= obj.Length {
			code = http.StatusRequestedRangeNotSatisfiable
			msg := e.Atoms.Intern("Requested range not satisfiable")
			defer msg.Release()
			hdr := e.Atoms.Internf("\r\nContent-Range: bytes */%d", obj.Length)
			defer hdr.Release()
			return e.writeError(c, r, buf, code, msg, hdr, "")
		}
		from, to = r.From, r.To
		if to < 0 || to > obj.Length {
			to = obj.Length
		}
		status, message = http.StatusPartialContent, nil
	}
	code = status

	closeConn := !r.Persistent
	hasBody := r.Method != http.MethodHead && bodyAllowed(status)
	extra := ""
	chunked := false
	if obj.Length < 0 && hasBody {
		if r.Version >= 1 {
			extra = "\r\nTransfer-Encoding: chunked"
			chunked = true
		} else {
			closeConn = true
		}
	}

	n, err := e.Composer.WriteObjectResponse(buf, 0, status, message, closeConn, obj, from, to, extra)
	if err != nil {
		code = http.StatusInternalServerError
		msg := e.Atoms.InternError(err, "Couldn't compose response headers")
		defer msg.Release()
		r.Persistent = false
		return e.writeError(c, r, buf, code, msg, nil, "")
	}
	if _, err := c.Write(buf[:n]); err != nil {
		return false, err
	}
	if !hasBody {
		return !closeConn, nil
	}

	pw := progressWriter{c: c, timeout: e.Timeouts.Client}
	var w io.Writer = pw
	var cw io.WriteCloser
	if chunked {
		cw = httputil.NewChunkedWriter(pw)
		w = cw
	}

	body := obj.Body
	if to >= 0 {
		if to > int64(len(body)) {
			to = int64(len(body))
		}
		body = body[min(from, to):to]
	}
	if _, err := w.Write(body); err != nil {
		return false, err
	}
	if r.Stream != nil && from == 0 && to < 0 {
		if _, err := io.Copy(w, r.Stream); err != nil {
			return false, err
		}
	}
	if chunked {
		if err := cw.Close(); err != nil {
			return false, err
		}
		if _, err := pw.Write([]byte("\r\n")); err != nil {
			return false, err
		}
	}
	return !closeConn, nil
}

// progressWriter re-arms the client timeout after every successful write,
// so only a stalled transfer times out.
type progressWriter struct {
	c       *conn.Connection
	timeout time.Duration
}

func (w progressWriter) Write(p []byte) (int, error) {
	n, err := w.c.Write(p)
	if err == nil && n > 0 {
		w.c.SetTimeout(w.timeout)
	}
	return n, err
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// writeError sends a synthesized error page. message and headers are
// borrowed.
func (e *Engine) writeError(c *conn.Connection, r *conn.Request, buf []byte, code int,
	message, headers *atom.Atom, etag string) (bool, error) {
	closeConn := !r.Persistent
	n, err := e.Composer.WriteErrorHeaders(buf, 0, r.Method != http.MethodHead, code, message,
		closeConn, headers, r.URL.String(), etag)
	if err != nil {
		return false, err
	}
	if _, err := c.Write(buf[:n]); err != nil {
		return false, err
	}
	return !closeConn, nil
}

func (e *Engine) tunnel(ctx context.Context, c *conn.Connection, r *conn.Request) error {
	host := strings.TrimPrefix(r.URL.String(), "//")
	dial := e.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	dctx, cancel := context.WithTimeout(ctx, e.Timeouts.Server)
	up, err := dial(dctx, "tcp", host)
	cancel()
	if err != nil {
		buf := e.Chunks.Get()
		if buf == nil {
			return response.ErrNoChunk
		}
		defer e.Chunks.Put(buf)
		msg := e.Atoms.InternError(err, "Couldn't connect to %s", host)
		defer msg.Release()
		r.Persistent = false
		_, werr := e.writeError(c, r, buf, http.StatusBadGateway, msg, nil, "")
		return werr
	}
	defer up.Close()

	c.SetTimeout(0)
	if _, err := c.Write([]byte("HTTP/1.1 200 Tunnel established\r\n\r\n")); err != nil {
		return err
	}
	e.Logger.Debug("tunnel established", "conn", c.ID, "target", host)

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(up, c.Reader())
		errc <- err
	}()
	go func() {
		_, err := io.Copy(c, up)
		errc <- err
	}()

	err = <-errc
	up.Close()
	c.Shutdown()
	<-errc
	return err
}
