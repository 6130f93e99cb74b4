// Package response composes HTTP/1.1 response header blocks for cached
// objects and synthesized error pages.
//
// Every function writes into a caller-supplied buffer and fails with
// wire.ErrBufferFull rather than produce a truncated block. On failure
// the bytes past the starting offset are unspecified up to the buffer's
// length and must not be sent.
package response

import (
	"errors"
	"strconv"
	"time"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cache"
	"github.com/Tksty/polipo/internal/cachecontrol"
	"github.com/Tksty/polipo/internal/chunk"
	"github.com/Tksty/polipo/internal/logging"
	"github.com/Tksty/polipo/internal/metrics"
	"github.com/Tksty/polipo/internal/wire"
)

// ErrNoChunk reports that no scratch buffer was available for an error
// body.
var ErrNoChunk = errors.New("response: no chunk available")

// Composer holds the identity the proxy presents in error pages.
type Composer struct {
	ProxyName string
	ProxyPort int
	Chunks    *chunk.Pool
	Logger    logging.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *Composer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Composer) logger() logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Nop()
}

// StatusMessage returns the reason phrase used for code.
func StatusMessage(code int) string {
	switch code {
	case 200:
		return "Okay"
	case 206:
		return "Partial content"
	case 300:
		return "Multiple choices"
	case 301:
		return "Moved permanently"
	case 302:
		return "Found"
	case 303:
		return "See other"
	case 304:
		return "Not changed"
	case 307:
		return "Temporary redirect"
	case 401:
		return "Authentication Required"
	case 403:
		return "Forbidden"
	case 404:
		return "Not found"
	case 405:
		return "Method not allowed"
	case 407:
		return "Proxy authentication required"
	}
	return "Unknown error code"
}

func messageOrDefault(code int, message *atom.Atom) string {
	if message == nil {
		return StatusMessage(code)
	}
	return message.String()
}

// WriteObjectHeaders appends obj's entity headers for the byte range
// [from, to) to buf at offset. to < 0 means to the end of the object; a
// range with from <= 0 and to < 0 is the whole object.
func (c *Composer) WriteObjectHeaders(buf []byte, offset int, obj *cache.Object, from, to int64) (int, error) {
	w := wire.NewWriter(buf, offset)
	c.writeObjectHeaders(w, obj, from, to)
	n, err := w.Offset()
	if err != nil {
		metrics.IncHeaderOverflow()
		return -1, err
	}
	return n, nil
}

func (c *Composer) writeObjectHeaders(w *wire.Writer, obj *cache.Object, from, to int64) {
	if from <= 0 && to < 0 {
		if obj.Length >= 0 {
			w.WriteString("\r\nContent-Length: ")
			w.WriteInt(obj.Length)
		}
	} else if to >= 0 {
		w.WriteString("\r\nContent-Length: ")
		w.WriteInt(to - from)
	}

	if from > 0 || to > 0 {
		w.WriteString("\r\nContent-Range: bytes ")
		switch {
		case obj.Length >= 0 && from >= to:
			w.WriteString("*/")
			w.WriteInt(obj.Length)
		case obj.Length >= 0:
			w.WriteInt(from)
			w.WriteString("-")
			w.WriteInt(to - 1)
			w.WriteString("/")
			w.WriteInt(obj.Length)
		case to >= 0:
			w.WriteInt(from)
			w.WriteString("-")
			w.WriteInt(to - 1)
			w.WriteString("/*")
		default:
			w.WriteInt(from)
			w.WriteString("-/*")
		}
	}

	if obj.ETag != "" {
		w.WriteString("\r\nETag: \"")
		w.WriteString(obj.ETag)
		w.WriteString("\"")
	}

	if obj.Flags&cache.Local != 0 {
		w.WriteString("\r\nDate: ")
		w.WriteDate(c.now())
	} else if !obj.Date.IsZero() {
		w.WriteString("\r\nDate: ")
		w.WriteDate(obj.Date)
	}

	if !obj.LastModified.IsZero() {
		w.WriteString("\r\nLast-Modified: ")
		w.WriteDate(obj.LastModified)
	}

	if !obj.Expires.IsZero() {
		w.WriteString("\r\nExpires: ")
		w.WriteDate(obj.Expires)
	}

	cc := cachecontrol.None
	cc.MaxAge = obj.MaxAge
	cc.SMaxAge = obj.SMaxAge
	cachecontrol.Write(w, obj.CacheControl, &cc)

	if obj.Via != nil {
		w.WriteString("\r\nVia: ")
		w.WriteString(obj.Via.String())
	}

	if obj.Headers != nil {
		w.WriteString(obj.Headers.String())
	}
}

// WriteObjectResponse writes a complete header block for obj: status
// line, Connection, entity headers, extra (CRLF-prefixed lines) and the
// terminating blank line.
func (c *Composer) WriteObjectResponse(buf []byte, offset int, code int, message *atom.Atom,
	closeConn bool, obj *cache.Object, from, to int64, extra string) (int, error) {
	w := wire.NewWriter(buf, offset)
	w.WriteString("HTTP/1.1 ")
	w.WriteStatus(code)
	w.WriteString(" ")
	w.WriteString(messageOrDefault(code, message))
	writeConnection(w, closeConn)
	c.writeObjectHeaders(w, obj, from, to)
	w.WriteString(extra)
	w.WriteString("\r\n\r\n")

	n, err := w.Offset()
	if err != nil {
		metrics.IncHeaderOverflow()
		c.logger().Error("couldn't write object headers", "url", obj.Key.String(), "code", code, "err", err)
		return -1, err
	}
	return n, nil
}

// WriteErrorHeaders writes a complete error response to buf at offset:
// status line, headers, blank line and, when doBody is set, an HTML body.
// A 304 never carries a body; etag is only sent with a 304. headers holds
// extra header lines, each starting with CRLF. url, if not empty, is
// mentioned in the body.
// If the page does not fit with url mentioned, it is written once more
// without it.
func (c *Composer) WriteErrorHeaders(buf []byte, offset int, doBody bool, code int, message *atom.Atom,
	closeConn bool, headers *atom.Atom, url, etag string) (int, error) {
	if code <= 0 {
		panic("response: error headers without a status code")
	}
	n, err := c.writeError(buf, offset, doBody, code, message, closeConn, headers, url, etag)
	if errors.Is(err, wire.ErrBufferFull) && url != "" {
		n, err = c.writeError(buf, offset, doBody, code, message, closeConn, headers, "", etag)
	}
	return n, err
}

func (c *Composer) writeError(buf []byte, offset int, doBody bool, code int, message *atom.Atom,
	closeConn bool, headers *atom.Atom, url, etag string) (int, error) {
	msg := messageOrDefault(code, message)

	var body []byte
	if code != 304 {
		scratch := c.Chunks.Get()
		if scratch == nil {
			c.logger().Error("couldn't allocate body buffer", "code", code)
			return -1, ErrNoChunk
		}
		defer c.Chunks.Put(scratch)

		bw := wire.NewWriter(scratch, 0)
		bw.WriteString("<!DOCTYPE HTML PUBLIC \"-//W3C//DTD HTML 4.01 Transitional//EN\" " +
			"\"http://www.w3.org/TR/html4/loose.dtd\">" +
			"\n<html><head>" +
			"\n<title>Proxy error: ")
		bw.WriteStatus(code)
		bw.WriteString(" ")
		bw.WriteHTML(msg)
		bw.WriteString(".</title>\n</head><body>\n<p>The proxy on ")
		bw.WriteHTML(c.ProxyName)
		bw.WriteString(":")
		bw.WriteInt(int64(c.ProxyPort))
		bw.WriteString(" encountered the following error")
		if url != "" {
			bw.WriteString(" while fetching <strong>")
			bw.WriteHTML(url)
			bw.WriteString("</strong>")
		}
		bw.WriteString(":<br>\n<strong>")
		bw.WriteStatus(code)
		bw.WriteString(" ")
		bw.WriteHTML(msg)
		bw.WriteString("</strong></p>\n</body></html>\r\n")

		m, err := bw.Offset()
		if err != nil {
			metrics.IncHeaderOverflow()
			c.logger().Error("couldn't write error body", "code", code, "err", err)
			return -1, err
		}
		body = scratch[:m]
	}

	w := wire.NewWriter(buf, offset)
	w.WriteString("HTTP/1.1 ")
	w.WriteStatus(code)
	w.WriteString(" ")
	w.WriteString(msg)
	writeConnection(w, closeConn)
	w.WriteString("\r\nDate: ")
	w.WriteDate(c.now())

	if code != 304 {
		w.WriteString("\r\nContent-Type: text/html\r\nContent-Length: ")
		w.WriteInt(int64(len(body)))
	} else if etag != "" {
		w.WriteString("\r\nETag: \"")
		w.WriteString(etag)
		w.WriteString("\"")
	}

	if code != 304 && code != 412 {
		w.WriteString("\r\nExpires: 0\r\nCache-Control: no-cache\r\nPragma: no-cache")
	}

	if headers != nil {
		w.WriteString(headers.String())
	}
	w.WriteString("\r\n\r\n")

	if doBody && code != 304 {
		w.Write(body)
	}

	n, err := w.Offset()
	if err != nil {
		metrics.IncHeaderOverflow()
		c.logger().Error("couldn't write error", "code", code, "err", err)
		return -1, err
	}
	metrics.IncErrorPage(strconv.Itoa(code))
	return n, nil
}

func writeConnection(w *wire.Writer, closeConn bool) {
	if closeConn {
		w.WriteString("\r\nConnection: close")
	} else {
		w.WriteString("\r\nConnection: keep-alive")
	}
}
