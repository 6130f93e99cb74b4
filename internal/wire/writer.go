// Package wire formats HTTP/1.x header blocks into fixed-size buffers.
//
// A Writer never writes past the end of its buffer. The first write that
// does not fit sets a sticky ErrBufferFull and every later write is a no-op,
// so a composer can chain writes and check the error once.
package wire

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

// ErrBufferFull reports that the output did not fit in the buffer.
var ErrBufferFull = errors.New("wire: buffer full")

type Writer struct {
	buf []byte
	n   int
	err error
}

// NewWriter returns a writer appending to buf at offset. The buffer's
// length is the limit.
func NewWriter(buf []byte, offset int) *Writer {
	w := &Writer{buf: buf, n: offset}
	if offset < 0 || offset > len(buf) {
		w.err = ErrBufferFull
	}
	return w
}

// Offset returns the position after the last successful write, or the
// sticky error.
func (w *Writer) Offset() (int, error) {
	if w.err != nil {
		return -1, w.err
	}
	return w.n, nil
}

func (w *Writer) Err() error {
	return w.err
}

// Avail returns the number of bytes left in the buffer.
func (w *Writer) Avail() int {
	if w.err != nil {
		return 0
	}
	return len(w.buf) - w.n
}

func (w *Writer) WriteString(s string) {
	if w.err != nil {
		return
	}
	if len(s) > len(w.buf)-w.n {
		w.err = ErrBufferFull
		return
	}
	w.n += copy(w.buf[w.n:], s)
}

func (w *Writer) Write(p []byte) {
	if w.err != nil {
		return
	}
	if len(p) > len(w.buf)-w.n {
		w.err = ErrBufferFull
		return
	}
	w.n += copy(w.buf[w.n:], p)
}

func (w *Writer) WriteInt(i int64) {
	var tmp [20]byte
	w.Write(strconv.AppendInt(tmp[:0], i, 10))
}

// WriteStatus writes a three digit status code.
func (w *Writer) WriteStatus(code int) {
	var tmp [3]byte
	tmp[0] = byte('0' + code/100%10)
	tmp[1] = byte('0' + code/10%10)
	tmp[2] = byte('0' + code%10)
	w.Write(tmp[:])
}

// WriteDate writes t in the HTTP date format.
func (w *Writer) WriteDate(t time.Time) {
	var tmp [len(http.TimeFormat) + 4]byte
	w.Write(t.UTC().AppendFormat(tmp[:0], http.TimeFormat))
}

// WriteHTML writes s with &, <, > and " replaced by entities. NUL bytes
// are dropped.
func (w *Writer) WriteHTML(s string) {
	for i := 0; i < len(s) && w.err == nil; i++ {
		switch c := s[i]; c {
		case '&':
			w.WriteString("&amp;")
		case '<':
			w.WriteString("&lt;")
		case '>':
			w.WriteString("&gt;")
		case '"':
			w.WriteString("&quot;")
		case 0:
		default:
			if w.n >= len(w.buf) {
				w.err = ErrBufferFull
				return
			}
			w.buf[w.n] = c
			w.n++
		}
	}
}
