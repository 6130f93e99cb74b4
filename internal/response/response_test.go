package response

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cache"
	"github.com/Tksty/polipo/internal/cachecontrol"
	"github.com/Tksty/polipo/internal/chunk"
	"github.com/Tksty/polipo/internal/wire"
)

var fixedNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func newComposer() *Composer {
	return &Composer{
		ProxyName: "proxy.example",
		ProxyPort: 8123,
		Chunks:    chunk.NewPool(4096, 8),
		Now:       func() time.Time { return fixedNow },
	}
}

func TestStatusMessage(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "Okay"},
		{206, "Partial content"},
		{304, "Not changed"},
		{407, "Proxy authentication required"},
		{418, "Unknown error code"},
		{599, "Unknown error code"},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			if got := StatusMessage(tt.code); got != tt.want {
				t.Errorf("StatusMessage(%d) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestObjectHeadersRanges(t *testing.T) {
	c := newComposer()

	known := cache.NewObject(nil)
	known.Length = 1000
	known.Populated()

	unknown := cache.NewObject(nil)
	unknown.Populated()

	tests := []struct {
		name     string
		obj      *cache.Object
		from, to int64
		want     string
	}{
		{"Whole", known, 0, -1, "\r\nContent-Length: 1000"},
		{"WholeUnknown", unknown, 0, -1, ""},
		{"Range", known, 200, 400, "\r\nContent-Length: 200\r\nContent-Range: bytes 200-399/1000"},
		{"Empty", known, 400, 400, "\r\nContent-Length: 0\r\nContent-Range: bytes */1000"},
		{"OpenUnknown", unknown, 200, -1, "\r\nContent-Range: bytes 200-/*"},
		{"ClosedUnknown", unknown, 200, 400, "\r\nContent-Length: 200\r\nContent-Range: bytes 200-399/*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 256)
			n, err := c.WriteObjectHeaders(buf, 0, tt.obj, tt.from, tt.to)
			if err != nil {
				t.Fatalf("WriteObjectHeaders: %v", err)
			}
			if got := string(buf[:n]); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func fullObject(p *atom.Pool) *cache.Object {
	obj := cache.NewObject(p.Intern("http://example.org/"))
	obj.Length = 5
	obj.ETag = "v1"
	obj.Date = time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	obj.LastModified = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	obj.Expires = time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	obj.CacheControl = cachecontrol.Public | cachecontrol.MustRevalidate
	obj.MaxAge = 60
	obj.Via = p.Intern("1.1 upstream")
	obj.Headers = p.Intern("\r\nContent-Type: text/plain")
	obj.Populated()
	return obj
}

func TestObjectHeadersOrder(t *testing.T) {
	p := atom.NewPool()
	c := newComposer()
	obj := fullObject(p)
	defer obj.Release()

	buf := make([]byte, 512)
	n, err := c.WriteObjectHeaders(buf, 0, obj, 0, -1)
	if err != nil {
		t.Fatalf("WriteObjectHeaders: %v", err)
	}

	want := "\r\nContent-Length: 5" +
		"\r\nETag: \"v1\"" +
		"\r\nDate: Thu, 01 Feb 2024 00:00:00 GMT" +
		"\r\nLast-Modified: Mon, 01 Jan 2024 00:00:00 GMT" +
		"\r\nExpires: Mon, 01 Apr 2024 00:00:00 GMT" +
		"\r\nCache-Control: public, must-revalidate, max-age=60" +
		"\r\nVia: 1.1 upstream" +
		"\r\nContent-Type: text/plain"
	if got := string(buf[:n]); got != want {
		t.Errorf("got\n%q\nwant\n%q", got, want)
	}

	obj.Flags |= cache.Local
	n, err = c.WriteObjectHeaders(buf, 0, obj, 0, -1)
	if err != nil {
		t.Fatalf("WriteObjectHeaders: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "\r\nDate: Fri, 01 Mar 2024 12:00:00 GMT") {
		t.Errorf("local object should carry the current date: %q", buf[:n])
	}
}

func TestObjectHeadersBudget(t *testing.T) {
	p := atom.NewPool()
	c := newComposer()
	obj := fullObject(p)
	defer obj.Release()

	full := make([]byte, 512)
	need, err := c.WriteObjectHeaders(full, 0, obj, 200, 400)
	if err != nil {
		t.Fatalf("WriteObjectHeaders: %v", err)
	}

	for size := 0; size < need; size++ {
		backing := bytes.Repeat([]byte{0xAA}, need+16)
		n, err := c.WriteObjectHeaders(backing[:size], 0, obj, 200, 400)
		if !errors.Is(err, wire.ErrBufferFull) || n >= 0 {
			t.Fatalf("size %d: got (%d, %v), want ErrBufferFull", size, n, err)
		}
		for i := size; i < len(backing); i++ {
			if backing[i] != 0xAA {
				t.Fatalf("size %d: byte %d past the limit was written", size, i)
			}
		}
	}
}

func TestObjectResponse(t *testing.T) {
	p := atom.NewPool()
	c := newComposer()
	obj := fullObject(p)
	defer obj.Release()

	buf := make([]byte, 512)
	n, err := c.WriteObjectResponse(buf, 0, 206, nil, true, obj, 1, 3, "")
	if err != nil {
		t.Fatalf("WriteObjectResponse: %v", err)
	}
	got := string(buf[:n])
	if !strings.HasPrefix(got, "HTTP/1.1 206 Partial content\r\nConnection: close\r\nContent-Length: 2\r\nContent-Range: bytes 1-2/5") {
		t.Errorf("unexpected head: %q", got)
	}
	if !strings.HasSuffix(got, "\r\nContent-Type: text/plain\r\n\r\n") {
		t.Errorf("unexpected tail: %q", got)
	}
}

func splitResponse(t *testing.T, s string) (head, body string) {
	t.Helper()
	i := strings.Index(s, "\r\n\r\n")
	if i < 0 {
		t.Fatalf("no header terminator in %q", s)
	}
	return s[:i], s[i+4:]
}

func TestErrorHeadersEscapesURL(t *testing.T) {
	p := atom.NewPool()
	c := newComposer()

	buf := make([]byte, 4096)
	n, err := c.WriteErrorHeaders(buf, 0, true, 404, p.Intern("Not found"), false, nil,
		"http://example.org/<script>alert(\"x\")</script>&", "")
	if err != nil {
		t.Fatalf("WriteErrorHeaders: %v", err)
	}
	head, body := splitResponse(t, string(buf[:n]))

	if !strings.Contains(body, "&lt;script&gt;alert(&quot;x&quot;)&lt;/script&gt;&amp;") {
		t.Errorf("URL not escaped in body: %q", body)
	}
	if strings.Contains(body, "<script>") {
		t.Errorf("raw markup in body: %q", body)
	}
	if !strings.Contains(head, "\r\nContent-Length: "+strconv.Itoa(len(body))) {
		t.Errorf("Content-Length does not match body length %d: %q", len(body), head)
	}

	wantHead := "HTTP/1.1 404 Not found" +
		"\r\nConnection: keep-alive" +
		"\r\nDate: Fri, 01 Mar 2024 12:00:00 GMT" +
		"\r\nContent-Type: text/html" +
		"\r\nContent-Length: " + strconv.Itoa(len(body)) +
		"\r\nExpires: 0\r\nCache-Control: no-cache\r\nPragma: no-cache"
	if head != wantHead {
		t.Errorf("head\n%q\nwant\n%q", head, wantHead)
	}
	if !strings.Contains(body, "The proxy on proxy.example:8123 encountered the following error while fetching <strong>") {
		t.Errorf("body does not name the proxy: %q", body)
	}
}

func TestErrorHeadersVariants(t *testing.T) {
	p := atom.NewPool()
	c := newComposer()
	extra := p.Intern("\r\nProxy-Authenticate: Basic realm=\"Polipo\"")
	defer extra.Release()

	t.Run("NotModified", func(t *testing.T) {
		buf := make([]byte, 1024)
		n, err := c.WriteErrorHeaders(buf, 0, true, 304, nil, false, nil, "http://x/", "v1")
		if err != nil {
			t.Fatalf("WriteErrorHeaders: %v", err)
		}
		want := "HTTP/1.1 304 Not changed\r\nConnection: keep-alive\r\nDate: Fri, 01 Mar 2024 12:00:00 GMT" +
			"\r\nETag: \"v1\"\r\n\r\n"
		if got := string(buf[:n]); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("PreconditionFailed", func(t *testing.T) {
		buf := make([]byte, 4096)
		n, err := c.WriteErrorHeaders(buf, 0, true, 412, nil, true, nil, "", "")
		if err != nil {
			t.Fatalf("WriteErrorHeaders: %v", err)
		}
		head, body := splitResponse(t, string(buf[:n]))
		if strings.Contains(head, "Expires") || strings.Contains(head, "no-cache") {
			t.Errorf("412 should not carry no-cache headers: %q", head)
		}
		if !strings.Contains(head, "Connection: close") {
			t.Errorf("missing Connection: close: %q", head)
		}
		if !strings.HasPrefix(head, "HTTP/1.1 412 Unknown error code") {
			t.Errorf("unexpected status line: %q", head)
		}
		if strings.Contains(body, "while fetching") {
			t.Errorf("body mentions a URL that was not given: %q", body)
		}
	})

	t.Run("NoBodyWithExtraHeaders", func(t *testing.T) {
		buf := make([]byte, 4096)
		n, err := c.WriteErrorHeaders(buf, 0, false, 407, nil, false, extra, "", "")
		if err != nil {
			t.Fatalf("WriteErrorHeaders: %v", err)
		}
		got := string(buf[:n])
		if !strings.HasSuffix(got, "Pragma: no-cache\r\nProxy-Authenticate: Basic realm=\"Polipo\"\r\n\r\n") {
			t.Errorf("extra headers not appended before the terminator: %q", got)
		}
		if strings.Contains(got, "Content-Length: 0") {
			t.Errorf("HEAD-style response should still announce the body length: %q", got)
		}
	})

	t.Run("Offset", func(t *testing.T) {
		buf := make([]byte, 4096)
		copy(buf, "HTTP/1.1 100 Continue\r\n\r\n")
		n, err := c.WriteErrorHeaders(buf, 25, true, 502, p.Intern("Bad gateway"), true, nil, "", "")
		if err != nil {
			t.Fatalf("WriteErrorHeaders: %v", err)
		}
		if !strings.HasPrefix(string(buf[:n]), "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 502 Bad gateway") {
			t.Errorf("response not appended at offset: %q", buf[:40])
		}
	})
}

func TestErrorHeadersBudget(t *testing.T) {
	c := newComposer()

	full := make([]byte, 4096)
	need, err := c.WriteErrorHeaders(full, 0, true, 504, nil, true, nil, "", "")
	if err != nil {
		t.Fatalf("WriteErrorHeaders: %v", err)
	}

	for _, size := range []int{0, 10, 100, need / 2, need - 1} {
		backing := bytes.Repeat([]byte{0xAA}, need+16)
		if _, err := c.WriteErrorHeaders(backing[:size], 0, true, 504, nil, true, nil, "", ""); err == nil {
			t.Fatalf("size %d: expected an error", size)
		}
		for i := size; i < len(backing); i++ {
			if backing[i] != 0xAA {
				t.Fatalf("size %d: byte %d past the limit was written", size, i)
			}
		}
	}
	if c.Chunks.InUse() != 0 {
		t.Errorf("chunks leaked: %d", c.Chunks.InUse())
	}
}

func TestErrorHeadersLongURL(t *testing.T) {
	p := atom.NewPool()
	c := newComposer()
	url := "http://example.org/" + strings.Repeat("a", 4000)

	buf := make([]byte, 4096)
	n, err := c.WriteErrorHeaders(buf, 0, true, 502, p.Intern("Couldn't contact example.org"), true, nil, url, "")
	if err != nil {
		t.Fatalf("WriteErrorHeaders: %v", err)
	}
	head, body := splitResponse(t, string(buf[:n]))

	if !strings.HasPrefix(head, "HTTP/1.1 502 Couldn't contact example.org\r\nConnection: close") {
		t.Errorf("head = %q", head)
	}
	if strings.Contains(body, "while fetching") {
		t.Errorf("URL should be left out of the page: %q", body)
	}
	if !strings.Contains(head, "\r\nContent-Length: "+strconv.Itoa(len(body))) {
		t.Errorf("Content-Length does not match body length %d: %q", len(body), head)
	}
	if c.Chunks.InUse() != 0 {
		t.Errorf("chunks leaked: %d", c.Chunks.InUse())
	}
}

func TestErrorHeadersNoChunk(t *testing.T) {
	c := newComposer()
	c.Chunks = chunk.NewPool(4096, 1)
	held := c.Chunks.Get()
	defer c.Chunks.Put(held)

	buf := make([]byte, 4096)
	if _, err := c.WriteErrorHeaders(buf, 0, true, 500, nil, true, nil, "", ""); !errors.Is(err, ErrNoChunk) {
		t.Fatalf("err = %v, want ErrNoChunk", err)
	}

	if _, err := c.WriteErrorHeaders(buf, 0, true, 304, nil, false, nil, "", "v1"); err != nil {
		t.Fatalf("304 needs no chunk, got %v", err)
	}
}
