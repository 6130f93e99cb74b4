package proxy

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cache"
	"github.com/Tksty/polipo/internal/cachecontrol"
)

// hop-by-hop headers and those the proxy regenerates itself
var (
	hopHeaders = map[string]bool{
		"Connection":          true,
		"Keep-Alive":          true,
		"Proxy-Authenticate":  true,
		"Proxy-Authorization": true,
		"Proxy-Connection":    true,
		"Te":                  true,
		"Trailer":             true,
		"Transfer-Encoding":   true,
		"Upgrade":             true,
		"Expect":              true,
	}

	objectHeaders = map[string]bool{
		"Content-Length": true,
		"Content-Range":  true,
		"Etag":           true,
		"Date":           true,
		"Last-Modified":  true,
		"Expires":        true,
		"Cache-Control":  true,
		"Pragma":         true,
		"Via":            true,
		"Age":            true,
	}

	conditionalHeaders = map[string]bool{
		"If-Modified-Since":   true,
		"If-Unmodified-Since": true,
		"If-Match":            true,
		"If-None-Match":       true,
		"If-Range":            true,
		"Range":               true,
		"Via":                 true,
	}
)

// serializeHeaders interns h as CRLF-prefixed header lines, skipping
// hop-by-hop headers, those named in Connection and those in skip. It
// returns nil when nothing remains or the block is too long to intern.
func serializeHeaders(p *atom.Pool, h http.Header, skip map[string]bool) *atom.Atom {
	connTokens := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				connTokens[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}

	keys := make([]string, 0, len(h))
	for k := range h {
		if hopHeaders[k] || connTokens[k] || skip[k] {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	for _, k := range keys {
		for _, v := range h[k] {
			bb.WriteString("\r\n")
			bb.WriteString(k)
			bb.WriteString(": ")
			bb.WriteString(v)
		}
	}
	return p.Intern(bb.String())
}

// parseHeaders is the inverse of serializeHeaders.
func parseHeaders(a *atom.Atom) http.Header {
	h := http.Header{}
	for _, line := range strings.Split(a.String(), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}

// unquoteETag returns the opaque part of a strong entity tag, or "" for
// weak or malformed tags.
func unquoteETag(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return ""
	}
	return s[1 : len(s)-1]
}

func parseDate(h http.Header, name string) time.Time {
	v := h.Get(name)
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// reasonPhrase extracts the reason from a status such as "200 OK".
func reasonPhrase(status string) string {
	_, reason, _ := strings.Cut(status, " ")
	return reason
}

// fillObject copies the metadata of resp into obj.
func (e *Engine) fillObject(obj *cache.Object, resp *http.Response, now time.Time) {
	h := resp.Header

	obj.Code = resp.StatusCode
	if reason := reasonPhrase(resp.Status); reason != "" {
		obj.Message = e.Atoms.Intern(reason)
	}
	obj.Length = resp.ContentLength
	obj.ETag = unquoteETag(h.Get("ETag"))
	obj.Date = parseDate(h, "Date")
	obj.LastModified = parseDate(h, "Last-Modified")
	if v := h.Get("Expires"); v != "" {
		obj.Expires = parseDate(h, "Expires")
		if obj.Expires.IsZero() {
			// an invalid Expires means already expired
			obj.Expires = time.Unix(0, 0)
		}
	}
	obj.Fetched = now

	cc := cachecontrol.Parse(strings.Join(h.Values("Cache-Control"), ","))
	if strings.Contains(strings.ToLower(h.Get("Pragma")), "no-cache") {
		cc.Flags |= cachecontrol.NoCache
	}
	obj.CacheControl = cc.Flags
	obj.MaxAge = cc.MaxAge
	obj.SMaxAge = cc.SMaxAge

	via := e.via(resp.ProtoMajor, resp.ProtoMinor)
	if prior := h.Get("Via"); prior != "" {
		via = prior + ", " + via
	}
	obj.Via = e.Atoms.Intern(via)

	obj.Headers = serializeHeaders(e.Atoms, h, objectHeaders)
}

// refreshObject applies the metadata of a 304 response to a clone of a
// stored object.
func (e *Engine) refreshObject(obj *cache.Object, resp *http.Response, now time.Time) {
	h := resp.Header
	if d := parseDate(h, "Date"); !d.IsZero() {
		obj.Date = d
	} else {
		obj.Date = time.Time{}
	}
	if h.Get("Expires") != "" {
		obj.Expires = parseDate(h, "Expires")
	}
	if vs := h.Values("Cache-Control"); len(vs) > 0 {
		cc := cachecontrol.Parse(strings.Join(vs, ","))
		obj.CacheControl = cc.Flags
		obj.MaxAge = cc.MaxAge
		obj.SMaxAge = cc.SMaxAge
	}
	if etag := unquoteETag(h.Get("ETag")); etag != "" {
		obj.ETag = etag
	}
	obj.Fetched = now
}

func (e *Engine) via(major, minor int) string {
	proto := "1.1"
	if major == 1 && minor == 0 {
		proto = "1.0"
	} else if major == 2 {
		proto = "2"
	}
	return proto + " " + e.Composer.ProxyName
}
