package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/Tksty/polipo/internal/cache"
	"github.com/Tksty/polipo/internal/cachecontrol"
	"github.com/Tksty/polipo/internal/conn"
	"github.com/Tksty/polipo/internal/metrics"
	"github.com/Tksty/polipo/internal/reactor"
)

// prepare resolves the object r will be answered from, consulting the
// store and the origin as needed. It always marks r ready.
func (e *Engine) prepare(ctx context.Context, r *conn.Request) {
	defer r.MarkReady()
	if r.ErrorCode != 0 || r.Method == http.MethodConnect {
		return
	}

	key := r.URL.String()
	if r.Method == http.MethodPost {
		e.Store.Delete(ctx, key)
		e.fetch(ctx, r, nil)
		return
	}

	onlyCached := r.CacheControl.Flags&cachecontrol.OnlyIfCached != 0
	obj, ok := e.Store.Get(ctx, key)
	if !ok {
		metrics.IncCacheMiss()
		if e.Offline || onlyCached {
			r.SetError(http.StatusGatewayTimeout, e.Atoms.Intern("Object not in cache"), nil)
			return
		}
		e.fetch(ctx, r, nil)
		return
	}

	switch {
	case e.Offline || onlyCached:
	case r.CacheControl.Flags&cachecontrol.NoCache != 0:
		e.fetch(ctx, r, obj)
		return
	case obj.Fresh(e.now(), r.CacheControl) || e.RelaxTransparency >= 2:
	default:
		e.fetch(ctx, r, obj)
		return
	}
	metrics.IncCacheHit()
	r.Object = obj
}

// streamBody is the unread remainder of an upstream response.
type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// fetch contacts the origin for r. stale, when non-nil, is a stored
// object to revalidate; fetch takes over the caller's reference.
func (e *Engine) fetch(ctx context.Context, r *conn.Request, stale *cache.Object) {
	ctx, cancel := context.WithCancel(ctx)
	streaming := false
	defer func() {
		if !streaming {
			cancel()
		}
	}()
	tm := e.Loop.ScheduleTimer(e.Timeouts.Server, func(*reactor.Timer) { cancel() })
	if tm == nil {
		e.Logger.Warn("couldn't schedule server timeout", "url", r.URL.String())
	}
	defer e.Loop.CancelTimer(tm)

	req, err := e.upstreamRequest(ctx, r, stale)
	if err != nil {
		stale.Release()
		r.SetError(http.StatusInternalServerError, e.Atoms.InternError(err, "Couldn't build upstream request"), nil)
		return
	}

	resp, err := e.Transport.RoundTrip(req)
	if err != nil {
		e.Logger.Warn("upstream request failed", "url", r.URL.String(), "err", err)
		if stale != nil && e.RelaxTransparency >= 1 {
			metrics.IncRevalidation("failed")
			r.Object = stale
			return
		}
		if stale != nil {
			metrics.IncRevalidation("failed")
		}
		stale.Release()
		r.SetError(http.StatusBadGateway, e.Atoms.InternError(err, "Couldn't contact %s", req.URL.Host), nil)
		r.Persistent = false
		return
	}

	now := e.now()
	if stale != nil && resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		metrics.IncRevalidation("not_modified")
		fresh := stale.Clone()
		stale.Release()
		e.refreshObject(fresh, resp, now)
		fresh.Populated()
		if err := e.Store.Set(ctx, fresh); err != nil {
			e.Logger.Warn("couldn't store object", "url", r.URL.String(), "err", err)
		}
		r.Object = fresh
		return
	}
	if stale != nil {
		metrics.IncRevalidation("modified")
		stale.Release()
	}

	obj := cache.NewObject(r.URL.Retain())
	e.fillObject(obj, resp, now)

	if r.Method == http.MethodHead || !bodyAllowed(resp.StatusCode) {
		resp.Body.Close()
	} else {
		body, err := io.ReadAll(io.LimitReader(resp.Body, e.MaxBodyBytes+1))
		if err != nil {
			resp.Body.Close()
			obj.Release()
			r.SetError(http.StatusBadGateway, e.Atoms.InternError(err, "Couldn't read response body"), nil)
			r.Persistent = false
			return
		}
		obj.Body = body
		if int64(len(body)) > e.MaxBodyBytes {
			obj.Flags |= cache.Linear
			r.Stream = &streamBody{ReadCloser: resp.Body, cancel: cancel}
			streaming = true
		} else {
			resp.Body.Close()
			obj.Length = int64(len(body))
		}
	}
	obj.Populated()

	if e.storable(r, req, resp, obj) {
		if err := e.Store.Set(ctx, obj); err != nil {
			e.Logger.Warn("couldn't store object", "url", r.URL.String(), "err", err)
		}
	}
	r.Object = obj
}

func (e *Engine) upstreamRequest(ctx context.Context, r *conn.Request, stale *cache.Object) (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = parseHeaders(r.Headers)

	via := e.via(1, r.Version)
	if r.Via != nil {
		via = r.Via.String() + ", " + via
	}
	req.Header.Set("Via", via)

	if len(r.Body) > 0 {
		switch {
		case e.ExpectContinue == 2, e.ExpectContinue == 1 && r.WaitContinue:
			req.Header.Set("Expect", "100-continue")
		}
	}

	if stale != nil {
		if stale.ETag != "" {
			req.Header.Set("If-None-Match", `"`+stale.ETag+`"`)
		}
		if !stale.LastModified.IsZero() {
			req.Header.Set("If-Modified-Since", stale.LastModified.UTC().Format(http.TimeFormat))
		}
	}
	return req, nil
}

// storable reports whether a complete response may be shared with later
// requests.
func (e *Engine) storable(r *conn.Request, req *http.Request, resp *http.Response, obj *cache.Object) bool {
	switch {
	case r.Method != http.MethodGet, obj.Code != http.StatusOK:
		return false
	case obj.Flags&cache.Linear != 0:
		return false
	case obj.CacheControl&(cachecontrol.NoStore|cachecontrol.Private) != 0:
		return false
	case resp.Header.Get("Set-Cookie") != "", resp.Header.Get("Vary") != "":
		return false
	case req.Header.Get("Authorization") != "" && obj.CacheControl&cachecontrol.Public == 0:
		return false
	case strings.Contains(strings.ToLower(req.Header.Get("Cache-Control")), "no-store"):
		return false
	}
	return true
}
