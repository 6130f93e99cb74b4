package cache

import (
	"sync/atomic"
	"time"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cachecontrol"
)

type ObjectFlags uint16

const (
	// Initial marks an object whose first fetch has not completed.
	Initial ObjectFlags = 1 << iota
	// Local marks an object synthesized by the proxy itself.
	Local
	// Linear marks an object whose body was truncated at the size limit.
	Linear
)

const (
	// heuristic freshness is this fraction of the time since Last-Modified
	heuristicFraction = 10
	maxHeuristicAge   = 24 * time.Hour
)

// Object is a cached representation. It is mutable only while Initial;
// once stored it is shared read-only between requests and released by
// each holder.
type Object struct {
	refs atomic.Int32

	Key     *atom.Atom
	Flags   ObjectFlags
	Code    int
	Message *atom.Atom

	// Length is the entity length, -1 when unknown.
	Length int64
	// ETag is the unquoted entity tag, "" when absent.
	ETag string

	// Zero values mean absent.
	Date         time.Time
	LastModified time.Time
	Expires      time.Time
	// Fetched is when the response was received.
	Fetched time.Time

	CacheControl cachecontrol.Flags
	MaxAge       int
	SMaxAge      int

	// Headers holds extra header lines, each starting with CRLF.
	Headers *atom.Atom
	Via     *atom.Atom
	Body    []byte
}

// NewObject returns an Initial object for key with one reference. It
// adopts the caller's reference to key.
func NewObject(key *atom.Atom) *Object {
	o := &Object{
		Key:     key,
		Flags:   Initial,
		Length:  -1,
		MaxAge:  -1,
		SMaxAge: -1,
	}
	o.refs.Store(1)
	return o
}

// Populated clears the Initial flag once the object's metadata is final.
func (o *Object) Populated() {
	o.Flags &^= Initial
}

func (o *Object) Retain() *Object {
	if o == nil {
		return nil
	}
	o.refs.Add(1)
	return o
}

// Release drops a reference. The last release frees the object's atoms.
func (o *Object) Release() {
	if o == nil {
		return
	}
	n := o.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("cache: release of dead object " + o.Key.String())
	}
	o.Key.Release()
	o.Message.Release()
	o.Headers.Release()
	o.Via.Release()
	o.Key, o.Message, o.Headers, o.Via = nil, nil, nil, nil
}

// Clone returns an Initial copy of o with one reference. The copy holds
// its own references to o's atoms and shares the body.
func (o *Object) Clone() *Object {
	c := &Object{
		Key:          o.Key.Retain(),
		Flags:        o.Flags | Initial,
		Code:         o.Code,
		Message:      o.Message.Retain(),
		Length:       o.Length,
		ETag:         o.ETag,
		Date:         o.Date,
		LastModified: o.LastModified,
		Expires:      o.Expires,
		Fetched:      o.Fetched,
		CacheControl: o.CacheControl,
		MaxAge:       o.MaxAge,
		SMaxAge:      o.SMaxAge,
		Headers:      o.Headers.Retain(),
		Via:          o.Via.Retain(),
		Body:         o.Body,
	}
	c.refs.Store(1)
	return c
}

// Refs reports the current reference count.
func (o *Object) Refs() int {
	return int(o.refs.Load())
}

// FreshUntil returns the time the object stops being fresh for a shared
// cache. It returns the zero time when the object carries no freshness
// information.
func (o *Object) FreshUntil() time.Time {
	base := o.Date
	if base.IsZero() {
		base = o.Fetched
	}

	switch {
	case o.SMaxAge >= 0:
		return base.Add(time.Duration(o.SMaxAge) * time.Second)
	case o.MaxAge >= 0:
		return base.Add(time.Duration(o.MaxAge) * time.Second)
	case !o.Expires.IsZero():
		return o.Expires
	case !o.LastModified.IsZero() && base.After(o.LastModified):
		age := base.Sub(o.LastModified) / heuristicFraction
		if age > maxHeuristicAge {
			age = maxHeuristicAge
		}
		return base.Add(age)
	}
	return time.Time{}
}

// Fresh reports whether the object satisfies a request with the given
// Cache-Control directives at now.
func (o *Object) Fresh(now time.Time, cc cachecontrol.Control) bool {
	if o.CacheControl&(cachecontrol.NoCache) != 0 {
		return false
	}
	until := o.FreshUntil()
	if until.IsZero() {
		return false
	}

	if cc.MinFresh > 0 {
		now = now.Add(time.Duration(cc.MinFresh) * time.Second)
	}
	if cc.MaxAge >= 0 {
		base := o.Date
		if base.IsZero() {
			base = o.Fetched
		}
		if limit := base.Add(time.Duration(cc.MaxAge) * time.Second); limit.Before(until) {
			until = limit
		}
	}
	if cc.MaxStale > 0 && o.CacheControl&(cachecontrol.MustRevalidate|cachecontrol.ProxyRevalidate) == 0 {
		until = until.Add(time.Duration(cc.MaxStale) * time.Second)
	}
	return now.Before(until)
}
