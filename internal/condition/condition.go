// Package condition evaluates conditional request fields against a cached
// object's validators.
package condition

import (
	"net/http"
	"strings"
	"time"

	"github.com/Tksty/polipo/internal/cache"
)

// Result is the verdict of a conditional request.
type Result int

const (
	// Match means the full response must be sent.
	Match Result = iota
	// NotModified means the client's copy is current.
	NotModified
	// Failed means a precondition failed.
	Failed
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case NotModified:
		return "not_modified"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Condition holds the decoded conditional fields of a request. Zero times
// and empty strings mean absent. Entity tags are stored without quotes.
type Condition struct {
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
	IfMatch           string
	IfNoneMatch       string
	IfRange           string
}

// FromHeader decodes the conditional fields of h. It returns nil when the
// request carries none.
func FromHeader(h http.Header) *Condition {
	var c Condition
	if v := h.Get("If-Modified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			c.IfModifiedSince = t
		}
	}
	if v := h.Get("If-Unmodified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			c.IfUnmodifiedSince = t
		}
	}
	c.IfMatch = unquote(h.Get("If-Match"))
	c.IfNoneMatch = unquote(h.Get("If-None-Match"))
	c.IfRange = unquote(h.Get("If-Range"))

	if c == (Condition{}) {
		return nil
	}
	return &c
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Evaluate computes the verdict of cond against obj. A nil condition
// matches. obj must be populated.
func Evaluate(obj *cache.Object, cond *Condition) Result {
	if obj.Flags&cache.Initial != 0 {
		panic("condition: evaluating an unpopulated object")
	}
	if cond == nil {
		return Match
	}

	rc := Match
	lastModified := int64(-1)
	if !obj.LastModified.IsZero() {
		lastModified = obj.LastModified.Unix()
	}

	if !cond.IfModifiedSince.IsZero() {
		// without a Last-Modified the client's copy cannot be shown current
		if lastModified < 0 || cond.IfModifiedSince.Unix() < lastModified {
			return rc
		}
		rc = NotModified
	}

	if !cond.IfUnmodifiedSince.IsZero() {
		if cond.IfUnmodifiedSince.Unix() >= lastModified {
			return rc
		}
		rc = Failed
	}

	if cond.IfNoneMatch != "" {
		if obj.ETag == "" || obj.ETag != cond.IfNoneMatch {
			return rc
		}
		rc = NotModified
	}

	if cond.IfMatch != "" {
		if obj.ETag == "" || obj.ETag != cond.IfMatch {
			return Failed
		}
		return rc
	}

	return rc
}

// RangeApplies reports whether a Range request may be honored given the
// If-Range validator. An entity tag must match exactly; a date must equal
// the object's Last-Modified.
func RangeApplies(obj *cache.Object, cond *Condition) bool {
	if cond == nil || cond.IfRange == "" {
		return true
	}
	if t, err := http.ParseTime(cond.IfRange); err == nil {
		return !obj.LastModified.IsZero() && obj.LastModified.Unix() == t.Unix()
	}
	return obj.ETag != "" && obj.ETag == cond.IfRange
}
