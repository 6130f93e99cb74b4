// Package cachecontrol renders and parses Cache-Control directives.
package cachecontrol

import (
	"strconv"
	"strings"

	"github.com/Tksty/polipo/internal/wire"
)

// Flags is the set of boolean Cache-Control directives.
type Flags uint16

const (
	NoCache Flags = 1 << iota
	Public
	Private
	NoStore
	NoTransform
	MustRevalidate
	ProxyRevalidate
	OnlyIfCached
)

// Control is a decoded Cache-Control header. Numeric directives are -1
// when absent.
type Control struct {
	Flags    Flags
	MaxAge   int
	SMaxAge  int
	MinFresh int
	MaxStale int
}

// None is a Control with no directives.
var None = Control{MaxAge: -1, SMaxAge: -1, MinFresh: -1, MaxStale: -1}

var flagNames = []struct {
	flag Flags
	name string
}{
	{NoCache, "no-cache"},
	{Public, "public"},
	{Private, "private"},
	{NoStore, "no-store"},
	{NoTransform, "no-transform"},
	{MustRevalidate, "must-revalidate"},
	{ProxyRevalidate, "proxy-revalidate"},
	{OnlyIfCached, "only-if-cached"},
}

// Write appends the Cache-Control line for flags merged with cc, and a
// Pragma line when no-cache is set. Merging only adds directives; cc is not
// modified. Nothing is written when there are no directives.
func Write(w *wire.Writer, flags Flags, cc *Control) {
	if cc != nil {
		flags |= cc.Flags
	}

	sub := false
	sep := func() {
		if sub {
			w.WriteString(", ")
		} else {
			w.WriteString("\r\nCache-Control: ")
			sub = true
		}
	}

	for _, f := range flagNames {
		if flags&f.flag != 0 {
			sep()
			w.WriteString(f.name)
		}
	}

	if cc != nil {
		if cc.MaxAge >= 0 {
			sep()
			w.WriteString("max-age=")
			w.WriteInt(int64(cc.MaxAge))
		}
		if cc.SMaxAge >= 0 {
			sep()
			w.WriteString("s-maxage=")
			w.WriteInt(int64(cc.SMaxAge))
		}
		if cc.MinFresh > 0 {
			sep()
			w.WriteString("min-fresh=")
			w.WriteInt(int64(cc.MinFresh))
		}
		if cc.MaxStale > 0 {
			sep()
			w.WriteString("max-stale=")
			w.WriteInt(int64(cc.MaxStale))
		}
	}

	if flags&NoCache != 0 {
		w.WriteString("\r\nPragma: no-cache")
	}
}

// Render writes the directives into buf at offset and returns the new
// offset, or wire.ErrBufferFull if they do not fit.
func Render(buf []byte, offset int, flags Flags, cc *Control) (int, error) {
	w := wire.NewWriter(buf, offset)
	Write(w, flags, cc)
	return w.Offset()
}

// Parse decodes a Cache-Control header value. Unknown directives are
// ignored. Malformed numbers leave the directive absent.
func Parse(header string) Control {
	cc := None
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, value, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch name {
		case "max-age":
			cc.MaxAge = parseSeconds(value)
		case "s-maxage":
			cc.SMaxAge = parseSeconds(value)
		case "min-fresh":
			cc.MinFresh = parseSeconds(value)
		case "max-stale":
			// a bare max-stale accepts any staleness
			if value == "" {
				cc.MaxStale = 1<<31 - 1
			} else {
				cc.MaxStale = parseSeconds(value)
			}
		default:
			for _, f := range flagNames {
				if f.name == name {
					cc.Flags |= f.flag
					break
				}
			}
		}
	}
	return cc
}

func parseSeconds(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Has reports whether all of the given flags are set.
func (f Flags) Has(flags Flags) bool {
	return f&flags == flags
}

func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ", ")
}
