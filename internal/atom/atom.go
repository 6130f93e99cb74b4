// Package atom implements a pool of deduplicated, reference-counted strings.
//
// Header names and values, URLs and error messages are stored as atoms so
// that repeated strings share one allocation. Every holder of an atom owns
// one reference: Retain when storing a handle, Release when dropping it.
package atom

import (
	"fmt"
	"strings"
	"sync"
)

const (
	log2TableSize = 10
	tableSize     = 1 << log2TableSize

	// MaxLength is the longest string an atom can hold.
	MaxLength = 1<<16 - 1
)

// Atom is an immutable interned string. The zero handle is nil; nil atoms
// are accepted by Retain, Release and String.
type Atom struct {
	pool     *Pool
	next     *Atom
	refcount int
	value    string
}

// Pool is a hash-bucketed registry of live atoms.
type Pool struct {
	mu    sync.Mutex
	table [tableSize]*Atom
	used  int
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

func hash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h<<5 ^ h>>27 ^ uint32(s[i])
	}
	h ^= h >> log2TableSize
	h ^= h >> (2 * log2TableSize)
	return h & (tableSize - 1)
}

// Intern returns a retained atom equal to s, creating it if needed.
// It returns nil if s is longer than MaxLength.
func (p *Pool) Intern(s string) *Atom {
	if len(s) > MaxLength {
		return nil
	}

	h := hash(s)

	p.mu.Lock()
	defer p.mu.Unlock()

	for a := p.table[h]; a != nil; a = a.next {
		if a.value == s {
			a.refcount++
			return a
		}
	}

	a := &Atom{
		pool:     p,
		next:     p.table[h],
		refcount: 1,
		value:    strings.Clone(s),
	}
	p.table[h] = a
	p.used++
	return a
}

// InternN interns the first n bytes of s. A negative n or one past the end
// of s interns all of s.
func (p *Pool) InternN(s string, n int) *Atom {
	if n >= 0 && n < len(s) {
		s = s[:n]
	}
	return p.Intern(s)
}

// InternLowerN interns the first n bytes of s converted to lower case.
func (p *Pool) InternLowerN(s string, n int) *Atom {
	if n >= 0 && n < len(s) {
		s = s[:n]
	}
	return p.Intern(strings.ToLower(s))
}

// Internf interns the formatted string.
func (p *Pool) Internf(format string, args ...any) *Atom {
	return p.Intern(fmt.Sprintf(format, args...))
}

// InternError interns the formatted message followed by the description of
// err in parentheses. An empty format yields the description alone.
func (p *Pool) InternError(err error, format string, args ...any) *Atom {
	desc := "Unknown error"
	if err != nil {
		desc = err.Error()
	}
	if format == "" {
		return p.Intern(desc)
	}
	return p.Intern(fmt.Sprintf(format, args...) + " (" + desc + ")")
}

// Cat returns a new retained atom holding a followed by s. The caller keeps
// its reference to a.
func (p *Pool) Cat(a *Atom, s string) *Atom {
	if a == nil {
		return nil
	}
	return p.Intern(a.value + s)
}

// Used returns the number of distinct live atoms.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Retain adds a reference to a and returns it.
func (a *Atom) Retain() *Atom {
	if a == nil {
		return nil
	}
	a.pool.mu.Lock()
	a.refcount++
	a.pool.mu.Unlock()
	return a
}

// Release drops a reference to a. The atom leaves the pool when its last
// reference is released.
func (a *Atom) Release() {
	if a == nil {
		return
	}

	p := a.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if a.refcount <= 0 {
		panic("atom: release of dead atom " + fmt.Sprintf("%q", a.value))
	}
	a.refcount--
	if a.refcount > 0 {
		return
	}

	h := hash(a.value)
	if p.table[h] == a {
		p.table[h] = a.next
	} else {
		for prev := p.table[h]; prev != nil; prev = prev.next {
			if prev.next == a {
				prev.next = a.next
				break
			}
		}
	}
	a.next = nil
	p.used--
}

// String returns the atom's content, or "" for nil.
func (a *Atom) String() string {
	if a == nil {
		return ""
	}
	return a.value
}

// Len returns the length of the atom's content.
func (a *Atom) Len() int {
	if a == nil {
		return 0
	}
	return len(a.value)
}

// Refcount reports the current number of references.
func (a *Atom) Refcount() int {
	if a == nil {
		return 0
	}
	a.pool.mu.Lock()
	defer a.pool.mu.Unlock()
	return a.refcount
}
