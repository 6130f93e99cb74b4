package atom

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestInternDeduplicates(t *testing.T) {
	p := NewPool()

	a := p.Intern("Content-Type")
	b := p.Intern("Content-Type")

	if a != b {
		t.Fatalf("interning the same string twice returned distinct atoms %p and %p", a, b)
	}
	if got := a.Refcount(); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
	if got := p.Used(); got != 1 {
		t.Fatalf("Used() = %d, want 1", got)
	}

	a.Release()
	if got := b.Refcount(); got != 1 {
		t.Fatalf("refcount after one release = %d, want 1", got)
	}
	b.Release()
	if got := p.Used(); got != 0 {
		t.Fatalf("Used() after releasing all = %d, want 0", got)
	}

	c := p.Intern("Content-Type")
	if c == a {
		t.Fatal("re-interning after release returned the dead atom")
	}
	if got := c.Refcount(); got != 1 {
		t.Fatalf("refcount of fresh atom = %d, want 1", got)
	}
}

func TestInternVariants(t *testing.T) {
	p := NewPool()

	tests := []struct {
		name string
		got  *Atom
		want string
	}{
		{"Full", p.Intern("Hello"), "Hello"},
		{"Prefix", p.InternN("Hello, world", 5), "Hello"},
		{"NegativeLength", p.InternN("Hello", -1), "Hello"},
		{"LengthPastEnd", p.InternN("Hello", 42), "Hello"},
		{"Lower", p.InternLowerN("HeLLo World", 5), "hello"},
		{"Formatted", p.Internf("%d %s", 404, "Not found"), "404 Not found"},
		{"Error", p.InternError(errors.New("connection refused"), "Connect to %s", "example.org"), "Connect to example.org (connection refused)"},
		{"ErrorOnly", p.InternError(errors.New("reset"), ""), "reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got == nil {
				t.Fatal("got nil atom")
			}
			if tt.got.String() != tt.want {
				t.Errorf("String() = %q, want %q", tt.got.String(), tt.want)
			}
		})
	}

	if p.Intern("Hello") != tests[0].got {
		t.Error("InternN result was not deduplicated against Intern")
	}
}

func TestCatKeepsInputs(t *testing.T) {
	p := NewPool()

	a := p.Intern("\r\nVia: ")
	b := p.Cat(a, "1.1 proxy")

	if b.String() != "\r\nVia: 1.1 proxy" {
		t.Fatalf("Cat = %q", b.String())
	}
	if a.Refcount() != 1 {
		t.Fatalf("Cat changed the input refcount to %d", a.Refcount())
	}
	if p.Cat(nil, "x") != nil {
		t.Fatal("Cat(nil) should return nil")
	}
}

func TestNilHandles(t *testing.T) {
	var a *Atom
	if a.Retain() != nil {
		t.Fatal("Retain(nil) should return nil")
	}
	a.Release()
	if a.String() != "" || a.Len() != 0 {
		t.Fatal("nil atom should read as empty")
	}
}

func TestTooLongIsAllocationFailure(t *testing.T) {
	p := NewPool()
	if a := p.Intern(strings.Repeat("x", MaxLength+1)); a != nil {
		t.Fatalf("expected nil for oversized atom, got length %d", a.Len())
	}
	if a := p.Intern(strings.Repeat("x", MaxLength)); a == nil {
		t.Fatal("expected atom of exactly MaxLength")
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	p := NewPool()
	a := p.Intern("once")
	a.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on release of dead atom")
		}
	}()
	a.Release()
}

func TestBucketChains(t *testing.T) {
	p := NewPool()
	atoms := make([]*Atom, 0, 4*tableSize)
	for i := 0; i < 4*tableSize; i++ {
		atoms = append(atoms, p.Internf("header-%d", i))
	}
	if got := p.Used(); got != len(atoms) {
		t.Fatalf("Used() = %d, want %d", got, len(atoms))
	}

	// release from the middle of chains
	for i := 0; i < len(atoms); i += 2 {
		atoms[i].Release()
	}
	for i := 1; i < len(atoms); i += 2 {
		if p.Internf("header-%d", i) != atoms[i] {
			t.Fatalf("lost atom header-%d after unlinking its neighbours", i)
		}
	}
}

func TestConcurrentIntern(t *testing.T) {
	p := NewPool()
	var wg sync.WaitGroup

	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				a := p.Internf("k%d", i%20)
				a.Retain().Release()
				a.Release()
			}
		}()
	}
	wg.Wait()

	if got := p.Used(); got != 0 {
		t.Fatalf("Used() = %d after balanced retains, want 0", got)
	}
}

func TestList(t *testing.T) {
	p := NewPool()
	l := NewList(p.Intern("localhost"), p.Intern("proxy.example.org"), nil)

	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}

	probe := p.Intern("localhost")
	if !l.Member(probe) {
		t.Error("expected localhost to be a member")
	}
	other := p.Intern("elsewhere")
	if l.Member(other) {
		t.Error("elsewhere should not be a member")
	}

	l.Cons(other.Retain())
	if !l.Member(other) {
		t.Error("Cons did not add the atom")
	}

	probe.Release()
	other.Release()
	l.Destroy()
	if got := p.Used(); got != 0 {
		t.Fatalf("Used() after Destroy = %d, want 0", got)
	}
}
