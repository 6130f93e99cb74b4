package atom

// List is a set of atoms used for membership checks, such as the list of
// allowed client names. A list adopts the references handed to it and
// releases them in Destroy; it never retains on its own.
type List struct {
	atoms []*Atom
}

// NewList builds a list that adopts the given references. Nil atoms are
// skipped.
func NewList(atoms ...*Atom) *List {
	l := &List{atoms: make([]*Atom, 0, len(atoms))}
	for _, a := range atoms {
		l.Cons(a)
	}
	return l
}

// Cons appends a to the list, adopting the caller's reference.
func (l *List) Cons(a *Atom) {
	if a == nil {
		return
	}
	l.atoms = append(l.atoms, a)
}

// Member reports whether a is in the list. Interned atoms compare by
// identity.
func (l *List) Member(a *Atom) bool {
	if l == nil || a == nil {
		return false
	}
	for _, b := range l.atoms {
		if a == b {
			return true
		}
	}
	return false
}

// Len returns the number of atoms in the list.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.atoms)
}

// Strings returns the list's contents.
func (l *List) Strings() []string {
	if l == nil {
		return nil
	}
	out := make([]string, len(l.atoms))
	for i, a := range l.atoms {
		out[i] = a.String()
	}
	return out
}

// Destroy releases every atom in the list.
func (l *List) Destroy() {
	if l == nil {
		return
	}
	for _, a := range l.atoms {
		a.Release()
	}
	l.atoms = nil
}
