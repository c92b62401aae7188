package symbols

import (
	"fmt"
	"strings"
)

// Symbol identifies an attributable unit of code: a function name and the
// module (library, image) that owns it. Two symbols are equal iff both fields match.
type Symbol struct {
	Module string
	Name   string
}

// Unknown is reported for addresses that no interval covers.
var Unknown = &Symbol{Module: "?", Name: "[unknown]"}

// Kernel is reported for samples whose address overflowed and was recorded as zero.
var Kernel = &Symbol{Module: "kernel", Name: "[kernel]"}

// Parse splits a "module!symbol" string on the first '!'. Without a '!' the
// whole string is the symbol name and the module is empty.
func Parse(s string) Symbol {
	module, name, ok := strings.Cut(s, "!")
	if !ok {
		return Symbol{Name: s}
	}
	return Symbol{Module: module, Name: name}
}

// String returns the "module!symbol" form.
func (s Symbol) String() string {
	if s.Module == "" {
		return s.Name
	}
	return fmt.Sprintf("%s!%s", s.Module, s.Name)
}

// Deduplicator interns values so that equal values share one canonical pointer.
// The zero value is ready to use. It is not safe for concurrent use.
type Deduplicator[T comparable] struct {
	seen map[T]*T
}

// Dedup returns the first-seen instance equal to *v, registering v if none exists.
func (d *Deduplicator[T]) Dedup(v *T) *T {
	if d.seen == nil {
		d.seen = make(map[T]*T)
	}
	if canonical, ok := d.seen[*v]; ok {
		return canonical
	}
	d.seen[*v] = v
	return v
}

// Len returns the number of distinct values seen.
func (d *Deduplicator[T]) Len() int {
	return len(d.seen)
}
