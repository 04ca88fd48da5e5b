package soft

import (
	"fmt"
	"strings"
	"sync"
)

// Entry is one recorded context call.
type Entry struct {
	Op   string
	Args string
}

// String formats the entry as Op(args).
func (e Entry) String() string {
	return e.Op + "(" + e.Args + ")"
}

// Trace is an append-only log of context calls. It is safe for concurrent
// use.
type Trace struct {
	mu      sync.Mutex
	entries []Entry
}

func (t *Trace) add(op string, args ...any) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = format(a)
	}
	t.mu.Lock()
	t.entries = append(t.entries, Entry{Op: op, Args: strings.Join(parts, ", ")})
	t.mu.Unlock()
}

// Len returns the number of entries.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a copy of all entries.
func (t *Trace) Entries() []Entry {
	return t.Since(0)
}

// Since returns a copy of the entries from index n on.
func (t *Trace) Since(n int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n >= len(t.entries) {
		return nil
	}
	return append([]Entry(nil), t.entries[n:]...)
}

// Ops returns the op names of the entries from index n on.
func (t *Trace) Ops(n int) []string {
	entries := t.Since(n)
	ops := make([]string, len(entries))
	for i, e := range entries {
		ops[i] = e.Op
	}
	return ops
}

// Reset drops all entries.
func (t *Trace) Reset() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
}

// String returns one entry per line.
func (t *Trace) String() string {
	var b strings.Builder
	for _, e := range t.Entries() {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func format(a any) string {
	switch v := a.(type) {
	case nil:
		return "nil"
	case fmt.Stringer:
		if isNil(v) {
			return "nil"
		}
		return v.String()
	case []string:
		return "[" + strings.Join(v, " ") + "]"
	}
	return fmt.Sprint(a)
}

// isNil catches typed nil pointers stored in interfaces.
func isNil(s fmt.Stringer) bool {
	switch v := s.(type) {
	case *Buffer:
		return v == nil
	case *Texture:
		return v == nil
	case *view:
		return v == nil
	}
	return false
}

func names[T any](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = format(any(it))
	}
	return out
}
