package arena

import (
	"sync"
	"testing"
)

func TestTableInsertGet(t *testing.T) {
	tbl := NewTable[string](4)

	a := tbl.Insert("a")
	b := tbl.Insert("b")

	if a == b {
		t.Fatalf("Insert returned duplicate handles %v", a)
	}
	if a.IsNull() || b.IsNull() {
		t.Fatal("Insert returned the null handle")
	}

	tests := []struct {
		h    Handle
		want string
	}{
		{a, "a"},
		{b, "b"},
	}
	for _, tt := range tests {
		got, ok := tbl.Get(tt.h)
		if !ok || got != tt.want {
			t.Errorf("Get(%v) = %q, %v, want %q, true", tt.h, got, ok, tt.want)
		}
	}
	if got := tbl.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestTableNullHandle(t *testing.T) {
	tbl := NewTable[int](0)
	if _, ok := tbl.Get(Null); ok {
		t.Error("Get(Null) resolved, want miss")
	}
	if _, ok := tbl.Remove(Null); ok {
		t.Error("Remove(Null) succeeded, want miss")
	}
	if _, ok := tbl.Get(Handle(99)); ok {
		t.Error("Get of out-of-range handle resolved, want miss")
	}
}

func TestTableRemoveMakesHandleStale(t *testing.T) {
	tbl := NewTable[*int](0)
	v := 7
	h := tbl.Insert(&v)

	got, ok := tbl.Remove(h)
	if !ok || got != &v {
		t.Fatalf("Remove(%v) = %v, %v, want original value", h, got, ok)
	}
	if _, ok := tbl.Get(h); ok {
		t.Error("Get after Remove resolved, want stale handle")
	}
	if _, ok := tbl.Remove(h); ok {
		t.Error("second Remove succeeded, want stale handle")
	}

	// Slot reuse must not revive the old handle.
	w := 8
	h2 := tbl.Insert(&w)
	if h2 == h {
		t.Fatalf("reused slot produced identical handle %v", h2)
	}
	if h2.index() != h.index() {
		t.Errorf("Insert after Remove used slot %d, want reused slot %d", h2.index(), h.index())
	}
	if _, ok := tbl.Get(h); ok {
		t.Error("stale handle resolved after slot reuse")
	}
	if got, ok := tbl.Get(h2); !ok || *got != 8 {
		t.Errorf("Get(h2) = %v, %v, want 8, true", got, ok)
	}
}

func TestTableEach(t *testing.T) {
	tbl := NewTable[int](0)
	h0 := tbl.Insert(0)
	tbl.Insert(1)
	tbl.Insert(2)
	tbl.Remove(h0)

	var seen []int
	tbl.Each(func(_ Handle, v int) bool {
		seen = append(seen, v)
		return true
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Each visited %v, want [1 2]", seen)
	}

	count := 0
	tbl.Each(func(Handle, int) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("Each after false visited %d entries, want 1", count)
	}
}

func TestTableConcurrent(t *testing.T) {
	tbl := NewTable[int](0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := tbl.Insert(n)
				if _, ok := tbl.Get(h); !ok {
					t.Errorf("Get of fresh handle failed")
				}
				tbl.Remove(h)
			}
		}(i)
	}
	wg.Wait()
	if got := tbl.Len(); got != 0 {
		t.Errorf("Len() = %d after balanced insert/remove, want 0", got)
	}
}
