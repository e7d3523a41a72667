package ring

import "testing"

func TestNewRoundsCapacityUp(t *testing.T) {
	r := New[int](5)
	if r.Cap() != 8 {
		t.Errorf("Cap() = %d, want 8", r.Cap())
	}
}

func TestPushPopOrder(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 4; i++ {
		if st := r.Push(i); st != Accepted {
			t.Fatalf("Push(%d) = %v, want Accepted", i, st)
		}
	}
	if st := r.Push(99); st != Full {
		t.Fatalf("Push on full ring = %v, want Full", st)
	}
	for i := 0; i < 4; i++ {
		v, ok := r.Pop()
		if !ok || v != i {
			t.Fatalf("Pop() = (%d, %v), want (%d, true)", v, ok, i)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatalf("Pop() on empty ring returned ok=true")
	}
}

func TestPushOverwriteDropsOldest(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)
	if st := r.PushOverwrite(3); st != Full {
		t.Fatalf("PushOverwrite on full ring = %v, want Full", st)
	}
	v, ok := r.Pop()
	if !ok || v != 2 {
		t.Fatalf("Pop() = (%d, %v), want (2, true) — oldest (1) should have been dropped", v, ok)
	}
	v, ok = r.Pop()
	if !ok || v != 3 {
		t.Fatalf("Pop() = (%d, %v), want (3, true)", v, ok)
	}
}

func TestLenTracksOutstanding(t *testing.T) {
	r := New[int](8)
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	r.Push(1)
	r.Push(2)
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	r.Pop()
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}
