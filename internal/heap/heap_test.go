package heap

import "testing"

func TestCreateAndGet(t *testing.T) {
	h := NewWithThreshold(1 << 20)

	ref, err := h.Create(Object{Kind: KindInt, Int: 42})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	obj, ok := h.Get(ref)
	if !ok {
		t.Fatalf("Get: expected live object")
	}
	if obj.Int != 42 {
		t.Fatalf("Int = %d, want 42", obj.Int)
	}
}

func TestGetStaleHandleAfterSweep(t *testing.T) {
	h := NewWithThreshold(1)
	h.SetRoots(func() []Handle { return nil })

	ref, err := h.Create(Object{Kind: KindInt, Int: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h.Collect()

	if _, ok := h.Get(ref); ok {
		t.Fatalf("Get: expected stale handle to be unreachable after sweep")
	}
}

func TestCollectKeepsRootedObjects(t *testing.T) {
	// A large threshold keeps Create from running its own cycle, so the
	// explicit Collect below is the only one.
	h := NewWithThreshold(1 << 20)

	kept, err := h.Create(Object{Kind: KindInt, Int: 1})
	if err != nil {
		t.Fatalf("Create kept: %v", err)
	}
	h.SetRoots(func() []Handle { return []Handle{kept} })

	discarded, err := h.Create(Object{Kind: KindInt, Int: 2})
	if err != nil {
		t.Fatalf("Create discarded: %v", err)
	}

	h.Collect()

	if _, ok := h.Get(kept); !ok {
		t.Fatalf("rooted object was collected")
	}
	if _, ok := h.Get(discarded); ok {
		t.Fatalf("unrooted object survived collection")
	}
}

func TestCollectMarksThroughArrayElements(t *testing.T) {
	// A large threshold keeps Create from running a cycle before the
	// roots are registered, which would sweep elem before arr holds it.
	h := NewWithThreshold(1 << 20)

	elem, _ := h.Create(Object{Kind: KindInt, Int: 7})
	arr, _ := h.Create(Object{Kind: KindArray, Elements: []Handle{elem}})
	h.SetRoots(func() []Handle { return []Handle{arr} })

	h.Collect()

	if _, ok := h.Get(elem); !ok {
		t.Fatalf("array element should survive via reachability through its array")
	}
}

func TestCreateFailsWhenCollectionCannotReclaim(t *testing.T) {
	h := NewWithThreshold(1)
	kept, _ := h.Create(Object{Kind: KindString, Str: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	h.SetRoots(func() []Handle { return []Handle{kept} })

	_, err := h.Create(Object{Kind: KindString, Str: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"})
	if err == nil {
		t.Fatalf("expected OutOfMemory error when threshold cannot be satisfied")
	}
}

func TestSlotReuseAfterSweep(t *testing.T) {
	h := NewWithThreshold(1)
	h.SetRoots(func() []Handle { return nil })

	_, _ = h.Create(Object{Kind: KindInt, Int: 1})
	h.Collect()

	before := len(h.slots)
	_, err := h.Create(Object{Kind: KindInt, Int: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(h.slots) != before {
		t.Fatalf("expected freed slot to be reused, slots grew from %d to %d", before, len(h.slots))
	}
}
