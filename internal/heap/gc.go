package heap

// Collect marks every object reachable from the root set, then sweeps
// everything unmarked. Liveness is tracked with a single `marked` bit
// per slot, reset at the start of every cycle.
func (h *Heap) Collect() {
	before := h.bytesAllocated

	h.unmarkAll()
	h.mark()
	freed := h.sweep()

	h.afterLastClean = h.bytesAllocated
	h.logger.Logf("gc: cycle complete: %d bytes freed, %d bytes live, %d objects live",
		before-h.bytesAllocated, h.bytesAllocated, h.Len())
	_ = freed
}

func (h *Heap) unmarkAll() {
	for i := range h.slots {
		h.slots[i].marked = false
	}
}

// mark walks the root set and, for every array object reached, its
// elements. Uses an explicit worklist rather than call-stack recursion
// so a pathological array chain can't blow the Go stack.
func (h *Heap) mark() {
	if h.roots == nil {
		return
	}
	var worklist []Handle
	worklist = append(worklist, h.roots()...)

	for len(worklist) > 0 {
		ref := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		idx := ref.index()
		if idx < 0 || int(idx) >= len(h.slots) {
			continue
		}
		s := &h.slots[idx]
		if !s.occupied || s.gen != ref.gen() || s.marked {
			continue
		}
		s.marked = true

		if s.obj.Kind == KindArray {
			worklist = append(worklist, s.obj.Elements...)
		}
	}
}

// sweep reclaims every unmarked, occupied slot, returning its index to
// the free list. Survivors are never relocated, so live Handles are
// never invalidated by a sweep.
func (h *Heap) sweep() int {
	freed := 0
	for i := range h.slots {
		s := &h.slots[i]
		if !s.occupied || s.marked {
			continue
		}
		h.bytesAllocated -= s.size
		s.occupied = false
		s.obj = Object{}
		s.size = 0
		s.gen++
		h.free = append(h.free, int32(i))
		freed++
	}
	return freed
}
