// Package heap implements a GC-managed heap: a single Create entry
// point, a byte-budget collection threshold, and a mark/sweep cycle
// over heap-resident objects.
//
// Scalars and arrays share one slot table indexed by a generational
// Handle, rather than two co-resident representations. A Handle that
// outlives its slot's generation is detectable as stale rather than
// silently aliasing a reused slot.
package heap

import (
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	vmerrors "github.com/Rorikss/UMKA/internal/errors"
)

// Handle is a weak, non-owning reference into the heap: an operand stack
// entry, a local-variable binding, or an array element all hold Handles,
// never the object itself.
type Handle int64

// Invalid is the zero-value handle; no live object is ever assigned it.
const Invalid Handle = -1

func makeHandle(index int32, gen uint32) Handle {
	return Handle(int64(gen)<<32 | int64(uint32(index)))
}

func (h Handle) index() int32 { return int32(uint32(h)) }
func (h Handle) gen() uint32  { return uint32(int64(h) >> 32) }

// ObjKind mirrors entity.Kind for the heap-resident representation; kept
// distinct so this package has no import on entity and can be reused by
// both scalar entities and the array's own backing object.
type ObjKind uint8

const (
	KindInt ObjKind = iota
	KindDouble
	KindBool
	KindUnit
	KindString
	KindArray
)

// Object is what actually lives in a heap slot.
type Object struct {
	Kind     ObjKind
	Int      int64
	Double   float64
	Bool     bool
	Str      string
	Elements []Handle // valid iff Kind == KindArray
}

const referenceSize = 8 // bytes charged per array element / pointer-ish cost

// baseCost approximates sizeof(Entity) in the original: a small fixed
// overhead charged to every allocation regardless of kind.
const baseCost = 32

type slot struct {
	gen      uint32
	occupied bool
	marked   bool
	obj      Object
	size     uint64
}

// RootsFunc is supplied by the interpreter: it must return every Handle
// currently reachable from the operand stack and every active frame's
// locals. The heap calls it only during Collect.
type RootsFunc func() []Handle

// Logger is the minimal sink heap diagnostics are written to; satisfied
// by internal/diag.Logger without creating an import cycle.
type Logger interface {
	Logf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...interface{}) {}

// Heap owns every allocated Entity/Array in a running program.
type Heap struct {
	slots []slot
	free  []int32

	bytesAllocated uint64
	afterLastClean uint64
	threshold      uint64

	roots  RootsFunc
	logger Logger
}

// GCPercent is the default fraction of detected physical RAM used as the
// collection threshold.
const GCPercent = 0.01

// New creates a heap whose threshold is GCPercent of detected system
// memory, falling back to a fixed constant if detection fails.
func New() *Heap {
	return NewWithPercent(GCPercent)
}

// NewWithPercent creates a heap whose threshold is pct of detected
// system memory, letting callers tune collection frequency without
// bypassing RAM detection entirely.
func NewWithPercent(pct float64) *Heap {
	total := detectTotalRAMBytes()
	return &Heap{
		threshold: uint64(float64(total) * pct),
		logger:    nopLogger{},
	}
}

// NewWithThreshold builds a heap with an explicit byte threshold,
// bypassing RAM detection — used by tests that want deterministic,
// small collection triggers.
func NewWithThreshold(thresholdBytes uint64) *Heap {
	return &Heap{threshold: thresholdBytes, logger: nopLogger{}}
}

// SetRoots registers the callback the heap uses to enumerate GC roots
// during collect(). Must be called before any allocation that could
// trigger a cycle.
func (h *Heap) SetRoots(f RootsFunc) { h.roots = f }

// SetLogger installs a diagnostics sink for GC cycle messages.
func (h *Heap) SetLogger(l Logger) {
	if l == nil {
		l = nopLogger{}
	}
	h.logger = l
}

func detectTotalRAMBytes() uint64 {
	const fallback = 8 * 1024 * 1024 * 1024 // 8GB, matches the original's fallback

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return fallback
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return fallback
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fallback
		}
		return kb * 1024
	}
	return fallback
}

func sizeCost(obj Object) uint64 {
	size := uint64(baseCost)
	switch obj.Kind {
	case KindString:
		size += uint64(len(obj.Str))
	case KindArray:
		size += uint64(len(obj.Elements)) * referenceSize
	}
	return size
}

// BytesAllocated reports the current live-byte estimate.
func (h *Heap) BytesAllocated() uint64 { return h.bytesAllocated }

// Threshold reports the configured collection threshold in bytes.
func (h *Heap) Threshold() uint64 { return h.threshold }

// Len reports the number of live objects, for tests.
func (h *Heap) Len() int {
	n := 0
	for _, s := range h.slots {
		if s.occupied {
			n++
		}
	}
	return n
}

// shouldCollect triggers only once the delta since the last cleanup's
// baseline crosses the threshold, preventing thrashing near a stable
// live set.
func (h *Heap) shouldCollect() bool {
	return h.bytesAllocated-h.afterLastClean > h.threshold
}

// Create allocates a new heap object, running a collection cycle first
// if the byte threshold has been crossed. If the cycle fails to bring
// usage back under threshold, the allocation itself fails rather than
// growing unbounded.
func (h *Heap) Create(obj Object) (Handle, error) {
	if h.shouldCollect() {
		h.Collect()
		if h.bytesAllocated >= h.threshold {
			return Invalid, vmerrors.New(vmerrors.OutOfMemory, 0, 0,
				"gc: unable to reclaim below threshold (%s allocated, threshold %s)",
				humanize.Bytes(h.bytesAllocated), humanize.Bytes(h.threshold))
		}
	}

	size := sizeCost(obj)

	var idx int32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
		h.slots[idx] = slot{gen: h.slots[idx].gen, occupied: true, obj: obj, size: size}
	} else {
		idx = int32(len(h.slots))
		h.slots = append(h.slots, slot{gen: 1, occupied: true, obj: obj, size: size})
	}

	h.bytesAllocated += size
	return makeHandle(idx, h.slots[idx].gen), nil
}

// Get dereferences a handle, returning ok=false for a stale or
// out-of-range handle (a dangling reference to a slot since reused).
func (h *Heap) Get(ref Handle) (*Object, bool) {
	if ref == Invalid {
		return nil, false
	}
	idx := ref.index()
	if idx < 0 || int(idx) >= len(h.slots) {
		return nil, false
	}
	s := &h.slots[idx]
	if !s.occupied || s.gen != ref.gen() {
		return nil, false
	}
	return &s.obj, true
}

// Set overwrites the object at ref in place (used by SET/ADD_ELEM/REMOVE
// builtins to mutate array contents without reallocating the array's
// own Entity wrapper).
func (h *Heap) Set(ref Handle, obj Object) bool {
	if ref == Invalid {
		return false
	}
	idx := ref.index()
	if idx < 0 || int(idx) >= len(h.slots) {
		return false
	}
	s := &h.slots[idx]
	if !s.occupied || s.gen != ref.gen() {
		return false
	}
	h.bytesAllocated -= s.size
	s.obj = obj
	s.size = sizeCost(obj)
	h.bytesAllocated += s.size
	return true
}
