package vm

import (
	"hash/fnv"

	"github.com/dolthub/swiss"
)

// InitialGCThreshold is next_gc's starting value (spec.md §4.2).
const InitialGCThreshold = 1 << 20 // 1 MiB

// estimated per-kind allocation sizes used for bytes_allocated accounting
// (spec.md §4.2 "Allocation accounting").
const (
	estSizeStringHeader = 32
	estSizeFunction     = 256
	estSizeNative       = 64
	estSizeClosure      = 96
	estSizeUpvalue      = 32
)

// Heap owns every live Object. Everything else in the VM holds non-owning
// GcRefs into it (spec.md §4.2, §9).
type Heap struct {
	objects        []Object
	free           []bool // free[i] marks objects[i] as a reusable freed slot
	freeList       []GcRef
	bytesAllocated uint64
	nextGC         uint64

	// internTable maps a string's FNV-1a hash to the GcRef of its
	// StringObject. Grounded on SPEC_FULL.md §3: a Swiss-table map is used
	// here because this is the hot, append-and-lookup-heavy string-keyed
	// table spec.md §4.2 calls out by name.
	internTable *swiss.Map[uint64, GcRef]
}

// NewHeap constructs an empty Heap with the default GC threshold.
func NewHeap() *Heap {
	return &Heap{
		nextGC:      InitialGCThreshold,
		internTable: swiss.NewMap[uint64, GcRef](64),
	}
}

// Alloc installs obj into the heap, reusing a freed slot if one exists, and
// returns its GcRef.
func (h *Heap) Alloc(obj Object) GcRef {
	var ref GcRef
	if n := len(h.freeList); n > 0 {
		ref = h.freeList[n-1]
		h.freeList = h.freeList[:n-1]
		h.objects[ref] = obj
		h.free[ref] = false
	} else {
		ref = GcRef(len(h.objects))
		h.objects = append(h.objects, obj)
		h.free = append(h.free, false)
	}
	h.bytesAllocated += estimatedSize(obj)
	return ref
}

func estimatedSize(obj Object) uint64 {
	switch obj.Kind {
	case KindString:
		return estSizeStringHeader + uint64(len(obj.Str.Bytes))
	case KindFunction:
		return estSizeFunction
	case KindNative:
		return estSizeNative
	case KindClosure:
		return estSizeClosure + uint64(len(obj.Closure.Upvalues))*8
	case KindUpvalue:
		return estSizeUpvalue
	default:
		return estSizeUpvalue
	}
}

// Get returns the object at ref, or (nil, false) if ref does not
// currently resolve (spec.md §4.1 I4, §4.2 Operations).
func (h *Heap) Get(ref GcRef) (*Object, bool) {
	if ref == noRef || int(ref) >= len(h.objects) || h.free[ref] {
		return nil, false
	}
	return &h.objects[ref], true
}

func fnv1a(b []byte) uint64 {
	hh := fnv.New64a()
	hh.Write(b)
	return hh.Sum64()
}

// AllocString allocates a fresh, non-interned string object.
func (h *Heap) AllocString(s string) GcRef {
	bytes := []byte(s)
	return h.Alloc(Object{Kind: KindString, Str: &StringObject{Bytes: bytes, Hash: fnv1a(bytes)}})
}

// InternString returns the existing interned GcRef for s if present,
// otherwise allocates and interns a new one. Idempotent: two calls for the
// same bytes return the same GcRef (spec.md §8 Heap laws).
func (h *Heap) InternString(s string) GcRef {
	hash := fnv1a([]byte(s))
	if ref, ok := h.internTable.Get(hash); ok {
		if obj, live := h.Get(ref); live && obj.Kind == KindString && obj.Str.String() == s {
			return ref
		}
		// Stale or colliding entry: fall through to allocation; a correct
		// lookup must verify bytes match, per spec.md §4.2 Interning.
	}
	ref := h.AllocString(s)
	h.internTable.Put(hash, ref)
	return ref
}

// AllocFunction installs a compiled Function and returns its GcRef.
func (h *Heap) AllocFunction(fn *Function) GcRef {
	return h.Alloc(Object{Kind: KindFunction, Fn: fn})
}

// AllocNative installs a native callable and returns its GcRef.
func (h *Heap) AllocNative(n *NativeObject) GcRef {
	return h.Alloc(Object{Kind: KindNative, Native: n})
}

// AllocClosure installs a closure and returns its GcRef. The object is
// stamped with its own ref so a running closure's frame can name itself
// (calls_dispatch.go invokeCallable) without a second lookup.
func (h *Heap) AllocClosure(c *ClosureObject) GcRef {
	ref := h.Alloc(Object{Kind: KindClosure, Closure: c})
	h.objects[ref].closureSelfRef = ref
	return ref
}

// AllocUpvalue installs an upvalue cell and returns its GcRef.
func (h *Heap) AllocUpvalue(u *UpvalueObject) GcRef {
	return h.Alloc(Object{Kind: KindUpvalue, Upval: u})
}

// ShouldCollect reports whether bytes_allocated has crossed next_gc
// (spec.md §4.2).
func (h *Heap) ShouldCollect() bool {
	return h.bytesAllocated >= h.nextGC
}

// BytesAllocated returns the current allocation-accounting total.
func (h *Heap) BytesAllocated() uint64 { return h.bytesAllocated }

// Merge absorbs another heap (typically the compiler's seed heap),
// re-allocating every live object into h and returning an old-index ->
// new-index remap table. After Merge, other is left empty
// (spec.md §4.2 Merge, §8 Heap laws).
func (h *Heap) Merge(other *Heap) map[GcRef]GcRef {
	remap := make(map[GcRef]GcRef, len(other.objects))
	for i := range other.objects {
		if other.free[i] {
			continue
		}
		old := GcRef(i)
		remapped := h.Alloc(other.objects[i])
		remap[old] = remapped
	}
	other.internTable.Iter(func(hash uint64, ref GcRef) bool {
		newRef, ok := remap[ref]
		if !ok {
			return false
		}
		if _, exists := h.internTable.Get(hash); !exists {
			h.internTable.Put(hash, newRef)
		}
		return false
	})
	other.objects = nil
	other.free = nil
	other.freeList = nil
	other.internTable = swiss.NewMap[uint64, GcRef](0)
	other.bytesAllocated = 0
	return remap
}

// Roots is the GC root set supplied by the interpreter: everything a Value
// might be reachable from without going through another heap object
// (spec.md §4.2 Mark-and-sweep).
type Roots struct {
	Globals       []Value
	Registers     []Value // active prefix of the register file only
	OpenUpvalues  []GcRef
	FrameClosures []GcRef
}

// Collect runs a precise mark-and-sweep pass rooted at roots, then prunes
// stale intern-table entries and recomputes next_gc (spec.md §4.2).
func (h *Heap) Collect(roots Roots) {
	marked := make([]bool, len(h.objects))
	var markValue func(Value)
	var markRef func(GcRef)

	markRef = func(ref GcRef) {
		if ref == noRef || int(ref) >= len(h.objects) {
			return
		}
		if marked[ref] {
			return
		}
		marked[ref] = true
		obj := h.objects[ref]
		switch obj.Kind {
		case KindClosure:
			markRef(h.functionRef(obj.Closure.Function))
			for _, uv := range obj.Closure.Upvalues {
				markRef(uv)
			}
			for _, c := range obj.Closure.Constants {
				markValue(c)
			}
		case KindFunction:
			for _, c := range obj.Fn.Constants {
				markValue(c)
			}
		case KindUpvalue:
			if obj.Upval.Location == UpvalueClosed {
				markValue(obj.Upval.Closed)
			}
		}
	}
	markValue = func(v Value) {
		if v.IsPtr() {
			markRef(v.AsPtr())
		}
	}

	for _, v := range roots.Globals {
		markValue(v)
	}
	for _, v := range roots.Registers {
		markValue(v)
	}
	for _, ref := range roots.OpenUpvalues {
		markRef(ref)
	}
	for _, ref := range roots.FrameClosures {
		markRef(ref)
	}

	h.freeList = h.freeList[:0]
	for i := range h.objects {
		if marked[i] || h.free[i] {
			continue
		}
		h.bytesAllocated -= estimatedSize(h.objects[i])
		h.objects[i] = Object{}
		h.free[i] = true
		h.freeList = append(h.freeList, GcRef(i))
	}

	h.pruneInternTable()

	if h.bytesAllocated < InitialGCThreshold {
		h.nextGC = InitialGCThreshold
	} else {
		h.nextGC = 2 * h.bytesAllocated
	}
}

// functionRef is a placeholder hook: closures cache a *Function pointer
// directly rather than a GcRef (spec.md §4.2 "closure → function"), so
// marking a function reached only through a closure is done by scanning its
// constants directly rather than via a second heap indirection. Returning
// noRef here means "already handled inline by the caller".
func (h *Heap) functionRef(fn *Function) GcRef { return noRef }

// pruneInternTable removes entries whose referent was swept (spec.md §4.2
// Interning, §4.2 "stale intern entries ... must be pruned").
func (h *Heap) pruneInternTable() {
	var stale []uint64
	h.internTable.Iter(func(hash uint64, ref GcRef) bool {
		if obj, ok := h.Get(ref); !ok || obj.Kind != KindString {
			stale = append(stale, hash)
		}
		return false
	})
	for _, hash := range stale {
		h.internTable.Delete(hash)
	}
}
