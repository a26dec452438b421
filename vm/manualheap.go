package vm

// ManualHeap is a separate, non-GC-traced sub-heap for explicit
// alloc/store/load/free, reachable from script code through the `alloc`/
// `free`/`load`/`store` native builtins (spec.md §4.2 "Failure model").
// It does not participate in interning and is not scanned by Heap.Collect.
type ManualHeap struct {
	blocks []manualBlock
	free   []uint32 // indices of freed, reusable slots
}

type manualBlock struct {
	data  []byte
	freed bool
}

// ManualHandle identifies one live manual-heap allocation.
type ManualHandle uint32

// NewManualHeap constructs an empty manual heap.
func NewManualHeap() *ManualHeap {
	return &ManualHeap{}
}

// Alloc reserves size bytes, zero-initialized, and returns a handle.
func (m *ManualHeap) Alloc(size int) (ManualHandle, error) {
	if size <= 0 {
		return 0, &RuntimeError{Kind: ErrManualHeapInvalidSize, Message: "alloc size must be positive"}
	}
	block := manualBlock{data: make([]byte, size)}
	if n := len(m.free); n > 0 {
		idx := m.free[n-1]
		m.free = m.free[:n-1]
		m.blocks[idx] = block
		return ManualHandle(idx), nil
	}
	idx := len(m.blocks)
	m.blocks = append(m.blocks, block)
	return ManualHandle(idx), nil
}

func (m *ManualHeap) lookup(h ManualHandle) (*manualBlock, error) {
	if int(h) >= len(m.blocks) {
		return nil, &RuntimeError{Kind: ErrManualHeapInvalidHandle, Message: "invalid manual heap handle"}
	}
	b := &m.blocks[h]
	if b.freed {
		return nil, &RuntimeError{Kind: ErrManualHeapUseAfterFree, Message: "use of freed manual heap handle"}
	}
	return b, nil
}

// Store writes a single byte-addressed Value-sized word at offset, encoded
// as 8 little-endian bytes (the manual heap stores raw Values, not bytes,
// matching spec.md's round-trip scenario `store(h, 0, 42)` / `load(h, 0)`).
func (m *ManualHeap) Store(h ManualHandle, offset int, v Value) error {
	b, err := m.lookup(h)
	if err != nil {
		return err
	}
	if offset < 0 || offset+8 > len(b.data) {
		return &RuntimeError{Kind: ErrManualHeapOutOfBounds, Message: "manual heap store out of bounds"}
	}
	bits := uint64(v)
	for i := 0; i < 8; i++ {
		b.data[offset+i] = byte(bits >> (8 * i))
	}
	return nil
}

// Load reads a Value previously written by Store.
func (m *ManualHeap) Load(h ManualHandle, offset int) (Value, error) {
	b, err := m.lookup(h)
	if err != nil {
		return Value(0), err
	}
	if offset < 0 || offset+8 > len(b.data) {
		return Value(0), &RuntimeError{Kind: ErrManualHeapOutOfBounds, Message: "manual heap load out of bounds"}
	}
	var bits uint64
	for i := 0; i < 8; i++ {
		bits |= uint64(b.data[offset+i]) << (8 * i)
	}
	return Value(bits), nil
}

// Free releases h. Freeing an already-freed or never-allocated handle is an
// error (spec.md §4.2 DoubleFree/InvalidHandle).
func (m *ManualHeap) Free(h ManualHandle) error {
	if int(h) < len(m.blocks) && m.blocks[h].freed {
		return &RuntimeError{Kind: ErrManualHeapDoubleFree, Message: "manual heap handle freed twice"}
	}
	b, err := m.lookup(h)
	if err != nil {
		return err
	}
	b.freed = true
	b.data = nil
	m.free = append(m.free, uint32(h))
	return nil
}
