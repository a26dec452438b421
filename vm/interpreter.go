package vm

import (
	"io"
	"os"
	"runtime/debug"
	"strconv"
)

// maxCallFrames bounds the call stack (spec.md §4.6 "Limits").
const maxCallFrames = 256

// CallKind tags a resolved CallData (SPEC_FULL.md §4, original_source
// vm/call_data.rs).
type CallKind int

const (
	CallKindFunction CallKind = iota
	CallKindNative
	CallKindClosure
)

// CallData is the interpreter's resolved-callee value (spec.md §4.6 step a).
type CallData struct {
	Kind       CallKind
	Function   *Function
	Native     *NativeObject
	Closure    *ClosureObject
	ClosureRef GcRef // the closure's own heap slot, for the frame's closureRef
}

func resolveCallable(heap *Heap, v Value) (CallData, error) {
	if !v.IsPtr() {
		return CallData{}, &RuntimeError{Kind: ErrNotCallable, Message: "value of type '" + v.TypeName() + "' is not callable"}
	}
	obj, ok := heap.Get(v.AsPtr())
	if !ok {
		return CallData{}, &RuntimeError{Kind: ErrNotCallable, Message: "dangling callable reference"}
	}
	switch obj.Kind {
	case KindFunction:
		return CallData{Kind: CallKindFunction, Function: obj.Fn}, nil
	case KindNative:
		return CallData{Kind: CallKindNative, Native: obj.Native}, nil
	case KindClosure:
		return CallData{Kind: CallKindClosure, Closure: obj.Closure, ClosureRef: obj.closureSelfRef}, nil
	default:
		return CallData{}, &RuntimeError{Kind: ErrNotCallable, Message: "value is not callable"}
	}
}

// frame is one call-frame entry (spec.md §3 "Call frame").
type frame struct {
	closureRef   GcRef // noRef for a bare (non-closure) function call
	ip           int
	base         int
	returnReg    int // absolute register index in the *caller's* frame
	bytecode     []Instruction
	constants    []Value
	lines        LineTable
	nested       []*Function // this function's nested-function table, for MakeClosure
	numRegisters int
}

func (fr *frame) lineFor(ip int) int { return fr.lines.LineFor(ip) }

func sourceFrameLabel(sourceName string, line int) string {
	if line <= 0 {
		return sourceName
	}
	return sourceName + ":" + strconv.Itoa(line)
}

// VM is the single-threaded register-based interpreter (spec.md §4.6, §5).
type VM struct {
	heap       *Heap
	manualHeap *ManualHeap
	registers  []Value
	frames     []frame

	globalIndices    map[string]uint16
	globalsByIndex   []Value
	globalGeneration []uint16
	globalNames      map[string]Value // lazily refreshed shadow table (spec.md §9 "dual" globals)
	natives          map[string]GcRef

	openUpvalues map[[2]int]GcRef

	config    Config
	noGcDepth int

	source Source
	stdout io.Writer
}

// New constructs a fresh VM with an empty heap and globals
// (spec.md §6 "VM::new").
func New(source Source) *VM {
	return WithConfigAndArgs(source, DefaultConfig(), nil)
}

// WithConfigAndArgs constructs a VM with an explicit capability/resource
// Config and program argv (spec.md §6 "VM::with_config_and_args"). The
// program_args argv itself is exposed to script code as a native global by
// an embedder's register_builtins extension; the core only threads it
// through.
func WithConfigAndArgs(source Source, cfg Config, programArgs []string) *VM {
	vm := &VM{
		heap:         NewHeap(),
		manualHeap:   NewManualHeap(),
		globalIndices: make(map[string]uint16),
		globalNames:  make(map[string]Value),
		natives:      make(map[string]GcRef),
		openUpvalues: make(map[[2]int]GcRef),
		config:       cfg,
		source:       source,
		stdout:       os.Stdout,
	}
	registerBuiltins(vm)
	return vm
}

// SetStdout overrides the diagnostic/debug output sink (ambient-stack
// generalization of the teacher's bufio.Writer field, SPEC_FULL.md §2).
func (vm *VM) SetStdout(w io.Writer) { vm.stdout = w }

// RegisterNative installs a native callable as a global (spec.md §6
// "register_builtins").
func (vm *VM) RegisterNative(name string, arity int, fn func(*VM, []Value) (Value, error)) {
	ref := vm.heap.AllocNative(&NativeObject{Name: name, Arity: arity, Fn: fn})
	slot := vm.slotFor(name)
	vm.setGlobalByIndex(slot, Ptr(ref))
	vm.natives[name] = ref
}

func (vm *VM) slotFor(name string) uint16 {
	if idx, ok := vm.globalIndices[name]; ok {
		return idx
	}
	idx := uint16(len(vm.globalIndices))
	vm.globalIndices[name] = idx
	vm.growGlobals(int(idx) + 1)
	return idx
}

func (vm *VM) growGlobals(n int) {
	for len(vm.globalsByIndex) < n {
		vm.globalsByIndex = append(vm.globalsByIndex, Null)
		vm.globalGeneration = append(vm.globalGeneration, 0)
	}
}

// MergeHeap absorbs a compiler's seed heap and applies the remap to its
// own state (spec.md §4.2 Merge, §6 "vm.merge_heap").
func (vm *VM) MergeHeap(compilerHeap *Heap) map[GcRef]GcRef {
	return vm.heap.Merge(compilerHeap)
}

// AllocFunction installs fn into the heap (spec.md §6 "vm.alloc_function").
func (vm *VM) AllocFunction(fn *Function) GcRef {
	return vm.heap.AllocFunction(fn)
}

// AdoptGlobalIndices installs the compiler's global_indices table
// (spec.md §6 "Compiler output"), assigning each name a slot consistent
// with what the compiled bytecode already references.
func (vm *VM) AdoptGlobalIndices(indices map[string]uint16) {
	for name, idx := range indices {
		if _, ok := vm.globalIndices[name]; ok {
			continue
		}
		vm.globalIndices[name] = idx
		vm.growGlobals(int(idx) + 1)
	}
}

// SetGlobal writes a global by name and invalidates its call-site cache
// generation (spec.md §4.6 "set_global ... must clear the call-site cache").
func (vm *VM) SetGlobal(name string, v Value) {
	slot := vm.slotFor(name)
	vm.setGlobalByIndex(slot, v)
}

func (vm *VM) setGlobalByIndex(slot uint16, v Value) {
	vm.growGlobals(int(slot) + 1)
	vm.globalsByIndex[slot] = v
	vm.globalGeneration[slot]++
	// The name -> value shadow table is refreshed lazily rather than on
	// every write (spec.md §9 "Global slots vs. named globals are dual").
}

// GetGlobal reads a global, refreshing the name-keyed shadow table lazily.
func (vm *VM) GetGlobal(name string) (Value, bool) {
	slot, ok := vm.globalIndices[name]
	if !ok {
		return Null, false
	}
	v := vm.globalsByIndex[slot]
	vm.globalNames[name] = v
	return v, true
}

// Execute runs funcRef to completion and returns its final value
// (spec.md §6 "vm.execute").
func (vm *VM) Execute(funcRef GcRef) (Value, error) {
	obj, ok := vm.heap.Get(funcRef)
	if !ok {
		return Null, &RuntimeError{Kind: ErrNotCallable, Message: "entry function reference does not resolve"}
	}
	fn, ok := obj.Fn, obj.Kind == KindFunction
	if !ok {
		return Null, &RuntimeError{Kind: ErrNotCallable, Message: "entry reference is not a function"}
	}

	vm.registers = make([]Value, fn.NumRegisters)
	vm.frames = append(vm.frames, frame{
		closureRef:   noRef,
		base:         0,
		bytecode:     fn.Bytecode,
		constants:    fn.Constants,
		lines:        fn.Lines,
		nested:       fn.Nested,
		numRegisters: fn.NumRegisters,
	})

	// Disable Go's own GC while the tight dispatch loop runs, matching the
	// teacher's vm/run.go RunProgram, which does the same around its
	// execInstructions call; the VM's own mark-sweep GC is unaffected.
	prevGC := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(prevGC)

	result, err := vm.run()
	return result, err
}

// CallFunctionByName invokes a registered global by name
// (spec.md §6 "vm.call_function_by_name").
func (vm *VM) CallFunctionByName(name string, args []Value) (Value, error) {
	v, ok := vm.GetGlobal(name)
	if !ok {
		return Null, &RuntimeError{Kind: ErrUndefinedVariableRuntime, Message: "undefined global '" + name + "'"}
	}
	data, err := resolveCallable(vm.heap, v)
	if err != nil {
		return Null, err
	}
	return vm.invokeDirect(data, args)
}

// invokeDirect runs a CallData synchronously outside the register-windowed
// dispatch loop, used by CallFunctionByName and native-to-script callbacks.
func (vm *VM) invokeDirect(data CallData, args []Value) (Value, error) {
	switch data.Kind {
	case CallKindNative:
		if len(args) != data.Native.Arity {
			return Null, arityError(len(args), data.Native.Arity)
		}
		return data.Native.Fn(vm, args)
	case CallKindFunction, CallKindClosure:
		fn := data.Function
		var bytecode []Instruction
		var constants []Value
		var closureRef GcRef = noRef
		if data.Kind == CallKindClosure {
			fn = data.Closure.Function
			bytecode = data.Closure.Bytecode
			constants = data.Closure.Constants
		} else {
			bytecode = fn.Bytecode
			constants = fn.Constants
		}
		if len(args) != fn.Arity {
			return Null, arityError(len(args), fn.Arity)
		}
		if data.Kind == CallKindClosure {
			closureRef = data.ClosureRef
		}
		base := len(vm.registers)
		vm.registers = append(vm.registers, make([]Value, fn.NumRegisters)...)
		copy(vm.registers[base:], args)
		vm.frames = append(vm.frames, frame{
			closureRef:   closureRef,
			base:         base,
			bytecode:     bytecode,
			constants:    constants,
			lines:        fn.Lines,
			nested:       fn.Nested,
			numRegisters: fn.NumRegisters,
		})
		return vm.run()
	default:
		return Null, &RuntimeError{Kind: ErrNotCallable, Message: "unresolved callable"}
	}
}

func arityError(got, want int) error {
	return &RuntimeError{Kind: ErrArityMismatch, Message: "wrong number of arguments"}
}

// maybeCollect triggers GC at the current allocation safepoint if
// Heap.ShouldCollect reports true, unless a no-GC scope is active
// (spec.md §4.6 "Garbage collection").
func (vm *VM) maybeCollect() {
	if vm.noGcDepth > 0 {
		return
	}
	if !vm.heap.ShouldCollect() {
		return
	}
	roots := Roots{
		Globals:   vm.globalsByIndex,
		Registers: vm.registers,
	}
	for _, ref := range vm.openUpvalues {
		roots.OpenUpvalues = append(roots.OpenUpvalues, ref)
	}
	for _, fr := range vm.frames {
		if fr.closureRef != noRef {
			roots.FrameClosures = append(roots.FrameClosures, fr.closureRef)
		}
	}
	vm.heap.Collect(roots)
}
