package vm

// execCall implements the generic Call opcode (spec.md §4.4 call path 5):
// the callee value sits in register b, arguments fill the registers right
// after it, and the result lands in register a.
func (vm *VM) execCall(fr *frame, instr Instruction) error {
	dest := int(instr.A())
	calleeReg := int(instr.B())
	nargs := int(instr.C())

	callee := vm.getReg(fr, byte(calleeReg))
	if !callee.IsPtr() {
		return &RuntimeError{Kind: ErrNotCallable, Message: "value of type '" + callee.TypeName() + "' is not callable"}
	}
	obj, ok := vm.heap.Get(callee.AsPtr())
	if !ok {
		return &RuntimeError{Kind: ErrNotCallable, Message: "dangling callable reference"}
	}
	return vm.invokeCallable(fr, obj, dest, nargs, calleeReg+1)
}

// execCallUpval implements CallUpval/TailCallUpval: the callee is an
// upvalue at index b, arguments fill the registers starting at a+1.
func (vm *VM) execCallUpval(fr *frame, instr Instruction) error {
	dest := int(instr.A())
	upvalIdx := int(instr.B())
	nargs := int(instr.C())

	ups := vm.currentUpvalues(fr)
	if upvalIdx >= len(ups) {
		return &RuntimeError{Kind: ErrNotCallable, Message: "upvalue index out of range"}
	}
	callee := vm.readUpvalue(ups[upvalIdx])
	if !callee.IsPtr() {
		return &RuntimeError{Kind: ErrNotCallable, Message: "value of type '" + callee.TypeName() + "' is not callable"}
	}
	obj, ok := vm.heap.Get(callee.AsPtr())
	if !ok {
		return &RuntimeError{Kind: ErrNotCallable, Message: "dangling callable reference"}
	}
	return vm.invokeCallable(fr, obj, dest, nargs, dest+1)
}

// execCallGlobal implements CallGlobal/CallGlobalMono/CallGlobalNative and
// their post-patch CallGlobalCached form: resolve the callee through the two
// trailing cache words (patching them on first use), then dispatch exactly
// like a direct call (spec.md §4.6 "Call-site cache").
func (vm *VM) execCallGlobal(fr *frame, instr Instruction) error {
	dest := int(instr.A())
	nargs := int(instr.B())

	w0 := fr.bytecode[fr.ip]
	w1 := fr.bytecode[fr.ip+1]
	cacheAt := fr.ip
	fr.ip += 2

	cache := DecodeCallSiteCache(w0, w1)

	var funcRef GcRef
	if cache.Patched && int(cache.Slot) < len(vm.globalGeneration) && cache.Generation == vm.globalGeneration[cache.Slot] {
		funcRef = cache.FuncRef
	} else {
		v := vm.globalAt(int16(cache.Slot))
		if !v.IsPtr() {
			return &RuntimeError{Kind: ErrNotCallable, Message: "global is not callable"}
		}
		funcRef = v.AsPtr()
		nw0, nw1 := EncodeCallSiteCache(CallSiteCache{
			FuncRef:    funcRef,
			Slot:       cache.Slot,
			Generation: vm.globalGeneration[cache.Slot],
			Patched:    true,
		})
		fr.bytecode[cacheAt] = nw0
		fr.bytecode[cacheAt+1] = nw1
		fr.bytecode[cacheAt-1] = encodeABC(OpCallGlobalCached, instr.A(), instr.B(), instr.C())
	}

	obj, ok := vm.heap.Get(funcRef)
	if !ok {
		return &RuntimeError{Kind: ErrNotCallable, Message: "dangling global callable reference"}
	}
	return vm.invokeCallable(fr, obj, dest, nargs, dest+1)
}

// invokeCallable dispatches to a native, runs it synchronously, or pushes a
// new frame whose base register window is the caller's already-laid-out
// argument range — the callee's parameters land exactly where its own
// register allocator placed them at register 0, so no copy is needed
// (spec.md §4.6 "Calling convention").
func (vm *VM) invokeCallable(fr *frame, obj *Object, dest, nargs, argOffset int) error {
	absArgBase := fr.base + argOffset

	switch obj.Kind {
	case KindNative:
		args := append([]Value(nil), vm.registers[absArgBase:absArgBase+nargs]...)
		if len(args) != obj.Native.Arity {
			return arityError(len(args), obj.Native.Arity)
		}
		result, err := obj.Native.Fn(vm, args)
		if err != nil {
			return err
		}
		vm.setReg(fr, byte(dest), result)
		vm.maybeCollect()
		return nil

	case KindFunction, KindClosure:
		var fn *Function
		var bytecode []Instruction
		var constants []Value
		closureRef := noRef
		if obj.Kind == KindClosure {
			fn = obj.Closure.Function
			bytecode = obj.Closure.Bytecode
			constants = obj.Closure.Constants
			closureRef = obj.closureSelfRef
		} else {
			fn = obj.Fn
			bytecode = fn.Bytecode
			constants = fn.Constants
		}
		if nargs != fn.Arity {
			return arityError(nargs, fn.Arity)
		}
		if len(vm.frames) >= vm.config.MaxCallFrames {
			return &RuntimeError{Kind: ErrTooManyCallFrames, Message: "call stack exceeded maximum depth"}
		}

		need := absArgBase + fn.NumRegisters
		for len(vm.registers) < need {
			vm.registers = append(vm.registers, Null)
		}

		vm.frames = append(vm.frames, frame{
			closureRef:   closureRef,
			base:         absArgBase,
			bytecode:     bytecode,
			constants:    constants,
			lines:        fn.Lines,
			numRegisters: fn.NumRegisters,
			nested:       fn.Nested,
			returnReg:    fr.base + dest,
		})
		return nil

	default:
		return &RuntimeError{Kind: ErrNotCallable, Message: "value is not callable"}
	}
}

// execMakeClosure builds a ClosureObject from the current function's nested
// function at the marker word and the upvalue capture-descriptor words that
// follow, exactly as emitted by compileFuncLit (spec.md §4.4, §3 "Closure").
func (vm *VM) execMakeClosure(fr *frame, instr Instruction) error {
	dest := int(instr.A())
	nUpvals := int(instr.C())

	if fr.ip >= len(fr.bytecode) {
		return &RuntimeError{Kind: ErrNotCallable, Message: "truncated MakeClosure"}
	}
	markerWord := fr.bytecode[fr.ip]
	fr.ip++
	constIdx := int(markerWord)
	if constIdx < 0 || constIdx >= len(fr.constants) {
		return &RuntimeError{Kind: ErrNotCallable, Message: "invalid closure marker constant"}
	}
	markerVal := fr.constants[constIdx]
	if !markerVal.IsNestedFnMarker() {
		return &RuntimeError{Kind: ErrNotCallable, Message: "closure marker constant is not a nested function marker"}
	}
	nestedIdx := int(markerVal.AsNestedFnIndex())
	if nestedIdx < 0 || nestedIdx >= len(fr.nested) {
		return &RuntimeError{Kind: ErrNotCallable, Message: "nested function index out of range"}
	}
	childFn := fr.nested[nestedIdx]

	descs := make([]Instruction, nUpvals)
	for i := 0; i < nUpvals; i++ {
		if fr.ip >= len(fr.bytecode) {
			return &RuntimeError{Kind: ErrNotCallable, Message: "truncated upvalue descriptor"}
		}
		descs[i] = fr.bytecode[fr.ip]
		fr.ip++
	}

	currentUps := vm.currentUpvalues(fr)
	upvalues := make([]GcRef, nUpvals)
	for i, d := range descs {
		isLocal := d.A() != 0
		idx := int(d.B())<<8 | int(d.C())
		if isLocal {
			upvalues[i] = vm.getOrCreateOpenUpvalue(fr, idx)
		} else if idx < len(currentUps) {
			upvalues[i] = currentUps[idx]
		} else {
			upvalues[i] = noRef
		}
	}

	closureRef := vm.heap.AllocClosure(&ClosureObject{
		Function:  childFn,
		Upvalues:  upvalues,
		Bytecode:  childFn.Bytecode,
		Constants: childFn.Constants,
	})
	if obj, ok := vm.heap.Get(closureRef); ok {
		obj.closureSelfRef = closureRef
	}
	vm.setReg(fr, byte(dest), Ptr(closureRef))
	vm.maybeCollect()
	return nil
}

// currentUpvalues returns the upvalue table of the closure running in fr, or
// nil for a bare top-level function frame (which cannot reference upvalues).
func (vm *VM) currentUpvalues(fr *frame) []GcRef {
	if fr.closureRef == noRef {
		return nil
	}
	obj, ok := vm.heap.Get(fr.closureRef)
	if !ok || obj.Kind != KindClosure {
		return nil
	}
	return obj.Closure.Upvalues
}

func (vm *VM) getOrCreateOpenUpvalue(fr *frame, reg int) GcRef {
	key := [2]int{fr.base, reg}
	if ref, ok := vm.openUpvalues[key]; ok {
		return ref
	}
	ref := vm.heap.AllocUpvalue(&UpvalueObject{
		Location:  UpvalueOpen,
		FrameBase: fr.base,
		Register:  reg,
	})
	vm.openUpvalues[key] = ref
	return ref
}

func (vm *VM) readUpvalue(ref GcRef) Value {
	obj, ok := vm.heap.Get(ref)
	if !ok || obj.Upval == nil {
		return Null
	}
	u := obj.Upval
	if u.Location == UpvalueOpen {
		return vm.registers[u.FrameBase+u.Register]
	}
	return u.Closed
}

func (vm *VM) writeUpvalue(ref GcRef, v Value) {
	obj, ok := vm.heap.Get(ref)
	if !ok || obj.Upval == nil {
		return
	}
	u := obj.Upval
	if u.Location == UpvalueOpen {
		vm.registers[u.FrameBase+u.Register] = v
		return
	}
	u.Closed = v
}

// closeUpvalsFrom closes every still-open upvalue captured from frame
// frameIdx at register >= fromReg, copying its live value out of the
// register file before the frame's registers are discarded
// (spec.md §4.4 "CloseUpvals").
func (vm *VM) closeUpvalsFrom(frameIdx, fromReg int) {
	if frameIdx < 0 || frameIdx >= len(vm.frames) {
		return
	}
	base := vm.frames[frameIdx].base
	for key, ref := range vm.openUpvalues {
		if key[0] != base || key[1] < fromReg {
			continue
		}
		obj, ok := vm.heap.Get(ref)
		if ok && obj.Upval != nil {
			u := obj.Upval
			u.Closed = vm.registers[base+u.Register]
			u.Location = UpvalueClosed
		}
		delete(vm.openUpvalues, key)
	}
}

// binaryGeneric dispatches Add/Sub/Mul/Div at runtime by operand type, used
// when the compiler could not statically resolve both operands' types
// (spec.md §3 "Dynamic typing", SPEC_FULL.md §4 "arithmetic-on-strings").
func (vm *VM) binaryGeneric(fr *frame, instr Instruction) error {
	left := vm.getReg(fr, instr.B())
	right := vm.getReg(fr, instr.C())

	if instr.Op() == OpAdd && left.IsPtr() && right.IsPtr() {
		if ls, lok := vm.stringOf(left); lok {
			if rs, rok := vm.stringOf(right); rok {
				ref := vm.heap.AllocString(ls + rs)
				vm.setReg(fr, instr.A(), Ptr(ref))
				vm.maybeCollect()
				return nil
			}
		}
	}

	if left.IsInt() && right.IsInt() {
		result, err := intArith(instr.Op(), left.AsInt(), right.AsInt())
		if err != nil {
			return err
		}
		vm.setReg(fr, instr.A(), result)
		return nil
	}

	lf, lok := numericFloat(left)
	rf, rok := numericFloat(right)
	if lok && rok {
		result, err := floatArith(instr.Op(), lf, rf)
		if err != nil {
			return err
		}
		vm.setReg(fr, instr.A(), result)
		return nil
	}

	return &RuntimeError{Kind: ErrArithmeticTypeMismatch, Message: "unsupported operand types for arithmetic"}
}

func (vm *VM) binaryInt(fr *frame, instr Instruction) error {
	left := vm.getReg(fr, instr.B())
	right := vm.getReg(fr, instr.C())
	result, err := intArith(intGenericOp(instr.Op()), left.AsInt(), right.AsInt())
	if err != nil {
		return err
	}
	vm.setReg(fr, instr.A(), result)
	return nil
}

func (vm *VM) binaryFloat(fr *frame, instr Instruction) error {
	left := vm.getReg(fr, instr.B())
	right := vm.getReg(fr, instr.C())
	result, err := floatArith(floatGenericOp(instr.Op()), left.AsFloat(), right.AsFloat())
	if err != nil {
		return err
	}
	vm.setReg(fr, instr.A(), result)
	return nil
}

func (vm *VM) compareOrdered(fr *frame, instr Instruction) (bool, error) {
	left := vm.getReg(fr, instr.B())
	right := vm.getReg(fr, instr.C())

	if left.IsInt() && right.IsInt() {
		return orderedResult(instr.Op(), float64(left.AsInt()-right.AsInt())), nil
	}
	if ls, lok := vm.stringOf(left); lok {
		if rs, rok := vm.stringOf(right); rok {
			switch instr.Op() {
			case OpLt:
				return ls < rs, nil
			default:
				return ls <= rs, nil
			}
		}
	}
	lf, lok := numericFloat(left)
	rf, rok := numericFloat(right)
	if lok && rok {
		return orderedResult(instr.Op(), lf-rf), nil
	}
	return false, &RuntimeError{Kind: ErrArithmeticTypeMismatch, Message: "unsupported operand types for comparison"}
}

func orderedResult(op Opcode, diff float64) bool {
	if op == OpLt {
		return diff < 0
	}
	return diff <= 0
}

// cmpGenericOp maps a typed comparison opcode back to its generic form, the
// same way intGenericOp/floatGenericOp do for arithmetic.
func cmpGenericOp(op Opcode) Opcode {
	switch op {
	case OpEqI, OpEqF:
		return OpEq
	case OpLtI, OpLtF:
		return OpLt
	default:
		return OpLe
	}
}

// compareInt and compareFloat implement the typed comparison opcodes emitted
// when the compiler has statically proven both operands int or float
// (spec.md §4.3 "Comparison, generic and type-specialized").
func (vm *VM) compareInt(fr *frame, instr Instruction) bool {
	left := vm.getReg(fr, instr.B()).AsInt()
	right := vm.getReg(fr, instr.C()).AsInt()
	switch cmpGenericOp(instr.Op()) {
	case OpEq:
		return left == right
	case OpLt:
		return left < right
	default:
		return left <= right
	}
}

func (vm *VM) compareFloat(fr *frame, instr Instruction) bool {
	left := vm.getReg(fr, instr.B()).AsFloat()
	right := vm.getReg(fr, instr.C()).AsFloat()
	switch cmpGenericOp(instr.Op()) {
	case OpEq:
		return left == right
	case OpLt:
		return left < right
	default:
		return left <= right
	}
}

func numericFloat(v Value) (float64, bool) {
	if v.IsFloat() {
		return v.AsFloat(), true
	}
	if v.IsInt() {
		return float64(v.AsInt()), true
	}
	return 0, false
}

func (vm *VM) stringOf(v Value) (string, bool) {
	if !v.IsPtr() {
		return "", false
	}
	obj, ok := vm.heap.Get(v.AsPtr())
	if !ok || obj.Kind != KindString {
		return "", false
	}
	return obj.Str.String(), true
}

func intGenericOp(op Opcode) Opcode {
	switch op {
	case OpAddI:
		return OpAdd
	case OpSubI:
		return OpSub
	case OpMulI:
		return OpMul
	default:
		return OpDiv
	}
}

func floatGenericOp(op Opcode) Opcode {
	switch op {
	case OpAddF:
		return OpAdd
	case OpSubF:
		return OpSub
	case OpMulF:
		return OpMul
	default:
		return OpDiv
	}
}

func intArith(op Opcode, a, b int64) (Value, error) {
	switch op {
	case OpAdd:
		return IntChecked(a + b)
	case OpSub:
		return IntChecked(a - b)
	case OpMul:
		return IntChecked(a * b)
	case OpDiv:
		if b == 0 {
			return Null, &RuntimeError{Kind: ErrDivisionByZero, Message: "integer division by zero"}
		}
		return IntChecked(a / b)
	default:
		return Null, &RuntimeError{Kind: ErrArithmeticTypeMismatch, Message: "not an arithmetic opcode"}
	}
}

func floatArith(op Opcode, a, b float64) (Value, error) {
	switch op {
	case OpAdd:
		return Float(a + b), nil
	case OpSub:
		return Float(a - b), nil
	case OpMul:
		return Float(a * b), nil
	case OpDiv:
		return Float(a / b), nil
	default:
		return Null, &RuntimeError{Kind: ErrArithmeticTypeMismatch, Message: "not an arithmetic opcode"}
	}
}
