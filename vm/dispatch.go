package vm

// run is the single-threaded dispatch loop over the current (topmost)
// frame's bytecode, returning when the outermost frame pushed by the
// caller returns (spec.md §4.6).
func (vm *VM) run() (Value, error) {
	baseFrameDepth := len(vm.frames) - 1

	for {
		fr := &vm.frames[len(vm.frames)-1]
		if fr.ip >= len(fr.bytecode) {
			return Null, &RuntimeError{Kind: ErrArityMismatch, Message: "fell off the end of a function with no Return"}
		}
		instr := fr.bytecode[fr.ip]
		fr.ip++

		switch instr.Op() {
		case OpNop:

		case OpMove:
			vm.setReg(fr, instr.A(), vm.getReg(fr, instr.B()))

		case OpLoadI:
			vm.setReg(fr, instr.A(), Int(int64(instr.Imm16())))

		case OpLoadK:
			vm.setReg(fr, instr.A(), fr.constants[instr.Imm16()])

		case OpLoadNull:
			vm.setReg(fr, instr.A(), Null)
		case OpLoadTrue:
			vm.setReg(fr, instr.A(), True)
		case OpLoadFalse:
			vm.setReg(fr, instr.A(), False)

		case OpAdd, OpSub, OpMul, OpDiv:
			if err := vm.binaryGeneric(fr, instr); err != nil {
				return Null, vm.annotate(err)
			}
		case OpAddI, OpSubI, OpMulI, OpDivI:
			if err := vm.binaryInt(fr, instr); err != nil {
				return Null, vm.annotate(err)
			}
		case OpAddF, OpSubF, OpMulF, OpDivF:
			if err := vm.binaryFloat(fr, instr); err != nil {
				return Null, vm.annotate(err)
			}

		case OpEq:
			vm.setReg(fr, instr.A(), Bool(vm.getReg(fr, instr.B()).Equal(vm.getReg(fr, instr.C()))))
		case OpLt, OpLe:
			result, err := vm.compareOrdered(fr, instr)
			if err != nil {
				return Null, vm.annotate(err)
			}
			vm.setReg(fr, instr.A(), Bool(result))
		case OpEqI, OpLtI, OpLeI:
			vm.setReg(fr, instr.A(), Bool(vm.compareInt(fr, instr)))
		case OpEqF, OpLtF, OpLeF:
			vm.setReg(fr, instr.A(), Bool(vm.compareFloat(fr, instr)))

		case OpNot:
			vm.setReg(fr, instr.A(), Bool(!vm.getReg(fr, instr.A()).IsTruthy()))
		case OpNeg:
			v := vm.getReg(fr, instr.A())
			switch {
			case v.IsInt():
				vm.setReg(fr, instr.A(), Int(-v.AsInt()))
			case v.IsFloat():
				vm.setReg(fr, instr.A(), Float(-v.AsFloat()))
			default:
				return Null, vm.annotate(&RuntimeError{Kind: ErrArithmeticTypeMismatch, Message: "cannot negate a " + v.TypeName()})
			}

		case OpJump:
			fr.ip += int(instr.Imm16())
		case OpJumpIfFalse:
			if !vm.getReg(fr, instr.A()).IsTruthy() {
				fr.ip += int(instr.Imm16())
			}
		case OpJumpIfTrue:
			if vm.getReg(fr, instr.A()).IsTruthy() {
				fr.ip += int(instr.Imm16())
			}

		case OpCall:
			if err := vm.execCall(fr, instr); err != nil {
				return Null, vm.annotate(err)
			}
		case OpCallUpval, OpTailCallUpval:
			if err := vm.execCallUpval(fr, instr); err != nil {
				return Null, vm.annotate(err)
			}
		case OpCallGlobal, OpCallGlobalMono, OpCallGlobalNative, OpCallGlobalCached:
			if err := vm.execCallGlobal(fr, instr); err != nil {
				return Null, vm.annotate(err)
			}

		case OpReturn, OpReturn0:
			var result Value
			if instr.Op() == OpReturn {
				result = vm.getReg(fr, instr.A())
			} else {
				result = Null
			}
			vm.closeUpvalsFrom(len(vm.frames)-1, 0)
			returnReg := fr.returnReg
			wasTop := len(vm.frames)-1 == baseFrameDepth
			vm.frames = vm.frames[:len(vm.frames)-1]
			if wasTop {
				vm.registers = vm.registers[:fr.base]
				return result, nil
			}
			// Keep the caller's whole register window, not just the part
			// below the callee's base.
			caller := &vm.frames[len(vm.frames)-1]
			if keep := caller.base + caller.numRegisters; keep < len(vm.registers) {
				vm.registers = vm.registers[:keep]
			}
			vm.setRegAbs(returnReg, result)

		case OpGetGlobalIdx:
			vm.setReg(fr, instr.A(), vm.globalAt(instr.Imm16()))
		case OpSetGlobalIdx:
			vm.setGlobalByIndex(uint16(instr.Imm16()), vm.getReg(fr, instr.A()))

		case OpMakeClosure:
			if err := vm.execMakeClosure(fr, instr); err != nil {
				return Null, vm.annotate(err)
			}

		case OpGetUpval:
			ref := vm.currentUpvalues(fr)[instr.B()]
			vm.setReg(fr, instr.A(), vm.readUpvalue(ref))
		case OpSetUpval:
			ref := vm.currentUpvalues(fr)[instr.A()]
			vm.writeUpvalue(ref, vm.getReg(fr, instr.B()))
		case OpCloseUpvals:
			vm.closeUpvalsFrom(len(vm.frames)-1, int(instr.A()))

		case OpHeapAlloc, OpHeapLoad, OpHeapStore, OpHeapFree:
			// Manual-heap access is exposed to script code through the
			// alloc/load/store/free native globals (vm/native.go); these
			// dedicated opcodes exist per spec.md §4.3 for a compiler that
			// chooses to inline them, which this compiler does not.

		case OpEnterNoGc:
			if vm.noGcDepth >= vm.config.MaxNoGcDepth {
				return Null, vm.annotate(&RuntimeError{Kind: ErrTooManyNoGcScopes, Message: "no-GC scope nesting exceeds configured limit"})
			}
			vm.noGcDepth++
		case OpExitNoGc:
			if vm.noGcDepth > 0 {
				vm.noGcDepth--
			}

		case OpForLoopI, OpWhileLoopLt:
			// One trailing data word holds the bound register
			// (spec.md §4.3 "Typed loop forms"); exit the loop when the
			// induction variable is no longer below the bound.
			boundWord := fr.bytecode[fr.ip]
			fr.ip++
			v := vm.getReg(fr, instr.A()).AsInt()
			bound := vm.getReg(fr, boundWord.A()).AsInt()
			if v >= bound {
				fr.ip += int(instr.Imm16())
			}

		case OpForLoopIInc:
			// One trailing data word holds the signed step; increment the
			// induction variable and take the back-edge (spec.md §4.3).
			stepWord := fr.bytecode[fr.ip]
			fr.ip++
			next, err := IntChecked(vm.getReg(fr, instr.A()).AsInt() + int64(stepWord.Imm16()))
			if err != nil {
				return Null, vm.annotate(err)
			}
			vm.setReg(fr, instr.A(), next)
			fr.ip += int(instr.Imm16())

		default:
			return Null, vm.annotate(&RuntimeError{Kind: ErrNotCallable, Message: "unknown opcode"})
		}
	}
}

func (vm *VM) getReg(fr *frame, r byte) Value   { return vm.registers[fr.base+int(r)] }
func (vm *VM) setReg(fr *frame, r byte, v Value) { vm.registers[fr.base+int(r)] = v }
func (vm *VM) setRegAbs(r int, v Value)          { vm.registers[r] = v }

func (vm *VM) globalAt(slot int16) Value {
	idx := int(slot)
	if idx < 0 || idx >= len(vm.globalsByIndex) {
		return Null
	}
	return vm.globalsByIndex[idx]
}

// annotate attaches a one-line call-stack trace to a runtime error, one
// frame per level, innermost first (spec.md §7 "Propagation").
func (vm *VM) annotate(err error) error {
	re, ok := err.(*RuntimeError)
	if !ok || len(re.Trace) > 0 {
		return err
	}
	for i := len(vm.frames) - 1; i >= 0; i-- {
		fr := vm.frames[i]
		line := fr.lineFor(fr.ip)
		re.Trace = append(re.Trace, sourceFrameLabel(vm.source.Name, line))
	}
	return re
}
