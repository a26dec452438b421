package vm

// compileCall implements the five call paths of spec.md §4.4 "Calls",
// tried in order.
func (fc *funcCompiler) compileCall(e *CallExpr, dest int) error {
	if ident, ok := e.Callee.(*Ident); ok {
		// Path 1: captured upvalue, not a local.
		if _, isLocal := fc.findLocal(ident.Name); !isLocal {
			if idx, ok, err := fc.resolveUpvalue(ident.Name, ident.NodeSpan()); err != nil {
				return err
			} else if ok {
				return fc.emitArgsAndCall(e.Args, dest, e.NodeSpan(), func(argStart, nargs int) error {
					fc.emit(encodeABC(OpCallUpval, byte(dest), byte(idx), byte(nargs)))
					return nil
				})
			}
		}
	}

	if member, ok := e.Callee.(*MemberExpr); ok {
		// Path 2: module.member for a known module alias; with no alias
		// set supplied, every module name is accepted.
		if fc.shared.importCtx.ModuleAliases == nil || fc.shared.importCtx.ModuleAliases[member.Module] {
			qualified := member.Module + "::" + member.Member
			slot := fc.shared.globals.slotFor(qualified)
			return fc.emitArgsAndCall(e.Args, dest, e.NodeSpan(), func(argStart, nargs int) error {
				return fc.emitCallGlobal(OpCallGlobal, dest, slot, nargs, e.NodeSpan())
			})
		}
	}

	if ident, ok := e.Callee.(*Ident); ok {
		if _, isLocal := fc.findLocal(ident.Name); !isLocal {
			// Path 3: known native global.
			if fc.shared.globals.isNative(ident.Name) {
				slot := fc.shared.globals.slotFor(ident.Name)
				return fc.emitArgsAndCall(e.Args, dest, e.NodeSpan(), func(argStart, nargs int) error {
					return fc.emitCallGlobal(OpCallGlobalNative, dest, slot, nargs, e.NodeSpan())
				})
			}
			// Path 4: known script global.
			if fc.shared.globals.isKnownGlobal(ident.Name) {
				slot := fc.shared.globals.slotFor(ident.Name)
				return fc.emitArgsAndCall(e.Args, dest, e.NodeSpan(), func(argStart, nargs int) error {
					return fc.emitCallGlobal(OpCallGlobal, dest, slot, nargs, e.NodeSpan())
				})
			}
		}
	}

	// Path 5: generic call. Callee and arguments compiled into a
	// consecutive register range.
	calleeReg, err := fc.registers.alloc(e.NodeSpan())
	if err != nil {
		return err
	}
	if err := fc.compileExprInto(e.Callee, calleeReg); err != nil {
		return err
	}
	return fc.emitArgsAndCallGeneric(e.Args, dest, calleeReg, e.NodeSpan())
}

// emitCallGlobal emits one of the three CallGlobal* opcodes followed by two
// zeroed cache words (spec.md §4.3 "Call-site cache words"). Each call site
// consumes one of the function's call-site cache slots, bounded by
// Config.MaxCallSiteSlots (spec.md §4.6 "Limits").
func (fc *funcCompiler) emitCallGlobal(op Opcode, dest int, globalSlot uint16, nargs int, span Span) error {
	if int(fc.nextCallSiteSlot) >= fc.shared.config.MaxCallSiteSlots {
		return &CompileError{Kind: ErrTooManyCallSites, Message: "function exceeds maximum call-site cache slots", Span: span}
	}
	fc.emit(encodeABC(op, byte(dest), byte(nargs), 0))
	// next_call_site_slot (SPEC_FULL.md §5): this counter is scoped per
	// function; it is informational bookkeeping only for the limit above,
	// since the cache itself is keyed by the global's own slot, not a
	// separate call-site id.
	fc.nextCallSiteSlot++
	w0, w1 := EncodeCallSiteCache(CallSiteCache{Slot: globalSlot})
	fc.emit(w0)
	fc.emit(w1)
	return nil
}

// emitArgsAndCall reserves a contiguous argument range starting at dest+1
// (spec.md §4.4 "Argument registers are reserved during compilation of
// arguments and released afterwards"), compiles each argument into it, then
// invokes emitOp(argStart, nargs) to emit the actual call opcode.
func (fc *funcCompiler) emitArgsAndCall(args []Node, dest int, span Span, emitOp func(argStart, nargs int) error) error {
	start := dest + 1
	if !fc.registers.allocContiguousAt(start, len(args)) {
		// Fall back: allocate fresh contiguous registers and copy.
		return fc.emitArgsAndCallFallback(args, dest, span, emitOp)
	}
	for i, arg := range args {
		if err := fc.compileExprInto(arg, start+i); err != nil {
			return err
		}
	}
	if err := emitOp(start, len(args)); err != nil {
		return err
	}
	for i := len(args) - 1; i >= 0; i-- {
		fc.registers.free(start + i)
	}
	return nil
}

func (fc *funcCompiler) emitArgsAndCallFallback(args []Node, dest int, span Span, emitOp func(argStart, nargs int) error) error {
	regs := make([]int, len(args))
	for i, arg := range args {
		r, err := fc.registers.alloc(span)
		if err != nil {
			return err
		}
		regs[i] = r
		if err := fc.compileExprInto(arg, r); err != nil {
			return err
		}
	}
	// Copy into a contiguous range after dest so the callee's ABI holds.
	start := dest + 1
	for i, r := range regs {
		if start+i != r {
			fc.emit(encodeABC(OpMove, byte(start+i), byte(r), 0))
		}
	}
	if err := emitOp(start, len(args)); err != nil {
		return err
	}
	for i := len(regs) - 1; i >= 0; i-- {
		fc.registers.free(regs[i])
	}
	return nil
}

func (fc *funcCompiler) emitArgsAndCallGeneric(args []Node, dest, calleeReg int, span Span) error {
	err := fc.emitArgsAndCall(args, calleeReg, span, func(argStart, nargs int) error {
		fc.emit(encodeABC(OpCall, byte(dest), byte(calleeReg), byte(nargs)))
		return nil
	})
	fc.registers.free(calleeReg)
	return err
}

// compileFuncLit compiles a (possibly nested) function literal: builds a
// child funcCompiler, appends the resulting Function to fn.Nested, records
// its nested-function-marker constant, and emits MakeClosure plus one
// capture-descriptor word per upvalue (spec.md §4.4 "Upvalue resolution").
func (fc *funcCompiler) compileFuncLit(lit *FuncLit, dest int) error {
	child := &funcCompiler{
		shared:    fc.shared,
		parent:    fc,
		fn:        &Function{Name: lit.Name, Arity: len(lit.Params)},
		registers: newRegisterPool(),
	}
	child.pushScope()
	for _, p := range lit.Params {
		if _, err := child.declareLocal(p, lit.IsMutRef[p], lit.NodeSpan()); err != nil {
			return err
		}
	}
	child.liveness = analyzeBody(lit.Body)
	for i, stmt := range lit.Body {
		child.stmtIndex = i
		if err := child.compileStmt(stmt); err != nil {
			return err
		}
	}
	child.popScope()
	child.emitTrailingReturn()
	child.fn.NumRegisters = child.registers.highWater
	child.fn.Upvalues = child.upvalueDescs

	nestedIdx := len(fc.fn.Nested)
	fc.fn.Nested = append(fc.fn.Nested, child.fn)

	if len(child.upvalueDescs) == 0 {
		// A function that captures nothing needs no closure wrapper: it is
		// heap-allocated once at compile time and loaded by reference, with
		// no MakeClosure/CloseUpvals pair emitted (spec.md §8 "any function
		// with zero captures compiles to no MakeClosure and no CloseUpvals").
		// child.fn stays in fc.fn.Nested for the verifier's recursive pass;
		// the heap object shares the same *Function, so verifying via
		// Nested verifies exactly the bytecode this reference points at.
		ref := fc.shared.heap.AllocFunction(child.fn)
		idx, err := fc.addConstant(Ptr(ref), lit.NodeSpan())
		if err != nil {
			return err
		}
		fc.emit(encodeAImm16(OpLoadK, byte(dest), int16(idx)))
		return nil
	}

	markerIdx, err := fc.addConstant(NestedFnMarker(uint32(nestedIdx)), lit.NodeSpan())
	if err != nil {
		return err
	}
	if len(child.upvalueDescs) > maxUpvalues {
		return &CompileError{Kind: ErrTooManyUpvalues, Message: "function exceeds maximum upvalue count", Span: lit.NodeSpan()}
	}
	// MakeClosure dest, _, upvalCount is followed by one raw word holding
	// the nested-function marker's constant-pool index (it does not fit
	// in the ABC layout's 8-bit B operand for large pools), then one
	// capture-descriptor word per upvalue.
	fc.emit(encodeABC(OpMakeClosure, byte(dest), 0, byte(len(child.upvalueDescs))))
	fc.emit(Instruction(uint32(markerIdx)))
	for _, desc := range child.upvalueDescs {
		isLocal := byte(0)
		if desc.IsLocal {
			isLocal = 1
		}
		fc.emit(encodeABC(OpNop, isLocal, byte(desc.Index>>8), byte(desc.Index)))
	}
	return nil
}
