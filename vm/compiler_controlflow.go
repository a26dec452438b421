package vm

// loopCtx tracks the break/continue patch list for one enclosing loop
// (spec.md §4.4 "Control flow").
type loopCtx struct {
	breaks    []int
	continues []int
	contTarget int // bytecode index continues should jump to, set once known
	hasTarget  bool
}

func (fc *funcCompiler) loopDepth() int { return len(fc.loopStack) }

func (fc *funcCompiler) registerBreak(idx int) {
	top := &fc.loopStack[len(fc.loopStack)-1]
	top.breaks = append(top.breaks, idx)
}

func (fc *funcCompiler) registerContinue(idx int) {
	top := &fc.loopStack[len(fc.loopStack)-1]
	top.continues = append(top.continues, idx)
}

func (fc *funcCompiler) pushLoop() {
	fc.loopStack = append(fc.loopStack, loopCtx{})
}

// popLoop patches every break to jump to the current bytecode position
// (the loop's end) and every continue to contTarget.
func (fc *funcCompiler) popLoop(contTarget int) {
	top := fc.loopStack[len(fc.loopStack)-1]
	fc.loopStack = fc.loopStack[:len(fc.loopStack)-1]
	for _, idx := range top.breaks {
		fc.patchJump(idx)
	}
	for _, idx := range top.continues {
		offset := contTarget - (idx + 1)
		old := fc.fn.Bytecode[idx]
		fc.fn.Bytecode[idx] = encodeAImm16(old.Op(), old.A(), int16(offset))
	}
}

func (fc *funcCompiler) compileWhile(s *WhileStmt) error {
	if s.IsIntLessThanLoop {
		if cmp, ok := s.Cond.(*BinaryExpr); ok && cmp.Op == "<" {
			return fc.compileTypedWhileLt(s, cmp)
		}
	}
	return fc.compileWhileGeneric(s)
}

func (fc *funcCompiler) compileWhileGeneric(s *WhileStmt) error {
	loopStart := len(fc.fn.Bytecode)
	condReg, err := fc.registers.alloc(s.NodeSpan())
	if err != nil {
		return err
	}
	if err := fc.compileExprInto(s.Cond, condReg); err != nil {
		return err
	}
	exitJump := fc.emitJump(OpJumpIfFalse, byte(condReg))
	fc.registers.free(condReg)

	fc.pushLoop()
	fc.pushScope()
	for _, stmt := range s.Body {
		if err := fc.compileStmt(stmt); err != nil {
			return err
		}
	}
	fc.popScope()

	backOffset := loopStart - (len(fc.fn.Bytecode) + 1)
	fc.emit(encodeAImm16(OpJump, 0, int16(backOffset)))
	fc.patchJump(exitJump)
	fc.popLoop(loopStart)
	return nil
}

// compileTypedWhileLt lowers `while a < b { ... }` to a single WhileLoopLt
// test plus one trailing bound-register word, when the compiler has proven
// both operands are ints (spec.md §4.4 "typed specializations are emitted
// when operand types are proven concrete integers").
func (fc *funcCompiler) compileTypedWhileLt(s *WhileStmt, cmp *BinaryExpr) error {
	loopStart := len(fc.fn.Bytecode)
	varReg, err := fc.registers.alloc(s.NodeSpan())
	if err != nil {
		return err
	}
	if err := fc.compileExprInto(cmp.Left, varReg); err != nil {
		return err
	}
	boundReg, err := fc.registers.alloc(s.NodeSpan())
	if err != nil {
		return err
	}
	if err := fc.compileExprInto(cmp.Right, boundReg); err != nil {
		return err
	}

	exitJump := fc.emit(encodeAImm16(OpWhileLoopLt, byte(varReg), 0))
	fc.emit(encodeABC(OpNop, byte(boundReg), 0, 0))
	fc.registers.free(boundReg)
	fc.registers.free(varReg)

	fc.pushLoop()
	fc.pushScope()
	for _, stmt := range s.Body {
		if err := fc.compileStmt(stmt); err != nil {
			return err
		}
	}
	fc.popScope()

	backOffset := loopStart - (len(fc.fn.Bytecode) + 1)
	fc.emit(encodeAImm16(OpJump, 0, int16(backOffset)))
	fc.patchJumpExtra(exitJump, 1)
	fc.popLoop(loopStart)
	return nil
}

func (fc *funcCompiler) compileFor(s *ForStmt) error {
	if s.IsIntForm {
		return fc.compileTypedFor(s)
	}
	return fc.compileForGeneric(s)
}

func (fc *funcCompiler) compileForGeneric(s *ForStmt) error {
	fc.pushScope()
	varReg, err := fc.declareLocal(s.Var, true, s.NodeSpan())
	if err != nil {
		return err
	}
	if err := fc.compileExprInto(s.Start, varReg); err != nil {
		return err
	}
	endReg, err := fc.registers.alloc(s.NodeSpan())
	if err != nil {
		return err
	}
	if err := fc.compileExprInto(s.End, endReg); err != nil {
		return err
	}

	loopStart := len(fc.fn.Bytecode)
	cmpReg, err := fc.registers.alloc(s.NodeSpan())
	if err != nil {
		return err
	}
	fc.emit(encodeABC(OpLt, byte(cmpReg), byte(varReg), byte(endReg)))
	exitJump := fc.emitJump(OpJumpIfFalse, byte(cmpReg))
	fc.registers.free(cmpReg)

	fc.pushLoop()
	fc.pushScope()
	for _, stmt := range s.Body {
		if err := fc.compileStmt(stmt); err != nil {
			return err
		}
	}
	fc.popScope()

	contTarget := len(fc.fn.Bytecode)
	step := s.Step
	if step == 0 {
		step = 1
	}
	stepReg, err := fc.registers.alloc(s.NodeSpan())
	if err != nil {
		return err
	}
	fc.emit(encodeAImm16(OpLoadI, byte(stepReg), int16(step)))
	fc.emit(encodeABC(OpAdd, byte(varReg), byte(varReg), byte(stepReg)))
	fc.registers.free(stepReg)

	backOffset := loopStart - (len(fc.fn.Bytecode) + 1)
	fc.emit(encodeAImm16(OpJump, 0, int16(backOffset)))
	fc.patchJump(exitJump)
	fc.popLoop(contTarget)
	fc.registers.free(endReg)
	fc.popScope()
	return nil
}

// compileTypedFor lowers `for i in start..end { ... }` (or the stepped
// form) to ForLoopI (the bound test) and ForLoopIInc (the increment plus
// back-edge), when the compiler has proven the induction variable and
// bound are both ints (spec.md §4.4).
func (fc *funcCompiler) compileTypedFor(s *ForStmt) error {
	fc.pushScope()
	varReg, err := fc.declareLocal(s.Var, true, s.NodeSpan())
	if err != nil {
		return err
	}
	if err := fc.compileExprInto(s.Start, varReg); err != nil {
		return err
	}
	endReg, err := fc.registers.alloc(s.NodeSpan())
	if err != nil {
		return err
	}
	if err := fc.compileExprInto(s.End, endReg); err != nil {
		return err
	}

	loopStart := len(fc.fn.Bytecode)
	exitJump := fc.emit(encodeAImm16(OpForLoopI, byte(varReg), 0))
	fc.emit(encodeABC(OpNop, byte(endReg), 0, 0))

	fc.pushLoop()
	fc.pushScope()
	for _, stmt := range s.Body {
		if err := fc.compileStmt(stmt); err != nil {
			return err
		}
	}
	fc.popScope()

	contTarget := len(fc.fn.Bytecode)
	step := s.Step
	if step == 0 {
		step = 1
	}
	backOffset := loopStart - (len(fc.fn.Bytecode) + 2)
	fc.emit(encodeAImm16(OpForLoopIInc, byte(varReg), int16(backOffset)))
	fc.emit(encodeAImm16(OpNop, 0, int16(step)))

	fc.patchJumpExtra(exitJump, 1)
	fc.popLoop(contTarget)
	fc.registers.free(endReg)
	fc.popScope()
	return nil
}

// compileIf implements spec.md §4.4 "Ternary if-expr": evaluate condition
// into a temporary, jump around one branch, fall through.
func (fc *funcCompiler) compileIf(e *IfExpr, dest int) error {
	condReg, err := fc.registers.alloc(e.NodeSpan())
	if err != nil {
		return err
	}
	if err := fc.compileExprInto(e.Cond, condReg); err != nil {
		return err
	}
	elseJump := fc.emitJump(OpJumpIfFalse, byte(condReg))
	fc.registers.free(condReg)

	if err := fc.compileExprInto(e.Then, dest); err != nil {
		return err
	}
	if e.Else == nil {
		fc.patchJump(elseJump)
		return nil
	}
	endJump := fc.emitJump(OpJump, 0)
	fc.patchJump(elseJump)
	if err := fc.compileExprInto(e.Else, dest); err != nil {
		return err
	}
	fc.patchJump(endJump)
	return nil
}

// compileShortCircuit implements `and`/`or` as conditional-jump-then-
// evaluate (spec.md §4.4 "Control flow").
func (fc *funcCompiler) compileShortCircuit(op string, left, right Node, dest int) error {
	if err := fc.compileExprInto(left, dest); err != nil {
		return err
	}
	var skip int
	if op == "and" {
		skip = fc.emitJump(OpJumpIfFalse, byte(dest))
	} else {
		skip = fc.emitJump(OpJumpIfTrue, byte(dest))
	}
	if err := fc.compileExprInto(right, dest); err != nil {
		return err
	}
	fc.patchJump(skip)
	return nil
}
