package vm

// compileStmt lowers one statement. Temporaries are freed when the
// statement is done with them; a local's register is returned to the pool
// only when its scope closes (popScope), not at its liveness last-use point.
func (fc *funcCompiler) compileStmt(n Node) error {
	switch s := n.(type) {
	case *LetStmt:
		reg, err := fc.declareLocal(s.Name, s.Mutable, s.NodeSpan())
		if err != nil {
			return err
		}
		if err := fc.compileExprInto(s.Value, reg); err != nil {
			return err
		}
		if _, used := fc.liveness.lastUseOf(s.Name); !used {
			fc.shared.warnings = append(fc.shared.warnings, Warning{
				Message: "unused variable '" + s.Name + "'",
				Span:    s.NodeSpan(),
			})
		}
		return nil

	case *AssignStmt:
		return fc.compileAssign(s)

	case *ExprStmt:
		reg, err := fc.registers.alloc(s.NodeSpan())
		if err != nil {
			return err
		}
		if err := fc.compileExprInto(s.Expr, reg); err != nil {
			return err
		}
		fc.registers.free(reg)
		return nil

	case *ReturnStmt:
		if s.Value == nil {
			fc.emit(encodeABC(OpReturn0, 0, 0, 0))
			return nil
		}
		reg, err := fc.registers.alloc(s.NodeSpan())
		if err != nil {
			return err
		}
		if err := fc.compileExprInto(s.Value, reg); err != nil {
			return err
		}
		fc.emit(encodeABC(OpReturn, byte(reg), 0, 0))
		fc.registers.free(reg)
		return nil

	case *BlockStmt:
		fc.pushScope()
		for _, inner := range s.Stmts {
			if err := fc.compileStmt(inner); err != nil {
				return err
			}
		}
		fc.popScope()
		return nil

	case *WhileStmt:
		return fc.compileWhile(s)

	case *ForStmt:
		return fc.compileFor(s)

	case *BreakStmt:
		if fc.loopDepth() == 0 {
			return &CompileError{Kind: ErrBreakOutsideLoop, Message: "'break' outside of a loop", Span: s.NodeSpan()}
		}
		idx := fc.emitJump(OpJump, 0)
		fc.registerBreak(idx)
		return nil

	case *ContinueStmt:
		if fc.loopDepth() == 0 {
			return &CompileError{Kind: ErrContinueOutsideLoop, Message: "'continue' outside of a loop", Span: s.NodeSpan()}
		}
		idx := fc.emitJump(OpJump, 0)
		fc.registerContinue(idx)
		return nil

	case *FuncLit:
		// Nested function declared as a statement inside another function
		// body: compiled like a local `let`, so it can be captured by
		// further-nested closures as an ordinary local.
		reg, err := fc.declareLocal(s.Name, false, s.NodeSpan())
		if err != nil {
			return err
		}
		return fc.compileFuncLit(s, reg)

	default:
		// Expression used where a statement is expected (e.g. trailing
		// tail expression as implicit return value) is compiled and
		// discarded; callers that need the value use compileExprInto
		// directly.
		reg, err := fc.registers.alloc(n.NodeSpan())
		if err != nil {
			return err
		}
		if err := fc.compileExprInto(n, reg); err != nil {
			return err
		}
		fc.registers.free(reg)
		return nil
	}
}

func (fc *funcCompiler) compileAssign(s *AssignStmt) error {
	switch target := s.Target.(type) {
	case *Ident:
		if local, ok := fc.findLocal(target.Name); ok {
			if !local.Mutable {
				return &CompileError{Kind: ErrAssignToImmutable, Message: "cannot assign to immutable variable '" + target.Name + "'", Span: target.NodeSpan()}
			}
			return fc.compileExprInto(s.Value, local.Reg)
		}
		if idx, ok, err := fc.resolveUpvalue(target.Name, target.NodeSpan()); err != nil {
			return err
		} else if ok {
			reg, err := fc.registers.alloc(target.NodeSpan())
			if err != nil {
				return err
			}
			if err := fc.compileExprInto(s.Value, reg); err != nil {
				return err
			}
			fc.emit(encodeABC(OpSetUpval, byte(idx), byte(reg), 0))
			fc.registers.free(reg)
			return nil
		}
		if fc.shared.globals.isKnownGlobal(target.Name) {
			reg, err := fc.registers.alloc(target.NodeSpan())
			if err != nil {
				return err
			}
			if err := fc.compileExprInto(s.Value, reg); err != nil {
				return err
			}
			slot := fc.shared.globals.slotFor(target.Name)
			fc.emit(encodeAImm16(OpSetGlobalIdx, byte(reg), int16(slot)))
			fc.registers.free(reg)
			return nil
		}
		return &CompileError{Kind: ErrUndefinedVariable, Message: "undefined variable '" + target.Name + "'", Span: target.NodeSpan()}
	default:
		return &CompileError{Kind: ErrInvalidAssignmentTarget, Message: "invalid assignment target", Span: s.Target.NodeSpan()}
	}
}
