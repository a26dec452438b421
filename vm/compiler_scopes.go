package vm

// localVar is one `let`-declared binding live in the current function.
type localVar struct {
	Name     string
	Reg      int
	Mutable  bool
	Captured bool
}

// scopeFrame records where a lexical scope's locals begin in fc.locals and
// which registers it captured, so CloseUpvals can be emitted on exit
// (spec.md §4.4 "Scopes and closures").
type scopeFrame struct {
	localsStart int
	captured    []int
}

// pushScope opens a new lexical scope.
func (fc *funcCompiler) pushScope() {
	fc.scopes = append(fc.scopes, scopeFrame{localsStart: len(fc.locals)})
}

// popScope closes the current scope: if it captured anything, emits
// CloseUpvals at the lowest captured register; then returns its locals'
// registers to the pool and truncates fc.locals.
func (fc *funcCompiler) popScope() {
	top := fc.scopes[len(fc.scopes)-1]
	fc.scopes = fc.scopes[:len(fc.scopes)-1]

	if len(top.captured) > 0 {
		lowest := top.captured[0]
		for _, r := range top.captured[1:] {
			if r < lowest {
				lowest = r
			}
		}
		fc.emit(encodeABC(OpCloseUpvals, byte(lowest), 0, 0))
	}

	for i := len(fc.locals) - 1; i >= top.localsStart; i-- {
		fc.registers.free(fc.locals[i].Reg)
	}
	fc.locals = fc.locals[:top.localsStart]
}

// declareLocal binds name to a fresh register in the innermost scope. span
// locates the declaring node for diagnostic rendering (spec.md §4.4, §6).
func (fc *funcCompiler) declareLocal(name string, mutable bool, span Span) (int, error) {
	for _, l := range fc.locals {
		if l.Name == name {
			return 0, &CompileError{Kind: ErrVariableAlreadyDefined, Message: "variable '" + name + "' already defined in this scope", Span: span}
		}
	}
	reg, err := fc.registers.alloc(span)
	if err != nil {
		return 0, err
	}
	fc.locals = append(fc.locals, localVar{Name: name, Reg: reg, Mutable: mutable})
	return reg, nil
}

// findLocal looks up name among the current function's locals, most
// recently declared first (proper shadowing).
func (fc *funcCompiler) findLocal(name string) (*localVar, bool) {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		if fc.locals[i].Name == name {
			return &fc.locals[i], true
		}
	}
	return nil, false
}

// markCaptured flags a local (by register) as captured by some nested
// closure: it is registered against the innermost scope so CloseUpvals
// fires when that scope exits, and the register pool is told to withhold
// it from reuse until the function finishes (SPEC_FULL.md §5).
func (fc *funcCompiler) markCaptured(reg int) {
	fc.registers.markCaptured(reg)
	top := &fc.scopes[len(fc.scopes)-1]
	for _, r := range top.captured {
		if r == reg {
			return
		}
	}
	top.captured = append(top.captured, reg)
}

// resolveUpvalue implements spec.md §4.4 "Upvalue resolution": searching
// enclosing funcCompilers for name, recording is_local/is_local=false
// descriptor chains as needed, and returning the upvalue index in fc's own
// upvalue_descriptors, or ok=false if name isn't found in any enclosing
// function (it's then a global reference). span locates the referencing
// node, for diagnostic rendering (spec.md §4.4, §6).
func (fc *funcCompiler) resolveUpvalue(name string, span Span) (int, bool, error) {
	if fc.parent == nil {
		return 0, false, nil
	}
	if i, ok := fc.upvalueIndexOf(name); ok {
		return i, true, nil
	}
	if local, ok := fc.parent.findLocal(name); ok {
		fc.parent.markCaptured(local.Reg)
		idx, err := fc.addUpvalue(name, UpvalueDescriptor{IsLocal: true, Index: uint16(local.Reg)}, span)
		return idx, true, err
	}
	parentUp, ok, err := fc.parent.resolveUpvalue(name, span)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	idx, err := fc.addUpvalue(name, UpvalueDescriptor{IsLocal: false, Index: uint16(parentUp)}, span)
	return idx, true, err
}

func (fc *funcCompiler) upvalueIndexOf(name string) (int, bool) {
	for i, n := range fc.upvalueNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

const maxUpvalues = 255

func (fc *funcCompiler) addUpvalue(name string, desc UpvalueDescriptor, span Span) (int, error) {
	if len(fc.upvalueDescs) >= maxUpvalues {
		return 0, &CompileError{Kind: ErrTooManyUpvalues, Message: "function exceeds maximum upvalue count", Span: span}
	}
	fc.upvalueDescs = append(fc.upvalueDescs, desc)
	fc.upvalueNames = append(fc.upvalueNames, name)
	return len(fc.upvalueDescs) - 1, nil
}
