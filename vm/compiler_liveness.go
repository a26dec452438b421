package vm

// Liveness computes, for a flattened statement sequence, the last statement
// index at which each local name is used (spec.md §4.4 "Local liveness").
//
// The reference design runs a full CFG def/use fixed-point over basic
// blocks; this implementation takes a conservative sequential scan instead,
// walking the typed AST's structured control flow (if/while/for have no
// arbitrary jumps into or out of them) and recording the latest visited
// statement index at which a name appears anywhere in a reachable subtree,
// including loop bodies. Because loop bodies are visited once but execute
// repeatedly, a name used anywhere inside a loop body is treated as live
// through the entire loop, which is always safe (it only delays freeing,
// never frees early) and matches the spec's conservative steer for the
// related captured-register question (SPEC_FULL.md §5).
type liveness struct {
	lastUse map[string]int
}

func newLiveness() *liveness {
	return &liveness{lastUse: make(map[string]int)}
}

// record marks name as used at statement index i, extending its last-use
// point if i is later than what's on file.
func (lv *liveness) record(name string, i int) {
	if cur, ok := lv.lastUse[name]; !ok || i > cur {
		lv.lastUse[name] = i
	}
}

func (lv *liveness) lastUseOf(name string) (int, bool) {
	i, ok := lv.lastUse[name]
	return i, ok
}

// analyzeBody walks stmts (and all nested expressions/blocks) recording
// every identifier reference against the top-level statement index it
// occurs under, per spec.md §4.4's "last_use_point" name.
func analyzeBody(stmts []Node) *liveness {
	lv := newLiveness()
	for i, s := range stmts {
		walkNode(s, func(name string) { lv.record(name, i) })
	}
	return lv
}

// walkNode visits every Ident reference reachable from n.
func walkNode(n Node, visit func(name string)) {
	switch x := n.(type) {
	case *Ident:
		visit(x.Name)
	case *BinaryExpr:
		walkNode(x.Left, visit)
		walkNode(x.Right, visit)
	case *UnaryExpr:
		walkNode(x.Operand, visit)
	case *CallExpr:
		walkNode(x.Callee, visit)
		for _, a := range x.Args {
			walkNode(a, visit)
		}
	case *IfExpr:
		walkNode(x.Cond, visit)
		walkNode(x.Then, visit)
		if x.Else != nil {
			walkNode(x.Else, visit)
		}
	case *LetStmt:
		walkNode(x.Value, visit)
	case *AssignStmt:
		walkNode(x.Target, visit)
		walkNode(x.Value, visit)
	case *ExprStmt:
		walkNode(x.Expr, visit)
	case *ReturnStmt:
		if x.Value != nil {
			walkNode(x.Value, visit)
		}
	case *BlockStmt:
		for _, s := range x.Stmts {
			walkNode(s, visit)
		}
	case *WhileStmt:
		walkNode(x.Cond, visit)
		for _, s := range x.Body {
			walkNode(s, visit)
		}
	case *ForStmt:
		walkNode(x.Start, visit)
		walkNode(x.End, visit)
		for _, s := range x.Body {
			walkNode(s, visit)
		}
	case *FuncLit:
		// Nested function bodies are compiled separately; references to
		// enclosing locals from inside them are resolved as upvalue
		// captures, not ordinary liveness, so they are not walked here.
	}
}
