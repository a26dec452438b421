package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// compileAndExecute runs the full pipeline an embedder would: compile, merge
// the compiler's seed heap into the VM's, verify, then execute
// (spec.md §6 "External Interfaces").
func compileAndExecute(t *testing.T, prog *Program) (*VM, Value, error) {
	t.Helper()
	c := NewCompiler(prog.Source, ImportContext{})
	result, err := c.Compile(prog)
	require.NoError(t, err)

	machine := New(prog.Source)
	remap := machine.MergeHeap(result.Heap)
	result.Function.RemapConstants(remap)
	machine.AdoptGlobalIndices(result.GlobalIndices)

	require.NoError(t, Verify(result.Function, machine.heap))

	funcRef := machine.AllocFunction(result.Function)
	val, err := machine.Execute(funcRef)
	return machine, val, err
}

func ident(name string) *Ident { return &Ident{Name: name} }

// TestClosureCounterCapturesMutableUpvalue builds the typed-AST equivalent
// of:
//
//	fn make_counter() {
//	    let mut n = 0
//	    fn increment() {
//	        n = n + 1
//	        return n
//	    }
//	    return increment
//	}
//	let counter = make_counter()
//	counter()
//	counter()
//	return counter()
//
// and checks the third call observes the mutation from the first two
// (spec.md §3 "Closures", End-to-End Scenarios).
func TestClosureCounterCapturesMutableUpvalue(t *testing.T) {
	increment := &FuncLit{
		Name: "increment",
		Body: []Node{
			&AssignStmt{
				Target: ident("n"),
				Value: &BinaryExpr{
					Op: "+", Left: ident("n"), Right: &IntLit{Value: 1},
					OperandType: TypeInt,
				},
			},
			&ReturnStmt{Value: ident("n")},
		},
	}
	makeCounter := &FuncLit{
		Name: "make_counter",
		Body: []Node{
			&LetStmt{Name: "n", Mutable: true, Value: &IntLit{Value: 0}},
			increment,
			&ReturnStmt{Value: ident("increment")},
		},
	}
	prog := &Program{
		Source: Source{Name: "counter.test"},
		Body: []Node{
			makeCounter,
			&LetStmt{Name: "counter", Value: &CallExpr{Callee: ident("make_counter")}},
			&ExprStmt{Expr: &CallExpr{Callee: ident("counter")}},
			&ExprStmt{Expr: &CallExpr{Callee: ident("counter")}},
			&ReturnStmt{Value: &CallExpr{Callee: ident("counter")}},
		},
	}

	_, result, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.True(t, result.IsInt())
	require.Equal(t, int64(3), result.AsInt())
}

// TestManualHeapRoundTrip exercises the alloc/store/load native intrinsics
// through CallGlobalNative (spec.md §4.2 "manual heap", §9 scenarios).
func TestManualHeapRoundTrip(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "manual_heap.test"},
		Body: []Node{
			&LetStmt{Name: "h", Value: &CallExpr{
				Callee: ident("alloc"), Args: []Node{&IntLit{Value: 8}},
			}},
			&ExprStmt{Expr: &CallExpr{
				Callee: ident("store"),
				Args:   []Node{ident("h"), &IntLit{Value: 0}, &IntLit{Value: 42}},
			}},
			&ReturnStmt{Value: &CallExpr{
				Callee: ident("load"),
				Args:   []Node{ident("h"), &IntLit{Value: 0}},
			}},
		},
	}

	_, result, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.True(t, result.IsInt())
	require.Equal(t, int64(42), result.AsInt())
}

// TestCallGlobalCacheInvalidatedOnRebind mirrors spec.md §4.6: a CallGlobal
// site caches the resolved function, and writing a new value to the same
// global must invalidate that cache rather than keep dispatching to the old
// one. The single `op(x)` site inside call_op is patched by the first call
// and must re-resolve on the second.
func TestCallGlobalCacheInvalidatedOnRebind(t *testing.T) {
	doubler := &FuncLit{
		Name:   "op",
		Params: []string{"x"},
		Body: []Node{
			&ReturnStmt{Value: &BinaryExpr{Op: "+", Left: ident("x"), Right: ident("x"), OperandType: TypeInt}},
		},
	}
	tripler := &FuncLit{
		Name:   "tripler_impl",
		Params: []string{"x"},
		Body: []Node{
			&ReturnStmt{Value: &BinaryExpr{
				Op: "+",
				Left: &BinaryExpr{Op: "+", Left: ident("x"), Right: ident("x"), OperandType: TypeInt},
				Right: ident("x"), OperandType: TypeInt,
			}},
		},
	}
	callOp := &FuncLit{
		Name:   "call_op",
		Params: []string{"x"},
		Body: []Node{
			&ReturnStmt{Value: &CallExpr{Callee: ident("op"), Args: []Node{ident("x")}}},
		},
	}
	prog := &Program{
		Source: Source{Name: "rebind.test"},
		Body: []Node{
			doubler,
			callOp,
			&ExprStmt{Expr: &CallExpr{Callee: ident("call_op"), Args: []Node{&IntLit{Value: 5}}}},
			tripler,
			&AssignStmt{Target: ident("op"), Value: ident("tripler_impl")},
			&ReturnStmt{Value: &CallExpr{Callee: ident("call_op"), Args: []Node{&IntLit{Value: 5}}}},
		},
	}

	_, result, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.True(t, result.IsInt())
	require.Equal(t, int64(15), result.AsInt())
}
