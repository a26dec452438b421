package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileIfExpression(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "if.test"},
		Body: []Node{
			&LetStmt{Name: "x", Value: &IfExpr{
				Cond: &BoolLit{Value: true},
				Then: &IntLit{Value: 1},
				Else: &IntLit{Value: 2},
			}},
			&ReturnStmt{Value: ident("x")},
		},
	}
	_, result, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.AsInt())
}

func TestCompileForLoopSum(t *testing.T) {
	// let mut total = 0; for i in 0..5 { total = total + i }; return total
	prog := &Program{
		Source: Source{Name: "for.test"},
		Body: []Node{
			&LetStmt{Name: "total", Mutable: true, Value: &IntLit{Value: 0}},
			&ForStmt{
				Var: "i", Start: &IntLit{Value: 0}, End: &IntLit{Value: 5},
				Body: []Node{
					&AssignStmt{
						Target: ident("total"),
						Value: &BinaryExpr{Op: "+", Left: ident("total"), Right: ident("i"), OperandType: TypeInt},
					},
				},
			},
			&ReturnStmt{Value: ident("total")},
		},
	}
	_, result, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.Equal(t, int64(0+1+2+3+4), result.AsInt())
}

func TestCompileWhileLoopRunsUntilConditionFalse(t *testing.T) {
	// let mut i = 0; while i < 100 { i = i + 1 }; return i
	prog := &Program{
		Source: Source{Name: "while.test"},
		Body: []Node{
			&LetStmt{Name: "i", Mutable: true, Value: &IntLit{Value: 0}},
			&WhileStmt{
				Cond: &BinaryExpr{Op: "<", Left: ident("i"), Right: &IntLit{Value: 100}, OperandType: TypeInt},
				Body: []Node{
					&AssignStmt{
						Target: ident("i"),
						Value:  &BinaryExpr{Op: "+", Left: ident("i"), Right: &IntLit{Value: 1}, OperandType: TypeInt},
					},
				},
			},
			&ReturnStmt{Value: ident("i")},
		},
	}
	_, result, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.Equal(t, int64(100), result.AsInt())
}

func TestCompileTypedWhileLoopRunsUntilConditionFalse(t *testing.T) {
	// let mut i = 0; while i < 100 { i = i + 1 }; return i, with the loop
	// marked as the typed int-less-than form.
	prog := &Program{
		Source: Source{Name: "typedwhile.test"},
		Body: []Node{
			&LetStmt{Name: "i", Mutable: true, Value: &IntLit{Value: 0}},
			&WhileStmt{
				Cond:              &BinaryExpr{Op: "<", Left: ident("i"), Right: &IntLit{Value: 100}, OperandType: TypeInt},
				IsIntLessThanLoop: true,
				Body: []Node{
					&AssignStmt{
						Target: ident("i"),
						Value:  &BinaryExpr{Op: "+", Left: ident("i"), Right: &IntLit{Value: 1}, OperandType: TypeInt},
					},
				},
			},
			&ReturnStmt{Value: ident("i")},
		},
	}
	c := NewCompiler(prog.Source, ImportContext{})
	result, err := c.Compile(prog)
	require.NoError(t, err)
	var sawTyped bool
	for _, instr := range result.Function.Bytecode {
		if instr.Op() == OpWhileLoopLt {
			sawTyped = true
		}
	}
	require.True(t, sawTyped, "expected a WhileLoopLt instruction")

	_, value, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.Equal(t, int64(100), value.AsInt())
}

func TestCompileTypedForLoopSum(t *testing.T) {
	// let mut total = 0; for i in 0..5 { total = total + i }; return total,
	// with the loop marked as the typed int form.
	prog := &Program{
		Source: Source{Name: "typedfor.test"},
		Body: []Node{
			&LetStmt{Name: "total", Mutable: true, Value: &IntLit{Value: 0}},
			&ForStmt{
				Var: "i", Start: &IntLit{Value: 0}, End: &IntLit{Value: 5}, IsIntForm: true,
				Body: []Node{
					&AssignStmt{
						Target: ident("total"),
						Value:  &BinaryExpr{Op: "+", Left: ident("total"), Right: ident("i"), OperandType: TypeInt},
					},
				},
			},
			&ReturnStmt{Value: ident("total")},
		},
	}
	c := NewCompiler(prog.Source, ImportContext{})
	result, err := c.Compile(prog)
	require.NoError(t, err)
	var sawTest, sawInc bool
	for _, instr := range result.Function.Bytecode {
		switch instr.Op() {
		case OpForLoopI:
			sawTest = true
		case OpForLoopIInc:
			sawInc = true
		}
	}
	require.True(t, sawTest, "expected a ForLoopI instruction")
	require.True(t, sawInc, "expected a ForLoopIInc instruction")

	_, value, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.Equal(t, int64(0+1+2+3+4), value.AsInt())
}

func TestCompileTypedIntComparison(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "typedcmp.test"},
		Body: []Node{
			&ReturnStmt{Value: &BinaryExpr{
				Op: "<", Left: &IntLit{Value: 1}, Right: &IntLit{Value: 2}, OperandType: TypeInt,
			}},
		},
	}
	c := NewCompiler(prog.Source, ImportContext{})
	result, err := c.Compile(prog)
	require.NoError(t, err)
	var sawTyped bool
	for _, instr := range result.Function.Bytecode {
		if instr.Op() == OpLtI {
			sawTyped = true
		}
	}
	require.True(t, sawTyped, "expected an LtI instruction")

	_, value, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.True(t, value.IsTruthy())
}

func TestCompileWhileLoopBreaksImmediately(t *testing.T) {
	// let mut i = 0; while true { i = i + 1; break }; return i
	prog := &Program{
		Source: Source{Name: "break.test"},
		Body: []Node{
			&LetStmt{Name: "i", Mutable: true, Value: &IntLit{Value: 0}},
			&WhileStmt{
				Cond: &BoolLit{Value: true},
				Body: []Node{
					&AssignStmt{
						Target: ident("i"),
						Value:  &BinaryExpr{Op: "+", Left: ident("i"), Right: &IntLit{Value: 1}, OperandType: TypeInt},
					},
					&BreakStmt{},
				},
			},
			&ReturnStmt{Value: ident("i")},
		},
	}
	_, result, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.AsInt())
}

func TestCompileRejectsAssignToImmutable(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "immutable.test"},
		Body: []Node{
			&LetStmt{Name: "x", Mutable: false, Value: &IntLit{Value: 1}},
			&AssignStmt{Target: ident("x"), Value: &IntLit{Value: 2}},
		},
	}
	c := NewCompiler(prog.Source, ImportContext{})
	_, err := c.Compile(prog)
	require.Error(t, err)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrAssignToImmutable, cerr.Kind)
}

func TestCompileRejectsUndefinedVariable(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "undefined.test"},
		Body: []Node{
			&AssignStmt{Target: ident("nope"), Value: &IntLit{Value: 1}},
		},
	}
	c := NewCompiler(prog.Source, ImportContext{})
	_, err := c.Compile(prog)
	require.Error(t, err)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrUndefinedVariable, cerr.Kind)
}

func TestCompileRejectsBreakOutsideLoop(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "break.test"},
		Body:   []Node{&BreakStmt{}},
	}
	c := NewCompiler(prog.Source, ImportContext{})
	_, err := c.Compile(prog)
	require.Error(t, err)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrBreakOutsideLoop, cerr.Kind)
}

func TestCompileLargeIntLiteralUsesConstantPool(t *testing.T) {
	big := int64(1) << 20
	prog := &Program{
		Source: Source{Name: "bigint.test"},
		Body: []Node{
			&ReturnStmt{Value: &IntLit{Value: big}},
		},
	}
	_, result, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.Equal(t, big, result.AsInt())
}

func TestCompileWarnsOnUnusedVariable(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "unused.test"},
		Body: []Node{
			&LetStmt{Name: "x", Value: &IntLit{Value: 1}},
			&ReturnStmt{Value: &IntLit{Value: 0}},
		},
	}
	c := NewCompiler(prog.Source, ImportContext{})
	result, err := c.Compile(prog)
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	require.Contains(t, result.Warnings[0].Message, "x")
}

func TestCompileUsedVariableDoesNotWarn(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "used.test"},
		Body: []Node{
			&LetStmt{Name: "x", Value: &IntLit{Value: 1}},
			&ReturnStmt{Value: ident("x")},
		},
	}
	c := NewCompiler(prog.Source, ImportContext{})
	result, err := c.Compile(prog)
	require.NoError(t, err)
	require.Empty(t, result.Warnings)
}

// TestCompileZeroCaptureClosureSkipsMakeClosure exercises the compiler law
// that a function literal capturing no enclosing locals compiles to a plain
// constant load, never OpMakeClosure, and still calls correctly.
func TestCompileZeroCaptureClosureSkipsMakeClosure(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "zerocap.test"},
		Body: []Node{
			&LetStmt{Name: "f", Value: &FuncLit{
				Params: []string{"n"},
				Body: []Node{
					&ReturnStmt{Value: &BinaryExpr{
						Op: "+", Left: ident("n"), Right: &IntLit{Value: 1}, OperandType: TypeInt,
					}},
				},
			}},
			&ReturnStmt{Value: &CallExpr{Callee: ident("f"), Args: []Node{&IntLit{Value: 41}}}},
		},
	}
	c := NewCompiler(prog.Source, ImportContext{})
	result, err := c.Compile(prog)
	require.NoError(t, err)
	for _, instr := range result.Function.Bytecode {
		require.NotEqual(t, OpMakeClosure, instr.Op())
	}
	require.Len(t, result.Function.Nested, 1)
	require.Empty(t, result.Function.Nested[0].Upvalues)

	_, value, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.Equal(t, int64(42), value.AsInt())
}

func TestCompileStringConcatenation(t *testing.T) {
	prog := &Program{
		Source: Source{Name: "concat.test"},
		Body: []Node{
			&ReturnStmt{Value: &BinaryExpr{
				Op:   "+",
				Left: &StringLit{Value: "foo"}, Right: &StringLit{Value: "bar"},
			}},
		},
	}
	machine, result, err := compileAndExecute(t, prog)
	require.NoError(t, err)
	require.True(t, result.IsPtr())
	obj, ok := machine.heap.Get(result.AsPtr())
	require.True(t, ok)
	require.Equal(t, "foobar", obj.Str.String())
}
