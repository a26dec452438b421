package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAcceptsWellFormedFunction(t *testing.T) {
	fn := &Function{
		Name:         "ok",
		NumRegisters: 2,
		Constants:    []Value{Int(1)},
		Bytecode: []Instruction{
			encodeAImm16(OpLoadK, 0, 0),
			encodeABC(OpReturn, 0, 0, 0),
		},
	}
	assert.NoError(t, Verify(fn, NewHeap()))
}

func TestVerifyRejectsOutOfRangeRegister(t *testing.T) {
	fn := &Function{
		Name:         "bad-reg",
		NumRegisters: 1,
		Bytecode: []Instruction{
			encodeABC(OpReturn, 5, 0, 0), // register 5 with only 1 register allocated
		},
	}
	err := Verify(fn, NewHeap())
	require.Error(t, err)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
}

func TestVerifyRejectsJumpOutOfBounds(t *testing.T) {
	fn := &Function{
		Name:         "bad-jump",
		NumRegisters: 1,
		Bytecode: []Instruction{
			encodeAImm16(OpJump, 0, 100), // jumps far past the end
			encodeABC(OpReturn0, 0, 0, 0),
		},
	}
	err := Verify(fn, NewHeap())
	require.Error(t, err)
}

func TestVerifyRejectsDanglingConstantPointer(t *testing.T) {
	fn := &Function{
		Name:         "dangling-ptr",
		NumRegisters: 1,
		Constants:    []Value{Ptr(GcRef(99))}, // never allocated anywhere
		Bytecode:     []Instruction{encodeABC(OpReturn0, 0, 0, 0)},
	}
	err := Verify(fn, NewHeap())
	require.Error(t, err)
}

func TestVerifyRejectsMakeClosureUpvalueCountMismatch(t *testing.T) {
	nested := &Function{Name: "inner", NumRegisters: 1, Upvalues: []UpvalueDescriptor{{IsLocal: true, Index: 0}}}
	outer := &Function{
		Name:         "outer",
		NumRegisters: 1,
		Nested:       []*Function{nested},
	}
	markerIdx, _ := addTestConstant(outer, NestedFnMarker(0))
	outer.Bytecode = []Instruction{
		// Claims 0 upvalues but the nested function declares 1.
		encodeABC(OpMakeClosure, 0, 0, 0),
		Instruction(uint32(markerIdx)),
		encodeABC(OpReturn0, 0, 0, 0),
	}
	err := Verify(outer, NewHeap())
	require.Error(t, err)
}

func TestVerifyAcceptsWellFormedMakeClosure(t *testing.T) {
	nested := &Function{Name: "inner", NumRegisters: 1, Upvalues: []UpvalueDescriptor{{IsLocal: true, Index: 0}}}
	outer := &Function{
		Name:         "outer",
		NumRegisters: 1,
		Nested:       []*Function{nested},
	}
	markerIdx, _ := addTestConstant(outer, NestedFnMarker(0))
	outer.Bytecode = []Instruction{
		encodeABC(OpMakeClosure, 0, 0, 1),
		Instruction(uint32(markerIdx)),
		encodeABC(OpNop, 1, 0, 0), // capture descriptor: local, index 0
		encodeABC(OpReturn0, 0, 0, 0),
	}
	assert.NoError(t, Verify(outer, NewHeap()))
}

func addTestConstant(fn *Function, v Value) (int, error) {
	fn.Constants = append(fn.Constants, v)
	return len(fn.Constants) - 1, nil
}
