package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeABCRoundTrip(t *testing.T) {
	i := encodeABC(OpAdd, 1, 2, 3)
	assert.Equal(t, OpAdd, i.Op())
	assert.Equal(t, byte(1), i.A())
	assert.Equal(t, byte(2), i.B())
	assert.Equal(t, byte(3), i.C())
}

func TestEncodeAImm16RoundTrip(t *testing.T) {
	for _, imm := range []int16{0, 1, -1, 32767, -32768} {
		i := encodeAImm16(OpJump, 9, imm)
		assert.Equal(t, OpJump, i.Op())
		assert.Equal(t, byte(9), i.A())
		assert.Equal(t, imm, i.Imm16())
	}
}

func TestCallSiteCacheRoundTrip(t *testing.T) {
	cases := []CallSiteCache{
		{FuncRef: 0, Slot: 0, Generation: 0, Patched: false},
		{FuncRef: 12345, Slot: 17, Generation: 9, Patched: true},
		{FuncRef: 1, Slot: 0x7FFF, Generation: 0xFFFF, Patched: true},
	}
	for _, c := range cases {
		w0, w1 := EncodeCallSiteCache(c)
		got := DecodeCallSiteCache(w0, w1)
		assert.Equal(t, c, got)
	}
}

func TestLineTableLookup(t *testing.T) {
	lt := LineTable{
		{Count: 2, Line: 10}, // instructions 0,1 -> line 10
		{Count: 3, Line: 11}, // instructions 2,3,4 -> line 11
	}
	assert.Equal(t, 10, lt.LineFor(0))
	assert.Equal(t, 10, lt.LineFor(1))
	assert.Equal(t, 11, lt.LineFor(2))
	assert.Equal(t, 11, lt.LineFor(4))
	// Past the recorded range, LineFor falls back to the last entry's line.
	assert.Equal(t, 11, lt.LineFor(99))
}

func TestLineTableEmpty(t *testing.T) {
	var lt LineTable
	assert.Equal(t, 0, lt.LineFor(0))
}

func TestIsCallGlobalVariantAndIsJump(t *testing.T) {
	assert.True(t, OpCallGlobal.IsCallGlobalVariant())
	assert.True(t, OpCallGlobalMono.IsCallGlobalVariant())
	assert.True(t, OpCallGlobalNative.IsCallGlobalVariant())
	assert.False(t, OpCallGlobalCached.IsCallGlobalVariant())
	assert.False(t, OpCall.IsCallGlobalVariant())

	assert.True(t, OpJump.IsJump())
	assert.True(t, OpWhileLoopLt.IsJump())
	assert.False(t, OpMove.IsJump())
}
