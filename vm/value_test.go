package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueTagsAreMutuallyExclusive(t *testing.T) {
	cases := []struct {
		name string
		v    Value
	}{
		{"null", Null},
		{"true", True},
		{"false", False},
		{"int zero", Int(0)},
		{"int negative", Int(-12345)},
		{"ptr", Ptr(GcRef(7))},
		{"nested fn marker", NestedFnMarker(3)},
		{"float", Float(3.5)},
		{"float nan", Float(math.NaN())},
		{"float zero", Float(0)},
		{"float inf", Float(math.Inf(1))},
	}
	kindOf := func(v Value) string {
		switch {
		case v.IsNull():
			return "null"
		case v.IsBool():
			return "bool"
		case v.IsInt():
			return "int"
		case v.IsPtr():
			return "ptr"
		case v.IsNestedFnMarker():
			return "nested"
		case v.IsFloat():
			return "float"
		default:
			return "unknown"
		}
	}
	want := []string{"null", "bool", "bool", "int", "int", "ptr", "nested", "float", "float", "float", "float"}
	for i, c := range cases {
		assert.Equal(t, want[i], kindOf(c.v), c.name)
		set := 0
		for _, p := range []bool{c.v.IsNull(), c.v.IsBool(), c.v.IsInt(), c.v.IsPtr(), c.v.IsNestedFnMarker(), c.v.IsFloat()} {
			if p {
				set++
			}
		}
		assert.Equal(t, 1, set, c.name)
	}
}

func TestIntRoundTripAndSignExtension(t *testing.T) {
	for _, n := range []int64{0, 1, -1, MaxInt48, MinInt48, -42, 42} {
		v := Int(n)
		require.True(t, v.IsInt())
		assert.Equal(t, n, v.AsInt())
	}
}

func TestIntCheckedRejectsOutOfRange(t *testing.T) {
	_, err := IntChecked(MaxInt48 + 1)
	require.Error(t, err)
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrIntegerOverflow, rerr.Kind)

	_, err = IntChecked(MinInt48 - 1)
	require.Error(t, err)

	v, err := IntChecked(MaxInt48)
	require.NoError(t, err)
	assert.Equal(t, MaxInt48, v.AsInt())
}

func TestFloatNaNIsCanonical(t *testing.T) {
	a := Float(math.NaN())
	b := Float(math.NaN())
	assert.Equal(t, a, b, "every NaN must collapse to the same bit pattern")
	assert.True(t, a.IsFloat())
}

func TestEqualCoercesIntAndFloat(t *testing.T) {
	assert.True(t, Int(3).Equal(Float(3.0)))
	assert.True(t, Float(3.0).Equal(Int(3)))
	assert.False(t, Int(3).Equal(Float(3.5)))
	assert.False(t, Int(3).Equal(Bool(true)))
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, Null.IsTruthy())
	assert.False(t, False.IsTruthy())
	assert.True(t, True.IsTruthy())
	assert.False(t, Int(0).IsTruthy())
	assert.True(t, Int(1).IsTruthy())
	assert.False(t, Float(0).IsTruthy())
	assert.True(t, Float(0.1).IsTruthy())
	assert.True(t, Ptr(GcRef(1)).IsTruthy())
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "null", Null.TypeName())
	assert.Equal(t, "bool", True.TypeName())
	assert.Equal(t, "int", Int(1).TypeName())
	assert.Equal(t, "float", Float(1).TypeName())
	assert.Equal(t, "function", NestedFnMarker(0).TypeName())
	assert.Equal(t, "object", Ptr(GcRef(0)).TypeName())
}
