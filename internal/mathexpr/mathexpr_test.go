package mathexpr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"2+2", 4},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"2^10", 1024},
		{"2^3^2", 512},
		{"-2^2", -4},
		{"2^-1", 0.5},
		{"--3", 3},
		{"7%3", 1},
		{"-7%3", 2},
		{"5%0", 5},
		{"sqrt(9)", 3},
		{"log10(1000)", 3},
		{"log(e)", 1},
		{"log(8, 2)", 3},
		{"sin(0)", 0},
		{"cos(0)", 1},
		{"2pi", 2 * math.Pi},
		{"2e", 2 * math.E},
		{"3(4+1)", 15},
		{"(1+1)(2+1)", 6},
		{"(1+2)3", 9},
		{"1e3", 1000},
		{"1.5E-1", 0.15},
		{".5+.25", 0.75},
		{" 1 +\t2 ", 3},
		{"abs(-3)+floor(2.7)+ceil(0.2)", 6},
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			got, err := Evaluate(c.expr)
			require.NoError(t, err)
			require.InDelta(t, c.want, got, 1e-12)
		})
	}
}

func TestEvaluate_DivisionByZeroIsInfinite(t *testing.T) {
	got, err := Evaluate("1/0")
	require.NoError(t, err)
	require.True(t, math.IsInf(got, 1))
	require.Equal(t, "Infinity", Format(got))
}

func TestEvaluate_Faults(t *testing.T) {
	cases := []struct {
		expr string
		want error
	}{
		{"", ErrEmpty},
		{"   ", ErrEmpty},
		{"2+", ErrSyntax},
		{"2+*3", ErrSyntax},
		{"(2+3", ErrSyntax},
		{"2+3)", ErrSyntax},
		{"2 3", ErrSyntax},
		{"2$3", ErrSyntax},
		{"sin(", ErrSyntax},
		{"foo", ErrUnknownSymbol},
		{"foo(1)", ErrUnknownSymbol},
		{"sqrt()", ErrArity},
		{"sqrt(1, 2)", ErrArity},
		{"sqrt(-1)", ErrDomain},
		{"log(-1)", ErrDomain},
		{"0/0", ErrDomain},
		{"(-8)^(1/3)", ErrDomain},
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			_, err := Evaluate(c.expr)
			require.ErrorIs(t, err, c.want)
		})
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{4, "4"},
		{0.1 + 0.2, "0.3"},
		{1.0 / 3.0, "0.3333333333"},
		{2.0 / 3.0, "0.6666666667"},
		{-2.5, "-2.5"},
		{math.Copysign(0, -1), "0"},
		{-1e-12, "0"},
		{1e-11, "0"},
		{1e-7, "1e-7"},
		{0.000001, "0.000001"},
		{123456789.125, "123456789.125"},
		{1e21, "1e+21"},
		{1.5e300, "1.5e+300"},
		{math.Inf(-1), "-Infinity"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Format(c.in), "Format(%v)", c.in)
	}
}
