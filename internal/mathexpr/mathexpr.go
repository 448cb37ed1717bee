// Package mathexpr evaluates calculator expressions.
//
// The grammar follows the subset of mathjs the calculator keypad produces:
// infix + - * / ^ %, parentheses, implicit multiplication, the constants e and
// pi, and prefix function calls such as sin( log( log10( sqrt(. Evaluation
// uses real-number rules; any result that is not a real number is a fault.
package mathexpr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrEmpty         = errors.New("empty expression")
	ErrSyntax        = errors.New("syntax error")
	ErrUnknownSymbol = errors.New("undefined symbol")
	ErrArity         = errors.New("wrong number of arguments")
	ErrDomain        = errors.New("result is not a real number")
)

// Evaluator evaluates expressions. The zero value is ready to use.
type Evaluator struct{}

// Evaluate implements the evaluator contract used by the calculator.
func (Evaluator) Evaluate(expression string) (float64, error) {
	return Evaluate(expression)
}

// Evaluate parses and evaluates expression. Division by zero yields an
// infinity, which is a valid result; NaN results are reported as ErrDomain.
func Evaluate(expression string) (float64, error) {
	toks, err := lex(expression)
	if err != nil {
		return 0, err
	}
	tree, err := parse(toks)
	if err != nil {
		return 0, err
	}
	v := tree.eval()
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %s", ErrDomain, strings.TrimSpace(expression))
	}
	return v, nil
}

// Format renders v the way the calculator displays results: rounded to 10
// fractional digits with trailing zeros dropped, so 0.1+0.2 shows as 0.3.
// Very large and very small magnitudes use exponent notation (1e+21, 1e-7).
func Format(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}
	if math.Abs(v) < 1e21 {
		if r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 10, 64), 64); err == nil {
			v = r
		}
	}
	if v == 0 {
		// also folds -0
		return "0"
	}
	if abs := math.Abs(v); abs >= 1e21 || abs < 1e-6 {
		return trimExponent(strconv.FormatFloat(v, 'e', -1, 64))
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// trimExponent turns "1.5e-07" into "1.5e-7".
func trimExponent(s string) string {
	i := strings.IndexByte(s, 'e')
	if i < 0 || i+2 >= len(s) {
		return s
	}
	digits := strings.TrimLeft(s[i+2:], "0")
	if digits == "" {
		digits = "0"
	}
	return s[:i+2] + digits
}

var constants = map[string]float64{
	"e":   math.E,
	"E":   math.E,
	"pi":  math.Pi,
	"PI":  math.Pi,
	"tau": 2 * math.Pi,
	"phi": math.Phi,
}

type function struct {
	minArgs, maxArgs int
	apply            func(args []float64) float64
}

func (f *function) arity() string {
	if f.minArgs == f.maxArgs {
		if f.minArgs == 1 {
			return "1 argument"
		}
		return fmt.Sprintf("%d arguments", f.minArgs)
	}
	return fmt.Sprintf("%d to %d arguments", f.minArgs, f.maxArgs)
}

func unaryFn(fn func(float64) float64) *function {
	return &function{minArgs: 1, maxArgs: 1, apply: func(a []float64) float64 { return fn(a[0]) }}
}

var functions = map[string]*function{
	"sin":   unaryFn(math.Sin),
	"cos":   unaryFn(math.Cos),
	"tan":   unaryFn(math.Tan),
	"asin":  unaryFn(math.Asin),
	"acos":  unaryFn(math.Acos),
	"atan":  unaryFn(math.Atan),
	"sinh":  unaryFn(math.Sinh),
	"cosh":  unaryFn(math.Cosh),
	"tanh":  unaryFn(math.Tanh),
	"log10": unaryFn(math.Log10),
	"log2":  unaryFn(math.Log2),
	"sqrt":  unaryFn(math.Sqrt),
	"cbrt":  unaryFn(math.Cbrt),
	"abs":   unaryFn(math.Abs),
	"exp":   unaryFn(math.Exp),
	"floor": unaryFn(math.Floor),
	"ceil":  unaryFn(math.Ceil),
	"round": unaryFn(math.Round),
	// log(x) is the natural logarithm, log(x, base) any base.
	"log": {minArgs: 1, maxArgs: 2, apply: func(a []float64) float64 {
		if len(a) == 2 {
			return math.Log(a[0]) / math.Log(a[1])
		}
		return math.Log(a[0])
	}},
}

// mod follows mathjs: x - y*floor(x/y), and mod(x, 0) is x.
func mod(x, y float64) float64 {
	if y == 0 {
		return x
	}
	return x - y*math.Floor(x/y)
}
