// Package script holds instructor-authored script sources and the pre-flight
// checks run before a script is stored on a template.
package script

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
)

// ErrUnsupported marks source that parses but uses a construct scripts may
// not contain.
var ErrUnsupported = errors.New("unsupported construct")

// Kind identifies which half of a template a script belongs to.
type Kind string

const (
	KindGenerator Kind = "generator"
	KindSolution  Kind = "solution"
)

// Params returns the declared parameter names a script of this kind receives.
func (k Kind) Params() []string {
	switch k {
	case KindGenerator:
		return []string{"variantIndex", "seed"}
	case KindSolution:
		return []string{"inputData"}
	default:
		return nil
	}
}

// Source is the text of a generator or solution function body.
type Source string

func (s Source) String() string { return string(s) }

// Wrap returns the body enclosed in a function expression taking kind's params.
func Wrap(kind Kind, body string) string {
	return "(function(" + strings.Join(kind.Params(), ", ") + ") {\n" + body + "\n})"
}

// Compile parses src as a single function body of the given kind and compiles
// it. Bodies that close the wrapper early to smuggle in extra top-level
// statements are rejected, as are regular expression and BigInt literals
// (see ErrUnsupported).
func Compile(kind Kind, src string) (*goja.Program, error) {
	prg, err := goja.Parse(string(kind)+".js", Wrap(kind, src))
	if err != nil {
		return nil, err
	}
	if len(prg.Body) != 1 {
		return nil, fmt.Errorf("script must be a single function body, found %d top-level statements", len(prg.Body))
	}
	if err := unsupported(prg); err != nil {
		return nil, err
	}
	return goja.CompileAST(prg, false)
}

var (
	astPkg        = reflect.TypeOf(ast.Program{}).PkgPath()
	regExpLiteral = reflect.TypeOf((*ast.RegExpLiteral)(nil))
	numberLiteral = reflect.TypeOf((*ast.NumberLiteral)(nil))
	bigInt        = reflect.TypeOf((*big.Int)(nil))
)

// unsupported returns the first regular expression or BigInt literal under
// n. Matching a pattern and BigInt arithmetic each run inside one native
// call that the interrupt cannot reach. The tree is walked by reflection
// since the parser offers no visitor; only nodes of the ast package are
// entered.
func unsupported(n ast.Node) error {
	var found error
	seen := map[uintptr]bool{}

	var walk func(v reflect.Value)
	walk = func(v reflect.Value) {
		if found != nil {
			return
		}
		switch v.Kind() {
		case reflect.Interface:
			if !v.IsNil() {
				walk(v.Elem())
			}
		case reflect.Pointer:
			if v.IsNil() || v.Type().Elem().PkgPath() != astPkg || seen[v.Pointer()] {
				return
			}
			seen[v.Pointer()] = true
			switch v.Type() {
			case regExpLiteral:
				found = fmt.Errorf("%w: regular expression %s", ErrUnsupported, v.Elem().FieldByName("Literal").String())
				return
			case numberLiteral:
				if val := v.Elem().FieldByName("Value"); !val.IsNil() && val.Elem().Type() == bigInt {
					found = fmt.Errorf("%w: BigInt literal %s", ErrUnsupported, v.Elem().FieldByName("Literal").String())
					return
				}
			}
			walk(v.Elem())
		case reflect.Struct:
			if v.Type().PkgPath() != astPkg {
				return
			}
			for i := 0; i < v.NumField(); i++ {
				walk(v.Field(i))
			}
		case reflect.Slice:
			for i := 0; i < v.Len(); i++ {
				walk(v.Index(i))
			}
		}
	}
	walk(reflect.ValueOf(n))
	return found
}
