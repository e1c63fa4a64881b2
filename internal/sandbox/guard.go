package sandbox

import (
	"fmt"
	"math"
	"strings"

	"github.com/dop251/goja"
)

// maxGuardDepth bounds how far nested arrays are followed when sizing a
// value; deeper values are refused.
const maxGuardDepth = 64

// sizeFunc predicts the work (elements created or visited) a built-in call
// would do.
type sizeFunc func(call goja.FunctionCall) float64

type guard struct {
	obj   *goja.Object
	name  string
	sym   *goja.Symbol
	what  string
	limit float64
	size  sizeFunc
}

// installGuards wraps the built-ins that loop or allocate inside one native
// call, where neither the interrupt nor the heap sampler can stop them.
// Array lengths are free to set (a sparse array may claim 2^32-1 slots), so
// every built-in that walks an array or array-like up to its length is
// sized from the arguments first and refused when oversized. The outcome
// depends only on the script and its inputs.
func installGuards(vm *goja.Runtime, p Policy, trip func(*interrupt)) error {
	maxStr := float64(p.maxStringLength())
	maxScan := float64(p.maxScanLength())
	maxSort := float64(p.maxSortLength())

	object := func(path ...string) *goja.Object {
		o := vm.GlobalObject()
		for _, name := range path {
			o = o.Get(name).ToObject(vm)
		}
		return o
	}
	strProto := object("String", "prototype")
	arrCtor := object("Array")
	arrProto := object("Array", "prototype")
	fnProto := object("Function", "prototype")
	reflectObj := object("Reflect")
	jsonObj := object("JSON")

	gopd, ok := goja.AssertFunction(object("Object").Get("getOwnPropertyDescriptor"))
	if !ok {
		return fmt.Errorf("Object.getOwnPropertyDescriptor unavailable")
	}
	sz := sizer{vm: vm, gopd: gopd}

	thisLen := func(call goja.FunctionCall) float64 { return sz.lengthOf(call.This) }
	argLen := func(i int) sizeFunc {
		return func(call goja.FunctionCall) float64 { return sz.lengthOf(call.Argument(i)) }
	}

	guards := []guard{
		{obj: strProto, name: "repeat", limit: maxStr, size: func(call goja.FunctionCall) float64 {
			return float64(len(call.This.String())) * call.Argument(0).ToFloat()
		}},
		{obj: strProto, name: "padStart", limit: maxStr, size: func(call goja.FunctionCall) float64 {
			return call.Argument(0).ToFloat()
		}},
		{obj: strProto, name: "padEnd", limit: maxStr, size: func(call goja.FunctionCall) float64 {
			return call.Argument(0).ToFloat()
		}},
		{obj: strProto, name: "split", limit: maxScan, size: func(call goja.FunctionCall) float64 {
			return float64(pieces(call.This, call.Argument(0)))
		}},
		{obj: strProto, name: "replaceAll", limit: maxStr, size: func(call goja.FunctionCall) float64 {
			repl := call.Argument(1)
			if _, isFn := goja.AssertFunction(repl); isFn {
				return sz.lengthOf(call.This)
			}
			n := pieces(call.This, call.Argument(0)) - 1
			return sz.lengthOf(call.This) + float64(n)*float64(len(repl.String()))
		}},
		{obj: strProto, sym: goja.SymIterator, what: "String.prototype[Symbol.iterator]", limit: maxScan, size: thisLen},
		{obj: arrProto, name: "join", limit: maxStr, size: func(call goja.FunctionCall) float64 {
			sep := 1
			if a := call.Argument(0); !goja.IsUndefined(a) {
				sep = len(a.String())
			}
			n := thisLen(call)
			return math.Max(n, (n-1)*float64(sep))
		}},
		{obj: arrProto, name: "concat", limit: maxScan, size: func(call goja.FunctionCall) float64 {
			n := thisLen(call)
			for _, a := range call.Arguments {
				n += math.Max(1, sz.lengthOf(a))
			}
			return n
		}},
		{obj: arrProto, name: "flat", limit: maxScan, size: func(call goja.FunctionCall) float64 {
			depth := 1
			if a := call.Argument(0); !goja.IsUndefined(a) {
				depth = clampDepth(a.ToFloat())
			}
			return sz.slots(call.This, depth+1, false, map[*goja.Object]bool{})
		}},
		{obj: arrProto, name: "flatMap", limit: maxScan, size: thisLen},
		{obj: arrProto, name: "sort", limit: maxSort, size: thisLen},
		{obj: arrProto, sym: goja.SymIterator, what: "Array.prototype[Symbol.iterator]", limit: maxScan, size: thisLen},
		{obj: arrCtor, name: "from", limit: maxScan, size: func(call goja.FunctionCall) float64 {
			// The iterator is looked up before the length is read.
			items := call.Argument(0)
			if obj, ok := items.(*goja.Object); ok && sz.accessor(obj, goja.SymIterator) {
				return math.Inf(1)
			}
			return sz.lengthOf(items)
		}},
		{obj: fnProto, name: "apply", limit: maxScan, size: argLen(1)},
		{obj: reflectObj, name: "apply", limit: maxScan, size: argLen(2)},
		{obj: reflectObj, name: "construct", limit: maxScan, size: argLen(1)},
		{obj: jsonObj, name: "parse", limit: maxScan, size: argLen(0)},
		{obj: jsonObj, name: "stringify", limit: maxScan, size: func(call goja.FunctionCall) float64 {
			if _, isFn := goja.AssertFunction(call.Argument(1)); isFn {
				return math.Inf(1)
			}
			return sz.slots(call.Argument(0), maxGuardDepth, true, map[*goja.Object]bool{})
		}},
	}
	for _, name := range []string{
		"copyWithin", "entries", "every", "fill", "filter", "find", "findIndex",
		"findLast", "findLastIndex", "forEach", "includes", "indexOf", "keys",
		"lastIndexOf", "map", "reduce", "reduceRight", "reverse", "shift",
		"slice", "some", "splice", "toLocaleString", "toReversed", "toSorted",
		"toSpliced", "toString", "unshift", "values", "with",
	} {
		guards = append(guards, guard{obj: arrProto, name: name, limit: maxScan, size: thisLen})
	}

	for _, g := range guards {
		if err := g.install(vm, trip); err != nil {
			return err
		}
	}
	return disableRegExp(vm, strProto)
}

func (g guard) install(vm *goja.Runtime, trip func(*interrupt)) error {
	var v goja.Value
	if g.sym != nil {
		v = g.obj.GetSymbol(g.sym)
	} else {
		v = g.obj.Get(g.name)
	}
	orig, ok := goja.AssertFunction(v)
	if !ok {
		// Built-ins missing from this engine need no guard.
		return nil
	}

	what, limit, size := g.what, g.limit, g.size
	if what == "" {
		what = g.name
	}
	wrapped := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if n := size(call); n > limit || math.IsInf(n, 1) {
			msg := fmt.Sprintf("%s would process %.0f elements, limit is %.0f", what, n, limit)
			if math.IsInf(n, 1) {
				msg = fmt.Sprintf("%s refused: the size of its input cannot be determined", what)
			}
			trip(&interrupt{reason: ReasonResourceExceeded, message: msg})
			panic(vm.NewGoError(fmt.Errorf("%s", msg)))
		}
		v, err := orig(call.This, call.Arguments...)
		if err != nil {
			rethrow(err)
		}
		return v
	})
	if g.sym != nil {
		return g.obj.SetSymbol(g.sym, wrapped)
	}
	return g.obj.Set(g.name, wrapped)
}

// disableRegExp makes regular expressions unusable. goja falls back to a
// backtracking engine for some patterns, and a match runs inside one native
// call that cannot be interrupted. Literals are refused at compile time;
// here the methods that accept a pattern are disabled and the RegExp global
// is removed.
func disableRegExp(vm *goja.Runtime, strProto *goja.Object) error {
	unavailable := func(name string) func(goja.FunctionCall) goja.Value {
		return func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("%s: regular expressions are not available in scripts", name))
		}
	}

	for _, name := range []string{"match", "matchAll", "search"} {
		if err := strProto.Set(name, unavailable("String.prototype."+name)); err != nil {
			return err
		}
	}

	// replace, replaceAll and split stay available with string patterns.
	for _, name := range []string{"replace", "replaceAll", "split"} {
		orig, ok := goja.AssertFunction(strProto.Get(name))
		if !ok {
			continue
		}
		name := name
		err := strProto.Set(name, func(call goja.FunctionCall) goja.Value {
			if _, isObj := call.Argument(0).(*goja.Object); isObj {
				panic(vm.NewTypeError("String.prototype.%s accepts only string patterns", name))
			}
			v, err := orig(call.This, call.Arguments...)
			if err != nil {
				rethrow(err)
			}
			return v
		})
		if err != nil {
			return err
		}
	}

	rx, ok := vm.Get("RegExp").(*goja.Object)
	if !ok {
		return nil
	}
	proto := rx.Get("prototype").ToObject(vm)
	for _, name := range []string{"exec", "test", "compile"} {
		if err := proto.Set(name, unavailable("RegExp.prototype."+name)); err != nil {
			return err
		}
	}
	for _, sym := range []*goja.Symbol{goja.SymMatch, goja.SymMatchAll, goja.SymReplace, goja.SymSearch, goja.SymSplit} {
		if err := proto.SetSymbol(sym, unavailable("RegExp.prototype["+sym.String()+"]")); err != nil {
			return err
		}
	}
	return vm.GlobalObject().Delete("RegExp")
}

// pieces counts the parts s.split(sep) would produce for a string
// separator; other separators are sized by the length of s.
func pieces(this, sep goja.Value) int {
	if this == nil || goja.IsUndefined(this) || goja.IsNull(this) {
		return 0
	}
	s := this.String()
	if sep == nil || goja.IsUndefined(sep) {
		return 1
	}
	if _, isObj := sep.(*goja.Object); isObj {
		return len(s) + 1
	}
	p := sep.String()
	if p == "" {
		return len(s) + 1
	}
	return strings.Count(s, p) + 1
}

// sizer measures values for the guards. gopd is the engine's own
// Object.getOwnPropertyDescriptor, captured before any script runs.
type sizer struct {
	vm   *goja.Runtime
	gopd goja.Callable
}

// accessor reports whether key resolves to a getter or setter on obj or its
// prototypes. Such a property can change between the guard's read and the
// built-in's.
func (s sizer) accessor(obj *goja.Object, key goja.Value) bool {
	for o := obj; o != nil; o = o.Prototype() {
		d, err := s.gopd(goja.Undefined(), o, key)
		if err != nil {
			return true
		}
		if !defined(d) {
			continue
		}
		desc := d.ToObject(s.vm)
		return defined(desc.Get("get")) || defined(desc.Get("set"))
	}
	return false
}

// lengthOf reads the length of a string or of an array-like value, 0 if
// absent or not a number and +Inf if it is computed by a getter.
func (s sizer) lengthOf(v goja.Value) float64 {
	obj, ok := v.(*goja.Object)
	if !ok || obj == nil {
		if v != nil {
			if str, isStr := v.Export().(string); isStr {
				return float64(len(str))
			}
		}
		return 0
	}
	if obj.ClassName() != "Array" && s.accessor(obj, s.vm.ToValue("length")) {
		return math.Inf(1)
	}
	l := obj.Get("length")
	if l == nil {
		return 0
	}
	n := l.ToFloat()
	if math.IsNaN(n) || n < 0 {
		return 0
	}
	return n
}

// slots totals the lengths of v and every array reachable from it within
// depth levels, visiting each object once. Holes count: native loops visit
// them. A value nested deeper than depth, or an object property computed by
// a getter, yields +Inf; so does a toJSON method other than Date's when
// sizing for JSON.
func (s sizer) slots(v goja.Value, depth int, forJSON bool, seen map[*goja.Object]bool) float64 {
	obj, ok := v.(*goja.Object)
	if !ok || obj == nil || seen[obj] {
		return 0
	}
	if depth <= 0 {
		return math.Inf(1)
	}
	seen[obj] = true

	if forJSON && obj.ClassName() != "Date" {
		if _, isFn := goja.AssertFunction(obj.Get("toJSON")); isFn {
			return math.Inf(1)
		}
	}

	var n float64
	if obj.ClassName() == "Array" {
		n = s.lengthOf(obj)
	}
	for _, k := range obj.Keys() {
		child := obj.Get(k)
		if _, isObj := child.(*goja.Object); isObj && s.accessor(obj, s.vm.ToValue(k)) {
			return math.Inf(1)
		}
		n += s.slots(child, depth-1, forJSON, seen)
		if math.IsInf(n, 1) {
			break
		}
	}
	return n
}

func defined(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v)
}

func clampDepth(d float64) int {
	switch {
	case math.IsNaN(d) || d < 0:
		return 0
	case d > maxGuardDepth:
		return maxGuardDepth
	default:
		return int(d)
	}
}

// rethrow propagates an error from a wrapped built-in back into the script.
// Exceptions stay catchable; interrupts are not.
func rethrow(err error) {
	if ex, ok := err.(*goja.Exception); ok {
		panic(ex.Value())
	}
	panic(err)
}
