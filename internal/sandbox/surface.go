package sandbox

import (
	"math"

	"github.com/dop251/goja"
)

// mathAliases are Math members also bound as bare globals.
var mathAliases = []string{
	"sin", "cos", "tan", "asin", "acos", "atan", "atan2",
	"sqrt", "pow", "abs", "round", "floor", "ceil", "min", "max",
	"PI", "E",
}

// removedGlobals are ECMAScript built-ins that scripts have no use for. Typed
// arrays go too: their constructors allocate the whole buffer in one call.
// BigInt arithmetic and Proxy traps run where the allocation guards cannot
// size them. RegExp is removed with the guards.
var removedGlobals = []string{
	"eval", "Function", "globalThis", "BigInt", "Proxy",
	"ArrayBuffer", "SharedArrayBuffer", "DataView",
	"Int8Array", "Uint8Array", "Uint8ClampedArray", "Int16Array", "Uint16Array",
	"Int32Array", "Uint32Array", "Float32Array", "Float64Array",
}

// installSurface shapes the global scope of a fresh runtime. goja has no
// module loader, I/O, timers or host bindings, so the capability surface is
// exactly the ECMAScript built-ins plus what is set here.
func installSurface(vm *goja.Runtime, rnd func() float64) error {
	global := vm.GlobalObject()
	for _, name := range removedGlobals {
		if err := global.Delete(name); err != nil {
			return err
		}
	}

	if err := disableCodeConstructors(vm); err != nil {
		return err
	}

	m := vm.Get("Math").ToObject(vm)
	for _, name := range mathAliases {
		if err := vm.Set(name, m.Get(name)); err != nil {
			return err
		}
	}

	helpers := map[string]any{
		// generateRandom(min = 0, max = 1) draws from the same source as Math.random.
		"generateRandom": func(call goja.FunctionCall) goja.Value {
			lo, hi := 0.0, 1.0
			if a := call.Argument(0); !goja.IsUndefined(a) {
				lo = a.ToFloat()
			}
			if a := call.Argument(1); !goja.IsUndefined(a) {
				hi = a.ToFloat()
			}
			return vm.ToValue(rnd()*(hi-lo) + lo)
		},
		"calculateDistance": func(x1, y1, x2, y2 float64) float64 {
			return math.Sqrt(math.Pow(x2-x1, 2) + math.Pow(y2-y1, 2))
		},
		"calculateAngle": func(x1, y1, x2, y2 float64) float64 {
			return math.Atan2(y2-y1, x2-x1)
		},
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// codeForms are function expressions whose prototype's constructor compiles
// source at run time. It stays reachable as fn.constructor when the
// Function global is gone.
var codeForms = []string{"(function(){})", "(function*(){})", "(async function(){})"}

func disableCodeConstructors(vm *goja.Runtime) error {
	deny := func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("dynamic code evaluation is not available in scripts"))
	}
	for _, src := range codeForms {
		fn, err := vm.RunString(src)
		if err != nil {
			// Form not supported by this engine.
			continue
		}
		proto := fn.ToObject(vm).Prototype()
		if proto == nil {
			continue
		}
		if err := proto.Set("constructor", deny); err != nil {
			return err
		}
	}
	return nil
}

func jsonParse(vm *goja.Runtime, text string) (goja.Value, error) {
	j := vm.Get("JSON").ToObject(vm)
	parse, ok := goja.AssertFunction(j.Get("parse"))
	if !ok {
		return nil, failf(ReasonRuntime, "JSON.parse unavailable")
	}
	return parse(j, vm.ToValue(text))
}

func jsonStringify(vm *goja.Runtime, v goja.Value) (goja.Value, error) {
	j := vm.Get("JSON").ToObject(vm)
	stringify, ok := goja.AssertFunction(j.Get("stringify"))
	if !ok {
		return nil, failf(ReasonRuntime, "JSON.stringify unavailable")
	}
	return stringify(j, v)
}
