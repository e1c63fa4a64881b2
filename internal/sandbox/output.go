package sandbox

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/dop251/goja"
)

const maxOutputDepth = 32

// exportPlain converts a script's return value into a JSON object. Only
// null, booleans, strings, finite numbers, arrays, dates and plain objects
// are accepted.
func exportPlain(vm *goja.Runtime, v goja.Value, maxBytes int) (map[string]any, error) {
	obj, ok := v.(*goja.Object)
	if !ok || obj == nil {
		return nil, failf(ReasonInvalidOutput, "script must return a plain object, got %s", describe(v))
	}
	if _, isFn := goja.AssertFunction(obj); isFn || obj.ClassName() != "Object" {
		return nil, failf(ReasonInvalidOutput, "script must return a plain object, got %s", describe(v))
	}

	if err := checkPlain(obj, "result", map[*goja.Object]bool{}, 0, maxBytes); err != nil {
		return nil, err
	}

	text, err := jsonStringify(vm, obj)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(text) {
		return nil, failf(ReasonInvalidOutput, "result is not JSON-serializable")
	}
	s := text.String()
	if len(s) > maxBytes {
		return nil, failf(ReasonResourceExceeded, "result is %d bytes, limit is %d", len(s), maxBytes)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, &Failure{Reason: ReasonInvalidOutput, Message: "decoding result: " + err.Error(), Err: err}
	}
	return data, nil
}

// checkPlain walks v and rejects functions, symbols, host objects, cycles and
// non-finite numbers. onPath holds the objects between the root and v. An
// array longer than maxBytes cannot serialize within it, holes included.
func checkPlain(v goja.Value, path string, onPath map[*goja.Object]bool, depth, maxBytes int) error {
	if depth > maxOutputDepth {
		return failf(ReasonInvalidOutput, "%s nests deeper than %d levels", path, maxOutputDepth)
	}
	if v == nil || goja.IsUndefined(v) {
		return failf(ReasonInvalidOutput, "%s is undefined", path)
	}
	if goja.IsNull(v) {
		return nil
	}
	if _, ok := v.(*goja.Symbol); ok {
		return failf(ReasonInvalidOutput, "%s is a symbol", path)
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		switch x := v.Export().(type) {
		case bool, string, int64:
			return nil
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return failf(ReasonInvalidOutput, "%s is not a finite number", path)
			}
			return nil
		default:
			return failf(ReasonInvalidOutput, "%s has unsupported type %T", path, x)
		}
	}

	if _, isFn := goja.AssertFunction(obj); isFn {
		return failf(ReasonInvalidOutput, "%s is a function", path)
	}
	switch obj.ClassName() {
	case "Date":
		return nil
	case "Object", "Array":
	default:
		return failf(ReasonInvalidOutput, "%s is a %s object", path, obj.ClassName())
	}

	if onPath[obj] {
		return failf(ReasonInvalidOutput, "%s is a circular reference", path)
	}
	onPath[obj] = true
	defer delete(onPath, obj)

	isArray := obj.ClassName() == "Array"
	if isArray {
		if n := obj.Get("length").ToFloat(); n > float64(maxBytes) {
			return failf(ReasonResourceExceeded, "%s has %.0f elements, more than the %d byte result limit", path, n, maxBytes)
		}
	}
	for _, k := range obj.Keys() {
		child := path + "." + k
		if isArray {
			child = path + "[" + k + "]"
		}
		if err := checkPlain(obj.Get(k), child, onPath, depth+1, maxBytes); err != nil {
			return err
		}
	}
	return nil
}

func describe(v goja.Value) string {
	switch {
	case v == nil, goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); isFn {
			return "function"
		}
		return obj.ClassName()
	}
	switch x := v.Export().(type) {
	case string:
		return "string " + strconv.Quote(x)
	case float64, int64:
		return "number " + v.String()
	case bool:
		return "boolean"
	default:
		return v.String()
	}
}
