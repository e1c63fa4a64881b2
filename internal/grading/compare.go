package grading

import (
	"encoding/json"
	"math"
	"sort"
)

// ScalarField is the detail field name used for scalar answers.
const ScalarField = "answer"

// boundaryEpsilon absorbs float rounding at the inclusive tolerance
// boundary, so 5.4 against 5.0 with tolerance 0.4 counts as correct at any
// magnitude of the operands.
const boundaryEpsilon = 1e-12

// Detail records how one field was judged.
type Detail struct {
	Field        string   `json:"field"`
	StudentValue any      `json:"studentValue"`
	CorrectValue any      `json:"correctValue"`
	IsCorrect    bool     `json:"isCorrect"`
	Difference   *float64 `json:"difference,omitempty"`
}

// Result is the outcome of comparing one answer against one solution.
type Result struct {
	Score         float64  `json:"score"`
	CorrectCount  int      `json:"correctCount"`
	TotalCount    int      `json:"totalCount"`
	Details       []Detail `json:"details"`
	SkippedFields []string `json:"skippedFields,omitempty"`
}

// Compare grades student against solution. Both may be a number or an
// object of named numeric fields. It never panics and never returns NaN:
// malformed or mismatched input scores 0.
//
// A scalar answer scores 100 when within tolerance and otherwise
// max(0, 100 - relative error in percent). An object answer scores the
// fraction of numeric solution fields answered within tolerance.
// Non-numeric solution fields are listed in SkippedFields and do not count;
// a solution with no numeric field at all has nothing to grade and scores 0.
// A negative or NaN tolerance is treated as 0.
func Compare(student, solution any, tolerance float64, tt ToleranceType) (res Result) {
	defer func() {
		if recover() != nil {
			res = Result{Details: []Detail{}}
		}
	}()

	if math.IsNaN(tolerance) || tolerance < 0 {
		tolerance = 0
	}
	if !tt.Valid() {
		tt = DefaultToleranceType
	}

	if s, ok := number(solution); ok {
		return compareScalar(student, s, tolerance, tt)
	}
	if sol, ok := object(solution); ok {
		return compareObject(student, sol, tolerance, tt)
	}
	return Result{Details: []Detail{}}
}

// CompareWith grades using a Config.
func CompareWith(student, solution any, c Config) Result {
	c = c.WithDefaults()
	return Compare(student, solution, c.Tolerance, c.ToleranceType)
}

func compareScalar(student any, s, tol float64, tt ToleranceType) Result {
	res := Result{TotalCount: 1}
	d := Detail{Field: ScalarField, StudentValue: student, CorrectValue: s}

	v, ok := number(student)
	if !ok {
		res.Details = []Detail{d}
		return res
	}
	diff := math.Abs(v - s)
	d.StudentValue = v
	d.Difference = &diff
	d.IsCorrect = within(v, s, tol, tt)

	switch {
	case d.IsCorrect:
		res.Score = 100
		res.CorrectCount = 1
	case s == 0:
		res.Score = 0
	default:
		res.Score = math.Max(0, 100-diff/math.Abs(s)*100)
	}
	res.Details = []Detail{d}
	return res
}

func compareObject(student any, sol map[string]any, tol float64, tt ToleranceType) Result {
	res := Result{Details: []Detail{}}
	stu, _ := object(student)

	keys := make([]string, 0, len(sol))
	for k := range sol {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s, ok := number(sol[k])
		if !ok {
			res.SkippedFields = append(res.SkippedFields, k)
			continue
		}
		res.TotalCount++

		raw, present := stu[k]
		d := Detail{Field: k, StudentValue: raw, CorrectValue: s}
		if v, ok := number(raw); present && ok {
			diff := math.Abs(v - s)
			d.StudentValue = v
			d.Difference = &diff
			d.IsCorrect = within(v, s, tol, tt)
		}
		if d.IsCorrect {
			res.CorrectCount++
		}
		res.Details = append(res.Details, d)
	}

	if res.TotalCount > 0 {
		res.Score = float64(res.CorrectCount) / float64(res.TotalCount) * 100
	}
	return res
}

// within applies the tolerance rule to student value v against solution s.
// A zero solution makes the relative rules undefined, so they fall back to
// the absolute rule with the same tolerance value. The inclusive boundary
// allows for the rounding error of v - s, which grows with the operands.
func within(v, s, tol float64, tt ToleranceType) bool {
	if s == 0 {
		tt = Absolute
	}
	diff := math.Abs(v - s)
	slack := boundaryEpsilon * math.Max(1, math.Max(math.Abs(s), math.Abs(v)))
	var metric float64
	switch tt {
	case Relative:
		metric = diff / math.Abs(s)
		slack /= math.Abs(s)
	case Percentage:
		metric = diff / math.Abs(s) * 100
		slack = slack / math.Abs(s) * 100
	default:
		metric = diff
	}
	if math.IsNaN(metric) || math.IsInf(metric, 0) {
		return false
	}
	return metric <= tol+slack+boundaryEpsilon*math.Max(1, math.Abs(tol))
}

// number converts any Go numeric type or json.Number to a finite float64.
func number(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func object(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, x != nil
	case map[string]float64:
		out := make(map[string]any, len(x))
		for k, f := range x {
			out[k] = f
		}
		return out, true
	}
	return nil, false
}
