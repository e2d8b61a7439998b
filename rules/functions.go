package rules

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

var (
	candidatesType  = cel.MapType(cel.StringType, cel.ListType(cel.StringType))
	stringSliceType = reflect.TypeOf([]string{})
)

// d2Library declares the program rule functions available as d2.<name>
type d2Library struct{}

func (d2Library) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		// Number of values recorded for a variable
		cel.Function("d2.count",
			cel.Overload("d2_count_candidates_string",
				[]*cel.Type{candidatesType, cel.StringType}, cel.DoubleType,
				cel.BinaryBinding(countCandidates),
			),
		),
		// Number of values recorded for a variable that are zero or positive
		cel.Function("d2.countIfZeroPos",
			cel.Overload("d2_countIfZeroPos_candidates_string",
				[]*cel.Type{candidatesType, cel.StringType}, cel.DoubleType,
				cel.BinaryBinding(countZeroPosCandidates),
			),
		),
		cel.Function("d2.hasValue",
			cel.Overload("d2_hasValue_candidates_string",
				[]*cel.Type{candidatesType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(hasCandidates),
			),
		),
		cel.Function("d2.countIfValue",
			cel.Overload("d2_countIfValue_candidates_string_dyn",
				[]*cel.Type{candidatesType, cel.StringType, cel.DynType}, cel.DoubleType,
				cel.FunctionBinding(countMatchingCandidates),
			),
		),
		// Number of zero or positive values among the arguments
		cel.Function("d2.zpvc",
			cel.Overload("d2_zpvc_list",
				[]*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(zeroPosValueCount),
			),
		),
		// One if the argument is zero or positive, otherwise zero
		cel.Function("d2.oizp",
			cel.Overload("d2_oizp_dyn",
				[]*cel.Type{cel.DynType}, cel.DoubleType,
				cel.UnaryBinding(oneIfZeroPos),
			),
		),
		// The argument if zero or positive, otherwise zero
		cel.Function("d2.zing",
			cel.Overload("d2_zing_dyn",
				[]*cel.Type{cel.DynType}, cel.DoubleType,
				cel.UnaryBinding(zeroIfNegative),
			),
		),
	}
}

func (d2Library) ProgramOptions() []cel.ProgramOption {
	return nil
}

// candidates looks up the candidate list of a variable. Unknown variables
// have no candidates.
func candidates(m, name ref.Val) ([]string, ref.Val) {
	mapper, ok := m.(traits.Mapper)
	if !ok {
		return nil, types.MaybeNoSuchOverloadErr(m)
	}
	list, found := mapper.Find(name)
	if !found {
		return nil, nil
	}
	native, err := list.ConvertToNative(stringSliceType)
	if err != nil {
		return nil, types.NewErr("candidates of %v: %v", name, err)
	}
	return native.([]string), nil
}

func countCandidates(m, name ref.Val) ref.Val {
	values, errVal := candidates(m, name)
	if errVal != nil {
		return errVal
	}
	return types.Double(len(values))
}

func countZeroPosCandidates(m, name ref.Val) ref.Val {
	values, errVal := candidates(m, name)
	if errVal != nil {
		return errVal
	}
	count := 0
	for _, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return types.NewErr("invalid number format: %q", v)
		}
		if f >= 0 {
			count++
		}
	}
	return types.Double(count)
}

func hasCandidates(m, name ref.Val) ref.Val {
	values, errVal := candidates(m, name)
	if errVal != nil {
		return errVal
	}
	return types.Bool(len(values) > 0)
}

func countMatchingCandidates(args ...ref.Val) ref.Val {
	if len(args) != 3 {
		return types.NewErr("d2.countIfValue expects 3 arguments, got %d", len(args))
	}
	values, errVal := candidates(args[0], args[1])
	if errVal != nil {
		return errVal
	}
	want := formatResult(args[2])
	count := 0
	for _, v := range values {
		if v == want {
			count++
		}
	}
	return types.Double(count)
}

func zeroPosValueCount(arg ref.Val) ref.Val {
	lister, ok := arg.(traits.Lister)
	if !ok {
		return types.MaybeNoSuchOverloadErr(arg)
	}
	count := 0
	it := lister.Iterator()
	for it.HasNext() == types.True {
		f, err := toFloat(it.Next())
		if err != nil {
			return types.NewErr("d2.zpvc: %v", err)
		}
		if f >= 0 {
			count++
		}
	}
	return types.Double(count)
}

func oneIfZeroPos(arg ref.Val) ref.Val {
	f, err := toFloat(arg)
	if err != nil {
		return types.NewErr("d2.oizp: %v", err)
	}
	if f >= 0 {
		return types.Double(1)
	}
	return types.Double(0)
}

func zeroIfNegative(arg ref.Val) ref.Val {
	f, err := toFloat(arg)
	if err != nil {
		return types.NewErr("d2.zing: %v", err)
	}
	return types.Double(math.Max(f, 0))
}

// toFloat accepts numbers and numeric text
func toFloat(v ref.Val) (float64, error) {
	switch n := v.(type) {
	case types.Double:
		return float64(n), nil
	case types.Int:
		return float64(n), nil
	case types.Uint:
		return float64(n), nil
	case types.String:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number format: %q", string(n))
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported argument type %s", v.Type().TypeName())
	}
}

// formatResult renders an evaluation result as program rule text:
// whole doubles lose their fraction, booleans become true/false.
func formatResult(v ref.Val) string {
	switch n := v.Value().(type) {
	case bool:
		return strconv.FormatBool(n)
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(n, 10)
	case uint64:
		return strconv.FormatUint(n, 10)
	case string:
		return n
	default:
		return fmt.Sprint(n)
	}
}

// newCELEnv declares the activation maps and the d2 functions
func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable(varValues, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(varCandidates, candidatesType),
		cel.Variable(varConstants, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(varEnvironment, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(varSupplementary, cel.MapType(cel.StringType, cel.ListType(cel.StringType))),
		cel.CrossTypeNumericComparisons(true),
		cel.Lib(d2Library{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}
