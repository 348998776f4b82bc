package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rendis/verdict/pkg/schema"
)

// DateLayout is the accepted format for date inputs.
const DateLayout = "2006-01-02"

func (e *executorImpl) ValidateInputs(wf *schema.Workflow, inputs map[string]any) []string {
	return ValidateInputs(wf, inputs)
}

// ValidateInputs checks inputs against the workflow's input blocks and returns
// every problem found. It never panics on malformed values.
func ValidateInputs(wf *schema.Workflow, inputs map[string]any) []string {
	if wf == nil {
		return []string{"workflow is nil"}
	}
	var problems []string
	for _, in := range wf.Inputs() {
		v, present := inputs[in.Name]
		if !present || v == nil {
			if in.Required {
				problems = append(problems, fmt.Sprintf("missing required input '%s'", in.Name))
			}
			continue
		}
		problems = append(problems, checkInput(in, v)...)
	}
	return problems
}

func checkInput(in *schema.InputBlock, v any) []string {
	switch in.ValueKind {
	case schema.ValueInt, schema.ValueFloat:
		n, ok := asNumber(v)
		if !ok {
			return []string{fmt.Sprintf("input '%s' must be a number, got %s", in.Name, describe(v))}
		}
		if in.ValueKind == schema.ValueInt && n != math.Trunc(n) {
			return []string{fmt.Sprintf("input '%s' must be an integer, got %v", in.Name, n)}
		}
		var out []string
		if in.Range != nil && in.Range.Min != nil && n < *in.Range.Min {
			out = append(out, fmt.Sprintf("input '%s' must be >= %v, got %v", in.Name, *in.Range.Min, n))
		}
		if in.Range != nil && in.Range.Max != nil && n > *in.Range.Max {
			out = append(out, fmt.Sprintf("input '%s' must be <= %v, got %v", in.Name, *in.Range.Max, n))
		}
		return out

	case schema.ValueBool:
		if _, ok := v.(bool); !ok {
			return []string{fmt.Sprintf("input '%s' must be a boolean, got %s", in.Name, describe(v))}
		}

	case schema.ValueString:
		if _, ok := v.(string); !ok {
			return []string{fmt.Sprintf("input '%s' must be a string, got %s", in.Name, describe(v))}
		}

	case schema.ValueEnum:
		s, ok := v.(string)
		if !ok {
			return []string{fmt.Sprintf("input '%s' must be one of [%s], got %s",
				in.Name, strings.Join(in.EnumValues, ", "), describe(v))}
		}
		for _, allowed := range in.EnumValues {
			if s == allowed {
				return nil
			}
		}
		return []string{fmt.Sprintf("input '%s' must be one of [%s], got '%s'",
			in.Name, strings.Join(in.EnumValues, ", "), s)}

	case schema.ValueDate:
		s, ok := v.(string)
		if !ok {
			return []string{fmt.Sprintf("input '%s' must be a date string (YYYY-MM-DD), got %s", in.Name, describe(v))}
		}
		if _, err := time.Parse(DateLayout, s); err != nil {
			return []string{fmt.Sprintf("input '%s' must be a date (YYYY-MM-DD), got '%s'", in.Name, s)}
		}

	default:
		return []string{fmt.Sprintf("input '%s' has unknown kind %q", in.Name, in.ValueKind)}
	}
	return nil
}

// asNumber accepts Go numeric types and json.Number. Booleans are not numbers.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func describe(v any) string {
	switch t := v.(type) {
	case bool:
		return fmt.Sprintf("boolean %v", t)
	case string:
		return fmt.Sprintf("string '%s'", t)
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T %v", v, v)
}
