package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/verdict/pkg/schema"
)

// JQFilter projects JSON documents (workflows, results, traces, scores) with
// jq expressions. It serves the query tool and the CLI; conditions never go
// through it. Thread-safe: compiled *gojq.Code objects are cached.
type JQFilter struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQFilter creates a new jq filter.
func NewJQFilter() *JQFilter {
	return &JQFilter{
		cache: make(map[string]*gojq.Code),
	}
}

// Apply runs a jq expression against v. v is first normalized to plain JSON
// values, so structs and typed slices are accepted.
//
// jq expressions can produce multiple outputs. When there is exactly one output,
// it is returned directly. When there are multiple outputs, they are collected
// into a slice and returned as []any.
func (f *JQFilter) Apply(ctx context.Context, expression string, v any) (any, error) {
	results, err := f.ApplyAll(ctx, expression, v)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// ApplyAll is like Apply but always returns every output.
func (f *JQFilter) ApplyAll(ctx context.Context, expression string, v any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := f.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	input, err := normalizeForJQ(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq input is not JSON-encodable: %s", err.Error()).WithCause(err)
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (f *JQFilter) getOrCompile(expression string) (*gojq.Code, error) {
	f.mu.RLock()
	if code, ok := f.cache[expression]; ok {
		f.mu.RUnlock()
		return code, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := f.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	f.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts v to the value types gojq understands
// (map[string]any, []any, float64, string, bool, nil) via a JSON round trip.
func normalizeForJQ(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
