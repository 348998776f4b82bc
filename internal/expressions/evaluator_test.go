package expressions

import (
	"sync"
	"testing"

	"github.com/rendis/verdict/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator_Comparisons(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{
		"age":     25,
		"income":  52000.5,
		"name":    "alice",
		"member":  true,
		"country": "US",
		"tags":    []any{"vip", "beta"},
		"nothing": nil,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"age >= 18", true},
		{"age < 18", false},
		{"age == 25", true},
		{"age == 25.0", true},
		{"age != 30", true},
		{"income > 50000", true},
		{"income <= 52000.5", true},
		{"name == 'alice'", true},
		{`name == "bob"`, false},
		{"name < 'bob'", true},
		{"member == True", true},
		{"member == true", true},
		{"member", true},
		{"not member", false},
		{"!member", false},
		{"nothing == None", true},
		{"nothing == none", true},
		{"nothing == nil", true},
		{"country in ['US', 'CA']", true},
		{"country not in ['US', 'CA']", false},
		{"'vip' in tags", true},
		{"'gold' not in tags", true},
		{"'li' in name", true},
		{"age in [18, 25, 30]", true},
		{"age == '25'", false},
		{"age != '25'", true},
		{"member == 1", false},
		{"age > -5", true},
		{"age > +5", true},
		{"[1, 2] == [1, 2]", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_BooleanLogic(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"a": 1, "b": 0, "s": "", "l": []any{}}

	tests := []struct {
		expr string
		want bool
	}{
		{"a > 0 and b == 0", true},
		{"a > 0 && b > 0", false},
		{"a > 5 or b == 0", true},
		{"a > 5 || b > 5", false},
		{"not (a > 5)", true},
		{"a and b", false},
		{"a or b", true},
		{"s or l", false},
		{"s == '' and not l", true},
		{"a > 0 and (b > 0 or s == '')", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_ShortCircuit(t *testing.T) {
	e := NewEvaluator()

	got, err := e.Evaluate("x > 0 or missing > 0", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.True(t, got, "right operand of a true 'or' must not be evaluated")

	got, err = e.Evaluate("x > 5 and missing > 0", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.False(t, got, "right operand of a false 'and' must not be evaluated")
}

func TestEvaluator_ChainedComparison(t *testing.T) {
	e := NewEvaluator()

	tests := []struct {
		age  any
		want bool
	}{
		{10, false},
		{11, true},
		{29, true},
		{30, false},
		{45.5, false},
	}
	for _, tt := range tests {
		got, err := e.Evaluate("10 < age < 30", map[string]any{"age": tt.age})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "age=%v", tt.age)
	}

	got, err := e.Evaluate("0 <= a <= b < 100", map[string]any{"a": 5, "b": 7})
	require.NoError(t, err)
	assert.True(t, got)

	mixed := []struct {
		expr string
		vars map[string]any
		want bool
	}{
		{"x == y == 0", map[string]any{"x": 0, "y": 0}, true},
		{"x == y == 0", map[string]any{"x": 1, "y": 1}, false},
		{"5 > x == 3", map[string]any{"x": 3}, true},
		{"5 > x == 3", map[string]any{"x": 4}, false},
		{"0 <= x < 10 == True", map[string]any{"x": 5}, false},
		{"x != y != 1", map[string]any{"x": 2, "y": 3}, true},
		{"x in [1, 2] == True", map[string]any{"x": 1}, false},
		{"(x == y) == True", map[string]any{"x": 2, "y": 2}, true},
		{"(0 <= x < 10) == True", map[string]any{"x": 5}, true},
		{"(x > 5) == False", map[string]any{"x": 3}, true},
	}
	for _, tt := range mixed {
		got, err := e.Evaluate(tt.expr, tt.vars)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, "%s with %v", tt.expr, tt.vars)
	}
}

func TestEvaluator_ChainStopsAtFirstFalseLink(t *testing.T) {
	e := NewEvaluator()
	// The second link would be an ordering error if evaluated.
	got, err := e.Evaluate("5 < a < s", map[string]any{"a": 1, "s": "x"})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluator_NotBindsLooserThanComparison(t *testing.T) {
	e := NewEvaluator()

	got, err := e.Evaluate("not age > 5", map[string]any{"age": 3})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Evaluate("not age > 5", map[string]any{"age": 10})
	require.NoError(t, err)
	assert.False(t, got)

	got, err = e.Evaluate("not not age > 5", map[string]any{"age": 10})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Evaluate("not x in ['a', 'b']", map[string]any{"x": "c"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluator_UnknownVariable(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate("score > 10", map[string]any{"b": 1, "a": 2})
	require.Error(t, err)

	var ve *schema.VerdictError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, schema.ErrCodeUnknownVariable, ve.Code)
	assert.Contains(t, ve.Message, "'score'")
	assert.Contains(t, ve.Message, "available: a, b")
}

func TestEvaluator_EvaluationErrors(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"n": 5, "s": "abc", "flag": true}

	for _, expr := range []string{
		"n < s",
		"s >= 3",
		"flag > 0",
		"n in 5",
		"n in s",
		"[1] < [2]",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := e.Evaluate(expr, vars)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeEvaluation), "got %v", err)
		})
	}
}

func TestEvaluator_RejectsDisallowedConstructs(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"a": 1, "b": 2, "s": "x", "m": map[string]any{"k": 1}}

	for _, expr := range []string{
		"a + b > 2",
		"a * 2 > 1",
		"a % 2 == 0",
		"a ** 2 > 1",
		"-a < 0",
		"len(s) > 0",
		"s.upper == 'X'",
		"m.k == 1",
		"m['k'] == 1",
		"s[0:1] == 'x'",
		"s matches 'x'",
		"s contains 'x'",
		"s startsWith 'x'",
		"a > 0 ? true : false",
		"{'k': 1} == m",
		"let x = 1; x > 0",
		"__import__ == 1",
		"a ?? b",
		"1..3 == a",
		"s | upper()",
		"filter([1], # > 0)",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := e.Evaluate(expr, vars)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidCondition), "got %v", err)
		})
	}
}

func TestEvaluator_SyntaxError(t *testing.T) {
	e := NewEvaluator()
	for _, expr := range []string{"", "   ", "age >", "(age > 5", "age >> 5"} {
		_, err := e.Evaluate(expr, map[string]any{"age": 1})
		require.Error(t, err, expr)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidCondition), "%q: %v", expr, err)
	}
}

func TestEvaluator_Validate(t *testing.T) {
	e := NewEvaluator()

	assert.Empty(t, e.Validate("age > 18 and country == 'US'", []string{"age", "country"}))
	assert.Empty(t, e.Validate("whatever > 1", nil), "nil known list skips name checks")

	errs := e.Validate("age > 18 and country == 'US' and zip == 1", []string{"age"})
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownVariable))
	}

	errs = e.Validate("age +", []string{"age"})
	require.Len(t, errs, 1)
	assert.True(t, schema.IsCode(errs[0], schema.ErrCodeInvalidCondition))
}

func TestEvaluator_ReferencedVariables(t *testing.T) {
	e := NewEvaluator()

	names, err := e.ReferencedVariables("zeta > 1 and alpha < 2 or zeta == alpha and True")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)

	names, err = e.ReferencedVariables("1 < 2")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = e.ReferencedVariables("a +")
	assert.Error(t, err)
}

func TestEvaluator_NumericLiterals(t *testing.T) {
	e := NewEvaluator()

	lits, err := e.NumericLiterals("age >= 18 and score < 2.5 and flag == True and x > -3")
	require.NoError(t, err)
	assert.Equal(t, []float64{18, 2.5, -3}, lits)

	lits, err = e.NumericLiterals("18 < age < 65")
	require.NoError(t, err)
	assert.Equal(t, []float64{18, 65}, lits)
}

func TestEvaluator_NumericInputTypes(t *testing.T) {
	e := NewEvaluator()
	for _, v := range []any{int64(20), int32(20), float32(20), uint(20), 20.0} {
		got, err := e.Evaluate("x == 20 and x > 19.5", map[string]any{"x": v})
		require.NoError(t, err)
		assert.True(t, got, "%T", v)
	}
}

func TestEvaluator_CachesParsedConditions(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("a > 1", map[string]any{"a": 2})
	require.NoError(t, err)
	_, err = e.Evaluate("a > 1", map[string]any{"a": 0})
	require.NoError(t, err)

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestEvaluator_ConcurrentUse(t *testing.T) {
	e := NewEvaluator()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := e.Evaluate("n >= 25", map[string]any{"n": i})
			assert.NoError(t, err)
			assert.Equal(t, i >= 25, got)
		}(i)
	}
	wg.Wait()
}
