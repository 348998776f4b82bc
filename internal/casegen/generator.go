// Package casegen derives validation cases from a workflow's input blocks.
package casegen

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/verdict/internal/expressions"
	"github.com/rendis/verdict/pkg/schema"
)

// Defaults applied when an input declares no range.
const (
	DefaultMin = 0.0
	DefaultMax = 100.0

	// DefaultCount is the number of random cases used when a caller passes 0.
	DefaultCount = 10
)

// Dates are drawn from this year span, days 1..28 so every month is valid.
const (
	minYear = 2020
	maxYear = 2025
)

// Generator produces validation cases. The RNG is guarded by a mutex so one
// generator can be shared between sessions.
type Generator struct {
	eval *expressions.Evaluator

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Generator.
type Option func(*Generator)

// WithSeed makes generated values reproducible.
func WithSeed(seed int64) Option {
	return func(g *Generator) {
		g.rng = rand.New(rand.NewSource(seed))
	}
}

// NewGenerator creates a generator. eval is used to extract variable names and
// numeric literals from decision conditions; nil means a private evaluator.
func NewGenerator(eval *expressions.Evaluator, opts ...Option) *Generator {
	if eval == nil {
		eval = expressions.NewEvaluator()
	}
	g := &Generator{eval: eval}
	for _, opt := range opts {
		opt(g)
	}
	if g.rng == nil {
		g.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return g
}

// ForStrategy dispatches on strategy. count is ignored by the boundary strategy.
func (g *Generator) ForStrategy(wf *schema.Workflow, strategy schema.CaseStrategy, count int) ([]schema.ValidationCase, error) {
	switch strategy {
	case schema.StrategyRandom, "":
		return g.Generate(wf, count), nil
	case schema.StrategyBoundary:
		return g.GenerateBoundary(wf), nil
	case schema.StrategyComprehensive:
		return g.GenerateComprehensive(wf, count), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation,
		"unknown case strategy %q (want random, boundary or comprehensive)", strategy)
}

// Generate returns count cases with every input drawn at random.
func (g *Generator) Generate(wf *schema.Workflow, count int) []schema.ValidationCase {
	if count <= 0 {
		count = DefaultCount
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]schema.ValidationCase, 0, count)
	for range count {
		out = append(out, newCase(g.randomInputs(wf)))
	}
	return out
}

// GenerateBoundary returns one case per boundary value of each input. Every
// case is a random base case with a single input overridden.
func (g *Generator) GenerateBoundary(wf *schema.Workflow) []schema.ValidationCase {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []schema.ValidationCase
	for _, in := range wf.Inputs() {
		for _, v := range g.boundaryValues(wf, in) {
			inputs := g.randomInputs(wf)
			inputs[in.Name] = v
			out = append(out, newCase(inputs))
		}
	}
	return out
}

// GenerateComprehensive returns boundary cases followed by randomCount random
// cases, dropping any case whose inputs equal an earlier one.
func (g *Generator) GenerateComprehensive(wf *schema.Workflow, randomCount int) []schema.ValidationCase {
	all := append(g.GenerateBoundary(wf), g.Generate(wf, randomCount)...)

	seen := make(map[string]bool, len(all))
	out := make([]schema.ValidationCase, 0, len(all))
	for _, c := range all {
		key := caseKey(c.Inputs)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func newCase(inputs map[string]any) schema.ValidationCase {
	return schema.ValidationCase{ID: uuid.NewString(), Inputs: inputs}
}

// caseKey renders inputs with sorted keys. encoding/json sorts map keys.
func caseKey(inputs map[string]any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Sprint(inputs)
	}
	return string(data)
}

// randomInputs must be called with g.mu held.
func (g *Generator) randomInputs(wf *schema.Workflow) map[string]any {
	inputs := make(map[string]any, len(wf.Inputs()))
	for i, in := range wf.Inputs() {
		inputs[in.Name] = g.randomValue(in, i)
	}
	return inputs
}

func (g *Generator) randomValue(in *schema.InputBlock, n int) any {
	switch in.ValueKind {
	case schema.ValueInt:
		lo, hi := intBounds(in)
		return int(lo + g.rng.Int63n(hi-lo+1))
	case schema.ValueFloat:
		lo, hi := bounds(in)
		u := g.rng.Float64()
		return round2(lo*(1-u) + hi*u)
	case schema.ValueBool:
		return g.rng.Intn(2) == 1
	case schema.ValueEnum:
		if len(in.EnumValues) == 0 {
			return ""
		}
		return in.EnumValues[g.rng.Intn(len(in.EnumValues))]
	case schema.ValueDate:
		year := minYear + g.rng.Intn(maxYear-minYear+1)
		month := 1 + g.rng.Intn(12)
		day := 1 + g.rng.Intn(28)
		return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
	default:
		return fmt.Sprintf("test_%s_%d", in.Name, n)
	}
}

// boundaryValues lists the edge values of one input. Numeric inputs get their
// declared bounds plus lit-1, lit and lit+1 for every numeric literal of every
// decision whose condition mentions the input, whichever literal it is
// compared against.
func (g *Generator) boundaryValues(wf *schema.Workflow, in *schema.InputBlock) []any {
	switch in.ValueKind {
	case schema.ValueBool:
		return []any{true, false}
	case schema.ValueEnum:
		out := make([]any, 0, len(in.EnumValues))
		for _, v := range in.EnumValues {
			out = append(out, v)
		}
		return out
	case schema.ValueInt, schema.ValueFloat:
	default:
		return nil
	}

	var candidates []float64
	if in.Range != nil && in.Range.Min != nil {
		candidates = append(candidates, *in.Range.Min)
	}
	if in.Range != nil && in.Range.Max != nil {
		candidates = append(candidates, *in.Range.Max)
	}

	step := 0.1
	if in.ValueKind == schema.ValueInt {
		step = 1
	}
	for _, d := range wf.Decisions() {
		names, err := g.eval.ReferencedVariables(d.Condition)
		if err != nil || !slices.Contains(names, in.Name) {
			continue
		}
		lits, err := g.eval.NumericLiterals(d.Condition)
		if err != nil {
			continue
		}
		for _, lit := range lits {
			if in.ValueKind == schema.ValueInt {
				lit = math.Trunc(lit)
			}
			candidates = append(candidates, lit-step, lit, lit+step)
		}
	}

	var out []any
	seen := make(map[float64]bool, len(candidates))
	for _, c := range candidates {
		if in.ValueKind == schema.ValueFloat {
			c = round2(c)
		}
		if seen[c] || (in.Range != nil && !in.Range.Contains(c)) {
			continue
		}
		if in.ValueKind == schema.ValueInt && math.Abs(c) > maxExactInt {
			continue
		}
		seen[c] = true
		if in.ValueKind == schema.ValueInt {
			out = append(out, int(c))
		} else {
			out = append(out, c)
		}
	}
	return out
}

func bounds(in *schema.InputBlock) (float64, float64) {
	lo, hi := DefaultMin, DefaultMax
	var hasMin, hasMax bool
	if in.Range != nil && in.Range.Min != nil {
		lo, hasMin = *in.Range.Min, true
	}
	if in.Range != nil && in.Range.Max != nil {
		hi, hasMax = *in.Range.Max, true
	}
	if lo > hi {
		switch {
		case hasMin && !hasMax:
			hi = lo + (DefaultMax - DefaultMin)
		case hasMax && !hasMin:
			lo = hi - (DefaultMax - DefaultMin)
		default:
			hi = lo
		}
	}
	return lo, hi
}

// maxExactInt is the largest magnitude at which every integer is exactly
// representable as a float64. Integer inputs are drawn inside ±maxExactInt.
const maxExactInt = 1 << 53

// intBounds clamps the declared range to ±maxExactInt so the span always
// fits an int64.
func intBounds(in *schema.InputBlock) (int64, int64) {
	lo, hi := bounds(in)
	lo = math.Max(math.Ceil(lo), -maxExactInt)
	hi = math.Min(math.Floor(hi), maxExactInt)
	if lo > maxExactInt {
		lo = maxExactInt
	}
	if hi < lo {
		hi = lo
	}
	return int64(lo), int64(hi)
}

// round2 rounds to two decimals. Past 2^53 a float64 has no fractional
// digits left and scaling could overflow.
func round2(f float64) float64 {
	if math.Abs(f) >= maxExactInt {
		return f
	}
	return math.Round(f*100) / 100
}
