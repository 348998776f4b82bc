package expressions

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/verdict/pkg/schema"
)

// Evaluator evaluates untrusted condition text against a variable map.
// Only comparisons, boolean logic, membership tests, literals and variable
// names are accepted; evaluation has no side effects.
// Thread-safe: parsed trees are cached and reused across goroutines.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*program
}

type program struct {
	root     Node
	names    []string
	literals []float64
}

// NewEvaluator creates a new condition evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*program),
	}
}

// Evaluate parses (or retrieves from cache) a condition and evaluates it to a
// boolean. Errors are *schema.VerdictError with code INVALID_CONDITION,
// UNKNOWN_VARIABLE or EVALUATION_ERROR.
func (e *Evaluator) Evaluate(expression string, vars map[string]any) (bool, error) {
	prg, err := e.getOrParse(expression)
	if err != nil {
		return false, err
	}
	r := &run{src: expression, vars: vars}
	out, err := r.eval(prg.root)
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

// Validate checks that a condition parses and, when known is non-nil, that
// every variable it references is in known. Nothing is evaluated.
func (e *Evaluator) Validate(expression string, known []string) []error {
	prg, err := e.getOrParse(expression)
	if err != nil {
		return []error{err}
	}
	if known == nil {
		return nil
	}
	var errs []error
	for _, name := range prg.names {
		if !slices.Contains(known, name) {
			errs = append(errs, unknownVariable(expression, name, known))
		}
	}
	return errs
}

// ReferencedVariables returns the sorted, unique variable names a condition uses.
func (e *Evaluator) ReferencedVariables(expression string) ([]string, error) {
	prg, err := e.getOrParse(expression)
	if err != nil {
		return nil, err
	}
	return slices.Clone(prg.names), nil
}

// NumericLiterals returns the numeric constants appearing in a condition, in
// source order. Booleans are excluded.
func (e *Evaluator) NumericLiterals(expression string) ([]float64, error) {
	prg, err := e.getOrParse(expression)
	if err != nil {
		return nil, err
	}
	return slices.Clone(prg.literals), nil
}

// getOrParse returns a cached program or parses and caches a new one.
func (e *Evaluator) getOrParse(expression string) (*program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	root, err := Parse(expression)
	if err != nil {
		return nil, err
	}

	prg := &program{root: root}
	seen := map[string]bool{}
	walk(root, func(n Node) {
		switch v := n.(type) {
		case *Name:
			if !seen[v.Ident] {
				seen[v.Ident] = true
				prg.names = append(prg.names, v.Ident)
			}
		case *Literal:
			if _, isBool := v.Value.(bool); isBool {
				return
			}
			if f, ok := toNumber(v.Value); ok {
				prg.literals = append(prg.literals, f)
			}
		}
	})
	sort.Strings(prg.names)

	e.cache[expression] = prg
	return prg, nil
}

type run struct {
	src  string
	vars map[string]any
}

func (r *run) eval(n Node) (any, error) {
	switch v := n.(type) {
	case *Literal:
		return v.Value, nil
	case *Name:
		val, ok := r.vars[v.Ident]
		if !ok {
			return nil, unknownVariable(r.src, v.Ident, sortedKeys(r.vars))
		}
		return val, nil
	case *List:
		out := make([]any, 0, len(v.Elems))
		for _, el := range v.Elems {
			ev, err := r.eval(el)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	case *Not:
		val, err := r.eval(v.Operand)
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	case *BoolOp:
		left, err := r.eval(v.Left)
		if err != nil {
			return nil, err
		}
		if v.And != truthy(left) {
			return left, nil
		}
		return r.eval(v.Right)
	case *Compare:
		return r.compare(v)
	}
	return nil, r.fail(fmt.Sprintf("unsupported node %T", n))
}

func (r *run) compare(c *Compare) (any, error) {
	left, err := r.eval(c.Operands[0])
	if err != nil {
		return nil, err
	}
	for i, op := range c.Ops {
		right, err := r.eval(c.Operands[i+1])
		if err != nil {
			return nil, err
		}
		ok, err := r.apply(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func (r *run) apply(op CmpOp, left, right any) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNe:
		return !equal(left, right), nil
	case OpIn, OpNotIn:
		found, err := contains(left, right)
		if err != nil {
			return false, r.fail(err.Error())
		}
		return found == (op == OpIn), nil
	}
	cmp, err := order(left, right)
	if err != nil {
		return false, r.fail(fmt.Sprintf("'%s' %s", op, err.Error()))
	}
	switch op {
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	}
	return false, r.fail(fmt.Sprintf("unknown operator %q", op))
}

func (r *run) fail(msg string) error {
	return schema.NewErrorf(schema.ErrCodeEvaluation, "evaluating %q: %s", r.src, msg).
		WithDetails(map[string]any{"expression": r.src})
}

func unknownVariable(expression, name string, available []string) error {
	avail := slices.Clone(available)
	sort.Strings(avail)
	return schema.NewErrorf(schema.ErrCodeUnknownVariable,
		"unknown variable '%s' (available: %s)", name, strings.Join(avail, ", ")).
		WithDetails(map[string]any{
			"expression": expression,
			"variable":   name,
			"available":  avail,
		})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
