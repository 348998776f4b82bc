package expressions

import (
	"fmt"
	"strings"

	exprast "github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/parser/lexer"
	"github.com/rendis/verdict/pkg/schema"
)

// Parse turns condition text into a closed AST. The expr-lang parser does
// the tokenizing; the resulting tree is then converted node by node, and any
// construct outside the condition grammar is rejected with INVALID_CONDITION.
func Parse(expression string) (Node, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, invalidCondition(expression, "empty condition")
	}
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidCondition,
			"syntax error in condition %q: %s", expression, firstLine(err.Error())).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	c := &converter{src: expression, depth: parenDepths(expression)}
	return c.convert(tree.Node)
}

type converter struct {
	src   string
	depth map[int]int
}

func (c *converter) convert(n exprast.Node) (Node, error) {
	switch v := n.(type) {
	case *exprast.NilNode:
		return &Literal{Value: nil}, nil
	case *exprast.BoolNode:
		return &Literal{Value: v.Value}, nil
	case *exprast.IntegerNode:
		return &Literal{Value: v.Value}, nil
	case *exprast.FloatNode:
		return &Literal{Value: v.Value}, nil
	case *exprast.StringNode:
		return &Literal{Value: v.Value}, nil
	case *exprast.IdentifierNode:
		return c.identifier(v.Value)
	case *exprast.ArrayNode:
		elems := make([]Node, 0, len(v.Nodes))
		for _, e := range v.Nodes {
			ce, err := c.convert(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, ce)
		}
		return &List{Elems: elems}, nil
	case *exprast.UnaryNode:
		return c.unary(v)
	case *exprast.BinaryNode:
		return c.binary(v)
	case *exprast.MemberNode:
		return nil, c.reject("attribute access or subscripting")
	case *exprast.SliceNode:
		return nil, c.reject("slicing")
	case *exprast.CallNode, *exprast.BuiltinNode:
		return nil, c.reject("function calls")
	case *exprast.ConditionalNode:
		return nil, c.reject("conditional expressions")
	case *exprast.MapNode, *exprast.PairNode:
		return nil, c.reject("map literals")
	case *exprast.VariableDeclaratorNode:
		return nil, c.reject("variable declarations")
	case *exprast.SequenceNode:
		return nil, c.reject("multiple expressions")
	case *exprast.PredicateNode, *exprast.PointerNode:
		return nil, c.reject("closures")
	default:
		return nil, c.reject(strings.TrimPrefix(fmt.Sprintf("%T", n), "*ast."))
	}
}

func (c *converter) identifier(name string) (Node, error) {
	switch name {
	case "True":
		return &Literal{Value: true}, nil
	case "False":
		return &Literal{Value: false}, nil
	case "None", "none":
		return &Literal{Value: nil}, nil
	}
	if strings.HasPrefix(name, "__") {
		return nil, c.reject(fmt.Sprintf("reserved name %q", name))
	}
	return &Name{Ident: name}, nil
}

func (c *converter) unary(v *exprast.UnaryNode) (Node, error) {
	switch v.Operator {
	case "not", "!":
		inner, err := c.convert(v.Node)
		if err != nil {
			return nil, err
		}
		if cmp, ok := inner.(*Compare); ok && len(cmp.Ops) == 1 && cmp.Ops[0] == OpIn {
			cmp.Ops[0] = OpNotIn
			return cmp, nil
		}
		return &Not{Operand: inner}, nil
	case "-", "+":
		lit, ok := numericLiteral(v.Node)
		if !ok {
			return nil, c.reject(fmt.Sprintf("arithmetic operator %q", v.Operator))
		}
		if v.Operator == "-" {
			lit = negate(lit)
		}
		return &Literal{Value: lit}, nil
	default:
		return nil, c.reject(fmt.Sprintf("operator %q", v.Operator))
	}
}

func (c *converter) binary(v *exprast.BinaryNode) (Node, error) {
	switch v.Operator {
	case "and", "&&":
		if operands, ops, ok := c.chain(v); ok {
			return c.compare(operands, ops)
		}
		return c.boolOp(true, v)
	case "or", "||":
		return c.boolOp(false, v)
	case "<", "<=", ">", ">=", "==", "!=", "in":
		operands, ops, _ := c.chain(v)
		return c.compare(operands, ops)
	default:
		return nil, c.reject(fmt.Sprintf("operator %q", v.Operator))
	}
}

func (c *converter) boolOp(and bool, v *exprast.BinaryNode) (Node, error) {
	left, err := c.convert(v.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.convert(v.Right)
	if err != nil {
		return nil, err
	}
	return &BoolOp{And: and, Left: left, Right: right}, nil
}

// compare builds a comparison chain. A leading "not" binds looser than the
// comparison, so `not a > 5` is `not (a > 5)`.
func (c *converter) compare(operands []exprast.Node, ops []string) (Node, error) {
	negations := 0
	first := operands[0]
	for {
		u, ok := first.(*exprast.UnaryNode)
		if !ok || (u.Operator != "not" && u.Operator != "!") {
			break
		}
		negations++
		first = u.Node
	}

	cmp := &Compare{Operands: make([]Node, 0, len(operands)), Ops: make([]CmpOp, 0, len(ops))}
	for i, o := range operands {
		if i == 0 {
			o = first
		}
		n, err := c.convert(o)
		if err != nil {
			return nil, err
		}
		cmp.Operands = append(cmp.Operands, n)
	}
	for _, op := range ops {
		cmp.Ops = append(cmp.Ops, CmpOp(op))
	}

	var out Node = cmp
	for range negations {
		out = &Not{Operand: out}
	}
	return out, nil
}

// chain flattens comparisons written without grouping parentheses into a
// single chain. The parser nests `a == b == c` and `5 > x == 3` as
// comparisons of comparisons and turns `10 < age < 30` into an "&&" whose
// links share their middle operand node. A hand-written `a < b and b < c`
// has distinct nodes and is not a chain; `(a == b) == c` stays grouped.
func (c *converter) chain(v *exprast.BinaryNode) ([]exprast.Node, []string, bool) {
	switch {
	case isComparison(v.Operator):
		operands := []exprast.Node{v.Left}
		var ops []string
		if left, ok := v.Left.(*exprast.BinaryNode); ok && c.sameGroup(left, v) {
			if lo, lops, ok := c.chain(left); ok {
				operands, ops = lo, lops
			}
		}
		return append(operands, v.Right), append(ops, v.Operator), true

	case v.Operator == "&&":
		right, ok := v.Right.(*exprast.BinaryNode)
		if !ok || !isOrdering(right.Operator) {
			return nil, nil, false
		}
		left, ok := v.Left.(*exprast.BinaryNode)
		if !ok {
			return nil, nil, false
		}
		operands, ops, ok := c.chain(left)
		if !ok || operands[len(operands)-1] != right.Left {
			return nil, nil, false
		}
		return append(operands, right.Right), append(ops, right.Operator), true
	}
	return nil, nil, false
}

// sameGroup reports whether two operators sit inside the same parentheses.
func (c *converter) sameGroup(a, b exprast.Node) bool {
	return c.depth[a.Location().From] == c.depth[b.Location().From]
}

// parenDepths maps each token position to its parenthesis nesting depth.
// The parser does not keep parentheses in its tree, so they are recovered
// from the token stream.
func parenDepths(expression string) map[int]int {
	tokens, err := lexer.Lex(file.NewSource(expression))
	if err != nil {
		return nil
	}
	depths := make(map[int]int, len(tokens))
	depth := 0
	for _, t := range tokens {
		if t.Kind == lexer.Bracket && t.Value == ")" {
			depth--
		}
		depths[t.From] = depth
		if t.Kind == lexer.Bracket && t.Value == "(" {
			depth++
		}
	}
	return depths
}

func isComparison(op string) bool {
	return isOrdering(op) || op == "==" || op == "!=" || op == "in"
}

func isOrdering(op string) bool {
	return op == "<" || op == "<=" || op == ">" || op == ">="
}

func numericLiteral(n exprast.Node) (any, bool) {
	switch v := n.(type) {
	case *exprast.IntegerNode:
		return v.Value, true
	case *exprast.FloatNode:
		return v.Value, true
	case *exprast.UnaryNode:
		if v.Operator != "-" && v.Operator != "+" {
			return nil, false
		}
		inner, ok := numericLiteral(v.Node)
		if !ok {
			return nil, false
		}
		if v.Operator == "-" {
			return negate(inner), true
		}
		return inner, true
	}
	return nil, false
}

func negate(v any) any {
	switch n := v.(type) {
	case int:
		return -n
	case float64:
		return -n
	}
	return v
}

func (c *converter) reject(construct string) error {
	return schema.NewErrorf(schema.ErrCodeInvalidCondition,
		"%s not allowed in condition %q", construct, c.src).
		WithDetails(map[string]any{"expression": c.src, "construct": construct})
}

func invalidCondition(expression, msg string) error {
	return schema.NewError(schema.ErrCodeInvalidCondition, msg).
		WithDetails(map[string]any{"expression": expression})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
