package expressions

// Node is a condition AST node. The set is closed: every tree handed to the
// evaluator consists only of the types below.
type Node interface {
	node()
}

// CmpOp is a comparison or membership operator.
type CmpOp string

const (
	OpLt    CmpOp = "<"
	OpLe    CmpOp = "<="
	OpGt    CmpOp = ">"
	OpGe    CmpOp = ">="
	OpEq    CmpOp = "=="
	OpNe    CmpOp = "!="
	OpIn    CmpOp = "in"
	OpNotIn CmpOp = "not in"
)

// Literal is a constant: int, float64, string, bool or nil.
type Literal struct {
	Value any
}

// Name is a variable reference.
type Name struct {
	Ident string
}

// Compare is a comparison chain: Operands[0] Ops[0] Operands[1] Ops[1] ...
// len(Operands) == len(Ops)+1.
type Compare struct {
	Operands []Node
	Ops      []CmpOp
}

// BoolOp is a short-circuit "and" / "or".
type BoolOp struct {
	And   bool
	Left  Node
	Right Node
}

// Not negates the truthiness of its operand.
type Not struct {
	Operand Node
}

// List is a list literal.
type List struct {
	Elems []Node
}

func (*Literal) node() {}
func (*Name) node()    {}
func (*Compare) node() {}
func (*BoolOp) node()  {}
func (*Not) node()     {}
func (*List) node()    {}

// walk visits n and its children depth-first.
func walk(n Node, visit func(Node)) {
	visit(n)
	switch v := n.(type) {
	case *Compare:
		for _, op := range v.Operands {
			walk(op, visit)
		}
	case *BoolOp:
		walk(v.Left, visit)
		walk(v.Right, visit)
	case *Not:
		walk(v.Operand, visit)
	case *List:
		for _, e := range v.Elems {
			walk(e, visit)
		}
	}
}
