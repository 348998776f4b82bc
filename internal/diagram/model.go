package diagram

// NodeKind classifies a diagram node by its block type.
type NodeKind string

const (
	NodeKindInput    NodeKind = "input"
	NodeKindDecision NodeKind = "decision"
	NodeKindOutput   NodeKind = "output"
	NodeKindWorkflow NodeKind = "workflow"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single block in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Start    bool
	Overlay  *PathOverlay
	Children []*SubGraph // expanded child workflow of a workflow block
}

// SubGraph holds the blocks of a referenced workflow. Node IDs are prefixed
// with the referencing block ID so they stay unique in the parent diagram.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// PathOverlay marks a node visited by an execution trace.
type PathOverlay struct {
	Step     int    // 1-based position in the path of its first visit
	Decision string // "true"/"false" for decisions
	Result   bool   // the output block that produced the result
}

// Edge is one connection. Taken is set when a trace followed it.
type Edge struct {
	From  string
	To    string
	Label string
	Taken bool
}

// node returns the node with id, or nil.
func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
