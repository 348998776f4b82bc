package diagram

import (
	"context"
	"fmt"

	"github.com/rendis/verdict/internal/engine"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

// BuildOption customizes Build.
type BuildOption func(*buildConfig)

type buildConfig struct {
	trace    *engine.TraceResult
	children store.WorkflowGetter
}

// WithTrace overlays the path of an execution trace on the diagram.
func WithTrace(tr *engine.TraceResult) BuildOption {
	return func(c *buildConfig) { c.trace = tr }
}

// WithChildren expands every workflow block one level deep, resolving the
// referenced workflow through getter.
func WithChildren(getter store.WorkflowGetter) BuildOption {
	return func(c *buildConfig) { c.children = getter }
}

// Build constructs a DiagramModel from a workflow. Inputs form the first
// level, the rest follow the shortest distance from the start block, and
// blocks it cannot reach form a final level.
func Build(ctx context.Context, wf *schema.Workflow, opts ...BuildOption) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}
	var cfg buildConfig
	for _, o := range opts {
		o(&cfg)
	}

	var startID string
	if start := engine.StartBlock(wf); start != nil {
		startID = start.BlockID()
	}

	model := &DiagramModel{Title: titleOf(wf)}
	for _, b := range wf.Blocks {
		n := blockToNode(b, "")
		n.Start = b.BlockID() == startID
		model.Nodes = append(model.Nodes, n)
	}
	model.Edges = buildEdges(wf, "")
	model.Levels = buildLevels(wf, startID)

	if cfg.children != nil {
		for _, ref := range wf.WorkflowRefs() {
			child, err := cfg.children.GetWorkflow(ctx, ref.RefID)
			if err != nil {
				if schema.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("diagram: resolve %q: %w", ref.RefID, err)
			}
			model.node(ref.ID).Children = append(model.node(ref.ID).Children, buildSubGraph(ref.ID, child))
		}
	}

	if cfg.trace != nil {
		overlayTrace(model, cfg.trace, "")
	}
	return model, nil
}

func blockToNode(b schema.Block, prefix string) *Node {
	return &Node{
		ID:    prefix + b.BlockID(),
		Label: nodeLabel(b),
		Kind:  NodeKind(b.Kind()),
	}
}

// nodeLabel creates a human-readable label for a block.
func nodeLabel(b schema.Block) string {
	switch v := b.(type) {
	case *schema.InputBlock:
		return fmt.Sprintf("%s\n(%s)", v.Name, v.ValueKind)
	case *schema.DecisionBlock:
		return v.Condition
	case *schema.OutputBlock:
		return v.Value
	case *schema.WorkflowRefBlock:
		return fmt.Sprintf("%s\n(-> %s)", v.RefID, v.ResultName())
	}
	return b.BlockID()
}

// buildEdges maps connections to edges. Default ports carry no label.
func buildEdges(wf *schema.Workflow, prefix string) []Edge {
	edges := make([]Edge, 0, len(wf.Connections))
	for _, c := range wf.Connections {
		edges = append(edges, Edge{From: prefix + c.FromBlock, To: prefix + c.ToBlock, Label: portLabel(c.FromPort)})
	}
	return edges
}

func portLabel(p schema.Port) string {
	if p == schema.PortDefault {
		return ""
	}
	return string(p)
}

func buildLevels(wf *schema.Workflow, startID string) [][]string {
	depth := make(map[string]int, len(wf.Blocks))
	var levels [][]string
	var inputs []string
	for _, in := range wf.Inputs() {
		depth[in.ID] = 0
		inputs = append(inputs, in.ID)
	}
	if len(inputs) > 0 {
		levels = append(levels, inputs)
	}
	if startID != "" {
		base := len(levels)
		depth[startID] = base
		levels = append(levels, []string{startID})
		queue := []string{startID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, c := range wf.ConnectionsFrom(id) {
				if _, seen := depth[c.ToBlock]; seen {
					continue
				}
				d := depth[id] + 1
				depth[c.ToBlock] = d
				if d == len(levels) {
					levels = append(levels, nil)
				}
				levels[d] = append(levels[d], c.ToBlock)
				queue = append(queue, c.ToBlock)
			}
		}
	}
	var rest []string
	for _, b := range wf.Blocks {
		if _, seen := depth[b.BlockID()]; !seen {
			rest = append(rest, b.BlockID())
		}
	}
	if len(rest) > 0 {
		levels = append(levels, rest)
	}
	return levels
}

// buildSubGraph renders a child workflow inside the block refID.
// Child IDs follow the pattern refID.childBlockID.
func buildSubGraph(refID string, child *schema.Workflow) *SubGraph {
	prefix := refID + "."
	sg := &SubGraph{Label: titleOf(child)}
	for _, b := range child.Blocks {
		sg.Nodes = append(sg.Nodes, blockToNode(b, prefix))
	}
	sg.Edges = buildEdges(child, prefix)
	return sg
}

// overlayTrace marks visited nodes and taken edges. Child traces are applied
// to expanded subgraphs.
func overlayTrace(model *DiagramModel, tr *engine.TraceResult, prefix string) {
	nodes := make(map[string]*Node)
	edges := make(map[[2]string][]*Edge)
	for _, n := range model.Nodes {
		nodes[n.ID] = n
		for _, sg := range n.Children {
			for _, sn := range sg.Nodes {
				nodes[sn.ID] = sn
			}
			for i := range sg.Edges {
				e := &sg.Edges[i]
				edges[[2]string{e.From, e.To}] = append(edges[[2]string{e.From, e.To}], e)
			}
		}
	}
	for i := range model.Edges {
		e := &model.Edges[i]
		edges[[2]string{e.From, e.To}] = append(edges[[2]string{e.From, e.To}], e)
	}
	applySteps(nodes, edges, tr, prefix)
}

func applySteps(nodes map[string]*Node, edges map[[2]string][]*Edge, tr *engine.TraceResult, prefix string) {
	var prev *engine.TraceStep
	for i := range tr.Steps {
		step := &tr.Steps[i]
		id := prefix + step.BlockID
		n := nodes[id]
		if n != nil && n.Overlay == nil {
			n.Overlay = &PathOverlay{Step: i + 1}
			if step.ConditionResult != nil {
				n.Overlay.Decision = fmt.Sprint(*step.ConditionResult)
			}
		}
		if prev != nil {
			from := prefix + prev.BlockID
			for _, e := range edges[[2]string{from, id}] {
				if e.Label == portLabel(prev.Port) {
					e.Taken = true
				}
			}
		}
		if step.Child != nil {
			applySteps(nodes, edges, step.Child, id+".")
		}
		prev = step
	}
	if tr.Success && prev != nil && prev.Kind == schema.BlockOutput {
		if n := nodes[prefix+prev.BlockID]; n != nil && n.Overlay != nil {
			n.Overlay.Result = true
		}
	}
}

// titleOf generates a diagram title from workflow metadata.
func titleOf(wf *schema.Workflow) string {
	if wf.Metadata.Name != "" {
		return wf.Metadata.Name
	}
	return wf.ID
}
