package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/verdict/internal/engine"
	"github.com/rendis/verdict/pkg/schema"
)

// validateGraph inspects the block graph as the executor will walk it: a start
// block must exist, every block should be reachable from it, and loops that
// only the step cap can stop are flagged.
func validateGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(wf.Decisions()) == 0 && len(wf.WorkflowRefs()) == 0 {
		// Executed by returning the first output; nothing is traversed.
		return result
	}

	start := engine.StartBlock(wf)
	if start == nil {
		result.AddError("blocks", schema.ErrCodeValidation,
			"workflow has no start block: every non-input block has an incoming connection from a non-input block")
		return result
	}

	for i, b := range wf.Blocks {
		path := fmt.Sprintf("blocks[%d]", i)
		out := wf.ConnectionsFrom(b.BlockID())
		switch b.Kind() {
		case schema.BlockOutput:
			if len(out) > 0 {
				result.AddBlockWarning(b.BlockID(), path, schema.ErrCodeValidation,
					fmt.Sprintf("output %q is terminal; its outgoing connections are ignored", b.BlockID()))
			}
		case schema.BlockWorkflowRef:
			if !hasPort(out, schema.PortDefault) {
				result.AddBlockWarning(b.BlockID(), path, schema.ErrCodeDeadEnd,
					fmt.Sprintf("workflow reference %q has no default connection", b.BlockID()))
			}
		}
	}

	// Reachability: BFS from the start block along connections.
	reachable := map[string]bool{start.BlockID(): true}
	queue := []string{start.BlockID()}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, c := range wf.ConnectionsFrom(node) {
			if !reachable[c.ToBlock] {
				reachable[c.ToBlock] = true
				queue = append(queue, c.ToBlock)
			}
		}
	}
	for i, b := range wf.Blocks {
		if b.Kind() == schema.BlockInput || reachable[b.BlockID()] {
			continue
		}
		result.AddBlockWarning(b.BlockID(), fmt.Sprintf("blocks[%d]", i), schema.ErrCodeValidation,
			fmt.Sprintf("block %q is unreachable from start block %q", b.BlockID(), start.BlockID()))
	}

	if cyc := findCycle(wf); cyc != nil {
		result.AddWarning("connections", schema.ErrCodeStepLimitExceeded,
			fmt.Sprintf("connections form a loop (%s); execution stops only at the step limit", strings.Join(cyc, " -> ")))
	}
	return result
}

// findCycle returns one cycle of block ids, closed by repeating its first
// element, or nil. Blocks are visited in declaration order so the result is
// deterministic.
func findCycle(wf *schema.Workflow) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(wf.Blocks))
	var stack []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, c := range wf.ConnectionsFrom(id) {
			switch color[c.ToBlock] {
			case grey:
				for i, s := range stack {
					if s == c.ToBlock {
						found = append(append([]string{}, stack[i:]...), c.ToBlock)
						return true
					}
				}
			case white:
				if visit(c.ToBlock) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, b := range wf.Blocks {
		if color[b.BlockID()] == white && visit(b.BlockID()) {
			return found
		}
	}
	return nil
}

func hasPort(conns []schema.Connection, p schema.Port) bool {
	for _, c := range conns {
		if c.FromPort == p {
			return true
		}
	}
	return false
}
