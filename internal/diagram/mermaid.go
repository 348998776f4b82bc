package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))

		for _, sg := range node.Children {
			b.WriteString(fmt.Sprintf("    subgraph %s[%q]\n",
				mermaidSafeID(node.ID+"_sub"), node.ID+": "+sg.Label))
			for _, subNode := range sg.Nodes {
				b.WriteString(fmt.Sprintf("        %s\n", mermaidNodeDef(subNode)))
			}
			b.WriteString("    end\n")
		}
	}

	// Edges are numbered in emission order; linkStyle refers to them by index.
	var taken []int
	idx := 0
	writeEdge := func(indent string, edge Edge) {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("%s%s -->%s %s\n", indent, mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
		if edge.Taken {
			taken = append(taken, idx)
		}
		idx++
	}
	for _, edge := range model.Edges {
		writeEdge("    ", edge)
	}
	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			for _, edge := range sg.Edges {
				writeEdge("    ", edge)
			}
			// The subgraph hangs off the workflow block.
			b.WriteString(fmt.Sprintf("    %s -.- %s\n", mermaidSafeID(node.ID), mermaidSafeID(node.ID+"_sub")))
			idx++
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef visited fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef result fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef start stroke-width:3px\n")

	forEachNode(model, func(n *Node) {
		if n.Start {
			b.WriteString(fmt.Sprintf("    class %s start\n", mermaidSafeID(n.ID)))
		}
		if cls := mermaidOverlayClass(n.Overlay); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(n.ID), cls))
		}
	})
	for _, i := range taken {
		b.WriteString(fmt.Sprintf("    linkStyle %d stroke:#e67e22,stroke-width:3px\n", i))
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(strings.ReplaceAll(node.Label, "\n", " "))

	switch node.Kind {
	case NodeKindInput:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindWorkflow:
		return fmt.Sprintf("%s[[%q]]", id, label)
	default: // output
		return fmt.Sprintf("%s([%q])", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel replaces characters that break quoted Mermaid labels.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

func mermaidOverlayClass(o *PathOverlay) string {
	switch {
	case o == nil:
		return ""
	case o.Result:
		return "result"
	default:
		return "visited"
	}
}

// forEachNode visits top-level nodes and subgraph nodes in order.
func forEachNode(model *DiagramModel, fn func(*Node)) {
	for _, n := range model.Nodes {
		fn(n)
		for _, sg := range n.Children {
			for _, sn := range sg.Nodes {
				fn(sn)
			}
		}
	}
}
