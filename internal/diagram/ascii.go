package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// overlayTag returns a short ASCII indicator for a trace overlay.
func overlayTag(o *PathOverlay) string {
	switch {
	case o == nil:
		return ""
	case o.Result:
		return fmt.Sprintf("[#%d RESULT]", o.Step)
	case o.Decision != "":
		return fmt.Sprintf("[#%d %s]", o.Step, o.Decision)
	default:
		return fmt.Sprintf("[#%d]", o.Step)
	}
}

// RenderASCII renders a DiagramModel as a text-based ASCII diagram.
// It uses a level-based layout with box-drawing characters.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	// Title.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	// Render each level.
	for levelIdx, level := range model.Levels {
		// Collect boxes for this level.
		var boxes []asciiBox
		for _, nodeID := range level {
			node := model.node(nodeID)
			if node == nil {
				continue
			}
			boxes = append(boxes, makeBox(node))
		}

		// Render boxes side-by-side.
		renderBoxRow(&b, boxes)

		// Draw connectors between levels (except after last level).
		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	// Connection list.
	if len(model.Edges) > 0 {
		b.WriteString("\n--- connections ---\n")
		for _, edge := range model.Edges {
			renderEdge(&b, "  ", edge)
		}
	}

	// Render subgraphs for nodes with children.
	for _, node := range model.Nodes {
		if len(node.Children) > 0 {
			b.WriteString(fmt.Sprintf("\n--- %s expands ---\n", node.ID))
			for _, sg := range node.Children {
				renderSubGraph(&b, sg)
			}
		}
	}

	return b.String()
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox creates an ASCII box for a node.
func makeBox(node *Node) asciiBox {
	// Build content lines.
	var contentLines []string

	contentLines = append(contentLines, fmt.Sprintf("%s %s", kindGlyph(node), node.ID))
	contentLines = append(contentLines, strings.Split(node.Label, "\n")...)
	if tag := overlayTag(node.Overlay); tag != "" {
		contentLines = append(contentLines, tag)
	}

	// Calculate width in runes; labels may hold non-ASCII text.
	maxLen := 0
	for _, line := range contentLines {
		if n := utf8.RuneCountInString(line); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	// Build box lines.
	var lines []string
	top := "\u250c" + strings.Repeat("\u2500", width-2) + "\u2510"
	bot := "\u2514" + strings.Repeat("\u2500", width-2) + "\u2518"
	lines = append(lines, top)
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-utf8.RuneCountInString(content))
		lines = append(lines, "\u2502 "+padded+" \u2502")
	}
	lines = append(lines, bot)

	return asciiBox{lines: lines, width: width}
}

// kindGlyph marks the block kind; the start block gets a leading '>'.
func kindGlyph(node *Node) string {
	g := "?"
	switch node.Kind {
	case NodeKindInput:
		g = "IN"
	case NodeKindDecision:
		g = "IF"
	case NodeKindOutput:
		g = "=>"
	case NodeKindWorkflow:
		g = "WF"
	}
	if node.Start {
		return ">" + g
	}
	return g
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	// Find max height.
	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	// Render line by line.
	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ") // gap between boxes
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// renderConnector draws a vertical connector between levels.
func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	// Simple center connector.
	b.WriteString("       \u2502\n")
	b.WriteString("       \u25bc\n")
}

// renderSubGraph renders a subgraph section.
func renderSubGraph(b *strings.Builder, sg *SubGraph) {
	b.WriteString(fmt.Sprintf("  [%s]\n", sg.Label))
	for _, node := range sg.Nodes {
		tag := ""
		if t := overlayTag(node.Overlay); t != "" {
			tag = " " + t
		}
		b.WriteString(fmt.Sprintf("    %s %s: %s%s\n", kindGlyph(node), shortID(node.ID),
			strings.ReplaceAll(node.Label, "\n", " "), tag))
	}
	for _, edge := range sg.Edges {
		renderEdge(b, "    ", Edge{From: shortID(edge.From), To: shortID(edge.To), Label: edge.Label, Taken: edge.Taken})
	}
}

// renderEdge writes one connection; taken edges use a heavy arrow.
func renderEdge(b *strings.Builder, indent string, edge Edge) {
	arrow := "\u2500\u2192"
	if edge.Taken {
		arrow = "\u2501\u25b6"
	}
	if edge.Label != "" {
		arrow = "\u2500" + edge.Label + arrow
	}
	b.WriteString(fmt.Sprintf("%s%s %s %s\n", indent, edge.From, arrow, edge.To))
}

// shortID returns the last segment of a dot-separated ID.
func shortID(id string) string {
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[i+1:]
	}
	return id
}
