package diagram

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the graphviz output encoding.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

// RenderImage renders a DiagramModel with graphviz and returns the encoded image.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(strings.ReplaceAll(node.Label, "\n", "\\n"))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	// Expanded child workflows become dashed clusters.
	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			sub, subErr := graph.CreateSubGraphByName("cluster_" + node.ID)
			if subErr != nil {
				continue
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)

			for _, subNode := range sg.Nodes {
				gvSub, nErr := sub.CreateNodeByName(subNode.ID)
				if nErr != nil {
					continue
				}
				gvSub.SetLabel(strings.ReplaceAll(subNode.Label, "\n", "\\n"))
				applyNodeStyle(gvSub, subNode)
				gvNodes[subNode.ID] = gvSub
			}
			for _, edge := range sg.Edges {
				createEdge(graph, gvNodes, edge)
			}
		}
	}

	for _, edge := range model.Edges {
		createEdge(graph, gvNodes, edge)
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func createEdge(graph *cgraph.Graph, gvNodes map[string]*cgraph.Node, edge Edge) {
	fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
	if fromGV == nil || toGV == nil {
		return
	}
	e, err := graph.CreateEdgeByName("", fromGV, toGV)
	if err != nil {
		return
	}
	if edge.Label != "" {
		e.SetLabel(edge.Label)
	}
	if edge.Taken {
		e.SetColor("#e67e22")
		e.SetPenWidth(2.5)
	}
}

// applyNodeStyle sets graphviz attributes based on block kind and trace overlay.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindInput:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case NodeKindDecision:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindOutput:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindWorkflow:
		gvNode.SetShape(cgraph.HexagonShape)
	}
	if node.Start {
		gvNode.SetPenWidth(2)
	}

	if node.Overlay == nil {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	gvNode.SetFontColor("white")
	if node.Overlay.Result {
		gvNode.SetFillColor("#2d6a2d")
	} else {
		gvNode.SetFillColor("#1a5276")
	}
}
