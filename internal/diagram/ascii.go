package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for an overlay status.
func statusTag(status string) string {
	switch status {
	case StatusVisited:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusWaiting:
		return "[WAIT]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a text diagram for terminals.
// Levels are drawn as rows of boxes; branch edges are listed afterwards
// with their conditions.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			node := findNode(model.Nodes, nodeID)
			if node == nil {
				continue
			}
			boxes = append(boxes, makeBox(node))
		}

		renderBoxRow(&b, boxes)

		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	var labelled []Edge
	for _, e := range model.Edges {
		if e.Label != "" || countFrom(model.Edges, e.From) > 1 {
			labelled = append(labelled, e)
		}
	}
	if len(labelled) > 0 {
		b.WriteString("\n--- branches ---\n")
		for _, e := range labelled {
			cond := e.Label
			if cond == "" {
				cond = "-"
			}
			fmt.Fprintf(&b, "  %s ─→ %s  [%s]\n", e.From, e.To, cond)
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
	contentLines := []string{firstLine(node.Label)}

	if node.Status != nil {
		tag := statusTag(node.Status.Status)
		if node.Status.Visits > 1 {
			tag = fmt.Sprintf("%s x%d", tag, node.Status.Visits)
		}
		if tag != "" {
			contentLines = append(contentLines, strings.TrimSpace(tag))
		}
		if node.Status.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		if n := utf8.RuneCountInString(line); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(contentLines)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-utf8.RuneCountInString(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
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
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}

func countFrom(edges []Edge, from string) int {
	n := 0
	for _, e := range edges {
		if e.From == from {
			n++
		}
	}
	return n
}

// findNode looks up a node by ID in the model's node list.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
