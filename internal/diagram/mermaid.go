package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/flowchat/pkg/schema"
)

// Mermaid renders def as a Mermaid flowchart, highlighting the visited
// node keys.
func Mermaid(def *schema.Definition, visited map[string]bool) (string, error) {
	model, err := Build(def, nil)
	if err != nil {
		return "", err
	}
	for _, n := range model.Nodes {
		if visited[n.ID] {
			n.Status = &StatusOverlay{Status: StatusVisited}
		}
	}
	return RenderMermaid(model), nil
}

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	ids := mermaidIDs(model.Nodes)

	b.WriteString("flowchart TD\n")

	// Title as comment.
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(ids[node.ID], node))
	}

	for _, edge := range model.Edges {
		from, to := ids[edge.From], ids[edge.To]
		if from == "" || to == "" {
			continue
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|\"%s\"|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", from, label, to)
	}

	b.WriteString("\n")
	b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status == nil || node.Status.Status == "" {
			continue
		}
		fmt.Fprintf(&b, "    class %s %s\n", ids[node.ID], node.Status.Status)
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(id string, node *Node) string {
	label := mermaidEscapeLabel(node.Label)

	switch node.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	case NodeKindInput:
		return fmt.Sprintf("%s[/\"%s\"/]", id, label)
	case NodeKindModel:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case NodeKindOutput:
		return fmt.Sprintf("%s>\"%s\"]", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// mermaidIDs assigns every node a unique Mermaid-safe identifier. Node keys
// may hold any text, and bare keywords such as "end" break the parser, so
// identifiers are prefixed and sanitized.
func mermaidIDs(nodes []*Node) map[string]string {
	ids := make(map[string]string, len(nodes))
	used := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		base := "n_" + mermaidSafeID(n.ID)
		id := base
		for i := 2; used[id]; i++ {
			id = fmt.Sprintf("%s_%d", base, i)
		}
		used[id] = true
		ids[n.ID] = id
	}
	return ids
}

// mermaidSafeID replaces everything but ASCII letters and digits with
// underscores.
func mermaidSafeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// mermaidEscapeLabel escapes text for a quoted Mermaid label.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "\n", "<br/>")
	return r.Replace(s)
}
