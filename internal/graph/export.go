package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GraphData is a point-in-time copy of the graph for export.
type GraphData struct {
	Nodes         []ExportNode         `json:"nodes"`
	Relationships []ExportRelationship `json:"relationships"`
}

// ExportNode is one node of a GraphData.
type ExportNode struct {
	ID         int64          `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// ExportRelationship is one relationship of a GraphData.
type ExportRelationship struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	Start      int64          `json:"start"`
	End        int64          `json:"end"`
	Properties map[string]any `json:"properties"`
}

// Snapshot reads every node of the tenant and every relationship through the
// transaction bound to ctx. Relationships whose endpoints fall outside the
// node set are left out.
func (s *Service) Snapshot(ctx context.Context) (GraphData, error) {
	tx, err := s.CurrentTransaction(ctx)
	if err != nil {
		return GraphData{}, err
	}
	data := GraphData{Nodes: []ExportNode{}, Relationships: []ExportRelationship{}}

	nodes, err := s.AllNodes(ctx)
	if err != nil {
		return data, fmt.Errorf("listing nodes: %w", err)
	}
	handles, err := nodes.Collect(ctx)
	if err != nil {
		return data, fmt.Errorf("listing nodes: %w", err)
	}
	seen := make(map[int64]bool, len(handles))
	for _, n := range handles {
		props, err := tx.Properties(ctx, n)
		if err != nil {
			return data, err
		}
		seen[n.ID()] = true
		data.Nodes = append(data.Nodes, ExportNode{ID: n.ID(), Labels: n.Labels(), Properties: props})
	}

	rels, err := s.AllRelationships(ctx)
	if err != nil {
		return data, fmt.Errorf("listing relationships: %w", err)
	}
	handles, err = rels.Collect(ctx)
	if err != nil {
		return data, fmt.Errorf("listing relationships: %w", err)
	}
	for _, r := range handles {
		start, end := r.Endpoints()
		if !seen[start] || !seen[end] {
			continue
		}
		props, err := tx.Properties(ctx, r)
		if err != nil {
			return data, err
		}
		data.Relationships = append(data.Relationships, ExportRelationship{
			ID: r.ID(), Type: r.Type(), Start: start, End: end, Properties: props,
		})
	}

	sort.Slice(data.Nodes, func(i, j int) bool { return data.Nodes[i].ID < data.Nodes[j].ID })
	sort.Slice(data.Relationships, func(i, j int) bool { return data.Relationships[i].ID < data.Relationships[j].ID })
	return data, nil
}

// ExportJSON returns the graph as indented JSON.
func ExportJSON(data GraphData) (string, error) {
	if data.Nodes == nil {
		data.Nodes = []ExportNode{}
	}
	if data.Relationships == nil {
		data.Relationships = []ExportRelationship{}
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ExportDOT returns the graph in Graphviz DOT format.
func ExportDOT(data GraphData) string {
	var b strings.Builder
	b.WriteString("digraph graphcore {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=filled];\n\n")

	for _, n := range data.Nodes {
		label := fmt.Sprintf("%s\\n(%s)", displayName(n), strings.Join(n.Labels, ":"))
		b.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q];\n", strconv.FormatInt(n.ID, 10), label, labelColor(n.Labels)))
	}

	b.WriteString("\n")

	for _, r := range data.Relationships {
		b.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n",
			strconv.FormatInt(r.Start, 10), strconv.FormatInt(r.End, 10), r.Type))
	}

	b.WriteString("}\n")
	return b.String()
}

// ExportMermaid returns the graph in Mermaid format.
func ExportMermaid(data GraphData) string {
	var b strings.Builder
	b.WriteString("graph LR\n")

	for _, n := range data.Nodes {
		b.WriteString(fmt.Sprintf("  n%d[\"%s (%s)\"]\n", n.ID, mermaidSafe(displayName(n)), strings.Join(n.Labels, ":")))
	}

	for _, r := range data.Relationships {
		b.WriteString(fmt.Sprintf("  n%d -->|%s| n%d\n", r.Start, r.Type, r.End))
	}

	return b.String()
}

// displayName prefers the name property and falls back to the id.
func displayName(n ExportNode) string {
	if v, ok := n.Properties["name"]; ok {
		return fmt.Sprint(v)
	}
	return strconv.FormatInt(n.ID, 10)
}

var palette = []string{
	"#AED6F1", "#A3E4D7", "#F9E79F", "#F5CBA7",
	"#D7BDE2", "#F1948A", "#85C1E9", "#82E0AA",
}

// labelColor picks a stable fill color from the first label.
func labelColor(labels []string) string {
	if len(labels) == 0 {
		return "#D5D8DC"
	}
	var h uint32
	for _, c := range labels[0] {
		h = h*31 + uint32(c)
	}
	return palette[h%uint32(len(palette))]
}

func mermaidSafe(s string) string {
	r := strings.NewReplacer("\"", "'", "[", "(", "]", ")")
	return r.Replace(s)
}
