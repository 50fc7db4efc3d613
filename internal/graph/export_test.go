package graph

import (
	"encoding/json"
	"strings"
	"testing"
)

func sampleGraph() GraphData {
	return GraphData{
		Nodes: []ExportNode{
			{ID: 1, Labels: []string{"Person"}, Properties: map[string]any{"name": "alice"}},
			{ID: 2, Labels: []string{"Group"}, Properties: map[string]any{"name": "ops [core]"}},
			{ID: 3, Properties: map[string]any{}},
		},
		Relationships: []ExportRelationship{
			{ID: 10, Type: "MEMBER_OF", Start: 1, End: 2, Properties: map[string]any{}},
			{ID: 11, Type: "KNOWS", Start: 1, End: 3, Properties: map[string]any{"since": int64(2020)}},
		},
	}
}

func TestExportJSON(t *testing.T) {
	out, err := ExportJSON(sampleGraph())
	if err != nil {
		t.Fatal(err)
	}

	var data GraphData
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if len(data.Nodes) != 3 {
		t.Errorf("expected 3 nodes, got %d", len(data.Nodes))
	}
	if len(data.Relationships) != 2 {
		t.Errorf("expected 2 relationships, got %d", len(data.Relationships))
	}
	if data.Relationships[1].Start != 1 || data.Relationships[1].End != 3 {
		t.Errorf("relationship endpoints = %d -> %d", data.Relationships[1].Start, data.Relationships[1].End)
	}
}

func TestExportJSON_Empty(t *testing.T) {
	out, err := ExportJSON(GraphData{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"nodes": []`) || !strings.Contains(out, `"relationships": []`) {
		t.Errorf("empty export should use empty arrays, got %s", out)
	}
}

func TestExportDOT(t *testing.T) {
	out := ExportDOT(sampleGraph())

	if !strings.HasPrefix(out, "digraph graphcore {") {
		t.Error("DOT output should start with 'digraph graphcore {'")
	}
	if !strings.HasSuffix(out, "}\n") {
		t.Error("DOT output should end with '}'")
	}
	for _, want := range []string{`"1" -> "2" [label="MEMBER_OF"]`, `"1" -> "3" [label="KNOWS"]`, `fillcolor="#D5D8DC"`, "alice"} {
		if !strings.Contains(out, want) {
			t.Errorf("DOT output missing %q", want)
		}
	}
}

func TestExportMermaid(t *testing.T) {
	out := ExportMermaid(sampleGraph())

	if !strings.HasPrefix(out, "graph LR\n") {
		t.Error("Mermaid output should start with 'graph LR'")
	}
	for _, want := range []string{
		`n1["alice (Person)"]`,
		`n2["ops (core) (Group)"]`,
		`n3["3 ()"]`,
		"n1 -->|MEMBER_OF| n2",
		"n1 -->|KNOWS| n3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Mermaid output missing %q", want)
		}
	}
}

func TestLabelColor_Stable(t *testing.T) {
	a := labelColor([]string{"Person"})
	b := labelColor([]string{"Person", "Admin"})
	if a != b {
		t.Errorf("color depends on first label only: %q != %q", a, b)
	}
	if labelColor(nil) != "#D5D8DC" {
		t.Errorf("unlabelled color = %q", labelColor(nil))
	}
}
