package graph

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GraphDefinition is the serializable form of a flow graph, loadable from
// JSON or YAML. Converting a definition to a FlowGraph runs full
// validation.
type GraphDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Entry       string         `json:"entry" yaml:"entry"`
	Nodes       []Node         `json:"nodes" yaml:"nodes"`
	Edges       []Edge         `json:"edges" yaml:"edges"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ToGraph builds and validates a FlowGraph from the definition. Node and
// edge declaration order follows slice order, which fixes the scheduler's
// dispatch tie-break.
func (d *GraphDefinition) ToGraph() (*FlowGraph, error) {
	g := NewFlowGraph()
	for i := range d.Nodes {
		node := d.Nodes[i]
		g.AddNode(&node)
	}
	for _, e := range d.Edges {
		g.AddEdge(e)
	}
	g.SetEntry(d.Entry)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Definition converts a FlowGraph back to its serializable form.
func (g *FlowGraph) Definition(name, description string) *GraphDefinition {
	def := &GraphDefinition{
		Name:        name,
		Description: description,
		Entry:       g.entry,
		Edges:       g.Edges(),
	}
	for _, id := range g.order {
		def.Nodes = append(def.Nodes, *g.nodes[id])
	}
	return def
}

// ToJSON renders the definition as indented JSON.
func (d *GraphDefinition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal graph definition to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML renders the definition as YAML.
func (d *GraphDefinition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal graph definition to YAML: %w", err)
	}
	return string(data), nil
}

// FromJSON parses a definition from a JSON string.
func FromJSON(jsonStr string) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := json.Unmarshal([]byte(jsonStr), &def); err != nil {
		return nil, fmt.Errorf("unmarshal graph definition from JSON: %w", err)
	}
	return &def, nil
}

// FromYAML parses a definition from a YAML string.
func FromYAML(yamlStr string) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := yaml.Unmarshal([]byte(yamlStr), &def); err != nil {
		return nil, fmt.Errorf("unmarshal graph definition from YAML: %w", err)
	}
	return &def, nil
}

// LoadFile reads a definition from a .json, .yaml or .yml file, sniffing
// the format from the first non-space byte when the extension is unknown.
func LoadFile(path string) (*GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph definition %s: %w", path, err)
	}
	trimmed := data
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FromJSON(string(data))
	}
	return FromYAML(string(data))
}
