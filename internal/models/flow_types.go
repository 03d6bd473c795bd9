// Package models defines the flow graph records consumed by the conversation engine.
package models

// NodeData holds the authored content of a flow node.
type NodeData struct {
	// Label is the reply template, with {key} placeholders.
	Label string `json:"label" yaml:"label" validate:"required"`
	// TemplateSID is the provider content template used for business-initiated sends.
	TemplateSID string `json:"template_sid,omitempty" yaml:"template_sid,omitempty"`
}

// Node is a single bot utterance in a flow.
type Node struct {
	ID   string   `json:"id" yaml:"id" validate:"required"`
	Data NodeData `json:"data" yaml:"data"`
}

// Edge is a transition taken when the inbound text equals LabelText.
type Edge struct {
	Source    string `json:"source" yaml:"source" validate:"required"`
	Target    string `json:"target" yaml:"target" validate:"required"`
	LabelText string `json:"labelText" yaml:"labelText" validate:"required"`
}

// Flow is a named directed graph of conversation nodes.
type Flow struct {
	ID          int    `json:"id" yaml:"id" validate:"gte=0"`
	Name        string `json:"name" yaml:"name" validate:"required"`
	IsActive    bool   `json:"is_active" yaml:"is_active"`
	EntryNodeID string `json:"entry_node_id,omitempty" yaml:"entry_node_id,omitempty"`
	Nodes       []Node `json:"nodes" yaml:"nodes" validate:"dive"`
	Edges       []Edge `json:"edges" yaml:"edges" validate:"dive"`
}

// NodeByID returns the node with the given id, if the flow has one.
func (f *Flow) NodeByID(id string) (*Node, bool) {
	if f == nil {
		return nil, false
	}
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// HasNode reports whether the flow contains a node with the given id.
func (f *Flow) HasNode(id string) bool {
	_, ok := f.NodeByID(id)
	return ok
}

// OutgoingEdges returns the edges leaving the given node, in list order.
func (f *Flow) OutgoingEdges(source string) []Edge {
	if f == nil {
		return nil
	}
	var out []Edge
	for _, e := range f.Edges {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// EntryNode returns the node a fresh conversation starts at.
func (f *Flow) EntryNode() (*Node, bool) {
	if f == nil || f.EntryNodeID == "" {
		return nil, false
	}
	return f.NodeByID(f.EntryNodeID)
}
