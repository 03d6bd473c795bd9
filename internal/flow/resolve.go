// Package flow implements the graph-based conversation engine.
//
// A conversation keeps no session object. Every inbound turn rebuilds its position from the
// state marker of the last outgoing message, walks one edge of the owning flow graph and
// replies with the rendered target node.
package flow

import "github.com/BTreeMap/CourseBot/internal/models"

// FindOwningFlow returns the first flow, in collection order, whose nodes include nodeID.
// An empty nodeID never matches: it marks the start of a conversation.
func FindOwningFlow(flows []models.Flow, nodeID string) (*models.Flow, bool) {
	if nodeID == "" {
		return nil, false
	}
	for i := range flows {
		if flows[i].HasNode(nodeID) {
			return &flows[i], true
		}
	}
	return nil, false
}

// activeFlow returns the flow marked active in a snapshot.
func activeFlow(flows []models.Flow) (*models.Flow, bool) {
	for i := range flows {
		if flows[i].IsActive {
			return &flows[i], true
		}
	}
	return nil, false
}
