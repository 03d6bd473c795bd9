package flow

import (
	"strings"

	"github.com/BTreeMap/CourseBot/internal/models"
)

// MatchTransition picks the edge leaving currentNodeID whose label equals text, ignoring
// surrounding whitespace and case. Edges are tried in list order and the first match wins.
// There is no default edge: no match returns ("", false).
func MatchTransition(flow *models.Flow, currentNodeID, text string) (string, bool) {
	if flow == nil || currentNodeID == "" {
		return "", false
	}
	want := strings.TrimSpace(text)
	for _, e := range flow.OutgoingEdges(currentNodeID) {
		if strings.EqualFold(strings.TrimSpace(e.LabelText), want) {
			return e.Target, true
		}
	}
	return "", false
}
