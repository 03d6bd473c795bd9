package flow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BTreeMap/CourseBot/internal/models"
)

// AlertDetector flags transitions into nodes that need a human operator.
type AlertDetector struct {
	terminals map[string]struct{}
}

// NewAlertDetector creates a detector for the given intervention node ids. Blank ids are ignored.
func NewAlertDetector(nodeIDs ...string) *AlertDetector {
	d := &AlertDetector{terminals: make(map[string]struct{}, len(nodeIDs))}
	for _, id := range nodeIDs {
		if id = strings.TrimSpace(id); id != "" {
			d.terminals[id] = struct{}{}
		}
	}
	return d
}

// IsTerminal reports whether nodeID is an intervention terminal.
func (d *AlertDetector) IsTerminal(nodeID string) bool {
	if d == nil {
		return false
	}
	_, ok := d.terminals[nodeID]
	return ok
}

// Terminals lists the configured intervention node ids, sorted.
func (d *AlertDetector) Terminals() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.terminals))
	for id := range d.terminals {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Detect returns the alert to raise when a conversation moves to nextNodeID, or nil.
func (d *AlertDetector) Detect(nextNodeID string, identity *models.Identity, address string) *models.DashboardAlert {
	if !d.IsTerminal(nextNodeID) {
		return nil
	}
	name := "alumno sin identificar"
	if identity != nil && identity.DisplayName != "" {
		name = identity.DisplayName
	}
	return &models.DashboardAlert{
		StudentPhone: address,
		AlertType:    models.AlertTypeHumanIntervention,
		Description:  fmt.Sprintf("%s (%s) llegó al nodo %s y necesita atención de un tutor.", name, address, nextNodeID),
	}
}
