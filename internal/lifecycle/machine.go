// Package lifecycle enforces the threat remediation state machine and keeps
// the append-only transition history.
package lifecycle

import (
	"github.com/joshsymonds/sentinel/internal/models"
)

// transitions is the adjacency map of legal forward moves. Self-transitions
// are handled separately and are always legal.
var transitions = map[models.ThreatStatus][]models.ThreatStatus{
	models.StatusIdentified: {models.StatusAssessed, models.StatusAccepted},
	models.StatusAssessed:   {models.StatusVerified, models.StatusAccepted},
	models.StatusVerified:   {models.StatusEvaluated, models.StatusAccepted},
	models.StatusEvaluated:  {models.StatusPlanning, models.StatusAccepted},
	models.StatusPlanning:   {models.StatusMitigated, models.StatusAccepted},
	models.StatusMitigated:  {models.StatusMonitoring, models.StatusAccepted},
	models.StatusAccepted:   {models.StatusMonitoring},
	models.StatusMonitoring: {models.StatusEvaluated, models.StatusAccepted},
}

// InitialStatus is the status every new threat starts in.
const InitialStatus = models.StatusIdentified

// CanTransition reports whether a threat may move from one status to another.
func CanTransition(from, to models.ThreatStatus) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from s, excluding s itself.
func Next(s models.ThreatStatus) []models.ThreatStatus {
	next := transitions[s]
	out := make([]models.ThreatStatus, len(next))
	copy(out, next)
	return out
}
