package execution

import (
	"fmt"
	"strings"
)

// crewRunName builds a deterministic descriptive name for a crew run
// submitted without one. The job id suffix keeps repeated submissions
// distinguishable in listings.
func crewRunName(jobID string, agentIDs, taskIDs []string) string {
	label := "crew"
	switch {
	case len(agentIDs) == 1 && len(taskIDs) == 1:
		label = fmt.Sprintf("%s on %s", agentIDs[0], taskIDs[0])
	case len(agentIDs) > 0:
		label = fmt.Sprintf("%d agents, %d tasks", len(agentIDs), len(taskIDs))
	case len(taskIDs) > 0:
		label = fmt.Sprintf("%d tasks", len(taskIDs))
	}
	return fmt.Sprintf("%s (%s)", label, shortID(jobID))
}

// flowRunName names a flow run after its flow definition.
func flowRunName(jobID, flowName string) string {
	if flowName == "" {
		flowName = "flow"
	}
	return fmt.Sprintf("%s (%s)", flowName, shortID(jobID))
}

func shortID(jobID string) string {
	if i := strings.IndexByte(jobID, '-'); i > 0 {
		return jobID[:i]
	}
	if len(jobID) > 8 {
		return jobID[:8]
	}
	return jobID
}
