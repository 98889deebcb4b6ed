package syncstate

import (
	"fmt"

	"github.com/motern88/allen/core"
)

// CheckInvariants verifies the cross-entity invariants the synchronizer is
// responsible for at a quiescent point: at most one running stage per task,
// and every allocated agent present in the task group. A violation indicates
// programmer error in a mutation path; it is logged with the offending state
// and returned for tests and diagnostics.
func (s *SyncState) CheckInvariants() error {
	for _, task := range s.Tasks() {
		running := 0
		for _, stage := range task.Stages() {
			if stage.ExecutionState() == core.StateRunning {
				running++
			}
			for agentID := range stage.Allocation {
				if !task.InGroup(agentID) {
					err := fmt.Errorf(
						"sync/invariant-violated: agent %s allocated in stage %s but absent from task %s group",
						agentID, stage.ID, task.ID)
					s.logger.Error(err.Error())
					return err
				}
			}
		}
		if running > 1 {
			err := fmt.Errorf(
				"sync/invariant-violated: task %s has %d running stages", task.ID, running)
			s.logger.Error(err.Error())
			return err
		}
	}
	return nil
}
