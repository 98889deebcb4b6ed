package syncstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/motern88/allen/core"
)

// applyAskInfo answers a state query with a markdown message correlated by
// the query's waiting id. The markdown starts at heading depth 3 so replies
// can flow into persistent memory without violating its heading contract.
func (s *SyncState) applyAskInfo(q *core.AskInfoQuery) {
	if s.sink == nil {
		return
	}

	var sb strings.Builder
	switch q.Type {
	case "managed_task_and_stage_info":
		s.renderTasks(&sb, func(t *core.Task) bool { return t.ManagerID == q.SenderID }, true)
	case "assigned_task_and_stage_info":
		s.renderTasks(&sb, func(t *core.Task) bool { return t.InGroup(q.SenderID) }, true)
	case "task_info":
		if task, ok := s.Task(q.TaskID); ok {
			renderTask(&sb, task)
			sb.WriteString("### Recent shared log (newest last)\n")
			for _, m := range task.SharedContext(20) {
				fmt.Fprintf(&sb, "- [%s|%s] %s\n", m.AgentID, m.StageID, m.Content)
			}
		} else {
			fmt.Fprintf(&sb, "task %s not found\n", q.TaskID)
		}
	case "stage_info":
		if task, ok := s.Task(q.TaskID); ok {
			if stage := task.Stage(q.StageID); stage != nil {
				renderStage(&sb, stage)
			} else {
				fmt.Fprintf(&sb, "stage %s not found\n", q.StageID)
			}
		}
	case "all_agents":
		s.renderAgents(&sb, nil)
	case "task_agents":
		if task, ok := s.Task(q.TaskID); ok {
			s.renderAgents(&sb, task.Group())
		}
	case "stage_agents":
		if task, ok := s.Task(q.TaskID); ok {
			if stage := task.Stage(q.StageID); stage != nil {
				var ids []string
				for id := range stage.Allocation {
					ids = append(ids, id)
				}
				s.renderAgents(&sb, ids)
			}
		}
	case "agent":
		s.renderAgents(&sb, q.AgentIDs)
	case "available_agents_config":
		sb.WriteString("### Instantiable agent roles\n")
		for name, role := range s.opts.Roles {
			fmt.Fprintf(&sb, "#### %s\nrole: %s\nprofile: %s\nskills: %v\ntools: %v\n\n",
				name, role.Role, role.Profile, role.Skills, role.Tools)
		}
	case "skills_and_tools":
		sb.WriteString("### Skills\n")
		for name, sc := range s.opts.Skills {
			fmt.Fprintf(&sb, "#### %s\n%s\nreturn format: %s\n\n",
				name, sc.UseGuide.Description, sc.UsePrompt.ReturnFormat)
		}
		sb.WriteString("### Tools\n")
		for name, tc := range s.opts.ToolGuides {
			fmt.Fprintf(&sb, "#### %s\n%s\n\n", name, tc.UseGuide.Description)
		}
	default:
		fmt.Fprintf(&sb, "unknown ask_info type %q\n", q.Type)
	}

	s.sink.RegisterWait(q.WaitingID, q.SenderID, q.TaskID)
	s.sink.Dispatch(&core.Message{
		SenderID:        "system",
		Receivers:       []string{q.SenderID},
		TaskID:          q.TaskID,
		StageRelative:   core.NoRelative,
		Content:         sb.String(),
		ReturnWaitingID: q.WaitingID,
		Timestamp:       time.Now().UTC(),
	})
}

func (s *SyncState) renderTasks(sb *strings.Builder, match func(*core.Task) bool, withStages bool) {
	for _, task := range s.Tasks() {
		if !match(task) {
			continue
		}
		renderTask(sb, task)
		if withStages {
			for _, stage := range task.Stages() {
				renderStage(sb, stage)
			}
		}
	}
}

func renderTask(sb *strings.Builder, task *core.Task) {
	fmt.Fprintf(sb, "### Task %s\nname: %s\nintention: %s\nmanager: %s\ngroup: %v\nstate: %s\nsummary: %s\n\n",
		task.ID, task.Name, task.Intention, task.ManagerID, task.Group(),
		task.ExecutionState(), task.Summary())
}

func renderStage(sb *strings.Builder, stage *core.Stage) {
	fmt.Fprintf(sb, "#### Stage %s\nintention: %s\nallocation: %v\nstate: %s\nagent states: %v\ncompletion: %v\n\n",
		stage.ID, stage.Intention, stage.Allocation, stage.ExecutionState(),
		stage.AgentStates(), stage.CompletionSummaries())
}

func (s *SyncState) renderAgents(sb *strings.Builder, ids []string) {
	if s.agents == nil {
		return
	}
	wanted := map[string]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	for _, snap := range s.agents.AgentSnapshots() {
		if len(wanted) > 0 && !wanted[snap.ID] {
			continue
		}
		fmt.Fprintf(sb, "#### Agent %s\nname: %s\nrole: %s\nprofile: %s\nworking state: %s\nskills: %v\ntools: %v\n\n",
			snap.ID, snap.Name, snap.Role, snap.Profile, snap.WorkingState, snap.Skills, snap.Tools)
	}
}
