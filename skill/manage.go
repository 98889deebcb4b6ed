package skill

import (
	"context"
	"fmt"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
)

// plannedStage is the schema of one entry in a <planned_stage> block.
type plannedStage struct {
	Intention  string            `json:"stage_intention"`
	Allocation map[string]string `json:"agent_allocation"`
}

// stagePlanningSkill is the manager's stage planner: it decomposes a task's
// intention into ordered stages with agent allocations. Planning zero stages
// closes the task immediately with an empty summary.
type stagePlanningSkill struct {
	executor.Base
}

func (s *stagePlanningSkill) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	raw, failed := callAndCapture(ctx, &s.Base, inv, NameStagePlanning)
	if failed != nil {
		return failed
	}

	var planned []plannedStage
	if err := s.ParseJSONBlock(raw, "planned_stage", &planned); err != nil {
		return s.Fail(inv, executor.ErrKindParse, err, raw)
	}

	result := &core.ExecuteResult{
		Text:        raw,
		Instruction: map[string]any{"stage_count": len(planned)},
	}
	out := s.Finish(inv, result, core.StageAgentWorking,
		fmt.Sprintf("planned %d stage(s)", len(planned)))

	if len(planned) == 0 {
		out.UpdateTaskState = &core.TaskStateUpdate{
			TaskID: inv.Step.TaskID,
			State:  core.StateFinished,
		}
		return out
	}
	for _, ps := range planned {
		out.AddStages = append(out.AddStages, &core.StageSpec{
			TaskID:     inv.Step.TaskID,
			Intention:  ps.Intention,
			Allocation: ps.Allocation,
		})
	}
	return out
}

// taskManagerAction is the schema of a <task_manager> block.
type taskManagerAction struct {
	Action        string `json:"action"`
	TaskName      string `json:"task_name"`
	TaskIntention string `json:"task_intention"`
	TaskID        string `json:"task_id"`
	StageID       string `json:"stage_id"`
	Stages        []struct {
		Intention  string            `json:"stage_intention"`
		Allocation map[string]string `json:"agent_allocation"`
	} `json:"stages"`
	OldStageID    string            `json:"old_stage_id"`
	NewIntention  string            `json:"new_stage_intention"`
	NewAllocation map[string]string `json:"new_agent_allocation"`
	Summary       string            `json:"summary"`
}

// taskManagerSkill executes the manager's lifecycle decisions over tasks and
// stages: creation, stage appends, explicit finishes, retries and early
// termination.
type taskManagerSkill struct {
	executor.Base
}

func (t *taskManagerSkill) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	raw, failed := callAndCapture(ctx, &t.Base, inv, NameTaskManager)
	if failed != nil {
		return failed
	}

	var action taskManagerAction
	if err := t.ParseJSONBlock(raw, "task_manager", &action); err != nil {
		return t.Fail(inv, executor.ErrKindParse, err, raw)
	}
	if action.TaskID == "" {
		action.TaskID = inv.Step.TaskID
	}

	result := &core.ExecuteResult{Text: raw, Instruction: map[string]any{"action": action.Action}}
	out := t.Finish(inv, result, core.StageAgentWorking,
		fmt.Sprintf("task_manager action %q", action.Action))

	switch action.Action {
	case "add_task":
		out.AddTask = &core.TaskSpec{
			Name:      action.TaskName,
			Intention: action.TaskIntention,
			ManagerID: inv.State.ID,
		}
	case "add_stage":
		for _, ps := range action.Stages {
			out.AddStages = append(out.AddStages, &core.StageSpec{
				TaskID:     action.TaskID,
				Intention:  ps.Intention,
				Allocation: ps.Allocation,
			})
		}
	case "finish_stage":
		out.FinishStage = &core.FinishStageSpec{
			TaskID:  action.TaskID,
			StageID: action.StageID,
			State:   core.StateFinished,
		}
	case "retry_stage":
		out.RetryStage = &core.RetryStageSpec{
			TaskID:     action.TaskID,
			OldStageID: action.OldStageID,
			Intention:  action.NewIntention,
			Allocation: action.NewAllocation,
		}
	case "finish_task":
		out.UpdateTaskState = &core.TaskStateUpdate{
			TaskID:  action.TaskID,
			State:   core.StateFinished,
			Summary: action.Summary,
		}
	case "fail_task":
		out.UpdateTaskState = &core.TaskStateUpdate{
			TaskID:  action.TaskID,
			State:   core.StateFailed,
			Summary: action.Summary,
		}
	default:
		return t.Fail(inv, executor.ErrKindParse,
			fmt.Errorf("unknown task_manager action %q", action.Action), raw)
	}
	return out
}

// agentManagerAction is the schema of an <agent_manager> block.
type agentManagerAction struct {
	Action      string `json:"action"`
	AgentConfig struct {
		Name    string   `json:"name"`
		Role    string   `json:"role"`
		Profile string   `json:"profile"`
		Skills  []string `json:"skills"`
		Tools   []string `json:"tools"`
	} `json:"agent_config"`
	TaskID  string   `json:"task_id"`
	Agents  []string `json:"agents"`
	AgentID string   `json:"agent_id"`
	Grant   []string `json:"grant"`
	Revoke  []string `json:"revoke"`
}

// agentManagerSkill executes the manager's decisions over agents:
// instantiating new ones, enrolling participants and adjusting another
// agent's permission sets (applied by the synchronizer under that agent's
// lock, never directly).
type agentManagerSkill struct {
	executor.Base
}

func (a *agentManagerSkill) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	raw, failed := callAndCapture(ctx, &a.Base, inv, NameAgentManager)
	if failed != nil {
		return failed
	}

	var action agentManagerAction
	if err := a.ParseJSONBlock(raw, "agent_manager", &action); err != nil {
		return a.Fail(inv, executor.ErrKindParse, err, raw)
	}
	if action.TaskID == "" {
		action.TaskID = inv.Step.TaskID
	}

	result := &core.ExecuteResult{Text: raw, Instruction: map[string]any{"action": action.Action}}
	out := a.Finish(inv, result, core.StageAgentWorking,
		fmt.Sprintf("agent_manager action %q", action.Action))

	switch action.Action {
	case "init_new_agent":
		out.NewAgent = &core.AgentSpec{
			Name:    action.AgentConfig.Name,
			Role:    action.AgentConfig.Role,
			Profile: action.AgentConfig.Profile,
			Skills:  action.AgentConfig.Skills,
			Tools:   action.AgentConfig.Tools,
		}
	case "add_task_participant":
		out.AddParticipants = &core.ParticipantsUpdate{
			TaskID:   action.TaskID,
			AgentIDs: action.Agents,
		}
	case "update_tools":
		out.UpdateAgentTools = &core.PermissionUpdate{
			AgentID: action.AgentID,
			Grant:   action.Grant,
			Revoke:  action.Revoke,
		}
	case "update_skills":
		out.UpdateAgentSkills = &core.PermissionUpdate{
			AgentID: action.AgentID,
			Grant:   action.Grant,
			Revoke:  action.Revoke,
		}
	default:
		return a.Fail(inv, executor.ErrKindParse,
			fmt.Errorf("unknown agent_manager action %q", action.Action), raw)
	}
	return out
}
