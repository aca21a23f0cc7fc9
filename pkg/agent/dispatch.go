package agent

import (
	"context"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
)

// currentStageSteps returns the enabled steps the orchestrator will
// dispatch for the current stage: all of them when the stage is parallel,
// only the first otherwise.
func currentStageSteps(state TurnState) []Step {
	if state.Plan == nil || state.StageIndex >= len(state.Plan.Stages) {
		return nil
	}
	stage := state.Plan.Stages[state.StageIndex]
	steps := stage.EnabledSteps()
	if len(steps) == 0 {
		return nil
	}
	if !stage.Parallel {
		return steps[:1]
	}
	return steps
}

// setBarrier arms the fan-in counter: waiting rises by the number of steps
// about to dispatch and each worker later adds -1, so waiting reads zero
// when the aggregator runs.
func (a *Agent) setBarrier(_ context.Context, state TurnState) graph.NodeResult[TurnState] {
	n := len(currentStageSteps(state))
	return graph.NodeResult[TurnState]{Delta: TurnState{Waiting: n}}
}

// orchestrator exists as the origin of the fan-out edge. It only reports
// what is about to dispatch; the routing itself lives in orchestratorRoute.
func (a *Agent) orchestrator(_ context.Context, state TurnState) graph.NodeResult[TurnState] {
	steps := currentStageSteps(state)
	calls := make([]string, len(steps))
	for i, s := range steps {
		calls[i] = s.Call
	}
	a.push(state.ThreadID, stream.Event{
		Name: stream.EventDispatch,
		Data: map[string]any{"stage_index": state.StageIndex, "calls": calls},
	})
	return graph.NodeResult[TurnState]{}
}

// orchestratorRoute fans out one send per dispatched step. Each send seeds
// its worker with the step's task; a stage with nothing to dispatch skips
// straight to the aggregator.
func (a *Agent) orchestratorRoute(state TurnState) graph.Next[TurnState] {
	steps := currentStageSteps(state)
	if len(steps) == 0 {
		return graph.Goto[TurnState](NodeAggregate)
	}

	sends := make([]graph.Send[TurnState], 0, len(steps))
	for _, step := range steps {
		sends = append(sends, graph.Send[TurnState]{
			Node: workerNode(step.Call),
			Arg:  TurnState{Task: &WorkerTask{Call: step.Call, Args: step.Args}},
		})
	}
	return graph.FanOut(sends...)
}

// workerNode maps a plan call to its worker node.
func workerNode(call string) string {
	switch call {
	case CallSQL:
		return NodeSQLWorker
	case CallKG:
		return NodeKGWorker
	default:
		return NodeVectorWorker
	}
}
