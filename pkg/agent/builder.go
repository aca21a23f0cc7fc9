package agent

import (
	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/graph/emit"
)

// Node names of the turn graph.
const (
	NodeIntentSlot     = "intent_slot"
	NodeDetectIntent   = "detect_intent"
	NodeCollectBase    = "collect_base"
	NodePlanner        = "planner"
	NodeSetBarrier     = "set_barrier"
	NodeOrchestrator   = "orchestrator"
	NodeSQLWorker      = "sql_worker"
	NodeVectorWorker   = "vector_worker"
	NodeKGWorker       = "kg_worker"
	NodeAggregate      = "aggregate"
	NodeResponseWriter = "response_writer"
	NodeSimpleResponse = "simple_response"
)

// GraphID labels checkpoints, metrics, and events from this graph.
const GraphID = "smart-agent-turn"

// BuildGraph wires the turn graph onto the engine:
//
//	intent_slot -> detect_intent -> collect_base
//	collect_base -> simple_response | planner (router; approval stops)
//	planner -> set_barrier -> orchestrator =Send=> workers -> aggregate
//	aggregate -> set_barrier (next stage) | response_writer (router)
func (a *Agent) BuildGraph(saver graph.Saver[TurnState], emitter emit.Emitter, opts graph.Options) (*graph.Engine[TurnState], error) {
	e := graph.New(GraphID, Reduce, saver, emitter, opts)

	nodes := map[string]graph.NodeFunc[TurnState]{
		NodeIntentSlot:     a.intentSlot,
		NodeDetectIntent:   a.detectIntent,
		NodeCollectBase:    a.collectBase,
		NodePlanner:        a.plannerNode,
		NodeSetBarrier:     a.setBarrier,
		NodeOrchestrator:   a.orchestrator,
		NodeSQLWorker:      a.sqlWorker,
		NodeVectorWorker:   a.vectorWorker,
		NodeKGWorker:       a.kgWorker,
		NodeAggregate:      a.aggregate,
		NodeResponseWriter: a.responseWriter,
		NodeSimpleResponse: a.simpleResponse,
	}
	for id, fn := range nodes {
		if err := e.Add(id, fn); err != nil {
			return nil, err
		}
	}

	if err := e.StartAt(NodeIntentSlot); err != nil {
		return nil, err
	}

	edges := [][2]string{
		{NodeIntentSlot, NodeDetectIntent},
		{NodeDetectIntent, NodeCollectBase},
		{NodePlanner, NodeSetBarrier},
		{NodeSetBarrier, NodeOrchestrator},
		{NodeSQLWorker, NodeAggregate},
		{NodeVectorWorker, NodeAggregate},
		{NodeKGWorker, NodeAggregate},
	}
	for _, edge := range edges {
		if err := e.AddEdge(edge[0], edge[1]); err != nil {
			return nil, err
		}
	}

	if err := e.AddRouter(NodeCollectBase, a.collectBaseRoute); err != nil {
		return nil, err
	}
	if err := e.AddRouter(NodeOrchestrator, a.orchestratorRoute); err != nil {
		return nil, err
	}
	if err := e.AddRouter(NodeAggregate, a.aggregateRoute); err != nil {
		return nil, err
	}

	if err := e.Compile(); err != nil {
		return nil, err
	}
	return e, nil
}

// GraphSpec describes the graph topology for visualization clients.
func GraphSpec() map[string]any {
	return map[string]any{
		"id":    GraphID,
		"start": NodeIntentSlot,
		"nodes": []string{
			NodeIntentSlot, NodeDetectIntent, NodeCollectBase, NodePlanner,
			NodeSetBarrier, NodeOrchestrator, NodeSQLWorker, NodeVectorWorker,
			NodeKGWorker, NodeAggregate, NodeResponseWriter, NodeSimpleResponse,
		},
		"edges": []map[string]any{
			{"from": NodeIntentSlot, "to": NodeDetectIntent},
			{"from": NodeDetectIntent, "to": NodeCollectBase},
			{"from": NodeCollectBase, "to": NodeSimpleResponse, "conditional": true},
			{"from": NodeCollectBase, "to": NodePlanner, "conditional": true},
			{"from": NodePlanner, "to": NodeSetBarrier},
			{"from": NodeSetBarrier, "to": NodeOrchestrator},
			{"from": NodeOrchestrator, "to": NodeSQLWorker, "conditional": true},
			{"from": NodeOrchestrator, "to": NodeVectorWorker, "conditional": true},
			{"from": NodeOrchestrator, "to": NodeKGWorker, "conditional": true},
			{"from": NodeSQLWorker, "to": NodeAggregate},
			{"from": NodeVectorWorker, "to": NodeAggregate},
			{"from": NodeKGWorker, "to": NodeAggregate},
			{"from": NodeAggregate, "to": NodeSetBarrier, "conditional": true},
			{"from": NodeAggregate, "to": NodeResponseWriter, "conditional": true},
		},
	}
}
