package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Worker call names a plan step may reference.
const (
	CallSQL = "sql"
	CallVec = "vec"
	CallKG  = "kg"
)

// Plan is the planner's output: ordered stages of retrieval steps.
type Plan struct {
	Stages   []Stage `json:"stages"`
	FastPath bool    `json:"fast_path,omitempty"`
}

// Stage is one round of dispatch. Parallel stages fan out all steps at
// once; sequential stages run only their first step.
type Stage struct {
	Parallel bool   `json:"parallel,omitempty"`
	Steps    []Step `json:"steps"`
}

// Step is one worker invocation. When defaults to true; the orchestrator
// drops steps whose when is false.
type Step struct {
	Call string         `json:"call"`
	Args map[string]any `json:"args,omitempty"`
	When *bool          `json:"when,omitempty"`
}

// Enabled reports whether the step survives the when-filter.
func (s Step) Enabled() bool {
	return s.When == nil || *s.When
}

// EnabledSteps returns the stage's steps after the when-filter.
func (st Stage) EnabledSteps() []Step {
	out := make([]Step, 0, len(st.Steps))
	for _, s := range st.Steps {
		if s.Enabled() {
			out = append(out, s)
		}
	}
	return out
}

// PlanSchema is the JSON Schema the planner's structured output must
// conform to. It is also exported to providers as the constrained-decoding
// target, so it stays permissive on args.
func PlanSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"stages": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"parallel": map[string]any{"type": "boolean"},
						"steps": map[string]any{
							"type":     "array",
							"minItems": 1,
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"call": map[string]any{"type": "string", "enum": []any{CallSQL, CallVec, CallKG}},
									"args": map[string]any{"type": "object"},
									"when": map[string]any{"type": "boolean"},
								},
								"required": []any{"call"},
							},
						},
					},
					"required": []any{"steps"},
				},
			},
			"fast_path": map[string]any{"type": "boolean"},
		},
		"required": []any{"stages"},
	}
}

var (
	planSchemaOnce     sync.Once
	planSchemaCompiled *jsonschema.Schema
	planSchemaErr      error
)

func compiledPlanSchema() (*jsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		raw, err := json.Marshal(PlanSchema())
		if err != nil {
			planSchemaErr = err
			return
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			planSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.json", doc); err != nil {
			planSchemaErr = fmt.Errorf("add plan schema: %w", err)
			return
		}
		planSchemaCompiled, planSchemaErr = c.Compile("plan.json")
	})
	return planSchemaCompiled, planSchemaErr
}

// ParsePlan validates raw against the plan schema and the structural rule
// that the first stage keeps at least one step after the when-filter.
func ParsePlan(raw []byte) (*Plan, error) {
	schema, err := compiledPlanSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("plan violates schema: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, err
	}
	if len(plan.Stages) == 0 {
		return nil, fmt.Errorf("plan has no stages")
	}
	if len(plan.Stages[0].EnabledSteps()) == 0 {
		return nil, fmt.Errorf("first stage has no enabled steps")
	}
	return &plan, nil
}

// Lexicons for the deterministic fallback. Matching is case-insensitive
// substring over the raw utterance, so the terms include both English and
// Chinese surface forms seen in production traffic.
var (
	businessLexicon = []string{
		"order", "orders", "refund", "invoice", "payment", "pay",
		"purchase", "bought", "price", "sku", "订单", "退款", "发票",
		"支付", "购买", "价格",
	}
	kgLexicon = []string{
		"relationship", "related to", "who knows", "entity", "graph",
		"connection between", "关系", "图谱", "实体",
	}
)

// FallbackPlan routes the utterance by keyword lexicon: business-data terms
// go to a safe default SQL query, knowledge-graph terms to a graph search,
// everything else to vector retrieval.
func FallbackPlan(utterance string) *Plan {
	lower := strings.ToLower(utterance)

	contains := func(terms []string) bool {
		for _, term := range terms {
			if strings.Contains(lower, term) {
				return true
			}
		}
		return false
	}

	var step Step
	switch {
	case contains(businessLexicon):
		step = Step{Call: CallSQL, Args: map[string]any{
			"table":    "orders",
			"fields":   []any{"*"},
			"order_by": []any{map[string]any{"field": "create_time", "direction": "DESC"}},
			"limit":    10,
		}}
	case contains(kgLexicon):
		step = Step{Call: CallKG, Args: map[string]any{
			"call_type": "graph.search",
			"query":     utterance,
		}}
	default:
		step = Step{Call: CallVec, Args: map[string]any{
			"query": utterance,
			"top_k": 5,
		}}
	}

	return &Plan{Stages: []Stage{{Parallel: false, Steps: []Step{step}}}}
}
