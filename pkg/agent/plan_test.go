package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	t.Run("valid single stage", func(t *testing.T) {
		plan, err := ParsePlan([]byte(`{
			"stages": [{"parallel": true, "steps": [
				{"call": "sql", "args": {"table": "orders"}},
				{"call": "vec", "args": {"query": "refund policy"}}
			]}]
		}`))
		require.NoError(t, err)
		require.Len(t, plan.Stages, 1)
		assert.True(t, plan.Stages[0].Parallel)
		assert.Len(t, plan.Stages[0].EnabledSteps(), 2)
	})

	t.Run("no stages", func(t *testing.T) {
		_, err := ParsePlan([]byte(`{"stages": []}`))
		assert.Error(t, err)
	})

	t.Run("unknown call rejected", func(t *testing.T) {
		_, err := ParsePlan([]byte(`{"stages": [{"steps": [{"call": "web"}]}]}`))
		assert.Error(t, err)
	})

	t.Run("first stage fully when-filtered", func(t *testing.T) {
		_, err := ParsePlan([]byte(`{"stages": [{"steps": [{"call": "vec", "when": false}]}]}`))
		assert.Error(t, err)
	})

	t.Run("when filter keeps enabled steps", func(t *testing.T) {
		plan, err := ParsePlan([]byte(`{"stages": [{"steps": [
			{"call": "vec", "when": false},
			{"call": "kg"}
		]}]}`))
		require.NoError(t, err)
		steps := plan.Stages[0].EnabledSteps()
		require.Len(t, steps, 1)
		assert.Equal(t, CallKG, steps[0].Call)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParsePlan([]byte("```json\n{}\n```"))
		assert.Error(t, err)
	})
}

func TestFallbackPlan(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		wantCall  string
	}{
		{"business english", "Show me my latest orders", CallSQL},
		{"business chinese", "我的订单在哪里", CallSQL},
		{"kg english", "what is the relationship between alice and acme", CallKG},
		{"kg chinese", "他们之间的关系是什么", CallKG},
		{"default vector", "how do I configure the exporter", CallVec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := FallbackPlan(tt.utterance)
			require.Len(t, plan.Stages, 1)
			steps := plan.Stages[0].EnabledSteps()
			require.Len(t, steps, 1)
			assert.Equal(t, tt.wantCall, steps[0].Call)
		})
	}
}

func TestFallbackPlanPassesValidation(t *testing.T) {
	for _, utterance := range []string{"orders please", "entity graph", "anything else"} {
		plan := FallbackPlan(utterance)
		require.NotEmpty(t, plan.Stages)
		assert.NotEmpty(t, plan.Stages[0].EnabledSteps())
	}
}
