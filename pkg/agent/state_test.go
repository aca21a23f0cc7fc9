package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaomayi-ant/smart-agent/graph/model"
)

func evidence(texts ...string) []Evidence {
	out := make([]Evidence, len(texts))
	for i, t := range texts {
		out[i] = Evidence{Text: t, Source: SourceVector}
	}
	return out
}

func TestClearableAppendReducer(t *testing.T) {
	base := Update[Evidence]{Items: evidence("a", "b")}

	t.Run("clear empties regardless of prior content", func(t *testing.T) {
		got := reduceUpdate(base, Clear[Evidence]())
		assert.Empty(t, got.Items)
	})

	t.Run("empty append is a no-op, not a clear", func(t *testing.T) {
		got := reduceUpdate(base, Append[Evidence]())
		assert.Len(t, got.Items, 2)
	})

	t.Run("zero value is a no-op", func(t *testing.T) {
		got := reduceUpdate(base, Update[Evidence]{})
		assert.Len(t, got.Items, 2)
	})

	t.Run("non-empty append concatenates", func(t *testing.T) {
		got := reduceUpdate(base, Append(evidence("c")...))
		require.Len(t, got.Items, 3)
		assert.Equal(t, "c", got.Items[2].Text)
	})

	t.Run("append after clear starts fresh", func(t *testing.T) {
		cleared := reduceUpdate(base, Clear[Evidence]())
		got := reduceUpdate(cleared, Append(evidence("x")...))
		require.Len(t, got.Items, 1)
		assert.Equal(t, "x", got.Items[0].Text)
	})
}

func TestReduceOverwriteFields(t *testing.T) {
	prev := TurnState{
		ThreadID: "t-1",
		Intent:   IntentRegular,
		AggRoute: RouteMore,
	}

	got := Reduce(prev, TurnState{Intent: IntentTool})
	assert.Equal(t, IntentTool, got.Intent)
	assert.Equal(t, "t-1", got.ThreadID, "empty delta fields leave prior values")
	assert.Equal(t, RouteMore, got.AggRoute)

	got = Reduce(got, TurnState{StageIndex: 2, AggRoute: RouteDone})
	assert.Equal(t, 2, got.StageIndex)
	assert.Equal(t, RouteDone, got.AggRoute)
}

func TestReduceWaitingIsAdditive(t *testing.T) {
	s := TurnState{}
	s = Reduce(s, TurnState{Waiting: 3})
	s = Reduce(s, TurnState{Waiting: -1})
	s = Reduce(s, TurnState{Waiting: -1})
	s = Reduce(s, TurnState{Waiting: -1})
	assert.Equal(t, 0, s.Waiting)
}

func TestReduceEvidenceCommutes(t *testing.T) {
	base := TurnState{}
	a := TurnState{SQLResults: Append(Evidence{Text: "row", Source: SourceSQL}), Waiting: -1}
	b := TurnState{VecResults: Append(Evidence{Text: "chunk", Source: SourceVector}), Waiting: -1}

	ab := Reduce(Reduce(base, a), b)
	ba := Reduce(Reduce(base, b), a)

	assert.Equal(t, ab.SQLResults, ba.SQLResults)
	assert.Equal(t, ab.VecResults, ba.VecResults)
	assert.Equal(t, ab.Waiting, ba.Waiting)
}

func TestAppendMessagesDedupsByID(t *testing.T) {
	prev := []model.Message{
		{Role: model.RoleUser, Content: "hi", ID: "m-1"},
		{Role: model.RoleAssistant, Content: "hello", ID: "m-2"},
	}

	got := appendMessages(prev, []model.Message{
		{Role: model.RoleAssistant, Content: "hello again", ID: "m-2"},
		{Role: model.RoleUser, Content: "next", ID: "m-3"},
		{Role: model.RoleUser, Content: "no id"},
	})

	require.Len(t, got, 4)
	assert.Equal(t, "hello", got[1].Content, "duplicate id keeps the first occurrence")
	assert.Equal(t, "m-3", got[2].ID)
	assert.Equal(t, "no id", got[3].Content)
}

func TestEvidenceKey(t *testing.T) {
	withID := Evidence{Text: "x", Source: SourceVector, Metadata: map[string]any{"id": "d1"}}
	assert.Equal(t, "vector/d1", evidenceKey(withID))

	noID := Evidence{Text: "same text", Source: SourceKG}
	assert.Equal(t, evidenceKey(noID), evidenceKey(Evidence{Text: "same text", Source: SourceKG}))
	assert.NotEqual(t, evidenceKey(noID), evidenceKey(Evidence{Text: "same text", Source: SourceVector}))
}
