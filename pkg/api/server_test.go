package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/graph/model"
	"github.com/xiaomayi-ant/smart-agent/pkg/agent"
	"github.com/xiaomayi-ant/smart-agent/pkg/config"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
	"github.com/xiaomayi-ant/smart-agent/pkg/threads"
	"github.com/xiaomayi-ant/smart-agent/pkg/tools"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// memStore is an in-memory ThreadStore for handler tests.
type memStore struct {
	mu       sync.Mutex
	owners   map[string]string
	messages map[string][]threads.Message
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{owners: map[string]string{}, messages: map[string][]threads.Message{}}
}

func (m *memStore) EnsureThread(_ context.Context, threadID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[threadID]; !ok {
		m.owners[threadID] = userID
	}
	return nil
}

func (m *memStore) GetThreadOwner(_ context.Context, threadID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[threadID], nil
}

func (m *memStore) InsertMessage(_ context.Context, threadID, userID, role string, content json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[threadID] != userID {
		return pgx.ErrNoRows
	}
	m.nextID++
	m.messages[threadID] = append(m.messages[threadID], threads.Message{
		ID: m.nextID, ThreadID: threadID, UserID: userID, Role: role, Content: content,
	})
	return nil
}

func (m *memStore) LoadMessages(_ context.Context, threadID, userID string) ([]threads.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[threadID] != userID || userID == "" {
		return nil, nil
	}
	out := make([]threads.Message, len(m.messages[threadID]))
	copy(out, m.messages[threadID])
	return out, nil
}

func (m *memStore) DeleteThread(_ context.Context, threadID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[threadID] != userID {
		return pgx.ErrNoRows
	}
	delete(m.owners, threadID)
	delete(m.messages, threadID)
	return nil
}

// stubRunner replays a canned run: it pushes scripted events through the
// registry and returns the final state.
type stubRunner struct {
	events  *stream.Registry
	push    []stream.Event
	final   func(initial agent.TurnState) agent.TurnState
	resume  func(cfg graph.Config) (agent.TurnState, error)
	invoked bool
	mu      sync.Mutex
}

func (r *stubRunner) Invoke(_ context.Context, initial agent.TurnState, cfg graph.Config) (agent.TurnState, error) {
	r.mu.Lock()
	r.invoked = true
	r.mu.Unlock()
	for _, ev := range r.push {
		r.events.Push(cfg.ThreadID, ev)
	}
	if r.final != nil {
		return r.final(initial), nil
	}
	return initial, nil
}

func (r *stubRunner) Resume(_ context.Context, cfg graph.Config) (agent.TurnState, error) {
	if r.resume == nil {
		return agent.TurnState{}, graph.ErrNothingToResume
	}
	for _, ev := range r.push {
		r.events.Push(cfg.ThreadID, ev)
	}
	return r.resume(cfg)
}

func (r *stubRunner) wasInvoked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoked
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.New()
	require.NoError(t, token.Set(jwt.SubjectKey, subject))
	require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

type testEnv struct {
	server *Server
	router *gin.Engine
	store  *memStore
	runner *stubRunner
	events *stream.Registry
	tools  *tools.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newMemStore()
	events := stream.NewRegistry()
	runner := &stubRunner{events: events}
	registry := tools.NewRegistry()

	cfg := &config.Settings{
		JWTSecret:   testSecret,
		CORSOrigins: []string{"*"},
		LLMProvider: config.ProviderDeepSeek,
	}
	srv := NewServer(cfg, store, runner, events, registry, nil)
	return &testEnv{server: srv, router: srv.Routes(), store: store, runner: runner, events: events, tools: registry}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	t.Run("valid token creates thread", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/threads", signToken(t, "u-1"), nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.NotEmpty(t, body["thread_id"])
	})

	t.Run("missing token is 401 on create", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/threads", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token is 401 on create", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/threads", "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token signed with wrong secret is rejected", func(t *testing.T) {
		token := jwt.New()
		require.NoError(t, token.Set(jwt.SubjectKey, "u-1"))
		signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("other-secret")))
		require.NoError(t, err)
		w := env.request(t, http.MethodPost, "/api/threads", string(signed), nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestOwnerIsolation(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.EnsureThread(context.Background(), "t-1", "owner"))

	intruder := signToken(t, "intruder")

	t.Run("messages of another user's thread read as not found", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/threads/t-1/messages", intruder, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("delete of another user's thread reads as not found", func(t *testing.T) {
		w := env.request(t, http.MethodDelete, "/api/threads/t-1", intruder, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("run stream without valid token reads as not found", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/threads/t-1/runs/stream", "", map[string]any{
			"input": map[string]any{"messages": []map[string]any{{"role": "user", "content": "hi"}}},
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.False(t, env.runner.wasInvoked(), "graph must not execute for non-owners")
	})

	t.Run("missing thread reads the same as foreign thread", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/threads/no-such/messages", intruder, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestThreadLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner := signToken(t, "u-1")

	w := env.request(t, http.MethodPost, "/api/threads", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	threadID := created["thread_id"]

	w = env.request(t, http.MethodGet, "/api/threads/"+threadID+"/messages", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodDelete, "/api/threads/"+threadID, owner, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/api/threads/"+threadID+"/messages", owner, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamRunEventFlow(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.EnsureThread(context.Background(), "t-1", "u-1"))

	env.runner.push = []stream.Event{
		{Name: stream.EventPartialAI, Data: map[string]any{"content": "Hel"}},
		{Name: stream.EventPartialAI, Data: map[string]any{"content": "Hello"}},
	}
	env.runner.final = func(initial agent.TurnState) agent.TurnState {
		out := initial
		out.FinalAnswer = "Hello"
		out.Messages = append(out.Messages, modelAssistant("Hello"))
		return out
	}

	w := env.request(t, http.MethodPost, "/api/threads/t-1/runs/stream", signToken(t, "u-1"), map[string]any{
		"input": map[string]any{"messages": []map[string]any{{"role": "user", "content": "hi"}}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	body := w.Body.String()
	frames := parseFrames(body)
	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, stream.EventMessage, frames[0].name, "opening chunk first")
	assert.Contains(t, frames[0].data, `"role":"assistant"`)
	assert.Equal(t, stream.EventComplete, frames[len(frames)-1].name, "complete is last")
	assert.Contains(t, body, `"content":"Hello"`)

	// Both the user turn and the assistant turn were persisted.
	rows, err := env.store.LoadMessages(context.Background(), "t-1", "u-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "user", rows[0].Role)
	assert.Equal(t, "assistant", rows[1].Role)
}

func TestStreamRunBadBody(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.EnsureThread(context.Background(), "t-1", "u-1"))

	w := env.request(t, http.MethodPost, "/api/threads/t-1/runs/stream", signToken(t, "u-1"), map[string]any{
		"input": map[string]any{"messages": []map[string]any{}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFlattenContent(t *testing.T) {
	t.Run("plain string", func(t *testing.T) {
		got, err := flattenContent(json.RawMessage(`"hello"`))
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	})

	t.Run("parts list", func(t *testing.T) {
		got, err := flattenContent(json.RawMessage(`[
			{"type": "text", "text": "check this: "},
			{"type": "file", "name": "report.pdf", "content_type": "application/pdf"},
			{"type": "text", "text": " thanks"}
		]`))
		require.NoError(t, err)
		assert.Equal(t, "check this: [file: report.pdf (application/pdf)] thanks", got)
	})

	t.Run("unnamed file part", func(t *testing.T) {
		got, err := flattenContent(json.RawMessage(`[{"type": "image"}]`))
		require.NoError(t, err)
		assert.Equal(t, "[file: attachment (image)]", got)
	})

	t.Run("invalid shape", func(t *testing.T) {
		_, err := flattenContent(json.RawMessage(`42`))
		assert.Error(t, err)
	})
}

func TestToolApproval(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.EnsureThread(context.Background(), "t-1", "u-1"))
	owner := signToken(t, "u-1")

	executed := false
	require.NoError(t, env.tools.Register(callbackTool{
		name: "graphiti_ingest_commit_tool",
		fn: func(args map[string]any) (map[string]any, error) {
			executed = true
			return map[string]any{"committed": args["batch"]}, nil
		},
	}))

	t.Run("non allow-listed tool rejected", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/threads/t-1/tools/approval", owner, map[string]any{
			"toolName": "execute_sql", "approve": true,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reject decision persists without executing", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/threads/t-1/tools/approval", owner, map[string]any{
			"toolName": "graphiti_ingest_commit_tool", "approve": false,
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, executed)

		rows, _ := env.store.LoadMessages(context.Background(), "t-1", "u-1")
		require.NotEmpty(t, rows)
		assert.Equal(t, "tool", rows[len(rows)-1].Role)
		assert.Contains(t, string(rows[len(rows)-1].Content), `"approved":false`)
	})

	t.Run("approve executes and persists result", func(t *testing.T) {
		var got []stream.Event
		env.events.Register("t-1", func(ev stream.Event) { got = append(got, ev) })
		defer env.events.Unregister("t-1")

		w := env.request(t, http.MethodPost, "/api/threads/t-1/tools/approval", owner, map[string]any{
			"toolName": "graphiti_ingest_commit_tool",
			"args":     map[string]any{"batch": "b-1"},
			"approve":  true,
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, executed)
		assert.Contains(t, w.Body.String(), `"committed":"b-1"`)

		require.Len(t, got, 2)
		assert.Equal(t, stream.EventOnToolEnd, got[0].Name)
		assert.Equal(t, stream.EventToolResult, got[1].Name)

		rows, _ := env.store.LoadMessages(context.Background(), "t-1", "u-1")
		last := rows[len(rows)-1]
		assert.Contains(t, string(last.Content), `"approved":true`)
		assert.Contains(t, string(last.Content), `"committed":"b-1"`)
	})

	t.Run("approval on foreign thread is not found", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/threads/t-1/tools/approval", signToken(t, "intruder"), map[string]any{
			"toolName": "graphiti_ingest_commit_tool", "approve": true,
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGraphSpecEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/api/graph/spec", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "orchestrator")
	assert.Contains(t, w.Body.String(), "response_writer")
}

func TestHealthAndRoot(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/", "", nil).Code)
}

type frame struct {
	name string
	data string
}

func parseFrames(body string) []frame {
	var frames []frame
	for _, block := range strings.Split(body, "\n\n") {
		var f frame
		for _, line := range strings.Split(block, "\n") {
			if strings.HasPrefix(line, "event: ") {
				f.name = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if f.name != "" {
			frames = append(frames, f)
		}
	}
	return frames
}

type callbackTool struct {
	name string
	fn   func(args map[string]any) (map[string]any, error)
}

func (c callbackTool) Name() string           { return c.name }
func (c callbackTool) Description() string    { return "test tool" }
func (c callbackTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (c callbackTool) Call(_ context.Context, args map[string]any) (map[string]any, error) {
	return c.fn(args)
}

func modelAssistant(text string) model.Message {
	return model.Message{Role: model.RoleAssistant, Content: text}
}

// brokenWriter drops the connection after the first successful write, like a
// client that went away mid-stream.
type brokenWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	b.writes++
	if b.writes > 1 {
		return 0, errors.New("broken pipe")
	}
	return b.ResponseRecorder.Write(p)
}

func TestStreamRunConsumerFailureStillFinishesRun(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.EnsureThread(context.Background(), "t-1", "u-1"))

	// More events than the queue buffers: if the abandoned queue were left
	// open, the run would block mid-stream and never persist its result.
	for i := 0; i < 300; i++ {
		env.runner.push = append(env.runner.push, stream.Event{
			Name: stream.EventPartialAI,
			Data: map[string]any{"content": "chunk"},
		})
	}
	env.runner.final = func(initial agent.TurnState) agent.TurnState {
		out := initial
		out.Messages = append(out.Messages, modelAssistant("Recovered"))
		return out
	}

	raw, err := json.Marshal(map[string]any{
		"input": map[string]any{"messages": []map[string]any{{"role": "user", "content": "hi"}}},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/threads/t-1/runs/stream", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u-1"))
	req.Header.Set("Content-Type", "application/json")

	w := &brokenWriter{ResponseRecorder: httptest.NewRecorder()}
	env.router.ServeHTTP(w, req)

	// The consumer bailed on the write error; the producer must still
	// finish the run and persist both turns.
	require.Eventually(t, func() bool {
		rows, err := env.store.LoadMessages(context.Background(), "t-1", "u-1")
		if err != nil || len(rows) != 2 {
			return false
		}
		return rows[1].Role == "assistant"
	}, 2*time.Second, 10*time.Millisecond, "run did not finish after the client vanished")
}

func TestResumeRun(t *testing.T) {
	t.Run("streams the remainder of an interrupted turn", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.store.EnsureThread(context.Background(), "t-1", "u-1"))

		env.runner.push = []stream.Event{
			{Name: stream.EventPartialAI, Data: map[string]any{"content": "Recov"}},
		}
		env.runner.resume = func(cfg graph.Config) (agent.TurnState, error) {
			require.Equal(t, "t-1", cfg.ThreadID)
			require.Equal(t, "u-1", cfg.UserID)
			return agent.TurnState{Messages: []model.Message{modelAssistant("Recovered")}}, nil
		}

		w := env.request(t, http.MethodPost, "/api/threads/t-1/runs/resume", signToken(t, "u-1"), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

		frames := parseFrames(w.Body.String())
		require.NotEmpty(t, frames)
		assert.Equal(t, stream.EventMessage, frames[0].name)
		assert.Equal(t, stream.EventComplete, frames[len(frames)-1].name)

		rows, err := env.store.LoadMessages(context.Background(), "t-1", "u-1")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "assistant", rows[0].Role)
		assert.Contains(t, string(rows[0].Content), "Recovered")
	})

	t.Run("finished thread reports nothing to resume", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.store.EnsureThread(context.Background(), "t-1", "u-1"))

		w := env.request(t, http.MethodPost, "/api/threads/t-1/runs/resume", signToken(t, "u-1"), nil)
		require.Equal(t, http.StatusOK, w.Code)

		frames := parseFrames(w.Body.String())
		require.NotEmpty(t, frames)
		last := frames[len(frames)-1]
		assert.Equal(t, stream.EventError, last.name)
		assert.Contains(t, last.data, "nothing_to_resume")

		rows, _ := env.store.LoadMessages(context.Background(), "t-1", "u-1")
		assert.Empty(t, rows)
	})

	t.Run("foreign thread reads as not found", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.store.EnsureThread(context.Background(), "t-1", "owner"))

		w := env.request(t, http.MethodPost, "/api/threads/t-1/runs/resume", signToken(t, "intruder"), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestApprovalCarriesAuthenticatedUser(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.EnsureThread(context.Background(), "t-1", "u-1"))

	var seenUser string
	require.NoError(t, env.tools.Register(ctxTool{
		name: "graph_write_entity",
		fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			seenUser = tools.UserFrom(ctx)
			return map[string]any{"ok": true}, nil
		},
	}))

	w := env.request(t, http.MethodPost, "/api/threads/t-1/tools/approval", signToken(t, "u-1"), map[string]any{
		"toolName": "graph_write_entity", "approve": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-1", seenUser, "approved tools must see the request's user")
}

type ctxTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (map[string]any, error)
}

func (c ctxTool) Name() string           { return c.name }
func (c ctxTool) Description() string    { return "test tool" }
func (c ctxTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (c ctxTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	return c.fn(ctx, args)
}
