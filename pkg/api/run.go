package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/graph/model"
	"github.com/xiaomayi-ant/smart-agent/pkg/agent"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
)

// runRequest is the body of POST /api/threads/{id}/runs/stream.
type runRequest struct {
	Input struct {
		Messages []incomingMessage `json:"messages"`
	} `json:"input"`
}

// incomingMessage accepts both plain-text content and the multimodal parts
// form; parts are flattened to text before entering the graph.
type incomingMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// flattenContent turns a content value into plain text. String content
// passes through; a parts list concatenates text parts and renders file
// parts as placeholders.
func flattenContent(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content must be a string or a parts list")
	}

	var sb strings.Builder
	for _, part := range parts {
		kind, _ := part["type"].(string)
		switch kind {
		case "text":
			if t, ok := part["text"].(string); ok {
				sb.WriteString(t)
			}
		case "file", "image", "image_url":
			name, _ := part["name"].(string)
			if name == "" {
				name = "attachment"
			}
			contentType, _ := part["content_type"].(string)
			if contentType == "" {
				contentType = kind
			}
			fmt.Fprintf(&sb, "[file: %s (%s)]", name, contentType)
		}
	}
	return sb.String(), nil
}

func (r runRequest) toMessages() ([]model.Message, error) {
	out := make([]model.Message, 0, len(r.Input.Messages))
	for _, m := range r.Input.Messages {
		if m.Role == "" {
			m.Role = model.RoleUser
		}
		text, err := flattenContent(m.Content)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Message{Role: m.Role, Content: text})
	}
	return out, nil
}

// streamRun starts a graph run for the thread and streams its events.
//
// The producer goroutine runs the graph against a background context so a
// client disconnect never loses the final checkpoint or the persisted
// assistant message; the consumer loop simply stops flushing.
func (s *Server) streamRun(c *gin.Context) {
	threadID, ok := s.ownedThread(c)
	if !ok {
		return
	}
	user := userID(c)

	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	incoming, err := req.toMessages()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(incoming) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input.messages is required"})
		return
	}

	history, err := s.loadHistory(c.Request.Context(), threadID, user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load history failed"})
		return
	}

	for _, m := range incoming {
		s.persistMessage(context.Background(), threadID, user, m)
	}

	queue := stream.NewQueue()
	s.events.Register(threadID, queue.Push)
	// Close on every exit from the consumer, including write failures: a
	// closed queue turns the producer's pushes into no-ops so the run still
	// finishes for durability instead of blocking on a full buffer.
	defer queue.Close()

	messageID := stream.NewMessageID()
	modelName := s.cfg.ActiveModel()

	go s.produce(threadID, user, messageID, modelName, append(history, incoming...), queue)

	s.consume(c, queue)
}

// consume pumps queue events into the SSE response until the queue closes,
// a write fails, or the client goes away.
func (s *Server) consume(c *gin.Context, queue *stream.Queue) {
	stream.SetSSEHeaders(c.Writer.Header())
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		ev, ok := queue.Next()
		if !ok {
			return
		}
		if err := stream.WriteEvent(c.Writer, ev); err != nil {
			return
		}
		c.Writer.Flush()

		select {
		case <-clientGone:
			return
		default:
		}
	}
}

// produce runs the graph and feeds the queue. It always terminates the
// stream with either complete or error, then closes the queue.
func (s *Server) produce(threadID, user, messageID, modelName string, messages []model.Message, queue *stream.Queue) {
	defer func() {
		s.events.Unregister(threadID)
		queue.Close()
	}()

	queue.Push(stream.Event{
		Name: stream.EventMessage,
		Data: stream.OpeningChunk(messageID, modelName),
	})

	final, err := s.invoke(agent.TurnState{
		ThreadID: threadID,
		UserID:   user,
		Messages: messages,
	}, graph.Config{ThreadID: threadID, UserID: user}, queue)
	if err != nil {
		s.logger.Error("graph run failed", "thread_id", threadID, "error", err)
		queue.Push(stream.Event{
			Name: stream.EventError,
			Data: map[string]any{"error": err.Error(), "type": "run_error"},
		})
		return
	}

	for _, m := range final.Messages[len(messages):] {
		s.persistMessage(context.Background(), threadID, user, m)
	}

	queue.Push(stream.Event{
		Name: stream.EventMessage,
		Data: stream.ClosingChunk(messageID, modelName),
	})
	queue.Push(stream.Event{
		Name: stream.EventComplete,
		Data: map[string]any{"message_id": messageID},
	})
}

// Resumer continues an interrupted run from the thread's latest checkpoint.
// *graph.Engine[agent.TurnState] implements it.
type Resumer interface {
	Resume(ctx context.Context, cfg graph.Config) (agent.TurnState, error)
}

// resumeRun picks up a run that a crash or deploy cut short: the engine
// re-seeds its frontier from the thread's latest checkpoint and the stream
// carries the remainder of the turn. A thread whose latest checkpoint is
// terminal streams a nothing_to_resume error event.
func (s *Server) resumeRun(c *gin.Context) {
	resumer, ok := s.runner.(Resumer)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "resume is not supported"})
		return
	}
	threadID, ok := s.ownedThread(c)
	if !ok {
		return
	}
	user := userID(c)

	history, err := s.loadHistory(c.Request.Context(), threadID, user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load history failed"})
		return
	}

	queue := stream.NewQueue()
	s.events.Register(threadID, queue.Push)
	defer queue.Close()

	messageID := stream.NewMessageID()
	modelName := s.cfg.ActiveModel()

	go func() {
		defer func() {
			s.events.Unregister(threadID)
			queue.Close()
		}()

		queue.Push(stream.Event{
			Name: stream.EventMessage,
			Data: stream.OpeningChunk(messageID, modelName),
		})

		final, err := resumer.Resume(context.Background(), graph.Config{ThreadID: threadID, UserID: user})
		if err != nil {
			kind := "run_error"
			if errors.Is(err, graph.ErrNotFound) || errors.Is(err, graph.ErrNothingToResume) {
				kind = "nothing_to_resume"
			} else {
				s.logger.Error("graph resume failed", "thread_id", threadID, "error", err)
			}
			queue.Push(stream.Event{
				Name: stream.EventError,
				Data: map[string]any{"error": err.Error(), "type": kind},
			})
			return
		}

		// Rows already persisted before the interruption stay put; only the
		// checkpoint messages beyond them are new.
		if len(final.Messages) > len(history) {
			for _, m := range final.Messages[len(history):] {
				s.persistMessage(context.Background(), threadID, user, m)
			}
		}

		queue.Push(stream.Event{
			Name: stream.EventMessage,
			Data: stream.ClosingChunk(messageID, modelName),
		})
		queue.Push(stream.Event{
			Name: stream.EventComplete,
			Data: map[string]any{"message_id": messageID},
		})
	}()

	s.consume(c, queue)
}

// Streamer is the engine's per-superstep debug surface.
type Streamer interface {
	Stream(ctx context.Context, initial agent.TurnState, cfg graph.Config) <-chan graph.StepSnapshot[agent.TurnState]
}

// invoke runs the graph. With DEBUG_GRAPH_EVENTS enabled and a streaming
// runner it walks the engine's snapshot channel and surfaces one debug
// event per superstep; otherwise it blocks on Invoke.
func (s *Server) invoke(initial agent.TurnState, cfg graph.Config, queue *stream.Queue) (agent.TurnState, error) {
	streamer, ok := s.runner.(Streamer)
	if !s.cfg.DebugGraphEvents || !ok {
		return s.runner.Invoke(context.Background(), initial, cfg)
	}

	var final agent.TurnState
	for snapshot := range streamer.Stream(context.Background(), initial, cfg) {
		if snapshot.Done {
			final = snapshot.State
			if snapshot.Err != nil {
				return final, snapshot.Err
			}
			continue
		}
		queue.Push(stream.Event{
			Name: stream.EventDebug,
			Data: map[string]any{
				"step":        snapshot.Step,
				"waiting":     snapshot.State.Waiting,
				"stage_index": snapshot.State.StageIndex,
				"agg_route":   snapshot.State.AggRoute,
			},
		})
	}
	return final, nil
}

// loadHistory reconstructs the conversation from persisted rows.
func (s *Server) loadHistory(ctx context.Context, threadID, user string) ([]model.Message, error) {
	rows, err := s.store.LoadMessages(ctx, threadID, user)
	if err != nil {
		return nil, err
	}

	history := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		var m model.Message
		if err := json.Unmarshal(row.Content, &m); err != nil || m.Role == "" {
			m = model.Message{Role: row.Role}
			var text string
			if json.Unmarshal(row.Content, &text) == nil {
				m.Content = text
			}
		}
		history = append(history, m)
	}
	return history, nil
}

func (s *Server) persistMessage(ctx context.Context, threadID, user string, m model.Message) {
	content, err := json.Marshal(m)
	if err != nil {
		s.logger.Error("encode message failed", "thread_id", threadID, "error", err)
		return
	}
	if err := s.store.InsertMessage(ctx, threadID, user, m.Role, content); err != nil {
		s.logger.Error("persist message failed", "thread_id", threadID, "role", m.Role, "error", err)
	}
}
