package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xiaomayi-ant/smart-agent/graph/model"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
	"github.com/xiaomayi-ant/smart-agent/pkg/tools"
)

// approvalRequest is the body of POST /api/threads/{id}/tools/approval.
type approvalRequest struct {
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
	Approve    bool           `json:"approve"`
	ToolCallID string         `json:"toolCallId"`
}

// toolApproval resolves a pending human approval. Only tools on the
// approval allow-list are reachable here, and the tool executes only when
// the decision is approve. Both the decision and any result are persisted
// to the thread.
func (s *Server) toolApproval(c *gin.Context) {
	threadID, ok := s.ownedThread(c)
	if !ok {
		return
	}
	user := userID(c)

	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ToolName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "toolName is required"})
		return
	}
	if !tools.RequiresApproval(req.ToolName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tool does not take approvals"})
		return
	}

	toolCallID := req.ToolCallID
	if toolCallID == "" {
		toolCallID = stream.NewToolCallID()
	}

	if !req.Approve {
		s.persistDecision(threadID, user, req.ToolName, toolCallID, map[string]any{
			"approved": false,
		})
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	tool, err := s.tools.Get(req.ToolName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tool"})
		return
	}

	result, err := tool.Call(tools.WithUser(c.Request.Context(), user), req.Args)
	if err != nil {
		s.logger.Error("approved tool failed", "thread_id", threadID, "tool", req.ToolName, "error", err)
		s.persistDecision(threadID, user, req.ToolName, toolCallID, map[string]any{
			"approved": true,
			"error":    err.Error(),
		})
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}

	s.events.Push(threadID, stream.Event{
		Name: stream.EventOnToolEnd,
		Data: map[string]any{"tool": req.ToolName, "tool_call_id": toolCallID},
	})
	s.events.Push(threadID, stream.Event{
		Name: stream.EventToolResult,
		Data: map[string]any{"tool": req.ToolName, "tool_call_id": toolCallID, "result": result},
	})

	s.persistDecision(threadID, user, req.ToolName, toolCallID, map[string]any{
		"approved": true,
		"result":   result,
	})
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

// persistDecision records the approval outcome as a tool message so the
// next turn's history shows what ran.
func (s *Server) persistDecision(threadID, user, toolName, toolCallID string, payload map[string]any) {
	content, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.persistMessage(context.Background(), threadID, user, model.Message{
		Role:       model.RoleTool,
		Name:       toolName,
		ToolCallID: toolCallID,
		Content:    string(content),
	})
}
