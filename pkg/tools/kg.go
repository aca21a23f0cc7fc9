package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// kgEndpoints maps knowledge-graph call types to service paths. Unknown
// call types are rejected before any request is made.
var kgEndpoints = map[string]string{
	"graph.search":        "/search",
	"graph.write.episode": "/episodes",
	"graph.write.entity":  "/entities",
	"graph.write.edge":    "/edges",
	"graph.ingest.detect": "/ingest/detect",
	"graph.ingest.commit": "/ingest/commit",
}

// KGClient talks to the Graphiti-style knowledge-graph service over HTTP.
type KGClient struct {
	baseURL string
	client  *http.Client
}

// NewKGClient creates a client for the service at baseURL.
func NewKGClient(baseURL string) *KGClient {
	return &KGClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Call dispatches one knowledge-graph operation by call type. Write and
// ingest-commit calls mutate the graph and must only be reached through the
// approval flow.
func (c *KGClient) Call(ctx context.Context, callType string, args map[string]any) (map[string]any, error) {
	path, ok := kgEndpoints[callType]
	if !ok {
		return nil, fmt.Errorf("unknown knowledge-graph call type %q", callType)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", callType, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", callType, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge-graph %s: %w", callType, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", callType, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("knowledge-graph %s returned %d: %s", callType, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	out := make(map[string]any)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", callType, err)
		}
	}
	return out, nil
}

// Search runs graph.search and returns the fact strings from the result
// list. Entries without a fact field fall back to their JSON encoding.
func (c *KGClient) Search(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	args := map[string]any{"query": query}
	if limit > 0 {
		args["limit"] = limit
	}
	out, err := c.Call(ctx, "graph.search", args)
	if err != nil {
		return nil, err
	}

	raw, _ := out["results"].([]any)
	results := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			results = append(results, m)
		}
	}
	return results, nil
}

// KGTool exposes one knowledge-graph call type through the registry.
type KGTool struct {
	client      *KGClient
	name        string
	callType    string
	description string
}

// KGTools returns the full registry set for the client: one read tool per
// query operation and the approval-gated write tools.
func KGTools(client *KGClient) []*KGTool {
	return []*KGTool{
		{client, "graph_search", "graph.search", "Search the knowledge graph for facts about entities and their relationships."},
		{client, "graphiti_ingest_detect_tool", "graph.ingest.detect", "Detect entities and relationships in text without writing anything."},
		{client, "graphiti_ingest_commit_tool", "graph.ingest.commit", "Commit a detected ingest batch to the knowledge graph. Requires human approval."},
		{client, "graph_write_episode", "graph.write.episode", "Record an episode in the knowledge graph. Requires human approval."},
		{client, "graph_write_entity", "graph.write.entity", "Create or update an entity in the knowledge graph. Requires human approval."},
		{client, "graph_write_edge", "graph.write.edge", "Create or update a relationship edge in the knowledge graph. Requires human approval."},
	}
}

func (t *KGTool) Name() string { return t.name }

func (t *KGTool) Description() string { return t.description }

func (t *KGTool) Schema() map[string]any {
	if t.callType == "graph.search" {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []string{"query"},
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": true,
	}
}

func (t *KGTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	return t.client.Call(ctx, t.callType, input)
}
