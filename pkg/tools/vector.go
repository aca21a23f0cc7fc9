package tools

import (
	"context"
	"fmt"
	"runtime"

	"github.com/philippgille/chromem-go"
)

// Hit is one vector search result.
type Hit struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VectorSearcher queries an embedded chromem collection. Embeddings are
// computed by the collection's embedding function, so callers only deal in
// text.
type VectorSearcher struct {
	col *chromem.Collection
}

// VectorOption configures NewVectorSearcher.
type VectorOption func(*vectorConfig)

type vectorConfig struct {
	persistPath string
	embed       chromem.EmbeddingFunc
}

// WithPersistPath stores the database on disk instead of in memory.
func WithPersistPath(path string) VectorOption {
	return func(c *vectorConfig) { c.persistPath = path }
}

// WithEmbeddingFunc overrides the embedding function (tests use a local
// deterministic one).
func WithEmbeddingFunc(f chromem.EmbeddingFunc) VectorOption {
	return func(c *vectorConfig) { c.embed = f }
}

// NewVectorSearcher opens (or creates) the named collection. Without
// WithEmbeddingFunc the OpenAI embedding endpoint is used with the given
// key and model.
func NewVectorSearcher(collection, openAIKey, embeddingModel string, opts ...VectorOption) (*VectorSearcher, error) {
	var cfg vectorConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var db *chromem.DB
	var err error
	if cfg.persistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := cfg.embed
	if embed == nil {
		embed = chromem.NewEmbeddingFuncOpenAI(openAIKey, chromem.EmbeddingModelOpenAI(embeddingModel))
	}

	col, err := db.GetOrCreateCollection(collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collection, err)
	}
	return &VectorSearcher{col: col}, nil
}

// Search returns up to topK documents ranked by similarity to query. topK is
// clamped to the collection size; an empty collection yields no hits.
func (s *VectorSearcher) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	if n := s.col.Count(); n < topK {
		if n == 0 {
			return nil, nil
		}
		topK = n
	}

	results, err := s.col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:       r.ID,
			Text:     r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		})
	}
	return hits, nil
}

// AddDocuments indexes documents into the collection. Used by seeding
// scripts and tests.
func (s *VectorSearcher) AddDocuments(ctx context.Context, docs []chromem.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return s.col.AddDocuments(ctx, docs, runtime.NumCPU())
}

// VectorTool exposes the searcher through the registry as vector_search.
type VectorTool struct {
	searcher *VectorSearcher
}

// NewVectorTool wraps a searcher for registry use.
func NewVectorTool(s *VectorSearcher) *VectorTool {
	return &VectorTool{searcher: s}
}

func (t *VectorTool) Name() string { return "vector_search" }

func (t *VectorTool) Description() string {
	return "Semantic search over the document index. Returns the most similar passages with scores."
}

func (t *VectorTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"top_k": map[string]any{"type": "integer"},
		},
		"required": []string{"query"},
	}
}

func (t *VectorTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	query, _ := input["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	topK := 5
	if v, ok := input["top_k"].(float64); ok && v > 0 {
		topK = int(v)
	}
	hits, err := t.searcher.Search(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hits": hits, "count": len(hits)}, nil
}
