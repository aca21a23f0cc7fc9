// Package config loads application settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provider identifiers accepted by LLM_PROVIDER.
const (
	ProviderDeepSeek  = "deepseek"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Structured planner binding modes accepted by STRUCTURED_PLANNER_METHOD.
const (
	PlannerAuto        = "auto"
	PlannerToolCalling = "tool_calling"
	PlannerJSONMode    = "json_mode"
	PlannerJSONSchema  = "json_schema"
	PlannerDisabled    = "disabled"
)

// Settings is the full application configuration.
type Settings struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// LLMProvider selects the credential/model set.
	LLMProvider string

	DeepSeekAPIKey  string
	DeepSeekBaseURL string
	DeepSeekModel   string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	AnthropicAPIKey string
	AnthropicModel  string

	// OpenAIEmbeddingModel backs the vector searcher regardless of the
	// chat provider.
	OpenAIEmbeddingModel string

	// StructuredPlannerMethod is the planner binding mode.
	StructuredPlannerMethod string

	// PGDSN enables the durable checkpointer and the thread store. When
	// empty the process falls back to the development SQLite saver at
	// SQLitePath.
	PGDSN      string
	SQLitePath string

	// MySQLDSN is the business database the SQL worker queries.
	MySQLDSN string

	// KGBaseURL is the knowledge-graph service endpoint.
	KGBaseURL string

	// JWTSecret is the HS256 secret for bearer token verification.
	JWTSecret string

	// CORSOrigins lists allowed origins; empty means same-origin only.
	CORSOrigins []string

	// TraceEvents enables the optional tracing SSE events.
	TraceEvents bool

	// DebugGraphEvents switches runs onto the engine's streaming path.
	DebugGraphEvents bool

	// WorkerDeadline is the hard per-worker deadline.
	WorkerDeadline time.Duration

	// ConnectionMaxAge bounds checkpointer connection lifetime.
	ConnectionMaxAge time.Duration

	// VectorMinScore is the low-confidence threshold for the vector
	// worker's assess step.
	VectorMinScore float64

	// VectorDBPath is the chromem persistence directory; empty keeps the
	// index in memory.
	VectorDBPath string
}

// Load reads settings from the environment, applying defaults.
func Load() (*Settings, error) {
	s := &Settings{
		ListenAddr: getenv("LISTEN_ADDR", ":8000"),

		LLMProvider: strings.ToLower(getenv("LLM_PROVIDER", ProviderDeepSeek)),

		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),
		DeepSeekBaseURL: getenv("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
		DeepSeekModel:   getenv("DEEPSEEK_MODEL", "deepseek-chat"),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4o-mini"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getenv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),

		OpenAIEmbeddingModel: getenv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),

		StructuredPlannerMethod: strings.ToLower(getenv("STRUCTURED_PLANNER_METHOD", PlannerAuto)),

		PGDSN:      os.Getenv("PG_DSN"),
		SQLitePath: getenv("SQLITE_PATH", "./smart-agent.db"),
		MySQLDSN:   os.Getenv("MYSQL_DSN"),
		KGBaseURL:  os.Getenv("KG_BASE_URL"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		TraceEvents:      getbool("TRACE_EVENTS", false),
		DebugGraphEvents: getbool("DEBUG_GRAPH_EVENTS", false),

		WorkerDeadline:   getduration("WORKER_DEADLINE", 30*time.Second),
		ConnectionMaxAge: getduration("CONNECTION_MAX_AGE", 210*time.Second),

		VectorMinScore: getfloat("VECTOR_MIN_SCORE", 0.35),
		VectorDBPath:   os.Getenv("VECTOR_DB_PATH"),
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.CORSOrigins = append(s.CORSOrigins, o)
			}
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ActiveModel returns the chat model of the selected provider.
func (s *Settings) ActiveModel() string {
	switch s.LLMProvider {
	case ProviderOpenAI:
		return s.OpenAIModel
	case ProviderAnthropic:
		return s.AnthropicModel
	default:
		return s.DeepSeekModel
	}
}

func (s *Settings) validate() error {
	switch s.LLMProvider {
	case ProviderDeepSeek:
		if s.DeepSeekAPIKey == "" {
			return fmt.Errorf("LLM_PROVIDER=%s requires DEEPSEEK_API_KEY", s.LLMProvider)
		}
	case ProviderOpenAI:
		if s.OpenAIAPIKey == "" {
			return fmt.Errorf("LLM_PROVIDER=%s requires OPENAI_API_KEY", s.LLMProvider)
		}
	case ProviderAnthropic:
		if s.AnthropicAPIKey == "" {
			return fmt.Errorf("LLM_PROVIDER=%s requires ANTHROPIC_API_KEY", s.LLMProvider)
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", s.LLMProvider)
	}

	switch s.StructuredPlannerMethod {
	case PlannerAuto, PlannerToolCalling, PlannerJSONMode, PlannerJSONSchema, PlannerDisabled:
	default:
		return fmt.Errorf("unknown STRUCTURED_PLANNER_METHOD %q", s.StructuredPlannerMethod)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getfloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
