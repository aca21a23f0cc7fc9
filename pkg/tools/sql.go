package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// StructuredQuery is the only way workers reach the business database. Raw
// SQL strings are never accepted; every query is assembled from validated
// identifiers and parameter placeholders.
type StructuredQuery struct {
	Table      string      `json:"table"`
	Fields     []string    `json:"fields"`
	Conditions []Condition `json:"conditions,omitempty"`
	OrderBy    []Order     `json:"order_by,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
}

// Condition is one predicate of a structured query.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Order is one sort key.
type Order struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var allowedOps = map[string]string{
	"=":    "=",
	"!=":   "!=",
	"<":    "<",
	"<=":   "<=",
	">":    ">",
	">=":   ">=",
	"like": "LIKE",
	"in":   "IN",
}

// userScopedTables require a user_id predicate; the executor injects the
// authenticated user regardless of what the planner asked for.
var userScopedTables = map[string]bool{
	"order":        true,
	"orders":       true,
	"order_detail": true,
	"user_profile": true,
}

// defaultLimit caps result sets when the planner omitted a limit.
const defaultLimit = 50

// ParseQueryInput decodes worker args into a StructuredQuery. Both the
// simple form (table/fields/... at the top level) and the structured form
// ({"query_draft": {...}}) are accepted.
func ParseQueryInput(args map[string]any) (StructuredQuery, error) {
	if draft, ok := args["query_draft"]; ok {
		m, ok := draft.(map[string]any)
		if !ok {
			return StructuredQuery{}, fmt.Errorf("query_draft must be an object")
		}
		args = m
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return StructuredQuery{}, err
	}
	var q StructuredQuery
	if err := json.Unmarshal(raw, &q); err != nil {
		return StructuredQuery{}, fmt.Errorf("decode query: %w", err)
	}
	if q.Table == "" {
		return StructuredQuery{}, fmt.Errorf("query is missing table")
	}
	return q, nil
}

// Build assembles the parameterized SELECT for q, injecting the user_id
// predicate on user-scoped tables. Returns the SQL text and its arguments.
func Build(q StructuredQuery, userID string) (string, []any, error) {
	if !identifierPattern.MatchString(q.Table) {
		return "", nil, fmt.Errorf("invalid table name %q", q.Table)
	}

	fields := "*"
	if len(q.Fields) > 0 && !(len(q.Fields) == 1 && q.Fields[0] == "*") {
		quoted := make([]string, len(q.Fields))
		for i, f := range q.Fields {
			if !identifierPattern.MatchString(f) {
				return "", nil, fmt.Errorf("invalid field name %q", f)
			}
			quoted[i] = "`" + f + "`"
		}
		fields = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT %s FROM `%s`", fields, q.Table)

	conditions := q.Conditions
	if userScopedTables[q.Table] {
		if userID == "" {
			return "", nil, fmt.Errorf("table %q requires an authenticated user", q.Table)
		}
		// Drop any planner-supplied user_id predicate before injecting
		// the authenticated one.
		kept := conditions[:0:0]
		for _, c := range conditions {
			if c.Field != "user_id" {
				kept = append(kept, c)
			}
		}
		conditions = append(kept, Condition{Field: "user_id", Op: "=", Value: userID})
	}

	if len(conditions) > 0 {
		clauses := make([]string, 0, len(conditions))
		for _, c := range conditions {
			if !identifierPattern.MatchString(c.Field) {
				return "", nil, fmt.Errorf("invalid condition field %q", c.Field)
			}
			op, ok := allowedOps[strings.ToLower(c.Op)]
			if !ok {
				return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
			}
			if op == "IN" {
				values, ok := c.Value.([]any)
				if !ok || len(values) == 0 {
					return "", nil, fmt.Errorf("IN condition on %q needs a non-empty list", c.Field)
				}
				placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
				clauses = append(clauses, fmt.Sprintf("`%s` IN (%s)", c.Field, placeholders))
				args = append(args, values...)
				continue
			}
			clauses = append(clauses, fmt.Sprintf("`%s` %s ?", c.Field, op))
			args = append(args, c.Value)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}

	if len(q.OrderBy) > 0 {
		keys := make([]string, 0, len(q.OrderBy))
		for _, o := range q.OrderBy {
			if !identifierPattern.MatchString(o.Field) {
				return "", nil, fmt.Errorf("invalid order field %q", o.Field)
			}
			dir := "ASC"
			if strings.EqualFold(o.Direction, "desc") {
				dir = "DESC"
			}
			keys = append(keys, fmt.Sprintf("`%s` %s", o.Field, dir))
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(keys, ", "))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	fmt.Fprintf(&sb, " LIMIT %d", limit)
	if q.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", q.Offset)
	}

	return sb.String(), args, nil
}

// SQLExecutor runs structured queries against the business MySQL database.
type SQLExecutor struct {
	db *sql.DB
}

// NewSQLExecutor opens the MySQL pool for the given DSN.
func NewSQLExecutor(dsn string) (*SQLExecutor, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return &SQLExecutor{db: db}, nil
}

// NewSQLExecutorFromDB wraps an existing pool (tests).
func NewSQLExecutorFromDB(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{db: db}
}

// Query builds and runs q, returning rows as field maps.
func (e *SQLExecutor) Query(ctx context.Context, q StructuredQuery, userID string) ([]map[string]any, error) {
	text, args, err := Build(q, userID)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (e *SQLExecutor) Close() error { return e.db.Close() }

// SQLTool exposes the executor through the tool registry as execute_sql.
type SQLTool struct {
	exec   *SQLExecutor
	userID string
}

// NewSQLTool wraps the executor for the given authenticated user. With an
// empty userID the user is taken from the call context (WithUser), which is
// how the shared registry instance stays scoped per request.
func NewSQLTool(exec *SQLExecutor, userID string) *SQLTool {
	return &SQLTool{exec: exec, userID: userID}
}

func (t *SQLTool) Name() string { return "execute_sql" }

func (t *SQLTool) Description() string {
	return "Query the business database with a structured query (table, fields, conditions, order_by, limit)."
}

func (t *SQLTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"table":      map[string]any{"type": "string"},
			"fields":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"conditions": map[string]any{"type": "array"},
			"order_by":   map[string]any{"type": "array"},
			"limit":      map[string]any{"type": "integer"},
			"offset":     map[string]any{"type": "integer"},
		},
		"required": []string{"table"},
	}
}

func (t *SQLTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	q, err := ParseQueryInput(input)
	if err != nil {
		return nil, err
	}
	user := t.userID
	if user == "" {
		user = UserFrom(ctx)
	}
	rows, err := t.exec.Query(ctx, q, user)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rows": rows, "count": len(rows)}, nil
}
