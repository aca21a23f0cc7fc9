package tools

// approvalRequired lists tools that mutate external systems and therefore
// need explicit human approval before execution. When the tool probe
// proposes one of these, the run emits approval_required and stops; only
// the approval endpoint may execute it, and only with approve=true.
var approvalRequired = map[string]bool{
	"graphiti_ingest_commit_tool": true,
	"graph_write_episode":         true,
	"graph_write_entity":          true,
	"graph_write_edge":            true,
}

// RequiresApproval reports whether the named tool is on the human-approval
// allow-list.
func RequiresApproval(name string) bool {
	return approvalRequired[name]
}
