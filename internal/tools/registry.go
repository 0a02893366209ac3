// Package tools builds the per-turn tool registry: local CRM tools merged
// with tools discovered on the upstream routing session, behind one execute
// wrapper that owns recovery, timeouts, policy and audit logging.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/routeiq/agent/internal/adapter/crm"
	"github.com/routeiq/agent/internal/adapter/llm"
	"github.com/routeiq/agent/internal/adapter/router"
	"github.com/routeiq/agent/internal/domain"
	"github.com/routeiq/agent/policy"
)

// Tool is a named, schema-described operation invocable by the model. Local
// and router-discovered tools are two variants behind this interface.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	// Mutating marks state-changing tools; the registry logs an Activity
	// for every mutating call.
	Mutating() bool
	Execute(ctx context.Context, args json.RawMessage) (domain.ToolResult, error)
}

// Options configures the execute wrapper.
type Options struct {
	Policy      *policy.Engine
	Activities  crm.API
	CallTimeout time.Duration
}

// Registry is the flat name→tool map for one turn.
type Registry struct {
	tools map[string]Tool
	order []string
	opts  Options
}

// Merge builds a registry from local and remote tool lists. No two tools may
// share a name; on collision the local tool wins and the shadowed remote tool
// is dropped with a warning. This precedence is deliberate: local executors
// carry the audit contract remote ones cannot guarantee.
func Merge(local []Tool, remote []Tool, opts Options) *Registry {
	r := &Registry{
		tools: make(map[string]Tool, len(local)+len(remote)),
		opts:  opts,
	}
	for _, t := range local {
		r.add(t)
	}
	for _, t := range remote {
		if _, exists := r.tools[t.Name()]; exists {
			log.Warn().Str("tool", t.Name()).Msg("remote tool shadowed by local tool")
			continue
		}
		r.add(t)
	}
	return r
}

func (r *Registry) add(t Tool) {
	if _, exists := r.tools[t.Name()]; exists {
		return
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Definitions renders the registry as model-facing tool definitions, in
// registration order.
func (r *Registry) Definitions() []llm.Tool {
	defs := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		var params interface{}
		if schema := t.InputSchema(); len(schema) > 0 {
			params = json.RawMessage(schema)
		}
		defs = append(defs, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  params,
			},
		})
	}
	return defs
}

// Execute runs one tool call. Failures of any kind (unknown name, policy
// block, timeout, executor error, panic) are folded into a ToolResult so a
// failing tool can never abort the turn.
func (r *Registry) Execute(ctx context.Context, userID, name string, args json.RawMessage) domain.ToolResult {
	t, ok := r.tools[name]
	if !ok {
		return domain.ToolResult{Success: false, Error: "unknown tool: " + name}
	}

	if r.opts.Policy != nil {
		decision := r.evaluatePolicy(ctx, userID, name, args)
		if decision == "block" {
			result := domain.ToolResult{Success: false, Error: "blocked by policy: " + name}
			r.logActivity(ctx, t, args, result)
			return result
		}
	}

	if r.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
	}

	result := r.run(ctx, t, args)
	if t.Mutating() {
		r.logActivity(ctx, t, args, result)
	}
	return result
}

// run invokes the executor, converting errors and panics into failed results.
func (r *Registry) run(ctx context.Context, t Tool, args json.RawMessage) (result domain.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("tool", t.Name()).Interface("panic", rec).Msg("tool executor panicked")
			result = domain.ToolResult{Success: false, Error: fmt.Sprintf("tool %s failed: %v", t.Name(), rec)}
		}
	}()

	res, err := t.Execute(ctx, args)
	if err != nil {
		log.Warn().Err(err).Str("tool", t.Name()).Msg("tool execution failed")
		return domain.ToolResult{Success: false, Error: err.Error()}
	}
	return res
}

func (r *Registry) evaluatePolicy(ctx context.Context, userID, name string, args json.RawMessage) string {
	var argsMap map[string]interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			argsMap = map[string]interface{}{}
		}
	} else {
		argsMap = map[string]interface{}{}
	}

	decision, err := r.opts.Policy.Evaluate(ctx, map[string]interface{}{
		"tool_name": name,
		"user_id":   userID,
		"args":      argsMap,
	})
	if err != nil {
		log.Warn().Err(err).Str("tool", name).Msg("policy evaluation failed, allowing")
		return "allow"
	}
	return decision
}

// logActivity records the audit trail for a state-changing call. The wrapper
// is the single decoration point so the guarantee is structural, not a
// per-tool convention.
func (r *Registry) logActivity(ctx context.Context, t Tool, args json.RawMessage, result domain.ToolResult) {
	if r.opts.Activities == nil {
		return
	}

	status := "success"
	message := fmt.Sprintf("Agent executed %s", t.Name())
	if !result.Success {
		status = "error"
		message = fmt.Sprintf("Agent call %s failed: %s", t.Name(), result.Error)
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"tool": t.Name(),
		"args": json.RawMessage(argsOrEmpty(args)),
	})
	activity := &domain.Activity{
		ID:      "A-" + uuid.New().String()[:8],
		Type:    domain.ActivityAgentAction,
		Message: message,
		Status:  status,
		Meta:    meta,
	}
	if err := r.opts.Activities.CreateActivity(ctx, activity); err != nil {
		log.Warn().Err(err).Str("tool", t.Name()).Msg("failed to record activity")
	}
}

func argsOrEmpty(args json.RawMessage) []byte {
	if len(args) == 0 || !json.Valid(args) {
		return []byte(`{}`)
	}
	return args
}

// RemoteTools wraps the tools discovered on a routing session.
func RemoteTools(conn *router.Connection) []Tool {
	out := make([]Tool, 0, len(conn.Tools))
	for _, info := range conn.Tools {
		out = append(out, &remoteTool{conn: conn, info: info})
	}
	return out
}

// remoteTool proxies execution to the routing session.
type remoteTool struct {
	conn *router.Connection
	info router.ToolInfo
}

func (t *remoteTool) Name() string                 { return t.info.Name }
func (t *remoteTool) Description() string          { return t.info.Description }
func (t *remoteTool) InputSchema() json.RawMessage { return t.info.Schema }
func (t *remoteTool) Mutating() bool               { return false }

func (t *remoteTool) Execute(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
	text, isErr, err := t.conn.CallTool(ctx, t.info.Name, args)
	if err != nil {
		return domain.ToolResult{}, err
	}
	if isErr {
		return domain.ToolResult{Success: false, Error: text}, nil
	}
	if json.Valid([]byte(text)) {
		return domain.ToolResult{Success: true, Data: json.RawMessage(text)}, nil
	}
	return domain.ToolResult{Success: true, Message: text}, nil
}
