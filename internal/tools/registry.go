package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kisara-dev/branchtalk/internal/ai"
)

// Func runs one tool. Arguments arrive as the decoded JSON object the
// model produced; the returned string is fed back to the model verbatim.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered capability.
type Tool struct {
	ID          string
	DisplayName string
	Description string
	Parameters  map[string]any // JSON schema for the arguments object
	Run         Func
}

// Executor is the orchestration loop's view of tool execution.
type Executor interface {
	Execute(ctx context.Context, call ai.ToolCall, enabled []string) (string, error)
	DisplayName(toolID string) string
}

// Registry resolves tool ids to implementations and canonical labels.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	id := strings.ToLower(strings.TrimSpace(t.ID))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[id] = t
}

// Specs returns the tool specifications for the enabled set, in the order
// the names were given. Unknown names are ignored.
func (r *Registry) Specs(enabled []string) []ai.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ai.ToolSpec
	for _, name := range enabled {
		t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		out = append(out, ai.ToolSpec{
			Name:        t.ID,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

// Execute resolves and runs a tool call. A call outside the enabled set
// is an error, not a silent skip: the model should never reach a tool the
// chat did not offer.
func (r *Registry) Execute(ctx context.Context, call ai.ToolCall, enabled []string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(call.Name))

	allowed := false
	for _, name := range enabled {
		if strings.EqualFold(strings.TrimSpace(name), id) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("tool %q is not enabled for this chat", call.Name)
	}

	r.mu.RLock()
	t, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("tool %s: bad arguments: %w", t.ID, err)
		}
	}
	return t.Run(ctx, args)
}

// DisplayName returns the canonical human-readable label for a tool id,
// falling back to the id itself.
func (r *Registry) DisplayName(toolID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[strings.ToLower(strings.TrimSpace(toolID))]; ok && t.DisplayName != "" {
		return t.DisplayName
	}
	return toolID
}
