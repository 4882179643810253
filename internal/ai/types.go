package ai

import "context"

// Attachment is a provider-facing file reference. Remote identities are
// provider-scoped; LocalPath backs on-demand base64 inlining for vendors
// that take documents inline.
type Attachment struct {
	FileName string
	MimeType string

	OpenAIFileID  string
	SignedURL     string
	GeminiFileURI string
	LocalPath     string
}

// Message is one turn of the flattened transcript in vendor-agnostic
// form. Tool turns carry the correlation id shared by a tool_call and its
// tool_response.
type Message struct {
	Role        string
	Content     string
	Attachments []Attachment

	ToolCallID string
	ToolName   string
	ToolArgs   string // raw JSON arguments
	ToolOutput string
}

// ToolSpec describes one tool offered to the model. Parameters is a JSON
// schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is everything a binding needs to build one vendor request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	WebSearch    bool
}

// ToolCall is a tool invocation the model asked for mid-stream.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON, accumulated across partial fragments
}

// ResultKind tags the outcome of one generation call.
type ResultKind int

const (
	ResultText ResultKind = iota
	ResultToolCall
	ResultError
)

// Result is the shared result union every binding resolves to. For
// ResultToolCall, Text holds any visible text emitted before the model
// decided to call the tool.
type Result struct {
	Kind       ResultKind
	Text       string
	ToolCall   *ToolCall
	ErrMessage string
}

// OnDelta receives each visible text fragment the moment it is parsed,
// regardless of whether the stream later resolves to text or a tool call.
// Fragments are delivered in order on the caller's control flow.
type OnDelta func(fragment string)

// Provider is one vendor binding: build the request, stream it, and
// normalize the response. A nil onDelta is allowed.
type Provider interface {
	Generate(ctx context.Context, req Request, onDelta OnDelta) (Result, error)
}
