package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles. ToolCall/ToolResponse are synthetic turns recording an
// out-of-band tool invocation so it survives persistence and can be
// replayed to the model.
const (
	RoleUser         = "user"
	RoleAssistant    = "assistant"
	RoleSystem       = "system"
	RoleToolCall     = "tool_call"
	RoleToolResponse = "tool_response"
)

// Attachment is a file reference carried by a message. Remote identities
// are provider-scoped: at most one is valid per provider, and switching
// the active provider requires re-establishing (re-uploading) the identity.
type Attachment struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`

	// Provider-scoped remote identities.
	OpenAIFileID  string `json:"openai_file_id,omitempty"`
	SignedURL     string `json:"signed_url,omitempty"`
	GeminiFileURI string `json:"gemini_file_uri,omitempty"`

	// LocalPath is used for on-demand base64 inlining (Anthropic-style
	// vendors take documents/images as inline blocks).
	LocalPath string `json:"local_path,omitempty"`
}

// ToolCallInfo records one tool invocation attached to a tool_call turn.
type ToolCallInfo struct {
	ToolID     string            `json:"tool_id"`
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Result     string            `json:"result,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Message is one conversational turn. Messages are treated as immutable
// values once appended to a chat.
type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`

	ToolCall           *ToolCallInfo `json:"tool_call,omitempty"`
	ToolCallID         string        `json:"tool_call_id,omitempty"`
	ToolResponseCallID string        `json:"tool_response_call_id,omitempty"`
	ToolResponseOutput string        `json:"tool_response_output,omitempty"`

	Datetime time.Time `json:"datetime"`
	Model    string    `json:"model,omitempty"`

	// Back-references into the branching tree. Set only once branching
	// is active.
	NodeID    string `json:"node_id,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
}

// NewMessage builds a message with a fresh id and the current timestamp.
func NewMessage(role, text string) Message {
	return Message{
		ID:       uuid.NewString(),
		Role:     role,
		Text:     text,
		Datetime: time.Now().UTC(),
	}
}

// MessageVariant is one alternative continuation at a branch point: the
// user message that starts it plus the assistant/tool turns that followed.
// Responses are append-only while the variant is open; once ChildNodeID is
// set the variant is closed and its responses are final.
type MessageVariant struct {
	VariantID   string    `json:"variant_id"`
	UserMessage Message   `json:"user_message"`
	Responses   []Message `json:"responses"`
	ChildNodeID string    `json:"child_node_id,omitempty"`
}

// MessageNode is a branch point in conversation history. A node with more
// than one variant is a fork; the variant list is never empty.
type MessageNode struct {
	NodeID       string           `json:"node_id"`
	ParentNodeID string           `json:"parent_node_id,omitempty"`
	Variants     []MessageVariant `json:"variants"`
}

// Chat is one conversation. It is either in legacy linear form (Messages
// only) or branching form (MessageNodes + CurrentVariantPath with Messages
// kept as a materialized flattening of the active path). Exactly one form
// is authoritative at a time: branching wins whenever MessageNodes is
// non-empty, and Messages must be rebuilt after every branching mutation.
type Chat struct {
	ChatID       string    `json:"chat_id"`
	PreviewName  string    `json:"preview_name"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Messages     []Message `json:"messages"`

	MessageNodes       []MessageNode `json:"messageNodes,omitempty"`
	CurrentVariantPath []string      `json:"currentVariantPath,omitempty"`

	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBranching reports whether the branching form is authoritative.
func (c *Chat) IsBranching() bool { return len(c.MessageNodes) > 0 }

// ChatGroup is an organizational container owning chats and shared
// attachments. It carries no algorithms of its own.
type ChatGroup struct {
	GroupID     string       `json:"group_id"`
	Name        string       `json:"name"`
	ChatIDs     []string     `json:"chat_ids,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// UserChatHistory is the unit of persistence: all of one user's chats and
// groups, loaded and saved as a single document.
type UserChatHistory struct {
	Username string      `json:"username"`
	Chats    []Chat      `json:"chats"`
	Groups   []ChatGroup `json:"groups,omitempty"`
}

// FindChat returns a pointer into the history's chat slice, or nil.
func (h *UserChatHistory) FindChat(chatID string) *Chat {
	for i := range h.Chats {
		if h.Chats[i].ChatID == chatID {
			return &h.Chats[i]
		}
	}
	return nil
}

// RemoveChat deletes a chat from the history. Returns false if absent.
func (h *UserChatHistory) RemoveChat(chatID string) bool {
	for i := range h.Chats {
		if h.Chats[i].ChatID == chatID {
			h.Chats = append(h.Chats[:i], h.Chats[i+1:]...)
			return true
		}
	}
	return false
}

const previewNameMax = 48

// PreviewNameFor derives a chat list preview from the first user message.
func PreviewNameFor(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return "New chat"
	}
	if fields := strings.Fields(t); len(fields) > 0 {
		t = strings.Join(fields, " ")
	}
	if len(t) > previewNameMax {
		t = strings.TrimSpace(t[:previewNameMax]) + "…"
	}
	return t
}
