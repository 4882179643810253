package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kisara-dev/branchtalk/internal/ai"
	"github.com/oklog/ulid/v2"
)

// maxToolDepth bounds runaway tool-chaining. It is a hard constant, not
// configuration: it exists to stop infinite loops, not to model real use.
const maxToolDepth = 25

var (
	ErrChatNotFound  = errors.New("chat: chat not found")
	ErrGroupNotFound = errors.New("chat: group not found")
)

// HistoryStore is the persistence gateway. Load is total: a missing or
// corrupt document yields an empty valid history, never an error the
// caller has to handle as a hard failure. Save reports failure explicitly.
type HistoryStore interface {
	Load(ctx context.Context, username string) (*UserChatHistory, error)
	Save(ctx context.Context, history *UserChatHistory) error
}

// ToolExecutor runs a tool call detected mid-generation and labels tools
// for the synthetic transcript turns.
type ToolExecutor interface {
	Execute(ctx context.Context, call ai.ToolCall, enabled []string) (string, error)
	DisplayName(toolID string) string
	Specs(enabled []string) []ai.ToolSpec
}

// StreamObserver receives generation progress in order on a single
// control flow: partial fragments, then exactly one of complete or error.
type StreamObserver interface {
	OnPartial(fragment string)
	OnComplete(fullText string)
	OnError(message string)
}

type nopObserver struct{}

func (nopObserver) OnPartial(string)  {}
func (nopObserver) OnComplete(string) {}
func (nopObserver) OnError(string)    {}

// GenerateOptions select the tool set and search behavior for one turn.
type GenerateOptions struct {
	EnabledTools []string
	WebSearch    bool
}

// Defaults backfill a chat's provider and model when the client leaves
// them blank at creation (or when a stored chat predates them).
type Defaults struct {
	Provider string
	Model    string
}

// Service owns one user's conversations: branching mutations, the
// generation/tool loop, and persistence. Mutations against the same chat
// are serialized; different chats proceed independently.
type Service struct {
	store    HistoryStore
	registry *ai.Registry
	tools    ToolExecutor
	defaults Defaults

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(store HistoryStore, registry *ai.Registry, tools ToolExecutor, defaults Defaults) *Service {
	return &Service{
		store:    store,
		registry: registry,
		tools:    tools,
		defaults: defaults,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) chatLock(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

// NewChatID returns a sortable chat id.
func NewChatID() string { return ulid.Make().String() }

// CreateChat starts a new, empty, linear chat. Blank provider/model fall
// back to the service defaults so an empty create body still yields a
// chat that can generate.
func (s *Service) CreateChat(ctx context.Context, username, provider, model, systemPrompt string) (*Chat, error) {
	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, err
	}

	if provider = strings.TrimSpace(provider); provider == "" {
		provider = s.defaults.Provider
	}
	if model = strings.TrimSpace(model); model == "" {
		model = s.defaults.Model
	}

	now := time.Now().UTC()
	c := Chat{
		ChatID:       NewChatID(),
		PreviewName:  "New chat",
		SystemPrompt: systemPrompt,
		Messages:     []Message{},
		Provider:     provider,
		Model:        model,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	hist.Chats = append(hist.Chats, c)
	if err := s.store.Save(ctx, hist); err != nil {
		return nil, err
	}
	return &hist.Chats[len(hist.Chats)-1], nil
}

// GetChat loads one chat.
func (s *Service) GetChat(ctx context.Context, username, chatID string) (*Chat, error) {
	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	c := hist.FindChat(chatID)
	if c == nil {
		return nil, ErrChatNotFound
	}
	return c, nil
}

// ListChats returns the user's chats.
func (s *Service) ListChats(ctx context.Context, username string) ([]Chat, error) {
	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	return hist.Chats, nil
}

// DeleteChat removes a chat from the history document.
func (s *Service) DeleteChat(ctx context.Context, username, chatID string) error {
	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return err
	}
	if !hist.RemoveChat(chatID) {
		return ErrChatNotFound
	}
	return s.store.Save(ctx, hist)
}

// SendMessage attaches a user turn as a new node and generates the
// response along the active path. Every failure reaches the observer, so
// a streaming client always sees a terminal error event.
func (s *Service) SendMessage(ctx context.Context, username, chatID, text string, attachments []Attachment, opts GenerateOptions, obs StreamObserver) (*Chat, error) {
	if obs == nil {
		obs = nopObserver{}
	}

	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	hist, err := s.store.Load(ctx, username)
	if err != nil {
		obs.OnError(err.Error())
		return nil, err
	}
	c := hist.FindChat(chatID)
	if c == nil {
		obs.OnError(ErrChatNotFound.Error())
		return nil, ErrChatNotFound
	}

	msg := NewMessage(RoleUser, text)
	msg.Attachments = attachments
	firstTurn := len(c.Messages) == 0 && len(c.MessageNodes) == 0
	c.AddUserMessageAsNewNode(msg)
	if firstTurn {
		c.PreviewName = PreviewNameFor(text)
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, hist); err != nil {
		obs.OnError(err.Error())
		return nil, err
	}

	if err := s.generate(ctx, hist, c, opts, obs); err != nil {
		return c, err
	}
	return c, nil
}

// CreateGroup starts an empty chat group.
func (s *Service) CreateGroup(ctx context.Context, username, name string) (*ChatGroup, error) {
	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	g := ChatGroup{GroupID: ulid.Make().String(), Name: name}
	hist.Groups = append(hist.Groups, g)
	if err := s.store.Save(ctx, hist); err != nil {
		return nil, err
	}
	return &hist.Groups[len(hist.Groups)-1], nil
}

// ListGroups returns the user's chat groups.
func (s *Service) ListGroups(ctx context.Context, username string) ([]ChatGroup, error) {
	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	return hist.Groups, nil
}

// AddChatToGroup records group membership. Adding an already-member chat
// is a no-op.
func (s *Service) AddChatToGroup(ctx context.Context, username, groupID, chatID string) error {
	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return err
	}
	if hist.FindChat(chatID) == nil {
		return ErrChatNotFound
	}
	for i := range hist.Groups {
		if hist.Groups[i].GroupID != groupID {
			continue
		}
		for _, id := range hist.Groups[i].ChatIDs {
			if id == chatID {
				return nil
			}
		}
		hist.Groups[i].ChatIDs = append(hist.Groups[i].ChatIDs, chatID)
		return s.store.Save(ctx, hist)
	}
	return ErrGroupNotFound
}

// AppendUserMessage records a user turn without generating a response.
// Used when the generation runs out of band.
func (s *Service) AppendUserMessage(ctx context.Context, username, chatID, text string, attachments []Attachment) (*Chat, error) {
	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	c := hist.FindChat(chatID)
	if c == nil {
		return nil, ErrChatNotFound
	}

	msg := NewMessage(RoleUser, text)
	msg.Attachments = attachments
	firstTurn := len(c.Messages) == 0 && len(c.MessageNodes) == 0
	c.AddUserMessageAsNewNode(msg)
	if firstTurn {
		c.PreviewName = PreviewNameFor(text)
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, hist); err != nil {
		return nil, err
	}
	return c, nil
}

// Generate runs the response loop for a chat as it stands, without adding
// a user turn first. The worker calls this for queued jobs.
func (s *Service) Generate(ctx context.Context, username, chatID string, opts GenerateOptions, obs StreamObserver) (*Chat, error) {
	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	c := hist.FindChat(chatID)
	if c == nil {
		return nil, ErrChatNotFound
	}

	if err := s.generate(ctx, hist, c, opts, obs); err != nil {
		return c, err
	}
	return c, nil
}

// EditResend rewrites a prior user turn as a new branch at its node and
// regenerates from there. Abandoned variants stay reachable.
func (s *Service) EditResend(ctx context.Context, username, chatID, nodeID, newText string, attachments []Attachment, opts GenerateOptions, obs StreamObserver) (*Chat, string, error) {
	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, "", err
	}
	c := hist.FindChat(chatID)
	if c == nil {
		return nil, "", ErrChatNotFound
	}

	msg := NewMessage(RoleUser, newText)
	msg.Attachments = attachments
	variantID, err := c.CreateBranch(nodeID, msg)
	if err != nil {
		return nil, "", err
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, hist); err != nil {
		return nil, "", err
	}

	if err := s.generate(ctx, hist, c, opts, obs); err != nil {
		return c, variantID, err
	}
	return c, variantID, nil
}

// Regenerate branches at the last node of the active path with the same
// user message, yielding a fresh response variant beside the old one.
func (s *Service) Regenerate(ctx context.Context, username, chatID string, opts GenerateOptions, obs StreamObserver) (*Chat, error) {
	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	c := hist.FindChat(chatID)
	if c == nil {
		return nil, ErrChatNotFound
	}

	c.Migrate()
	if len(c.CurrentVariantPath) == 0 {
		return nil, errors.New("chat: nothing to regenerate")
	}
	lastVariantID := c.CurrentVariantPath[len(c.CurrentVariantPath)-1]
	node := c.nodeOfVariant(lastVariantID)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, lastVariantID)
	}
	sameUser := node.variant(lastVariantID).UserMessage
	sameUser.ID = uuid.NewString()
	sameUser.Datetime = time.Now().UTC()
	if _, err := c.CreateBranch(node.NodeID, sameUser); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, hist); err != nil {
		return nil, err
	}

	if err := s.generate(ctx, hist, c, opts, obs); err != nil {
		return c, err
	}
	return c, nil
}

// SwitchVariant re-points the active path and persists.
func (s *Service) SwitchVariant(ctx context.Context, username, chatID, nodeID string, variantIndex int) (*Chat, error) {
	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	c := hist.FindChat(chatID)
	if c == nil {
		return nil, ErrChatNotFound
	}
	if err := c.SwitchVariant(nodeID, variantIndex); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, hist); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteMessage applies the tail-first deletion policy and persists on
// success.
func (s *Service) DeleteMessage(ctx context.Context, username, chatID, messageID string) (DeleteResult, error) {
	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	hist, err := s.store.Load(ctx, username)
	if err != nil {
		return DeleteResult{}, err
	}
	c := hist.FindChat(chatID)
	if c == nil {
		return DeleteResult{}, ErrChatNotFound
	}

	res := c.DeleteMessage(messageID)
	if res.Outcome != DeleteSuccess {
		return res, nil
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, hist); err != nil {
		return res, err
	}
	return res, nil
}

// generate runs the bounded generation/tool loop: Generating until the
// normalizer resolves to text (Done) or an error (Failed), executing
// detected tool calls between rounds. Synthetic turns are appended and
// saved as they are made, so an interrupted chain keeps its history.
func (s *Service) generate(ctx context.Context, hist *UserChatHistory, c *Chat, opts GenerateOptions, obs StreamObserver) error {
	if obs == nil {
		obs = nopObserver{}
	}

	// Stored chats may predate the creation-time defaulting.
	name := c.Provider
	if name == "" {
		name = s.defaults.Provider
	}
	model := c.Model
	if model == "" {
		model = s.defaults.Model
	}

	provider, err := s.registry.Get(ctx, name)
	if err != nil {
		obs.OnError(err.Error())
		return err
	}

	for depth := 0; ; {
		req := ai.Request{
			Model:        model,
			SystemPrompt: c.SystemPrompt,
			Messages:     toWire(c.Messages),
			Tools:        s.tools.Specs(opts.EnabledTools),
			WebSearch:    opts.WebSearch,
		}

		res, err := provider.Generate(ctx, req, obs.OnPartial)
		if err != nil {
			obs.OnError(err.Error())
			return err
		}

		switch res.Kind {
		case ai.ResultError:
			obs.OnError(res.ErrMessage)
			return errors.New(res.ErrMessage)

		case ai.ResultText:
			msg := NewMessage(RoleAssistant, res.Text)
			msg.Model = model
			if err := c.AddResponseToCurrentVariant(msg); err != nil {
				obs.OnError(err.Error())
				return err
			}
			c.UpdatedAt = time.Now().UTC()
			if err := s.store.Save(ctx, hist); err != nil {
				log.Printf("chat save failed chat=%s err=%v", c.ChatID, err)
				obs.OnError(err.Error())
				return err
			}
			obs.OnComplete(res.Text)
			return nil

		case ai.ResultToolCall:
			if err := s.applyToolCall(ctx, hist, c, model, res, opts); err != nil {
				obs.OnError(err.Error())
				return err
			}
			depth++
			if depth >= maxToolDepth {
				err := errors.New("maximum tool depth exceeded")
				obs.OnError(err.Error())
				return err
			}
		}
	}
}

// applyToolCall executes one detected call and splices the synthetic
// turns into the active variant in strict order: preceding text, then
// tool_call, then tool_response. The appends are saved before the next
// generation round so an interrupted chain keeps its partial history.
func (s *Service) applyToolCall(ctx context.Context, hist *UserChatHistory, c *Chat, model string, res ai.Result, opts GenerateOptions) error {
	if strings.TrimSpace(res.Text) != "" {
		msg := NewMessage(RoleAssistant, res.Text)
		msg.Model = model
		if err := c.AddResponseToCurrentVariant(msg); err != nil {
			return err
		}
	}

	call := *res.ToolCall
	output, execErr := s.tools.Execute(ctx, call, opts.EnabledTools)
	result := output
	if execErr != nil {
		result = "error: " + execErr.Error()
	}

	callTurn := NewMessage(RoleToolCall, "")
	callTurn.ToolCallID = call.ID
	callTurn.ToolCall = &ToolCallInfo{
		ToolID:     call.Name,
		Name:       s.tools.DisplayName(call.Name),
		Parameters: decodeParams(call.Arguments),
		Result:     result,
		Timestamp:  time.Now().UTC(),
	}

	respTurn := NewMessage(RoleToolResponse, "")
	respTurn.ToolResponseCallID = call.ID
	respTurn.ToolResponseOutput = result

	if err := c.AddResponseToCurrentVariant(callTurn); err != nil {
		return err
	}
	if err := c.AddResponseToCurrentVariant(respTurn); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, hist); err != nil {
		log.Printf("chat save failed chat=%s err=%v", c.ChatID, err)
		return err
	}
	return nil
}

func decodeParams(rawArgs string) map[string]string {
	if rawArgs == "" {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &decoded); err != nil {
		return map[string]string{"_raw": rawArgs}
	}
	out := make(map[string]string, len(decoded))
	for k, v := range decoded {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			b, _ := json.Marshal(v)
			out[k] = string(b)
		}
	}
	return out
}

// toWire maps transcript turns to the vendor-agnostic wire shape.
func toWire(msgs []Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		w := ai.Message{Role: m.Role, Content: m.Text}
		for _, a := range m.Attachments {
			w.Attachments = append(w.Attachments, ai.Attachment{
				FileName:      a.FileName,
				MimeType:      a.MimeType,
				OpenAIFileID:  a.OpenAIFileID,
				SignedURL:     a.SignedURL,
				GeminiFileURI: a.GeminiFileURI,
				LocalPath:     a.LocalPath,
			})
		}
		switch m.Role {
		case RoleToolCall:
			w.ToolCallID = m.ToolCallID
			if m.ToolCall != nil {
				w.ToolName = m.ToolCall.ToolID
				if len(m.ToolCall.Parameters) > 0 {
					b, _ := json.Marshal(m.ToolCall.Parameters)
					w.ToolArgs = string(b)
				}
			}
		case RoleToolResponse:
			w.ToolCallID = m.ToolResponseCallID
			w.ToolOutput = m.ToolResponseOutput
			// The Gemini binding correlates tool turns by function name.
			w.ToolName = toolNameForCall(msgs, m.ToolResponseCallID)
		}
		out = append(out, w)
	}
	return out
}

func toolNameForCall(msgs []Message, callID string) string {
	for _, m := range msgs {
		if m.Role == RoleToolCall && m.ToolCallID == callID && m.ToolCall != nil {
			return m.ToolCall.ToolID
		}
	}
	return ""
}
