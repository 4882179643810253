package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/kisara-dev/branchtalk/internal/ai"
)

// memStore keeps histories in memory and counts saves.
type memStore struct {
	histories map[string]*UserChatHistory
	saves     int
}

func newMemStore() *memStore {
	return &memStore{histories: make(map[string]*UserChatHistory)}
}

func (s *memStore) Load(ctx context.Context, username string) (*UserChatHistory, error) {
	_ = ctx
	if h, ok := s.histories[username]; ok {
		return h, nil
	}
	h := &UserChatHistory{Username: username, Chats: []Chat{}}
	s.histories[username] = h
	return h, nil
}

func (s *memStore) Save(ctx context.Context, history *UserChatHistory) error {
	_ = ctx
	s.saves++
	s.histories[history.Username] = history
	return nil
}

// failingSaveStore wraps memStore and fails saves on demand.
type failingSaveStore struct {
	*memStore
	saveErr error
}

func (s *failingSaveStore) Save(ctx context.Context, history *UserChatHistory) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.memStore.Save(ctx, history)
}

// scriptedProvider replays a fixed result sequence.
type scriptedProvider struct {
	results []ai.Result
	calls   int
	lastReq ai.Request
}

func (p *scriptedProvider) Generate(ctx context.Context, req ai.Request, onDelta ai.OnDelta) (ai.Result, error) {
	_ = ctx
	p.lastReq = req
	i := p.calls
	p.calls++
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	r := p.results[i]
	if r.Kind == ai.ResultText && onDelta != nil {
		onDelta(r.Text)
	}
	return r, nil
}

// fakeTools records executions.
type fakeTools struct {
	executed []ai.ToolCall
	output   string
	err      error
}

func (f *fakeTools) Execute(ctx context.Context, call ai.ToolCall, enabled []string) (string, error) {
	_ = ctx
	_ = enabled
	f.executed = append(f.executed, call)
	return f.output, f.err
}

func (f *fakeTools) DisplayName(toolID string) string { return toolID }

func (f *fakeTools) Specs(enabled []string) []ai.ToolSpec {
	out := make([]ai.ToolSpec, 0, len(enabled))
	for _, id := range enabled {
		out = append(out, ai.ToolSpec{Name: id})
	}
	return out
}

// recordingObserver captures the notification sequence.
type recordingObserver struct {
	partials  []string
	completes []string
	errs      []string
}

func (o *recordingObserver) OnPartial(fragment string) { o.partials = append(o.partials, fragment) }
func (o *recordingObserver) OnComplete(full string)    { o.completes = append(o.completes, full) }
func (o *recordingObserver) OnError(msg string)        { o.errs = append(o.errs, msg) }

func newTestService(prov ai.Provider, tools ToolExecutor) (*Service, *memStore) {
	store := newMemStore()
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return prov, nil
	})
	if tools == nil {
		tools = &fakeTools{}
	}
	return NewService(store, reg, tools, Defaults{Provider: "fake", Model: "default-model"}), store
}

func mustCreateChat(t *testing.T, svc *Service) *Chat {
	t.Helper()
	c, err := svc.CreateChat(context.Background(), "alice", "fake", "model-x", "be brief")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return c
}

func TestSendMessageTextReply(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "hello there"}}}
	svc, store := newTestService(prov, nil)
	c := mustCreateChat(t, svc)

	obs := &recordingObserver{}
	got, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "hi", nil, GenerateOptions{}, obs)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	if got.Messages[0].Role != RoleUser || got.Messages[1].Role != RoleAssistant {
		t.Fatalf("roles = %s, %s", got.Messages[0].Role, got.Messages[1].Role)
	}
	if got.Messages[1].Text != "hello there" {
		t.Fatalf("assistant text = %q", got.Messages[1].Text)
	}
	if got.PreviewName != "hi" {
		t.Fatalf("preview name = %q", got.PreviewName)
	}
	if len(obs.completes) != 1 || obs.completes[0] != "hello there" {
		t.Fatalf("observer completes = %v", obs.completes)
	}
	if len(obs.errs) != 0 {
		t.Fatalf("unexpected errors: %v", obs.errs)
	}
	// Persisted: a fresh load sees the same transcript.
	reloaded, _ := store.Load(context.Background(), "alice")
	if len(reloaded.FindChat(c.ChatID).Messages) != 2 {
		t.Fatalf("transcript not persisted")
	}
}

func TestCreateChatBackfillsDefaults(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "hello"}}}
	svc, _ := newTestService(prov, nil)

	// Empty create body: provider and model come from the defaults.
	c, err := svc.CreateChat(context.Background(), "alice", "", "", "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if c.Provider != "fake" || c.Model != "default-model" {
		t.Fatalf("provider/model = %q/%q", c.Provider, c.Model)
	}

	// And the chat can actually generate.
	got, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "hi", nil, GenerateOptions{}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Messages[1].Text != "hello" {
		t.Fatalf("assistant text = %q", got.Messages[1].Text)
	}
	if prov.lastReq.Model != "default-model" {
		t.Fatalf("wire model = %q", prov.lastReq.Model)
	}
}

func TestGenerateBackfillsLegacyBlankProvider(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "ok"}}}
	svc, store := newTestService(prov, nil)

	// A stored chat that predates creation-time defaulting.
	hist, _ := store.Load(context.Background(), "alice")
	hist.Chats = append(hist.Chats, Chat{ChatID: "legacy", Messages: []Message{}})

	got, err := svc.SendMessage(context.Background(), "alice", "legacy", "hi", nil, GenerateOptions{}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Messages[1].Text != "ok" {
		t.Fatalf("assistant text = %q", got.Messages[1].Text)
	}
	if got.Messages[1].Model != "default-model" {
		t.Fatalf("recorded model = %q", got.Messages[1].Model)
	}
}

func TestSendMessageSaveFailureReachesObserver(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "ok"}}}
	inner := newMemStore()
	store := &failingSaveStore{memStore: inner}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return prov, nil
	})
	svc := NewService(store, reg, &fakeTools{}, Defaults{Provider: "fake", Model: "default-model"})
	c := mustCreateChat(t, svc)

	store.saveErr = errors.New("disk full")
	obs := &recordingObserver{}
	if _, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "hi", nil, GenerateOptions{}, obs); err == nil {
		t.Fatal("expected save failure")
	}
	if len(obs.errs) != 1 {
		t.Fatalf("observer errors = %v, want exactly one", obs.errs)
	}
	if len(obs.completes) != 0 {
		t.Fatalf("observer completes = %v, want none", obs.completes)
	}
}

func TestSendMessageSystemPromptOnWire(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "ok"}}}
	svc, _ := newTestService(prov, nil)
	c := mustCreateChat(t, svc)

	if _, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "hi", nil, GenerateOptions{}, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if prov.lastReq.SystemPrompt != "be brief" {
		t.Fatalf("system prompt = %q", prov.lastReq.SystemPrompt)
	}
	if prov.lastReq.Model != "model-x" {
		t.Fatalf("model = %q", prov.lastReq.Model)
	}
}

func TestToolCallFlowOrdering(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{
		{Kind: ai.ResultToolCall, Text: "let me check", ToolCall: &ai.ToolCall{ID: "call_1", Name: "current_time", Arguments: `{"tz":"UTC"}`}},
		{Kind: ai.ResultText, Text: "it is noon"},
	}}
	tools := &fakeTools{output: "2026-01-01T12:00:00Z"}
	svc, _ := newTestService(prov, tools)
	c := mustCreateChat(t, svc)

	got, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "what time is it?", nil,
		GenerateOptions{EnabledTools: []string{"current_time"}}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	roles := make([]string, 0, len(got.Messages))
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{RoleUser, RoleAssistant, RoleToolCall, RoleToolResponse, RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}

	callTurn := got.Messages[2]
	if callTurn.ToolCall == nil || callTurn.ToolCall.ToolID != "current_time" {
		t.Fatalf("tool_call turn missing info: %+v", callTurn.ToolCall)
	}
	if callTurn.ToolCall.Parameters["tz"] != "UTC" {
		t.Fatalf("parameters = %v", callTurn.ToolCall.Parameters)
	}
	if callTurn.ToolCall.Result != "2026-01-01T12:00:00Z" {
		t.Fatalf("result = %q", callTurn.ToolCall.Result)
	}

	respTurn := got.Messages[3]
	if respTurn.ToolResponseCallID != "call_1" || respTurn.ToolResponseOutput != "2026-01-01T12:00:00Z" {
		t.Fatalf("tool_response turn wrong: %+v", respTurn)
	}

	if len(tools.executed) != 1 || tools.executed[0].Name != "current_time" {
		t.Fatalf("executed = %v", tools.executed)
	}
}

func TestToolCallWithoutPrecedingText(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{
		{Kind: ai.ResultToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "calc", Arguments: `{}`}},
		{Kind: ai.ResultText, Text: "done"},
	}}
	svc, _ := newTestService(prov, &fakeTools{output: "42"})
	c := mustCreateChat(t, svc)

	got, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "go", nil, GenerateOptions{EnabledTools: []string{"calc"}}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// No empty assistant turn between user and tool_call.
	if got.Messages[1].Role != RoleToolCall {
		t.Fatalf("expected tool_call right after user, got %s", got.Messages[1].Role)
	}
}

func TestToolExecutionErrorBecomesResult(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{
		{Kind: ai.ResultToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "calc", Arguments: `{"op":"div"}`}},
		{Kind: ai.ResultText, Text: "could not compute"},
	}}
	tools := &fakeTools{err: errors.New("division by zero")}
	svc, _ := newTestService(prov, tools)
	c := mustCreateChat(t, svc)

	got, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "1/0", nil, GenerateOptions{EnabledTools: []string{"calc"}}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var resp *Message
	for i := range got.Messages {
		if got.Messages[i].Role == RoleToolResponse {
			resp = &got.Messages[i]
		}
	}
	if resp == nil {
		t.Fatalf("no tool_response turn")
	}
	if resp.ToolResponseOutput != "error: division by zero" {
		t.Fatalf("output = %q", resp.ToolResponseOutput)
	}
}

func TestToolDepthCeiling(t *testing.T) {
	// A provider that always asks for another tool call.
	prov := &scriptedProvider{results: []ai.Result{
		{Kind: ai.ResultToolCall, ToolCall: &ai.ToolCall{ID: "c", Name: "loop", Arguments: `{}`}},
	}}
	tools := &fakeTools{output: "again"}
	svc, _ := newTestService(prov, tools)
	c := mustCreateChat(t, svc)

	obs := &recordingObserver{}
	_, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "go", nil, GenerateOptions{EnabledTools: []string{"loop"}}, obs)
	if err == nil {
		t.Fatalf("expected depth error")
	}
	if len(tools.executed) != maxToolDepth {
		t.Fatalf("executed %d tool calls, want %d", len(tools.executed), maxToolDepth)
	}
	if len(obs.errs) != 1 {
		t.Fatalf("observer errs = %v", obs.errs)
	}
	if len(obs.completes) != 0 {
		t.Fatalf("completed despite failure")
	}
}

func TestGenerateErrorPreservesUserTurn(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{
		{Kind: ai.ResultError, ErrMessage: "upstream 500"},
	}}
	svc, store := newTestService(prov, nil)
	c := mustCreateChat(t, svc)

	obs := &recordingObserver{}
	_, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "hi", nil, GenerateOptions{}, obs)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(obs.errs) != 1 || obs.errs[0] != "upstream 500" {
		t.Fatalf("observer errs = %v", obs.errs)
	}

	// The user turn was saved before generation started.
	hist, _ := store.Load(context.Background(), "alice")
	msgs := hist.FindChat(c.ChatID).Messages
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("persisted transcript = %+v", msgs)
	}
}

func TestEditResendBranches(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "reply"}}}
	svc, _ := newTestService(prov, nil)
	c := mustCreateChat(t, svc)

	got, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "first", nil, GenerateOptions{}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	nodeID := got.Messages[0].NodeID

	got, variantID, err := svc.EditResend(context.Background(), "alice", c.ChatID, nodeID, "first-edited", nil, GenerateOptions{}, nil)
	if err != nil {
		t.Fatalf("edit resend: %v", err)
	}
	if variantID == "" {
		t.Fatalf("empty variant id")
	}
	if len(got.MessageNodes[0].Variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(got.MessageNodes[0].Variants))
	}
	if got.Messages[0].Text != "first-edited" {
		t.Fatalf("active user text = %q", got.Messages[0].Text)
	}
}

func TestRegenerateAddsVariant(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "reply"}}}
	svc, _ := newTestService(prov, nil)
	c := mustCreateChat(t, svc)

	got, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "question", nil, GenerateOptions{}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	firstUserID := got.Messages[0].ID

	got, err = svc.Regenerate(context.Background(), "alice", c.ChatID, GenerateOptions{}, nil)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	node := &got.MessageNodes[len(got.MessageNodes)-1]
	if len(node.Variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(node.Variants))
	}
	// Same user text, distinct message identity.
	if node.Variants[1].UserMessage.Text != "question" {
		t.Fatalf("copied user text = %q", node.Variants[1].UserMessage.Text)
	}
	if node.Variants[1].UserMessage.ID == firstUserID {
		t.Fatalf("regenerated user message shares id with original")
	}
}

func TestSwitchVariantThroughService(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "reply"}}}
	svc, _ := newTestService(prov, nil)
	c := mustCreateChat(t, svc)

	got, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "original", nil, GenerateOptions{}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	nodeID := got.Messages[0].NodeID
	if _, _, err := svc.EditResend(context.Background(), "alice", c.ChatID, nodeID, "edited", nil, GenerateOptions{}, nil); err != nil {
		t.Fatalf("edit resend: %v", err)
	}

	got, err = svc.SwitchVariant(context.Background(), "alice", c.ChatID, nodeID, 0)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if got.Messages[0].Text != "original" {
		t.Fatalf("active user text = %q", got.Messages[0].Text)
	}
}

func TestDeleteMessagePersistsOnlyOnSuccess(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "reply"}}}
	svc, store := newTestService(prov, nil)
	c := mustCreateChat(t, svc)

	got, err := svc.SendMessage(context.Background(), "alice", c.ChatID, "hi", nil, GenerateOptions{}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	before := store.saves
	// User message has a response below it: refused, nothing saved.
	res, err := svc.DeleteMessage(context.Background(), "alice", c.ChatID, got.Messages[0].ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Outcome != DeleteBranchPointHeld {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if store.saves != before {
		t.Fatalf("refused delete still saved")
	}

	// Tail-first works and saves.
	res, err = svc.DeleteMessage(context.Background(), "alice", c.ChatID, got.Messages[1].ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Outcome != DeleteSuccess {
		t.Fatalf("outcome = %v, reason %q", res.Outcome, res.Reason)
	}
	if store.saves != before+1 {
		t.Fatalf("successful delete not saved")
	}
}

func TestSendMessageUnknownChat(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "x"}}}
	svc, _ := newTestService(prov, nil)

	_, err := svc.SendMessage(context.Background(), "alice", "missing", "hi", nil, GenerateOptions{}, nil)
	if !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("err = %v, want ErrChatNotFound", err)
	}
}

func TestToWireCarriesToolTurns(t *testing.T) {
	callID := "call_9"
	msgs := []Message{
		NewMessage(RoleUser, "hi"),
	}
	callTurn := NewMessage(RoleToolCall, "")
	callTurn.ToolCallID = callID
	callTurn.ToolCall = &ToolCallInfo{ToolID: "current_time", Name: "Current time", Parameters: map[string]string{"tz": "UTC"}, Result: "noon"}
	respTurn := NewMessage(RoleToolResponse, "")
	respTurn.ToolResponseCallID = callID
	respTurn.ToolResponseOutput = "noon"
	msgs = append(msgs, callTurn, respTurn)

	wire := toWire(msgs)
	if wire[1].ToolCallID != callID || wire[1].ToolName != "current_time" {
		t.Fatalf("tool_call wire = %+v", wire[1])
	}
	if wire[1].ToolArgs == "" {
		t.Fatalf("tool args not serialized")
	}
	if wire[2].ToolCallID != callID || wire[2].ToolOutput != "noon" {
		t.Fatalf("tool_response wire = %+v", wire[2])
	}
	if wire[2].ToolName != "current_time" {
		t.Fatalf("tool_response name correlation = %q", wire[2].ToolName)
	}
}

func TestGroupMembership(t *testing.T) {
	prov := &scriptedProvider{results: []ai.Result{{Kind: ai.ResultText, Text: "x"}}}
	svc, _ := newTestService(prov, nil)
	c := mustCreateChat(t, svc)

	g, err := svc.CreateGroup(context.Background(), "alice", "work")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if err := svc.AddChatToGroup(context.Background(), "alice", g.GroupID, c.ChatID); err != nil {
		t.Fatalf("add chat: %v", err)
	}
	// Idempotent.
	if err := svc.AddChatToGroup(context.Background(), "alice", g.GroupID, c.ChatID); err != nil {
		t.Fatalf("re-add chat: %v", err)
	}

	groups, err := svc.ListGroups(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 || len(groups[0].ChatIDs) != 1 {
		t.Fatalf("groups = %+v", groups)
	}

	if err := svc.AddChatToGroup(context.Background(), "alice", "missing", c.ChatID); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("err = %v, want ErrGroupNotFound", err)
	}
	if err := svc.AddChatToGroup(context.Background(), "alice", g.GroupID, "missing"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("err = %v, want ErrChatNotFound", err)
	}
}

func TestDecodeParams(t *testing.T) {
	p := decodeParams(`{"a":"x","n":3}`)
	if p["a"] != "x" || p["n"] != "3" {
		t.Fatalf("decoded = %v", p)
	}
	p = decodeParams("not json")
	if p["_raw"] != "not json" {
		t.Fatalf("raw fallback = %v", p)
	}
	if decodeParams("") != nil {
		t.Fatalf("empty args should decode to nil")
	}
}
