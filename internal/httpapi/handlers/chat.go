package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kisara-dev/branchtalk/internal/chat"
	"github.com/kisara-dev/branchtalk/internal/common"
	"github.com/oklog/ulid/v2"
)

type createChatReq struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	var req createChatReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	ch, err := h.ChatSvc.CreateChat(c.Request.Context(), username(c), req.Provider, req.Model, req.SystemPrompt)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}
	common.OK(c, gin.H{"chat_id": ch.ChatID})
}

func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.ChatSvc.ListChats(c.Request.Context(), username(c))
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}

	type summary struct {
		ChatID      string `json:"chat_id"`
		PreviewName string `json:"preview_name"`
		Provider    string `json:"provider"`
		Model       string `json:"model"`
	}
	out := make([]summary, 0, len(chats))
	for _, ch := range chats {
		out = append(out, summary{ChatID: ch.ChatID, PreviewName: ch.PreviewName, Provider: ch.Provider, Model: ch.Model})
	}
	common.OK(c, gin.H{"chats": out})
}

func (h *Handler) GetChat(c *gin.Context) {
	ch, err := h.ChatSvc.GetChat(c.Request.Context(), username(c), c.Param("chat_id"))
	if err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load chat")
		return
	}
	common.OK(c, ch)
}

func (h *Handler) DeleteChat(c *gin.Context) {
	err := h.ChatSvc.DeleteChat(c.Request.Context(), username(c), c.Param("chat_id"))
	if err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete chat")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

type sendMessageReq struct {
	Text        string            `json:"text" binding:"required"`
	Attachments []chat.Attachment `json:"attachments"`
	Tools       []string          `json:"tools"`
	WebSearch   bool              `json:"web_search"`
}

func (r sendMessageReq) opts() chat.GenerateOptions {
	return chat.GenerateOptions{EnabledTools: r.Tools, WebSearch: r.WebSearch}
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}

	ch, err := h.ChatSvc.SendMessage(c.Request.Context(), username(c), c.Param("chat_id"),
		req.Text, req.Attachments, req.opts(), nil)
	if err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusBadGateway, 50201, err.Error())
		return
	}
	common.OK(c, ch)
}

// sseObserver streams observer notifications as SSE events in call order.
type sseObserver struct {
	c       *gin.Context
	flusher http.Flusher
}

func (o *sseObserver) write(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(o.c.Writer, "event: %s\ndata: %s\n\n", event, b)
	o.flusher.Flush()
}

func (o *sseObserver) OnPartial(fragment string) {
	o.write("partial", gin.H{"fragment": fragment})
}

func (o *sseObserver) OnComplete(fullText string) {
	o.write("complete", gin.H{"full_text": fullText})
}

func (o *sseObserver) OnError(message string) {
	o.write("error", gin.H{"message": message})
}

// SendMessageStream runs the generation on the request's control flow and
// relays partial text as it is parsed off the vendor stream.
func (h *Handler) SendMessageStream(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50004, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	obs := &sseObserver{c: c, flusher: flusher}
	// Every failure, pre-generation included, arrives as an error event
	// through the observer.
	_, _ = h.ChatSvc.SendMessage(c.Request.Context(), username(c), c.Param("chat_id"),
		req.Text, req.Attachments, req.opts(), obs)
}

type editResendReq struct {
	Text        string            `json:"text" binding:"required"`
	Attachments []chat.Attachment `json:"attachments"`
	Tools       []string          `json:"tools"`
	WebSearch   bool              `json:"web_search"`
}

// EditResend branches at a node with a rewritten user message and
// regenerates along the new branch.
func (h *Handler) EditResend(c *gin.Context) {
	var req editResendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}

	ch, variantID, err := h.ChatSvc.EditResend(c.Request.Context(), username(c),
		c.Param("chat_id"), c.Param("node_id"), req.Text, req.Attachments,
		chat.GenerateOptions{EnabledTools: req.Tools, WebSearch: req.WebSearch}, nil)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrChatNotFound):
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
		case errors.Is(err, chat.ErrNodeNotFound):
			common.Fail(c, http.StatusNotFound, 40005, "node not found")
		default:
			common.Fail(c, http.StatusBadGateway, 50201, err.Error())
		}
		return
	}
	common.OK(c, gin.H{"chat": ch, "variant_id": variantID})
}

type regenerateReq struct {
	Tools     []string `json:"tools"`
	WebSearch bool     `json:"web_search"`
}

func (h *Handler) Regenerate(c *gin.Context) {
	var req regenerateReq
	_ = c.ShouldBindJSON(&req)

	ch, err := h.ChatSvc.Regenerate(c.Request.Context(), username(c), c.Param("chat_id"),
		chat.GenerateOptions{EnabledTools: req.Tools, WebSearch: req.WebSearch}, nil)
	if err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusBadGateway, 50201, err.Error())
		return
	}
	common.OK(c, ch)
}

type switchVariantReq struct {
	VariantIndex *int `json:"variant_index" binding:"required"`
}

func (h *Handler) SwitchVariant(c *gin.Context) {
	var req switchVariantReq
	if err := c.ShouldBindJSON(&req); err != nil || req.VariantIndex == nil {
		badRequest(c, "variant_index is required")
		return
	}

	ch, err := h.ChatSvc.SwitchVariant(c.Request.Context(), username(c),
		c.Param("chat_id"), c.Param("node_id"), *req.VariantIndex)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrChatNotFound):
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
		case errors.Is(err, chat.ErrNodeNotFound):
			common.Fail(c, http.StatusNotFound, 40005, "node not found")
		default:
			badRequest(c, err.Error())
		}
		return
	}
	common.OK(c, ch)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	res, err := h.ChatSvc.DeleteMessage(c.Request.Context(), username(c),
		c.Param("chat_id"), c.Param("message_id"))
	if err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete message")
		return
	}

	switch res.Outcome {
	case chat.DeleteSuccess:
		common.OK(c, gin.H{"deleted": true})
	case chat.DeleteBranchPointHeld:
		// Policy rejection: valid state, disallowed operation.
		common.Fail(c, http.StatusConflict, 40901, res.Reason)
	default:
		common.Fail(c, http.StatusNotFound, 40006, res.Reason)
	}
}

type enqueueReq struct {
	Text      string   `json:"text" binding:"required"`
	Tools     []string `json:"tools"`
	WebSearch bool     `json:"web_search"`
}

// EnqueueGenerate accepts a send as a background job; the worker runs the
// generation and the client follows progress over the events stream.
func (h *Handler) EnqueueGenerate(c *gin.Context) {
	var req enqueueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}

	chatID := c.Param("chat_id")
	user := username(c)
	if _, err := h.ChatSvc.GetChat(c.Request.Context(), user, chatID); err != nil {
		common.Fail(c, http.StatusNotFound, 40004, "chat not found")
		return
	}

	// The user turn lands now; the worker only generates.
	if _, err := h.ChatSvc.AppendUserMessage(c.Request.Context(), user, chatID, req.Text, nil); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to append message")
		return
	}

	job := &chat.Job{
		ID:           ulid.Make().String(),
		Username:     user,
		ChatID:       chatID,
		EnabledTools: strings.Join(req.Tools, ","),
		WebSearch:    req.WebSearch,
		Status:       chat.JobQueued,
	}
	if err := h.Jobs.CreateJob(c.Request.Context(), job); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to create job")
		return
	}
	if err := h.Queue.PublishGenerate(c.Request.Context(), job.ID); err != nil {
		_ = h.Jobs.MarkJobFailed(c.Request.Context(), job.ID, "enqueue failed")
		common.Fail(c, http.StatusInternalServerError, 50007, "failed to enqueue job")
		return
	}
	common.OK(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.Jobs.GetJobByID(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		common.Fail(c, http.StatusNotFound, 40007, "job not found")
		return
	}
	common.OK(c, job)
}

// StreamEvents relays a chat's pub/sub stream as SSE, for clients
// following a background generation.
func (h *Handler) StreamEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50004, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	events, stop := h.Streams.Subscribe(ctx, c.Param("chat_id"))
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, b)
			flusher.Flush()
			if ev.Type == "complete" || ev.Type == "error" {
				return
			}
		}
	}
}
