package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIProvider talks to an OpenAI-style chat/completions endpoint.
// OpenRouter speaks the same wire grammar, so its binding reuses the
// request body and stream scanner defined here.
type OpenAIProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type oaiToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaiToolCall struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function oaiToolCallFunc `json:"function"`
}

type oaiMsg struct {
	Role       string        `json:"role"`
	Content    any           `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaiChatReq struct {
	Model    string    `json:"model"`
	Messages []oaiMsg  `json:"messages"`
	Tools    []oaiTool `json:"tools,omitempty"`
	Stream   bool      `json:"stream"`
}

type oaiDelta struct {
	Content   string        `json:"content"`
	ToolCalls []oaiToolCall `json:"tool_calls"`
}

type oaiStreamResp struct {
	Choices []struct {
		Delta        *oaiDelta `json:"delta"`
		Message      *oaiDelta `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// buildChatCompletionsBody maps the transcript to the chat/completions
// turn shapes: user turns become text/attachment parts, tool_call turns an
// assistant message carrying tool_calls, tool_response turns a "tool" role
// message correlated by the same call id.
func buildChatCompletionsBody(req Request) oaiChatReq {
	msgs := make([]oaiMsg, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oaiMsg{Role: "system", Content: req.SystemPrompt})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			if len(m.Attachments) == 0 {
				msgs = append(msgs, oaiMsg{Role: "user", Content: m.Content})
				break
			}
			parts := []map[string]any{{"type": "text", "text": m.Content}}
			for _, a := range m.Attachments {
				switch {
				case a.OpenAIFileID != "":
					parts = append(parts, map[string]any{
						"type": "file",
						"file": map[string]any{"file_id": a.OpenAIFileID},
					})
				case a.SignedURL != "":
					parts = append(parts, map[string]any{
						"type":      "image_url",
						"image_url": map[string]any{"url": a.SignedURL},
					})
				}
			}
			msgs = append(msgs, oaiMsg{Role: "user", Content: parts})
		case "assistant", "system":
			msgs = append(msgs, oaiMsg{Role: m.Role, Content: m.Content})
		case "tool_call":
			tc := oaiToolCall{ID: m.ToolCallID, Type: "function"}
			tc.Function.Name = m.ToolName
			tc.Function.Arguments = m.ToolArgs
			msgs = append(msgs, oaiMsg{Role: "assistant", Content: "", ToolCalls: []oaiToolCall{tc}})
		case "tool_response":
			msgs = append(msgs, oaiMsg{Role: "tool", Content: m.ToolOutput, ToolCallID: m.ToolCallID})
		}
	}

	body := oaiChatReq{Model: req.Model, Messages: msgs, Stream: true}
	for _, t := range req.Tools {
		var ot oaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, ot)
	}
	return body
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request, onDelta OnDelta) (Result, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return Result{}, errors.New("openai: api key is required")
	}

	body := buildChatCompletionsBody(req)
	b, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return Result{Kind: ResultError, ErrMessage: fmt.Sprintf("openai: %s", msg)}, nil
	}

	return scanChatCompletionsStream(ctx, resp.Body, onDelta)
}

// scanChatCompletionsStream is a forward-only scan over "data: " SSE
// lines. Tool-call arguments arrive as partial fragments keyed by the
// delta's call index and are stitched together until the [DONE] marker.
// A malformed chunk is skipped; a vendor error event ends the scan.
func scanChatCompletionsStream(ctx context.Context, r io.Reader, onDelta OnDelta) (Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var text strings.Builder
	calls := make(map[int]*ToolCall)

	finish := func() Result {
		if len(calls) == 0 {
			return Result{Kind: ResultText, Text: text.String()}
		}
		// Lowest index wins when the model asked for several at once.
		idxs := make([]int, 0, len(calls))
		for i := range calls {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		return Result{Kind: ResultToolCall, Text: text.String(), ToolCall: calls[idxs[0]]}
	}

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return finish(), nil
		}

		var decoded oaiStreamResp
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			continue // skip malformed chunks, never abort the stream
		}
		if decoded.Error != nil && decoded.Error.Message != "" {
			return Result{Kind: ResultError, ErrMessage: decoded.Error.Message}, nil
		}
		if len(decoded.Choices) == 0 {
			continue
		}

		delta := decoded.Choices[0].Delta
		if delta == nil {
			delta = decoded.Choices[0].Message
		}
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}

		for _, tc := range delta.ToolCalls {
			if tc.ID != "" {
				calls[tc.Index] = &ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
				continue
			}
			if existing, ok := calls[tc.Index]; ok {
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}
		}
	}

	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}

	// Stream ended without [DONE]; resolve with what was collected.
	return finish(), nil
}
