package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// AnthropicProvider talks to an Anthropic-style messages endpoint. Tool
// arguments arrive as input_json_delta fragments keyed by content-block
// index and are buffered until the block stops. Attachments are inlined
// as base64 document/image blocks read from local storage on demand.
type AnthropicProvider struct {
	BaseURL string
	APIKey  string
	Version string
	Client  *http.Client
}

const anthropicMaxTokens = 8192

func NewAnthropicProvider(baseURL, apiKey string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Version: "2023-06-01",
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type anthropicReq struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	MaxTokens int              `json:"max_tokens"`
	Messages  []map[string]any `json:"messages"`
	Tools     []map[string]any `json:"tools,omitempty"`
	Stream    bool             `json:"stream"`
}

// inlineBlock turns a local attachment into a base64 document or image
// content block. Unreadable files are skipped rather than failing the
// whole request.
func inlineBlock(a Attachment) map[string]any {
	if a.LocalPath == "" {
		return nil
	}
	raw, err := os.ReadFile(a.LocalPath)
	if err != nil {
		return nil
	}
	kind := "document"
	if strings.HasPrefix(a.MimeType, "image/") {
		kind = "image"
	}
	return map[string]any{
		"type": kind,
		"source": map[string]any{
			"type":       "base64",
			"media_type": a.MimeType,
			"data":       base64.StdEncoding.EncodeToString(raw),
		},
	}
}

func buildAnthropicBody(req Request) anthropicReq {
	out := anthropicReq{
		Model:     req.Model,
		System:    req.SystemPrompt,
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "user", "system":
			blocks := []map[string]any{{"type": "text", "text": m.Content}}
			for _, a := range m.Attachments {
				if b := inlineBlock(a); b != nil {
					blocks = append(blocks, b)
				}
			}
			out.Messages = append(out.Messages, map[string]any{"role": "user", "content": blocks})
		case "assistant":
			out.Messages = append(out.Messages, map[string]any{"role": "assistant", "content": m.Content})
		case "tool_call":
			var input map[string]any
			if m.ToolArgs != "" {
				_ = json.Unmarshal([]byte(m.ToolArgs), &input)
			}
			if input == nil {
				input = map[string]any{}
			}
			out.Messages = append(out.Messages, map[string]any{
				"role": "assistant",
				"content": []map[string]any{{
					"type":  "tool_use",
					"id":    m.ToolCallID,
					"name":  m.ToolName,
					"input": input,
				}},
			})
		case "tool_response":
			out.Messages = append(out.Messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.ToolOutput,
				}},
			})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": t.Parameters,
		})
	}
	if req.WebSearch {
		out.Tools = append(out.Tools, map[string]any{
			"type": "web_search_20250305",
			"name": "web_search",
		})
	}
	return out
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) Generate(ctx context.Context, req Request, onDelta OnDelta) (Result, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return Result{}, errors.New("anthropic: api key is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, errors.New("anthropic: model is required")
	}

	b, err := json.Marshal(buildAnthropicBody(req))
	if err != nil {
		return Result{}, err
	}

	url := fmt.Sprintf("%s/messages", strings.TrimRight(p.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.APIKey)
	httpReq.Header.Set("anthropic-version", p.Version)

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
		return Result{Kind: ResultError, ErrMessage: fmt.Sprintf("anthropic: %s", msg)}, nil
	}

	return scanAnthropicStream(ctx, resp.Body, onDelta)
}

// scanAnthropicStream walks the event stream. A tool_use block opens at
// content_block_start; its arguments accumulate from input_json_delta
// fragments under the block's index until message_stop finalizes them.
func scanAnthropicStream(ctx context.Context, r io.Reader, onDelta OnDelta) (Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var text strings.Builder
	type pendingCall struct {
		id, name string
		args     strings.Builder
	}
	calls := make(map[int]*pendingCall)
	firstIdx := -1

	finish := func() Result {
		if firstIdx < 0 {
			return Result{Kind: ResultText, Text: text.String()}
		}
		pc := calls[firstIdx]
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		return Result{
			Kind:     ResultToolCall,
			Text:     text.String(),
			ToolCall: &ToolCall{ID: pc.id, Name: pc.name, Arguments: args},
		}
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

		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "error":
			msg := "anthropic: stream error"
			if ev.Error != nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			return Result{Kind: ResultError, ErrMessage: msg}, nil
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				calls[ev.Index] = &pendingCall{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				if firstIdx < 0 {
					firstIdx = ev.Index
				}
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					text.WriteString(ev.Delta.Text)
					if onDelta != nil {
						onDelta(ev.Delta.Text)
					}
				}
			case "input_json_delta":
				if pc, ok := calls[ev.Index]; ok {
					pc.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_stop":
			return finish(), nil
		}
	}

	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}
	return finish(), nil
}
