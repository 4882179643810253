package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// OllamaProvider is a local-model binding. Its wire format is
// newline-delimited JSON rather than SSE, and it offers no tool calling:
// every generation resolves to text or an error.
type OllamaProvider struct {
	BaseURL string
	Client  *http.Client
}

func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaStreamResp struct {
	Message ollamaMsg `json:"message"`
	Done    bool      `json:"done"`
	Error   string    `json:"error,omitempty"`
}

func (p *OllamaProvider) Generate(ctx context.Context, req Request, onDelta OnDelta) (Result, error) {
	if p.Client == nil {
		return Result{}, errors.New("ollama: http client is nil")
	}
	model := req.Model
	if model == "" {
		return Result{}, errors.New("ollama: model is required")
	}

	msgs := make([]ollamaMsg, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, ollamaMsg{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "user", "assistant", "system":
			msgs = append(msgs, ollamaMsg{Role: m.Role, Content: m.Content})
		case "tool_call":
			msgs = append(msgs, ollamaMsg{Role: "assistant", Content: fmt.Sprintf("[tool call %s(%s)]", m.ToolName, m.ToolArgs)})
		case "tool_response":
			msgs = append(msgs, ollamaMsg{Role: "user", Content: fmt.Sprintf("[tool result] %s", m.ToolOutput)})
		}
	}

	b, err := json.Marshal(ollamaChatReq{Model: model, Messages: msgs, Stream: true})
	if err != nil {
		return Result{}, err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Kind: ResultError, ErrMessage: fmt.Sprintf("ollama: status %d", resp.StatusCode)}, nil
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var text bytes.Buffer
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var decoded ollamaStreamResp
		if err := json.Unmarshal(line, &decoded); err != nil {
			continue
		}
		if decoded.Error != "" {
			return Result{Kind: ResultError, ErrMessage: decoded.Error}, nil
		}
		if decoded.Message.Content != "" {
			text.WriteString(decoded.Message.Content)
			if onDelta != nil {
				onDelta(decoded.Message.Content)
			}
		}
		if decoded.Done {
			break
		}
	}

	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}
	return Result{Kind: ResultText, Text: text.String()}, nil
}
