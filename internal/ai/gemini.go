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
	"strings"
	"time"
)

// GeminiProvider talks to a Gemini-style generateContent endpoint. Its
// streaming variant is SSE (alt=sse); a 400 on the streaming endpoint is
// answered with a single fallback call to the non-streaming endpoint
// instead of surfacing the error. The fallback never recurses.
type GeminiProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewGeminiProvider(baseURL, apiKey string) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type geminiPart struct {
	Text     string `json:"text,omitempty"`
	FileData *struct {
		MimeType string `json:"mime_type,omitempty"`
		FileURI  string `json:"file_uri"`
	} `json:"file_data,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiReq struct {
	SystemInstruction *geminiContent   `json:"system_instruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	Tools             []map[string]any `json:"tools,omitempty"`
}

type geminiResp struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// buildGeminiBody maps transcript turns to contents: the model side is
// role "model", tool calls become functionCall parts and tool responses
// functionResponse parts (Gemini correlates by function name, not id).
func buildGeminiBody(req Request) geminiReq {
	out := geminiReq{}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "user", "system":
			parts := []geminiPart{{Text: m.Content}}
			for _, a := range m.Attachments {
				if a.GeminiFileURI == "" {
					continue
				}
				p := geminiPart{}
				p.FileData = &struct {
					MimeType string `json:"mime_type,omitempty"`
					FileURI  string `json:"file_uri"`
				}{MimeType: a.MimeType, FileURI: a.GeminiFileURI}
				parts = append(parts, p)
			}
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: parts})
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: m.Content}},
			})
		case "tool_call":
			var args map[string]any
			if m.ToolArgs != "" {
				_ = json.Unmarshal([]byte(m.ToolArgs), &args)
			}
			p := geminiPart{}
			p.FunctionCall = &struct {
				Name string         `json:"name"`
				Args map[string]any `json:"args,omitempty"`
			}{Name: m.ToolName, Args: args}
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{p}})
		case "tool_response":
			p := geminiPart{}
			p.FunctionResponse = &struct {
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			}{Name: m.ToolName, Response: map[string]any{"output": m.ToolOutput}}
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{p}})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		out.Tools = append(out.Tools, map[string]any{"function_declarations": decls})
	}
	if req.WebSearch {
		out.Tools = append(out.Tools, map[string]any{"google_search": map[string]any{}})
	}
	return out
}

func (p *GeminiProvider) Generate(ctx context.Context, req Request, onDelta OnDelta) (Result, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return Result{}, errors.New("gemini: api key is required")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return Result{}, errors.New("gemini: model is required")
	}

	body := buildGeminiBody(req)
	b, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse",
		strings.TrimRight(p.BaseURL, "/"), model)
	resp, err := p.post(ctx, url, b)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		// Some requests this vendor rejects on the streaming endpoint
		// succeed on the blocking one. One shot, no recursion.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
		return p.generateBlocking(ctx, model, b, onDelta)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return Result{Kind: ResultError, ErrMessage: fmt.Sprintf("gemini: %s", msg)}, nil
	}

	return scanGeminiStream(ctx, resp.Body, onDelta)
}

func (p *GeminiProvider) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.APIKey)
	return p.Client.Do(httpReq)
}

func (p *GeminiProvider) generateBlocking(ctx context.Context, model string, body []byte, onDelta OnDelta) (Result, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(p.BaseURL, "/"), model)
	resp, err := p.post(ctx, url, body)
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
		return Result{Kind: ResultError, ErrMessage: fmt.Sprintf("gemini: %s", msg)}, nil
	}

	var decoded geminiResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, err
	}
	return resolveGeminiChunk(decoded, "", onDelta), nil
}

// scanGeminiStream scans "data: " lines; each event carries a candidate
// with text and/or functionCall parts. Function calls arrive whole, so no
// cross-event argument stitching is needed here.
func scanGeminiStream(ctx context.Context, r io.Reader, onDelta OnDelta) (Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var text strings.Builder
	var call *ToolCall

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

		var decoded geminiResp
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			continue
		}
		if decoded.Error != nil && decoded.Error.Message != "" {
			return Result{Kind: ResultError, ErrMessage: decoded.Error.Message}, nil
		}
		if len(decoded.Candidates) == 0 {
			continue
		}

		for _, part := range decoded.Candidates[0].Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
				if onDelta != nil {
					onDelta(part.Text)
				}
			}
			if part.FunctionCall != nil && call == nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				call = &ToolCall{
					ID:        "call_" + part.FunctionCall.Name,
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				}
			}
		}
	}

	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}

	if call != nil {
		return Result{Kind: ResultToolCall, Text: text.String(), ToolCall: call}, nil
	}
	return Result{Kind: ResultText, Text: text.String()}, nil
}

// resolveGeminiChunk normalizes a single non-streaming response.
func resolveGeminiChunk(decoded geminiResp, pre string, onDelta OnDelta) Result {
	if decoded.Error != nil && decoded.Error.Message != "" {
		return Result{Kind: ResultError, ErrMessage: decoded.Error.Message}
	}
	if len(decoded.Candidates) == 0 {
		return Result{Kind: ResultError, ErrMessage: "gemini: empty response"}
	}

	text := pre
	var call *ToolCall
	for _, part := range decoded.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
			if onDelta != nil {
				onDelta(part.Text)
			}
		}
		if part.FunctionCall != nil && call == nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			call = &ToolCall{
				ID:        "call_" + part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			}
		}
	}
	if call != nil {
		return Result{Kind: ResultToolCall, Text: text, ToolCall: call}
	}
	return Result{Kind: ResultText, Text: text}
}
