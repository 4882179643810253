package ai

import (
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

// OpenRouterProvider talks to the aggregator endpoint. The wire grammar
// is the chat/completions one; only the headers and base URL differ.
type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	SiteURL string
	AppName string
	Client  *http.Client
}

func NewOpenRouterProvider(baseURL, apiKey, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *OpenRouterProvider) Generate(ctx context.Context, req Request, onDelta OnDelta) (Result, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return Result{}, errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return Result{}, errors.New("openrouter: model is required")
	}
	if req.WebSearch && !strings.HasSuffix(model, ":online") {
		// The aggregator's web-search switch is a model suffix.
		model += ":online"
	}
	req.Model = model

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
	if p.SiteURL != "" {
		httpReq.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		httpReq.Header.Set("X-Title", p.AppName)
	}

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
		return Result{Kind: ResultError, ErrMessage: fmt.Sprintf("openrouter: %s", msg)}, nil
	}

	return scanChatCompletionsStream(ctx, resp.Body, onDelta)
}
