package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiStreaming400FallsBackToBlocking(t *testing.T) {
	var streamCalls, blockingCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/models/gemini-pro:streamGenerateContent":
			streamCalls++
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"message":"streaming not supported for this request"}}`)
		case r.URL.Path == "/models/gemini-pro:generateContent":
			blockingCalls++
			io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"fallback answer"}]}}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL, "key")
	var deltas []string
	res, err := p.Generate(context.Background(), Request{Model: "gemini-pro", Messages: []Message{{Role: "user", Content: "hi"}}}, func(s string) {
		deltas = append(deltas, s)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, streamCalls)
	assert.Equal(t, 1, blockingCalls)
	assert.Equal(t, ResultText, res.Kind)
	assert.Equal(t, "fallback answer", res.Text)
	// The blocking response still reaches the delta callback once.
	assert.Equal(t, []string{"fallback answer"}, deltas)
}

func TestGeminiNon400ErrorDoesNotFallBack(t *testing.T) {
	var blockingCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models/gemini-pro:generateContent" {
			blockingCalls++
		}
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL, "key")
	res, err := p.Generate(context.Background(), Request{Model: "gemini-pro"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultError, res.Kind)
	assert.Equal(t, 0, blockingCalls)
}

func TestGeminiMissingAPIKey(t *testing.T) {
	p := NewGeminiProvider("http://invalid.test", "")
	_, err := p.Generate(context.Background(), Request{Model: "gemini-pro"}, nil)
	require.Error(t, err)
}

func TestOpenRouterWebSearchModelSuffix(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body oaiChatReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel = body.Model
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "key", "https://example.test", "branchtalk")
	res, err := p.Generate(context.Background(), Request{Model: "auto", WebSearch: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "auto:online", gotModel)
	assert.Equal(t, "ok", res.Text)
}

func TestOpenRouterSendsAttributionHeaders(t *testing.T) {
	var referer, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("HTTP-Referer")
		title = r.Header.Get("X-Title")
		io.WriteString(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "key", "https://example.test", "branchtalk")
	_, err := p.Generate(context.Background(), Request{Model: "auto"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test", referer)
	assert.Equal(t, "branchtalk", title)
}

func TestOpenAINonOKStatusIsResultError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "key")
	res, err := p.Generate(context.Background(), Request{Model: "gpt-4o-mini"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultError, res.Kind)
	assert.Contains(t, res.ErrMessage, "bad key")
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Fake", func(ctx context.Context) (Provider, error) {
		_ = ctx
		return NewOpenAIProvider("http://invalid.test", "k"), nil
	})

	// Lookup is case-insensitive and trims whitespace.
	p, err := reg.Get(context.Background(), "  fake ")
	require.NoError(t, err)
	require.NotNil(t, p)

	_, err = reg.Get(context.Background(), "missing")
	require.Error(t, err)

	assert.Equal(t, []string{"fake"}, reg.Names())
}
