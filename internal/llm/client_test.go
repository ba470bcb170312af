package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribarr/scribarr/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type vllmRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// newOllamaServer records every prompt and answers each request with the
// next response in order (the last one repeats).
func newOllamaServer(t *testing.T, prompts *[]string, responses ...string) *httptest.Server {
	t.Helper()
	var calls int
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		*prompts = append(*prompts, req.Prompt)

		idx := calls
		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		calls++
		json.NewEncoder(w).Encode(map[string]string{"response": responses[idx]})
	}))
}

func TestGenerateSummary_Ollama(t *testing.T) {
	var prompts []string
	server := newOllamaServer(t, &prompts, "  这是一个简洁的总结。 ")
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	summary, err := client.GenerateSummary(context.Background(), "今天我们聊聊围棋", "中文")
	require.NoError(t, err)
	assert.Equal(t, "这是一个简洁的总结。", summary)

	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "今天我们聊聊围棋")
	assert.Contains(t, prompts[0], "请生成总结")
	assert.Contains(t, prompts[0], "中文")
}

func TestGenerateSummary_VLLMTakesPrecedence(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("ollama should not be called when vllm is configured")
	}))
	defer ollama.Close()

	var captured vllmRequest
	vllm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]string{{"text": "a vllm summary"}},
		})
	}))
	defer vllm.Close()

	client := New(config.LLMConfig{
		OllamaURL: ollama.URL,
		VLLMURL:   vllm.URL,
		Model:     "qwen2.5",
	}, testLogger())

	summary, err := client.GenerateSummary(context.Background(), "transcript", "English")
	require.NoError(t, err)
	assert.Equal(t, "a vllm summary", summary)
	assert.Equal(t, "qwen2.5", captured.Model)
	assert.Equal(t, 1000, captured.MaxTokens)
	assert.InDelta(t, 0.7, captured.Temperature, 0.0001)
}

func TestGenerateSummary_TruncatesLongInput(t *testing.T) {
	var prompts []string
	server := newOllamaServer(t, &prompts, "summary")
	defer server.Close()

	client := New(config.LLMConfig{
		OllamaURL:         server.URL,
		Model:             "qwen2.5",
		SummaryInputChars: 100,
	}, testLogger())

	_, err := client.GenerateSummary(context.Background(), strings.Repeat("x", 150), "English")
	require.NoError(t, err)

	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], strings.Repeat("x", 100)+"...")
	assert.NotContains(t, prompts[0], strings.Repeat("x", 101))
}

func TestGenerateSummary_BackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	_, err := client.GenerateSummary(context.Background(), "transcript", "")
	require.Error(t, err)

	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "summary", lerr.Op)
	assert.Contains(t, lerr.Error(), "500")
}

func TestGenerateSummary_EmptyResponse(t *testing.T) {
	var prompts []string
	server := newOllamaServer(t, &prompts, "   ")
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	_, err := client.GenerateSummary(context.Background(), "transcript", "")
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
}

func TestGenerateSummary_DefaultsLanguage(t *testing.T) {
	var prompts []string
	server := newOllamaServer(t, &prompts, "summary")
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	_, err := client.GenerateSummary(context.Background(), "transcript", "")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], DefaultLanguage)
}

func TestFormatTranscript_StripsPromptEcho(t *testing.T) {
	var prompts []string
	server := newOllamaServer(t, &prompts, "前导说明\n请整理后的内容：\n你好，世界。")
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	formatted, err := client.FormatTranscript(context.Background(), "你好世界", "中文")
	require.NoError(t, err)
	assert.Equal(t, "你好，世界。", formatted)
}

func TestFormatTranscript_ChunksLongInput(t *testing.T) {
	var prompts []string
	server := newOllamaServer(t, &prompts, "F")
	defer server.Close()

	client := New(config.LLMConfig{
		OllamaURL:        server.URL,
		Model:            "qwen2.5",
		FormatChunkChars: 10,
	}, testLogger())

	formatted, err := client.FormatTranscript(context.Background(), "abcdefghijklmnopqrstuvwxy", "English")
	require.NoError(t, err)
	assert.Equal(t, "F\n\nF\n\nF", formatted)

	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[0], "abcdefghij")
	assert.Contains(t, prompts[1], "klmnopqrst")
	assert.Contains(t, prompts[2], "uvwxy")
	assert.NotContains(t, prompts[2], "abcdefghij")
}

func TestFormatTranscript_FallsBackOnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	formatted, err := client.FormatTranscript(context.Background(), "the raw transcript", "English")
	require.NoError(t, err, "formatting is best effort")
	assert.Equal(t, "the raw transcript", formatted)
}

func TestFormatTranscript_EmptyInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty input")
	}))
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	formatted, err := client.FormatTranscript(context.Background(), "   ", "中文")
	require.NoError(t, err)
	assert.Equal(t, "   ", formatted)
}

func TestGenerateKeywords(t *testing.T) {
	var prompts []string
	server := newOllamaServer(t, &prompts, "关键词：人工智能，机器学习，人工智能")
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	keywords, err := client.GenerateKeywords(context.Background(), "一个关于AI的视频", "AI 入门", "中文")
	require.NoError(t, err)
	assert.Equal(t, "人工智能, 机器学习", keywords)

	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "标题: AI 入门")
	assert.Contains(t, prompts[0], "一个关于AI的视频")
}

func TestGenerateKeywords_NoTitle(t *testing.T) {
	var prompts []string
	server := newOllamaServer(t, &prompts, "AI, tech")
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	_, err := client.GenerateKeywords(context.Background(), "transcript", "", "English")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.NotContains(t, prompts[0], "标题:")
}

func TestGenerateKeywords_BackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(config.LLMConfig{OllamaURL: server.URL, Model: "qwen2.5"}, testLogger())

	keywords, err := client.GenerateKeywords(context.Background(), "transcript", "title", "")
	assert.Empty(t, keywords)

	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "keywords", lerr.Op)
}

func TestGenerateKeywords_VLLMParameters(t *testing.T) {
	var captured vllmRequest
	vllm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]string{{"text": "go, concurrency"}},
		})
	}))
	defer vllm.Close()

	client := New(config.LLMConfig{VLLMURL: vllm.URL, Model: "qwen2.5"}, testLogger())

	keywords, err := client.GenerateKeywords(context.Background(), "transcript", "", "English")
	require.NoError(t, err)
	assert.Equal(t, "go, concurrency", keywords)
	assert.Equal(t, 200, captured.MaxTokens)
	assert.InDelta(t, 0.5, captured.Temperature, 0.0001)
}
