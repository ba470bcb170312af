// Package llm generates transcript formatting, summaries and keywords
// through a text generation backend. Ollama's /api/generate is the default;
// when a vLLM URL is configured its /v1/completions endpoint takes
// precedence.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/urlutil"
	"github.com/scribarr/scribarr/pkg/httpclient"
)

// DefaultLanguage is used when neither the item nor its user carries a
// language preference.
const DefaultLanguage = "中文"

const (
	defaultRequestTimeout = 300 * time.Second
	defaultKeywordTimeout = 120 * time.Second

	// Input bounds, in characters. Formatting splits long transcripts
	// into chunks; summary and keyword inputs are truncated.
	defaultFormatChunkChars  = 12000
	defaultSummaryInputChars = 8000
	defaultKeywordInputChars = 6000

	maxResponseBytes = 16 << 20
)

// Error marks a failure talking to the generation backend. The summarize
// stage treats these as transient: the item keeps its stage so the next
// scheduler tick retries instead of failing the work done so far.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("llm %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Client talks to the generation backend. All methods are safe for
// concurrent use.
type Client struct {
	ollamaURL string
	vllmURL   string
	model     string

	http           *httpclient.Client
	keywordTimeout time.Duration

	formatChunkChars  int
	summaryInputChars int
	keywordInputChars int

	logger *slog.Logger
}

// New builds a Client from configuration. Retries are deliberately left to
// the stage executors; the underlying client only contributes the circuit
// breaker and decompression.
func New(cfg config.LLMConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "llm"))

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	keywordTimeout := cfg.KeywordTimeout
	if keywordTimeout <= 0 {
		keywordTimeout = defaultKeywordTimeout
	}

	hc := httpclient.New(httpclient.Config{
		Timeout:             requestTimeout,
		RetryAttempts:       0,
		Logger:              logger,
		EnableDecompression: true,
		MaxResponseSize:     maxResponseBytes,
	})

	return &Client{
		ollamaURL:         urlutil.NormalizeBaseURL(cfg.OllamaURL),
		vllmURL:           urlutil.NormalizeBaseURL(cfg.VLLMURL),
		model:             cfg.Model,
		http:              hc,
		keywordTimeout:    keywordTimeout,
		formatChunkChars:  positiveOr(cfg.FormatChunkChars, defaultFormatChunkChars),
		summaryInputChars: positiveOr(cfg.SummaryInputChars, defaultSummaryInputChars),
		keywordInputChars: positiveOr(cfg.KeywordInputChars, defaultKeywordInputChars),
		logger:            logger,
	}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// CircuitState reports the breaker state of the underlying HTTP client
// for health reporting.
func (c *Client) CircuitState() string {
	return c.http.CircuitState().String()
}

// FormatTranscript adds punctuation and paragraph breaks to a raw
// transcript. Long transcripts are formatted in chunks and rejoined.
// Formatting is best effort: on backend failure the transcript comes back
// unchanged with a nil error, and only context cancellation is surfaced.
func (c *Client) FormatTranscript(ctx context.Context, transcript, language string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return transcript, nil
	}
	language = languageOr(language)

	chunks := chunkRunes(transcript, c.formatChunkChars)
	formatted := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		prompt := fmt.Sprintf(formatPromptTemplate, language, chunk)
		out, err := c.generate(ctx, prompt, utf8.RuneCountInString(chunk)+1000, 0.3)
		if err != nil {
			if ctx.Err() != nil {
				return transcript, ctx.Err()
			}
			c.logger.Warn("transcript formatting failed, keeping raw text",
				slog.String("error", err.Error()))
			return transcript, nil
		}
		formatted = append(formatted, stripFormatEcho(out))
	}
	return strings.Join(formatted, "\n\n"), nil
}

// GenerateSummary produces a summary of the transcript in the requested
// language. Failures come back as *Error.
func (c *Client) GenerateSummary(ctx context.Context, transcript, language string) (string, error) {
	language = languageOr(language)
	input := truncateRunes(transcript, c.summaryInputChars)

	prompt := fmt.Sprintf(summaryPromptTemplate, language, input)
	out, err := c.generate(ctx, prompt, 1000, 0.7)
	if err != nil {
		return "", &Error{Op: "summary", Err: err}
	}
	return strings.TrimSpace(out), nil
}

// GenerateKeywords extracts a comma-separated keyword list from the
// transcript and title. It uses the shorter keyword timeout; callers treat
// failures as best effort.
func (c *Client) GenerateKeywords(ctx context.Context, transcript, title, language string) (string, error) {
	language = languageOr(language)

	var content strings.Builder
	if title != "" {
		fmt.Fprintf(&content, "标题: %s\n\n", title)
	}
	content.WriteString(truncateRunes(transcript, c.keywordInputChars))

	ctx, cancel := context.WithTimeout(ctx, c.keywordTimeout)
	defer cancel()

	prompt := fmt.Sprintf(keywordsPromptTemplate, language, content.String())
	out, err := c.generate(ctx, prompt, 200, 0.5)
	if err != nil {
		return "", &Error{Op: "keywords", Err: err}
	}
	return cleanKeywords(out), nil
}

// generate routes a prompt to the configured backend. maxTokens and
// temperature only apply to vLLM; Ollama runs with model defaults.
func (c *Client) generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if c.vllmURL != "" {
		return c.generateVLLM(ctx, prompt, maxTokens, temperature)
	}
	return c.generateOllama(ctx, prompt)
}

func (c *Client) generateOllama(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, c.ollamaURL+"/api/generate", payload, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", fmt.Errorf("backend returned an empty response")
	}
	return out.Response, nil
}

func (c *Client) generateVLLM(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	payload := map[string]any{
		"model":       c.model,
		"prompt":      prompt,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	var out struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := c.postJSON(ctx, c.vllmURL+"/v1/completions", payload, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Text) == "" {
		return "", fmt.Errorf("backend returned no completion")
	}
	return out.Choices[0].Text, nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func languageOr(language string) string {
	if strings.TrimSpace(language) == "" {
		return DefaultLanguage
	}
	return language
}
