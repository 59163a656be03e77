// Package llm wraps the chat-completion and text-to-speech endpoints used to
// narrate pictures.
package llm

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

	"github.com/rs/zerolog"

	"github.com/ent0n29/spaceshowcase/internal/observability"
)

const rewritePrompt = "You are a brilliant scientist with an enthusiastic personality. " +
	"Rewrite the user's text in first-person but keep it brief and only include important points, speak in an excited tone. " +
	"Keep it short and dynamic. Never go over 250 characters."

var (
	ErrMissingAPIKey = errors.New("missing OPENAI_API_KEY")
	ErrEmptyInput    = errors.New("input text is empty")
	ErrNoChoices     = errors.New("chat completion returned no choices")
)

// UpstreamError describes a non-2xx answer from the model API.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.Status, e.Body)
}

type Config struct {
	APIKey      string
	BaseURL     string
	ChatModel   string
	Temperature float64
	TTSModel    string
	TTSVoice    string
	Timeout     time.Duration
}

// Client calls an OpenAI-compatible API.
type Client struct {
	cfg     Config
	client  *http.Client
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewClient(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.ChatModel) == "" {
		cfg.ChatModel = "gpt-4o"
	}
	if strings.TrimSpace(cfg.TTSModel) == "" {
		cfg.TTSModel = "tts-1"
	}
	if strings.TrimSpace(cfg.TTSVoice) == "" {
		cfg.TTSVoice = "ash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
		log:     logger.With().Str("component", "llm").Logger(),
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Rewrite turns a picture explanation into a short, excited first-person caption.
func (c *Client) Rewrite(ctx context.Context, explanation string) (string, error) {
	if !c.Configured() {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(explanation) == "" {
		return "", ErrEmptyInput
	}

	started := time.Now()
	text, err := c.rewrite(ctx, explanation)
	c.metrics.ObserveUpstream("rewrite", outcomeOf(err), time.Since(started))
	return text, err
}

func (c *Client) rewrite(ctx context.Context, explanation string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: rewritePrompt},
			{Role: "user", Content: explanation},
		},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	res, err := c.post(ctx, "/chat/completions", payload)
	if err != nil {
		return "", fmt.Errorf("rewrite: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus("rewrite", res); err != nil {
		return "", err
	}

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrNoChoices
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Speech is a streaming synthesized audio body. Callers must close Body.
type Speech struct {
	Body        io.ReadCloser
	ContentType string
}

// Speech starts synthesizing text and returns the upstream body unread.
// format is "mp3" or "wav"; empty means mp3.
func (c *Client) Speech(ctx context.Context, text, format string) (*Speech, error) {
	if !c.Configured() {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	if format == "" {
		format = "mp3"
	}

	started := time.Now()
	speech, err := c.speech(ctx, text, format)
	c.metrics.ObserveUpstream("synthesize", outcomeOf(err), time.Since(started))
	return speech, err
}

func (c *Client) speech(ctx context.Context, text, format string) (*Speech, error) {
	payload, err := json.Marshal(speechRequest{
		Model:          c.cfg.TTSModel,
		Voice:          c.cfg.TTSVoice,
		Input:          text,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	res, err := c.post(ctx, "/audio/speech", payload)
	if err != nil {
		return nil, fmt.Errorf("speech: %w", err)
	}
	if err := checkStatus("speech", res); err != nil {
		res.Body.Close()
		return nil, err
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = mimeForFormat(format)
	}
	return &Speech{Body: res.Body, ContentType: contentType}, nil
}

// Synthesize reads a complete WAV narration for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	speech, err := c.Speech(ctx, text, "wav")
	if err != nil {
		return nil, err
	}
	defer speech.Body.Close()

	data, err := io.ReadAll(speech.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("speech: empty audio body")
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return res, nil
}

func checkStatus(op string, res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	return &UpstreamError{Op: op, Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
}

func outcomeOf(err error) string {
	var upstream *UpstreamError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &upstream) && upstream.Status == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "error"
	}
}

func mimeForFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "wav":
		return "audio/wav"
	case "opus", "ogg":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}
