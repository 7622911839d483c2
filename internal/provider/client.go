// Package provider implements the external AI capability behind the
// optimization lifecycle: analyze a résumé, then produce an optimized
// rewrite. Calls are single-shot per run; retrying is an explicit,
// caller-driven restart, never something this client does on its own.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/cvlift/cvlift/internal/config"
)

// Analysis is the structured result of the analyze capability.
type Analysis struct {
	Score       int      `json:"score"`
	Suggestions []string `json:"suggestions"`
}

// analysisSchema constrains what the model may hand back; anything else is a
// malformed provider response, not a crash.
const analysisSchema = `{
	"type": "object",
	"required": ["score", "suggestions"],
	"properties": {
		"score": {"type": "integer", "minimum": 0, "maximum": 100},
		"suggestions": {"type": "array", "items": {"type": "string"}}
	}
}`

const analyzePrompt = "You are a résumé analysis assistant. Given the résumé text, respond with ONLY a single JSON object of the form " +
	`{"score": <integer 0-100>, "suggestions": ["..."]}` +
	". No commentary, no markdown, no code fences."

const optimizePrompt = "You are a résumé optimization assistant. Rewrite the résumé below into a stronger version that addresses the listed suggestions. " +
	"Keep every fact truthful, keep the original structure recognizable, and respond with ONLY the rewritten résumé as plain text."

// Error is a sanitized provider failure. Its message is safe to persist into
// a record's processingError field: no credentials, no raw response bodies.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// New builds a client from configuration.
func New(cfg *config.Config) *Client {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   cfg.ProviderEndpoint,
		model:      cfg.ProviderModel,
		apiKey:     cfg.ProviderAPIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Analyze scores the résumé and collects improvement suggestions.
func (c *Client) Analyze(ctx context.Context, text string) (Analysis, error) {
	out, err := c.chat(ctx, analyzePrompt, text)
	if err != nil {
		return Analysis{}, err
	}
	doc := extractJSON(out)
	result, verr := gojsonschema.Validate(
		gojsonschema.NewStringLoader(analysisSchema),
		gojsonschema.NewStringLoader(doc),
	)
	if verr != nil || !result.Valid() {
		return Analysis{}, &Error{Message: "provider returned a malformed analysis"}
	}
	var a Analysis
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return Analysis{}, &Error{Message: "provider returned a malformed analysis"}
	}
	return a, nil
}

// Optimize produces the rewritten résumé text.
func (c *Client) Optimize(ctx context.Context, text string, a Analysis) (string, error) {
	var sb strings.Builder
	sb.WriteString("Suggestions to address:\n")
	for _, s := range a.Suggestions {
		sb.WriteString("- ")
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	sb.WriteString("\nRésumé:\n")
	sb.WriteString(text)
	out, err := c.chat(ctx, optimizePrompt, sb.String())
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", &Error{Message: "provider returned an empty optimization"}
	}
	return out, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) chat(ctx context.Context, system, user string) (string, error) {
	if c.endpoint == "" || c.model == "" {
		return "", &Error{Message: "provider is not configured"}
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Message: c.sanitize("provider request failed: " + err.Error())}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{Message: "provider response could not be read"}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", &Error{Message: c.sanitize(apiErrorMessage(resp.Status, raw))}
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Choices) == 0 {
		return "", &Error{Message: "provider returned an unexpected response"}
	}
	return parsed.Choices[0].Message.Content, nil
}

// apiErrorMessage extracts the short error message from an API error body,
// never the body itself.
func apiErrorMessage(status string, raw []byte) string {
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	return "provider error " + status
}

// sanitize strips the API key from any message headed for storage and keeps
// the message short enough to render in a status field.
func (c *Client) sanitize(msg string) string {
	if c.apiKey != "" {
		msg = strings.ReplaceAll(msg, c.apiKey, "[redacted]")
	}
	msg = strings.TrimSpace(msg)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}

// extractJSON returns the first balanced JSON object in s. Models sometimes
// wrap their JSON in prose or fences despite instructions.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
