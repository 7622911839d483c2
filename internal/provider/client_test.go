package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cvlift/cvlift/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(&config.Config{
		ProviderEndpoint: srv.URL,
		ProviderModel:    "test-model",
		ProviderAPIKey:   "sk-test-secret",
	})
}

func completion(content string) []byte {
	out, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return out
}

func TestAnalyzeParsesStructuredResponse(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test-secret" {
			t.Errorf("authorization header = %q", got)
		}
		w.Write(completion(`Here you go: {"score": 74, "suggestions": ["quantify impact", "trim summary"]} hope it helps`))
	})
	a, err := c.Analyze(context.Background(), "John Doe, Software Engineer")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if a.Score != 74 || len(a.Suggestions) != 2 {
		t.Fatalf("analysis = %+v", a)
	}
}

func TestAnalyzeRejectsMalformedAnalysis(t *testing.T) {
	for _, content := range []string{
		"no json at all",
		`{"score": "high", "suggestions": []}`,
		`{"score": 140, "suggestions": []}`,
		`{"suggestions": ["x"]}`,
	} {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write(completion(content))
		})
		if _, err := c.Analyze(context.Background(), "text"); err == nil {
			t.Fatalf("expected malformed analysis error for %q", content)
		}
	}
}

func TestOptimizeReturnsRewrittenText(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(completion("  Jane Doe\nStaff Engineer with measurable wins.  "))
	})
	out, err := c.Optimize(context.Background(), "Jane Doe", Analysis{Score: 60, Suggestions: []string{"add metrics"}})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if out != "Jane Doe\nStaff Engineer with measurable wins." {
		t.Fatalf("optimize output = %q", out)
	}
}

func TestAPIErrorsAreSanitized(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limit exceeded for key sk-test-secret"}}`))
	})
	_, err := c.Analyze(context.Background(), "text")
	if err == nil {
		t.Fatalf("expected provider error")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T, want provider.Error", err)
	}
	if !strings.Contains(perr.Message, "rate limit exceeded") {
		t.Fatalf("message lost the cause: %q", perr.Message)
	}
	if strings.Contains(perr.Message, "sk-test-secret") {
		t.Fatalf("message leaked the api key: %q", perr.Message)
	}
}

func TestEmptyOptimizationIsAnError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(completion("   "))
	})
	if _, err := c.Optimize(context.Background(), "text", Analysis{}); err == nil {
		t.Fatalf("expected empty optimization to fail")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\": 1}\n```":          `{"a": 1}`,
		`prefix {"a": {"b": "}"}} suffix`:   `{"a": {"b": "}"}}`,
		`{"score": 1, "suggestions": ["x"]}`: `{"score": 1, "suggestions": ["x"]}`,
	}
	for in, want := range cases {
		if got := extractJSON(in); got != want {
			t.Fatalf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
