// Package llm calls OpenAI-compatible chat endpoints on behalf of
// accounts. Credentials resolve from the environment per account, and
// every account gets its own circuit breaker so one flaky gateway
// cannot stall council rounds.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/agentctl/agentd/pkg/log"
)

// Caller abstracts the LLM gateway. The daemon injects an HTTPCaller;
// tests inject stubs.
type Caller interface {
	Call(ctx context.Context, account, system, user string) (string, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, account, system, user string) (string, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, account, system, user string) (string, error) {
	return f(ctx, account, system, user)
}

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// HTTPCaller talks to OpenAI-compatible /chat/completions endpoints.
type HTTPCaller struct {
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	logger zerolog.Logger
}

// NewHTTPCaller builds a caller. A .env file next to the process is
// loaded when present; real environment variables win.
func NewHTTPCaller(timeout time.Duration) *HTTPCaller {
	_ = godotenv.Load()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPCaller{
		client:   &http.Client{Timeout: timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   log.WithComponent("llm"),
	}
}

// credentials resolves base URL, key, and model for an account.
// <ACCOUNT>_API_KEY style variables win over the OPENAI_* fallbacks.
func credentials(account string) (baseURL, key, model string, err error) {
	prefix := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(account))

	key = os.Getenv(prefix + "_API_KEY")
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return "", "", "", fmt.Errorf("no API key for account %s (set %s_API_KEY or OPENAI_API_KEY)", account, prefix)
	}

	baseURL = os.Getenv(prefix + "_BASE_URL")
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model = os.Getenv(prefix + "_MODEL")
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = defaultModel
	}
	return baseURL, key, model, nil
}

func (c *HTTPCaller) breakerFor(account string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[account]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-" + account,
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("llm breaker state change")
		},
	})
	c.breakers[account] = cb
	return cb
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call sends one system+user exchange through the account's breaker
// and returns the raw completion text.
func (c *HTTPCaller) Call(ctx context.Context, account, system, user string) (string, error) {
	baseURL, key, model, err := credentials(account)
	if err != nil {
		return "", err
	}

	out, err := c.breakerFor(account).Execute(func() (interface{}, error) {
		return c.complete(ctx, baseURL, key, model, system, user)
	})
	if err != nil {
		return "", fmt.Errorf("llm call for %s: %w", account, err)
	}
	return out.(string), nil
}

func (c *HTTPCaller) complete(ctx context.Context, baseURL, key, model, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, firstLine(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding gateway response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("gateway error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("gateway returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func firstLine(data []byte) string {
	s := strings.TrimSpace(string(data))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// StripFences removes a surrounding markdown code fence from LLM
// output, tolerating a language tag after the opening backticks.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		first := strings.TrimSpace(trimmed[:i])
		if len(first) <= 10 { // language tag like "json"
			trimmed = trimmed[i+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// ExtractJSON pulls the first JSON object out of possibly chatty LLM
// output: fences stripped, leading prose skipped.
func ExtractJSON(s string) (json.RawMessage, error) {
	cleaned := StripFences(s)

	start := strings.IndexByte(cleaned, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in output")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(cleaned); i++ {
		ch := cleaned[i]
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
				candidate := cleaned[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("extracted candidate is not valid JSON")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("unterminated JSON object in output")
}
