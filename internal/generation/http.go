package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/reliability"
)

// HTTPGenerator forwards prompts to a generic completion endpoint. The
// endpoint receives {system, temperature, max_tokens, messages} and may answer
// with JSON ({"text": ...}), plain text, SSE or NDJSON.
type HTTPGenerator struct {
	url        string
	client     *http.Client
	persona    Persona
	maxRetries int
}

type httpRequest struct {
	System      string  `json:"system"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Messages    []Part  `json:"messages"`
}

func NewHTTPGenerator(url string, persona Persona) *HTTPGenerator {
	return &HTTPGenerator{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 90 * time.Second,
		},
		persona:    persona,
		maxRetries: 2,
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, parts []Part) (string, error) {
	if err := validateParts("generation.http", parts); err != nil {
		return "", err
	}
	payload, err := json.Marshal(httpRequest{
		System:      g.persona.Instruction,
		Temperature: g.persona.Temperature,
		MaxTokens:   g.persona.MaxTokens,
		Messages:    parts,
	})
	if err != nil {
		return "", apperr.Service("generation.http", "could not encode request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if !reliability.Sleep(ctx.Done(), reliability.ExponentialBackoff(attempt-1, 200*time.Millisecond, 2*time.Second)) {
				return "", apperr.Service("generation.http", "generation cancelled", ctx.Err())
			}
		}
		text, retryable, err := g.do(ctx, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return "", apperr.Service("generation.http", "generation request failed", lastErr)
}

func (g *HTTPGenerator) do(ctx context.Context, payload []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("generation http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	var text string
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		text, err = consumeStreaming(res.Body)
	} else {
		text, err = consumeBody(res.Body)
	}
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(text) == "" {
		return "", false, fmt.Errorf("empty completion")
	}
	return strings.TrimSpace(text), false, nil
}

func consumeBody(body io.Reader) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw), nil
	}
	return extractText(obj), nil
}

// consumeStreaming concatenates every delta; callers only see the final text.
func consumeStreaming(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message", "content"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
