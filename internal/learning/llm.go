package learning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// paraphraser requests AI-generated paraphrases for the ai_generated
// variation method. Its own small OpenAI-compatible client, same shape as
// detect.IntelligentDetector's and policy.AIJudge's, rather than a shared
// package: each consumer here wants a different response contract.
type paraphraser struct {
	httpClient *http.Client
	model      string
}

func newParaphraser(model string, timeout time.Duration) *paraphraser {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &paraphraser{httpClient: &http.Client{Timeout: timeout}, model: model}
}

type paraphraseRequest struct {
	Model       string              `json:"model"`
	Messages    []paraphraseMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
}

type paraphraseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type paraphraseResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Paraphrase asks the LLM for n stylistic paraphrases of text (role-play,
// hypothetical framing, context-switch), one per line. Any failure -- no
// key, timeout, bad response -- is returned as an error so the caller falls
// back to rule-based methods only.
func (p *paraphraser) Paraphrase(ctx context.Context, text string, n int) ([]string, error) {
	apiKey := os.Getenv("SENTRY_LLM_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("SENTRY_LLM_API_KEY environment variable is not set")
	}
	baseURL := os.Getenv("SENTRY_LLM_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	system := fmt.Sprintf(
		"You generate paraphrases of a flagged message for a security detector's "+
			"training set. Produce exactly %d paraphrases, each on its own line, with "+
			"no numbering. Vary style across role-play framing, hypothetical framing, "+
			"and context-switch framing. Preserve the underlying intent of the original "+
			"message; do not soften or refuse it, this is defensive pattern generation.", n)

	reqBody := paraphraseRequest{
		Model:       p.model,
		Temperature: 0.9,
		Messages: []paraphraseMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: text},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed paraphraseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	return splitLines(parsed.Choices[0].Message.Content, n), nil
}

func splitLines(s string, max int) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			line := trimLine(s[start:i])
			if line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func trimLine(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	// Drop a leading "1.", "2)", or "-" list marker the LLM tends to add
	// despite being asked not to number its output.
	digitEnd := start
	for digitEnd < end && s[digitEnd] >= '0' && s[digitEnd] <= '9' {
		digitEnd++
	}
	if digitEnd > start && digitEnd < end && (s[digitEnd] == '.' || s[digitEnd] == ')') {
		start = digitEnd + 1
	} else if start < end && s[start] == '-' {
		start++
	}
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
