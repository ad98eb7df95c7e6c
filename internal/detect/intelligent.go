package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// IntelligentDetector consults an external LLM for a structured danger
// assessment of messages the cheaper detectors didn't flag. It is the
// third-priority detector: it runs after Semantic and Conversational, and
// ahead of Rules, since an LLM judgment is more specific than a keyword hit
// but costs real latency and money to obtain.
type IntelligentDetector struct {
	httpClient      *http.Client
	model           string
	dangerThreshold float64
	logger          *slog.Logger
}

// NewIntelligentDetector creates an IntelligentDetector. model selects the
// chat-completion model; dangerThreshold gates when a danger_score becomes
// an alert (spec default 0.7); timeout bounds each LLM call.
func NewIntelligentDetector(model string, dangerThreshold float64, timeout time.Duration, logger *slog.Logger) *IntelligentDetector {
	if dangerThreshold <= 0 {
		dangerThreshold = 0.7
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntelligentDetector{
		httpClient:      &http.Client{Timeout: timeout},
		model:           model,
		dangerThreshold: dangerThreshold,
		logger:          logger.With("component", "detect.IntelligentDetector"),
	}
}

func (d *IntelligentDetector) Name() string { return "IntelligentDetector" }

type dangerAssessment struct {
	DangerScore float64 `json:"danger_score"`
	IntentType  string  `json:"intent_type"`
	Reasoning   string  `json:"reasoning"`
}

// Analyze asks the LLM to score log.Message for danger. On timeout or any
// call failure it returns (nil, nil): a skipped call is a logged warning,
// never a fatal pipeline error, per spec.
func (d *IntelligentDetector) Analyze(ctx context.Context, log LogEntry) (*Alert, error) {
	if strings.TrimSpace(log.Message) == "" {
		return nil, nil
	}

	assessment, err := d.assess(ctx, log.Message)
	if err != nil {
		d.logger.Warn("intelligent detector call failed, skipping", "error", err)
		return nil, nil
	}

	if assessment.DangerScore < d.dangerThreshold {
		return nil, nil
	}

	severity := SeverityMedium
	switch {
	case assessment.DangerScore >= 0.9:
		severity = SeverityCritical
	case assessment.DangerScore >= 0.7:
		severity = SeverityHigh
	}

	threatType := intentToThreatType(assessment.IntentType)

	return &Alert{
		Timestamp:   log.Timestamp,
		Severity:    severity,
		ThreatType:  threatType,
		Title:       "intelligent detector: " + assessment.IntentType,
		Description: assessment.Reasoning,
		RuleID:      "INTELLIGENT_LLM",
		Evidence: map[string]interface{}{
			"danger_score": assessment.DangerScore,
			"intent_type":  assessment.IntentType,
			"reasoning":    assessment.Reasoning,
			"llm_score":    assessment.DangerScore,
		},
		AgentID:   log.AgentID,
		UserID:    log.UserID,
		SessionID: log.SessionID,
		SrcIP:     log.SrcIP,
	}, nil
}

func intentToThreatType(intent string) string {
	switch strings.ToLower(intent) {
	case "exfiltration", "data_exfiltration":
		return ThreatDataExfiltration
	case "system_manipulation", "privilege_escalation":
		return ThreatSystemManipulation
	case "privacy_violation":
		return ThreatPrivacyViolation
	case "malicious_input":
		return ThreatMaliciousInput
	case "injection", "prompt_injection":
		return ThreatPromptInjection
	default:
		return ThreatSuspiciousBehavior
	}
}

type intelChatRequest struct {
	Model       string             `json:"model"`
	Messages    []intelChatMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type intelChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type intelChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (d *IntelligentDetector) assess(ctx context.Context, message string) (*dangerAssessment, error) {
	baseURL := os.Getenv("SENTRY_LLM_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	apiKey := os.Getenv("SENTRY_LLM_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("SENTRY_LLM_API_KEY environment variable is not set")
	}

	model := d.model
	if model == "" {
		model = "gpt-4o-mini"
	}

	reqBody := intelChatRequest{
		Model: model,
		Messages: []intelChatMessage{
			{Role: "system", Content: dangerSystemPrompt},
			{Role: "user", Content: message},
		},
		Temperature: 0,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	var chatResp intelChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if chatResp.Error != nil {
			msg += ": " + chatResp.Error.Message
		}
		return nil, fmt.Errorf("llm error: %s", msg)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	return parseDangerAssessment(chatResp.Choices[0].Message.Content)
}

const dangerSystemPrompt = `You are a security analyst scoring a single message for danger on behalf of an AI agent Security Operations Center called Sentry.

Respond with a single JSON object, no markdown fencing, no extra text:
{"danger_score": <0.0-1.0>, "intent_type": "<injection|exfiltration|system_manipulation|privacy_violation|malicious_input|benign>", "reasoning": "<one concise sentence>"}

Score 0.9+ only for unambiguous, severe attempts. Score under 0.5 for ordinary, benign requests.`

func parseDangerAssessment(raw string) (*dangerAssessment, error) {
	cleaned := raw
	if idx := strings.Index(cleaned, "{"); idx >= 0 {
		cleaned = cleaned[idx:]
	}
	if idx := strings.LastIndex(cleaned, "}"); idx >= 0 {
		cleaned = cleaned[:idx+1]
	}

	var parsed dangerAssessment
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if parsed.DangerScore < 0 {
		parsed.DangerScore = 0
	}
	if parsed.DangerScore > 1 {
		parsed.DangerScore = 1
	}
	return &parsed, nil
}
