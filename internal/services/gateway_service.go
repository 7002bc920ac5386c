package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"regradar/internal/config"
	"regradar/internal/models"
	"regradar/internal/pkg/logger"
	"regradar/internal/pkg/metrics"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sony/gobreaker"
)

const regulatoryAnalystRole = "You are an expert AI assistant specializing in regulatory updates. " +
	"Provide thorough, insightful, and actionable analysis based on the user's request, " +
	"focusing on compliance, recent changes, and best practices."

// GatewayService talks to the OpenAI-compatible LLM gateway. Every
// LLM-backed step of the pipeline (classification, extraction, report
// composition, general chat) goes through Complete or StreamComplete.
type GatewayService struct {
	client  openai.Client
	config  config.GatewayConfig
	logger  *logger.Logger
	breaker *gobreaker.CircuitBreaker
}

type CompletionRequest struct {
	Prompt      string
	SystemRole  string
	Temperature *float64
	MaxTokens   int
}

type CompletionResponse struct {
	Content        string
	TokensUsed     int
	ProcessingTime time.Duration
}

func NewGatewayService(cfg config.GatewayConfig, log *logger.Logger) (*GatewayService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gateway API key required")
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-gateway",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	service := &GatewayService{
		client:  client,
		config:  cfg,
		logger:  log,
		breaker: breaker,
	}

	log.Info("gateway service initialized",
		"base_url", cfg.BaseURL,
		"model", cfg.Model,
		"temperature", cfg.Temperature,
		"max_retries", cfg.MaxRetries)

	return service, nil
}

func (service *GatewayService) Complete(ctx context.Context, request *CompletionRequest) (*CompletionResponse, error) {
	startTime := time.Now()

	var response *CompletionResponse
	var err error

	for attempt := 1; attempt <= service.config.MaxRetries; attempt++ {
		response, err = service.makeCompletionRequest(ctx, request)
		if err == nil {
			break
		}

		if attempt < service.config.MaxRetries {
			service.logger.WithFields(logger.Fields{
				"attempt":     attempt,
				"max_retries": service.config.MaxRetries,
				"error":       err,
			}).Warn("gateway completion failed, retrying")

			select {
			case <-time.After(service.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, models.NewTimeoutError("GATEWAY_TIMEOUT", "completion timed out").WithCause(ctx.Err())
			}
		}
	}

	duration := time.Since(startTime)
	metrics.ExternalCallDuration.WithLabelValues("gateway", "complete").Observe(duration.Seconds())

	if err != nil {
		metrics.ExternalCallFailures.WithLabelValues("gateway", "complete").Inc()
		service.logger.LogService("gateway", "complete", duration, map[string]interface{}{
			"prompt_length": len(request.Prompt),
			"attempts":      service.config.MaxRetries,
		}, err)
		return nil, models.WrapExternalError("GATEWAY", err)
	}

	response.ProcessingTime = duration
	service.logger.LogService("gateway", "complete", duration, map[string]interface{}{
		"prompt_length":   len(request.Prompt),
		"response_length": len(response.Content),
		"tokens_used":     response.TokensUsed,
	}, nil)

	return response, nil
}

func (service *GatewayService) makeCompletionRequest(ctx context.Context, request *CompletionRequest) (*CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	result, err := service.breaker.Execute(func() (interface{}, error) {
		completion, err := service.client.Chat.Completions.New(callCtx, service.buildParams(request))
		if err != nil {
			return nil, err
		}
		if len(completion.Choices) == 0 {
			return nil, errors.New("no completion choices returned")
		}
		return completion, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gateway completion request failed: %w", err)
	}

	completion := result.(*openai.ChatCompletion)
	return &CompletionResponse{
		Content:    completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}

// StreamComplete streams deltas to onDelta and returns the accumulated
// content. Streaming bypasses the retry loop: a half-delivered answer must
// not be replayed at the user.
func (service *GatewayService) StreamComplete(ctx context.Context, request *CompletionRequest, onDelta func(string) error) (string, error) {
	startTime := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	stream := service.client.Chat.Completions.NewStreaming(callCtx, service.buildParams(request))
	defer stream.Close()
	acc := openai.ChatCompletionAccumulator{}

	var builder strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		builder.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return builder.String(), fmt.Errorf("stream consumer failed: %w", err)
			}
		}
	}

	duration := time.Since(startTime)
	metrics.ExternalCallDuration.WithLabelValues("gateway", "stream").Observe(duration.Seconds())

	if err := stream.Err(); err != nil {
		metrics.ExternalCallFailures.WithLabelValues("gateway", "stream").Inc()
		service.logger.LogService("gateway", "stream_complete", duration, map[string]interface{}{
			"prompt_length": len(request.Prompt),
		}, err)
		return builder.String(), models.WrapExternalError("GATEWAY", err)
	}

	service.logger.LogService("gateway", "stream_complete", duration, map[string]interface{}{
		"prompt_length":   len(request.Prompt),
		"response_length": builder.Len(),
	}, nil)

	return builder.String(), nil
}

func (service *GatewayService) buildParams(request *CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if request.SystemRole != "" {
		messages = append(messages, openai.SystemMessage(request.SystemRole))
	}
	messages = append(messages, openai.UserMessage(request.Prompt))

	temperature := service.config.Temperature
	if request.Temperature != nil {
		temperature = *request.Temperature
	}

	maxTokens := service.config.MaxTokens
	if request.MaxTokens != 0 {
		maxTokens = request.MaxTokens
	}

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(service.config.Model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(int64(maxTokens)),
	}
}

// ClassifyIntent decides whether the message starts a new regulatory
// inquiry, follows up on an answered one, or is general chat.
func (service *GatewayService) ClassifyIntent(ctx context.Context, query string, session *models.SessionContext) (models.Intent, float64, error) {
	temperature := 0.1 // low temperature for consistent classification

	resp, err := service.Complete(ctx, &CompletionRequest{
		Prompt:      buildIntentPrompt(query, session),
		SystemRole:  "You are an expert intent classifier for a regulatory compliance assistant.",
		Temperature: &temperature,
		MaxTokens:   100,
	})
	if err != nil {
		return "", 0, fmt.Errorf("intent classification failed: %w", err)
	}

	intent, confidence := parseIntentResponse(resp.Content)

	sessionID := ""
	if session != nil {
		sessionID = session.SessionID
	}
	service.logger.LogAgent(sessionID, "classifier", "classify_intent", resp.ProcessingTime, map[string]interface{}{
		"query":       query,
		"intent":      intent,
		"confidence":  confidence,
		"tokens_used": resp.TokensUsed,
	}, nil)

	return intent, confidence, nil
}

func buildIntentPrompt(query string, session *models.SessionContext) string {
	lastQuery := ""
	answeredRegulatory := false
	if session != nil {
		lastQuery = session.LastQuery
		answeredRegulatory = session.AnsweredRegulatory()
	}

	return fmt.Sprintf(`Classify the user message into exactly one of three intents: "regulatory_query", "followup" or "general_chat".

Message:
"%s"

Conversation state:
- Previous message: "%s"
- A regulatory answer was already delivered for the previous message: %t

Classification rules:

Classify as "regulatory_query" if:
- The message asks about a compliance rule, a regulator, regulatory changes or updates, enforcement actions, or filing requirements.
- It names a regulator (SEC, FDA, FTC, ESMA, BIS, ...) or a regulated industry in a compliance context.
- It requests a scan, check, or report on recent regulatory activity.

Classify as "followup" if:
- A regulatory answer was already delivered AND the message continues that same inquiry (asks to clarify, rephrase, expand, or drill into the previous answer) without introducing a new regulatory topic.

Classify as "general_chat" if:
- The message is a greeting, casual conversation, or a question unrelated to regulation or compliance.

Respond strictly in the following format (no quotes, no explanation):
intent|confidence_score

Where confidence_score is a float between 0.0 and 1.0.

Examples:
- regulatory_query|0.93
- followup|0.88
- general_chat|0.95

Return only a single line in the above format.`, query, lastQuery, answeredRegulatory)
}

func parseIntentResponse(response string) (models.Intent, float64) {
	response = strings.TrimSpace(response)
	if response == "" {
		return models.IntentGeneral, 0.5
	}

	parts := strings.Split(response, "|")
	if len(parts) >= 2 {
		intent := models.Intent(strings.TrimSpace(strings.ToLower(parts[0])))
		switch intent {
		case models.IntentRegulatory, models.IntentGeneral, models.IntentFollowup:
			confidence := 0.9
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil && parsed >= 0 && parsed <= 1 {
				confidence = parsed
			}
			return intent, confidence
		}
	}

	// Keyword fallback when the model ignores the wire format. Ambiguity
	// lands on the general branch: a misrouted chat turn is cheap, a
	// spurious retrieval cycle is not.
	lower := strings.ToLower(response)
	if containsAny(lower, []string{"regulatory_query", "regulatory", "compliance"}) {
		return models.IntentRegulatory, 0.7
	}
	if containsAny(lower, []string{"followup", "follow-up", "follow up"}) {
		return models.IntentFollowup, 0.7
	}
	return models.IntentGeneral, 0.4
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

// ExtractParams derives the structured query parameters from the message.
// Parse failures fall back to DefaultParams, never to an error: a bad
// extraction should degrade the search, not kill the turn.
func (service *GatewayService) ExtractParams(ctx context.Context, query string) (*models.ExtractedParams, error) {
	temperature := 0.2

	resp, err := service.Complete(ctx, &CompletionRequest{
		Prompt:      buildExtractionPrompt(query),
		SystemRole:  "You are an expert at extracting structured search parameters from compliance questions.",
		Temperature: &temperature,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, fmt.Errorf("parameter extraction failed: %w", err)
	}

	params := parseParamsResponse(resp.Content, query)

	service.logger.LogAgent("", "extractor", "extract_params", resp.ProcessingTime, map[string]interface{}{
		"query":       query,
		"industry":    params.Industry,
		"region":      params.Region,
		"keywords":    params.Keywords,
		"report_type": params.ReportType,
	}, nil)

	return params, nil
}

func buildExtractionPrompt(query string) string {
	return fmt.Sprintf(`Extract the following information from the user query below and return ONLY a valid JSON object with keys: industry, region, keywords, report_type.
- industry: the industry mentioned or implied (e.g. fintech, healthcare, energy, General).
- region: the region or country explicitly mentioned (e.g. US, EU, Asia, Global). Use "US" when unspecified.
- keywords: the most important regulatory topics or terms as a JSON array of strings. Do NOT include generic words or verbs.
- report_type: "quick" for a short direct answer, "full" for a comprehensive report, "summary" otherwise.

User query: %s

Example output:
{"industry": "fintech", "region": "US", "keywords": ["SEC regulations"], "report_type": "summary"}`, query)
}

func parseParamsResponse(response, query string) *models.ExtractedParams {
	cleaned := stripCodeFences(response)

	var raw struct {
		Industry   string          `json:"industry"`
		Region     string          `json:"region"`
		Keywords   json.RawMessage `json:"keywords"`
		ReportType string          `json:"report_type"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return models.DefaultParams(query)
	}

	params := models.DefaultParams(query)
	if strings.TrimSpace(raw.Industry) != "" {
		params.Industry = strings.TrimSpace(raw.Industry)
	}
	if strings.TrimSpace(raw.Region) != "" {
		params.Region = strings.TrimSpace(raw.Region)
	}
	if keywords := parseKeywords(raw.Keywords); len(keywords) > 0 {
		params.Keywords = keywords
	}
	params.ReportType = models.ParseReportType(raw.ReportType)

	return params
}

// parseKeywords accepts both the requested array form and the
// comma-separated string models frequently return instead.
func parseKeywords(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		return cleanKeywords(asList)
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return cleanKeywords(strings.Split(asString, ","))
	}

	return nil
}

func cleanKeywords(keywords []string) []string {
	var cleaned []string
	for _, keyword := range keywords {
		keyword = strings.Trim(strings.TrimSpace(keyword), "\"'.,!?;:")
		if len(keyword) > 1 {
			cleaned = append(cleaned, keyword)
		}
	}
	return cleaned
}

func stripCodeFences(response string) string {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
	}
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// ComposeReport turns retrieved updates and memory context into the final
// answer, shaped by the requested report type.
func (service *GatewayService) ComposeReport(ctx context.Context, params *models.ExtractedParams, updates []models.RegulatoryUpdate, memories []models.MemoryHit) (string, error) {
	temperature := 0.6

	resp, err := service.Complete(ctx, &CompletionRequest{
		Prompt:      buildReportPrompt(params, updates, memories),
		SystemRole:  regulatoryAnalystRole,
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("report composition failed: %w", err)
	}

	service.logger.LogAgent("", "composer", "compose_report", resp.ProcessingTime, map[string]interface{}{
		"report_type":  params.ReportType,
		"updates":      len(updates),
		"memories":     len(memories),
		"tokens_used":  resp.TokensUsed,
		"reply_length": len(resp.Content),
	}, nil)

	return resp.Content, nil
}

// ComposeReportStream is the streaming variant used by the SSE endpoint.
func (service *GatewayService) ComposeReportStream(ctx context.Context, params *models.ExtractedParams, updates []models.RegulatoryUpdate, memories []models.MemoryHit, onDelta func(string) error) (string, error) {
	temperature := 0.6
	return service.StreamComplete(ctx, &CompletionRequest{
		Prompt:      buildReportPrompt(params, updates, memories),
		SystemRole:  regulatoryAnalystRole,
		Temperature: &temperature,
	}, onDelta)
}

const maxUpdatesInPrompt = 8

func buildReportPrompt(params *models.ExtractedParams, updates []models.RegulatoryUpdate, memories []models.MemoryHit) string {
	if len(updates) == 0 {
		return fmt.Sprintf("No regulatory updates found for %s in %s with keywords: %s. "+
			"Provide helpful suggestions on where to look or what to search for.",
			params.Industry, params.Region, params.KeywordString())
	}

	bySource := make(map[string][]models.RegulatoryUpdate)
	var order []string
	for i, update := range updates {
		if i >= maxUpdatesInPrompt {
			break
		}
		source := update.Source
		if source == "" {
			source = "Unknown"
		}
		if _, seen := bySource[source]; !seen {
			order = append(order, source)
		}
		bySource[source] = append(bySource[source], update)
	}

	var updatesText strings.Builder
	for _, source := range order {
		fmt.Fprintf(&updatesText, "Source: %s\n", source)
		for _, update := range bySource[source] {
			fmt.Fprintf(&updatesText, "- Title: %s\n  URL: %s\n  Content: %s\n", update.Title, update.URL, update.Content)
		}
		updatesText.WriteString("\n")
	}

	memoryText := ""
	if len(memories) > 0 {
		var builder strings.Builder
		builder.WriteString("\nRelated past queries from this user:\n")
		for _, hit := range memories {
			fmt.Fprintf(&builder, "- %s\n", hit.Memory)
		}
		memoryText = builder.String()
	}

	switch params.ReportType {
	case models.ReportTypeQuick:
		return fmt.Sprintf(`Answer the user's regulatory question for the %s industry in the %s region directly and briefly.

Regulatory updates found:
%s%s
Give a direct answer in at most 4 sentences, naming the most relevant regulator and update. No headings, no bullet lists.`,
			params.Industry, params.Region, updatesText.String(), memoryText)

	case models.ReportTypeFull:
		return fmt.Sprintf(`Create a comprehensive regulatory compliance report for the %s industry in the %s region.

Analyze these regulatory updates:
%s%s
Include:
# Executive Summary
(2-3 sentences overview)

# Key Findings
(the main findings as bullet points)

# Compliance Requirements
(main requirements with priorities)

# Action Items
(specific actions with suggested timelines)

# Resources
(links and references)

Use bullet points and clear formatting. Keep it professional but readable.`,
			params.Industry, params.Region, updatesText.String(), memoryText)

	default:
		return fmt.Sprintf(`Summarize the recent regulatory developments for the %s industry in the %s region.

Regulatory updates found:
%s%s
Write a short structured summary: a 2-3 sentence overview followed by the key updates as bullet points with their source and why they matter. End with the single most important action for a compliance team.`,
			params.Industry, params.Region, updatesText.String(), memoryText)
	}
}

// GeneralReply handles the general-chat branch, including follow-ups to an
// answered regulatory query. It works from session context only: no
// extraction, no retrieval.
func (service *GatewayService) GeneralReply(ctx context.Context, query string, session *models.SessionContext) (string, error) {
	temperature := 0.7

	resp, err := service.Complete(ctx, &CompletionRequest{
		Prompt:      buildGeneralPrompt(query, session),
		SystemRole:  regulatoryAnalystRole,
		Temperature: &temperature,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", fmt.Errorf("general reply failed: %w", err)
	}

	sessionID := ""
	if session != nil {
		sessionID = session.SessionID
	}
	service.logger.LogAgent(sessionID, "responder", "general_reply", resp.ProcessingTime, map[string]interface{}{
		"query":        query,
		"tokens_used":  resp.TokensUsed,
		"reply_length": len(resp.Content),
	}, nil)

	return resp.Content, nil
}

func (service *GatewayService) GeneralReplyStream(ctx context.Context, query string, session *models.SessionContext, onDelta func(string) error) (string, error) {
	temperature := 0.7
	return service.StreamComplete(ctx, &CompletionRequest{
		Prompt:      buildGeneralPrompt(query, session),
		SystemRole:  regulatoryAnalystRole,
		Temperature: &temperature,
		MaxTokens:   2048,
	}, onDelta)
}

func buildGeneralPrompt(query string, session *models.SessionContext) string {
	if session == nil || session.LastQuery == "" {
		return query
	}

	lastReply := ""
	if last := session.LastExchange(); last != nil {
		lastReply = last.Reply
		if len(lastReply) > 2000 {
			lastReply = lastReply[:2000] + "..."
		}
	}

	return fmt.Sprintf(`Continue this conversation.

Previous user message:
"%s"

Previous assistant answer:
"%s"

Recent topics: %s

New user message:
"%s"

Answer the new message. When it refers to the previous answer, build on that answer instead of repeating it.`,
		session.LastQuery, lastReply, strings.Join(session.RecentTopics, ", "), query)
}

func (service *GatewayService) HealthCheck(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	temperature := 0.0
	resp, err := service.Complete(testCtx, &CompletionRequest{
		Prompt:      "Respond with 'OK' if you can process this request",
		Temperature: &temperature,
		MaxTokens:   10,
	})
	if err != nil {
		return fmt.Errorf("gateway health check failed: %w", err)
	}
	if resp.Content == "" {
		return errors.New("gateway health check returned empty response")
	}
	return nil
}
