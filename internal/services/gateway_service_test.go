package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"regradar/internal/config"
	"regradar/internal/models"
)

func newStreamingGatewayServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func newTestGatewayService(t *testing.T, baseURL string) *GatewayService {
	t.Helper()
	service, err := NewGatewayService(config.GatewayConfig{
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Model:       "gpt-4.1-mini",
		Temperature: 0.3,
		MaxRetries:  1,
		RetryDelay:  time.Millisecond,
		Timeout:     5 * time.Second,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("failed to build gateway service: %v", err)
	}
	return service
}

func TestStreamCompleteDeliversDeltas(t *testing.T) {
	server := newStreamingGatewayServer(t, []string{"hel", "lo"})
	defer server.Close()
	service := newTestGatewayService(t, server.URL)

	var received []string
	content, err := service.StreamComplete(context.Background(), &CompletionRequest{Prompt: "hi"}, func(delta string) error {
		received = append(received, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamComplete failed: %v", err)
	}
	if content != "hello" {
		t.Errorf("expected accumulated content %q, got %q", "hello", content)
	}
	if len(received) != 2 {
		t.Errorf("expected 2 deltas, got %d: %v", len(received), received)
	}
}

func TestStreamCompleteStopsWhenConsumerFails(t *testing.T) {
	server := newStreamingGatewayServer(t, []string{"hel", "lo"})
	defer server.Close()
	service := newTestGatewayService(t, server.URL)

	consumerErr := errors.New("client went away")
	content, err := service.StreamComplete(context.Background(), &CompletionRequest{Prompt: "hi"}, func(string) error {
		return consumerErr
	})
	if !errors.Is(err, consumerErr) {
		t.Fatalf("expected consumer error to surface, got %v", err)
	}
	if content != "hel" {
		t.Errorf("expected partial content up to the failing delta, got %q", content)
	}
}

func TestParseIntentResponse(t *testing.T) {
	tests := []struct {
		name       string
		response   string
		wantIntent models.Intent
	}{
		{"regulatory wire format", "regulatory_query|0.93", models.IntentRegulatory},
		{"followup wire format", "followup|0.88", models.IntentFollowup},
		{"general wire format", "general_chat|0.95", models.IntentGeneral},
		{"uppercase intent", "REGULATORY_QUERY|0.9", models.IntentRegulatory},
		{"padded", "  general_chat | 0.8  ", models.IntentGeneral},
		{"keyword fallback regulatory", "This looks like a regulatory question.", models.IntentRegulatory},
		{"keyword fallback followup", "follow-up to the previous answer", models.IntentFollowup},
		{"garbage falls to general", "blue", models.IntentGeneral},
		{"empty falls to general", "", models.IntentGeneral},
		{"unknown intent label falls through", "banana|0.99", models.IntentGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, confidence := parseIntentResponse(tt.response)
			if intent != tt.wantIntent {
				t.Errorf("parseIntentResponse(%q) intent = %q, want %q", tt.response, intent, tt.wantIntent)
			}
			if confidence < 0 || confidence > 1 {
				t.Errorf("confidence out of range: %v", confidence)
			}
		})
	}
}

func TestParseIntentResponseConfidence(t *testing.T) {
	_, confidence := parseIntentResponse("regulatory_query|0.42")
	if confidence != 0.42 {
		t.Errorf("expected parsed confidence 0.42, got %v", confidence)
	}

	_, confidence = parseIntentResponse("regulatory_query|not-a-number")
	if confidence != 0.9 {
		t.Errorf("expected default confidence 0.9 for unparseable value, got %v", confidence)
	}
}

func TestParseParamsResponse(t *testing.T) {
	response := `{"industry": "fintech", "region": "EU", "keywords": ["MiCA", "crypto assets"], "report_type": "full"}`
	params := parseParamsResponse(response, "original message")

	if params.Industry != "fintech" {
		t.Errorf("unexpected industry: %q", params.Industry)
	}
	if params.Region != "EU" {
		t.Errorf("unexpected region: %q", params.Region)
	}
	if len(params.Keywords) != 2 || params.Keywords[0] != "MiCA" {
		t.Errorf("unexpected keywords: %v", params.Keywords)
	}
	if params.ReportType != models.ReportTypeFull {
		t.Errorf("unexpected report type: %q", params.ReportType)
	}
}

func TestParseParamsResponseCodeFenced(t *testing.T) {
	response := "```json\n{\"industry\": \"healthcare\", \"region\": \"US\", \"keywords\": [\"FDA approvals\"], \"report_type\": \"quick\"}\n```"
	params := parseParamsResponse(response, "original message")

	if params.Industry != "healthcare" {
		t.Errorf("unexpected industry: %q", params.Industry)
	}
	if params.ReportType != models.ReportTypeQuick {
		t.Errorf("unexpected report type: %q", params.ReportType)
	}
}

func TestParseParamsResponseStringKeywords(t *testing.T) {
	response := `{"industry": "energy", "region": "US", "keywords": "FERC, grid reliability", "report_type": "summary"}`
	params := parseParamsResponse(response, "original message")

	if len(params.Keywords) != 2 || params.Keywords[0] != "FERC" || params.Keywords[1] != "grid reliability" {
		t.Errorf("expected comma-split keywords, got %v", params.Keywords)
	}
}

func TestParseParamsResponseFallsBackToDefaults(t *testing.T) {
	params := parseParamsResponse("I could not extract anything", "what changed at the SEC?")

	if params.Industry != "General" || params.Region != "US" {
		t.Errorf("expected default params, got %+v", params)
	}
	if len(params.Keywords) != 1 || params.Keywords[0] != "what changed at the SEC?" {
		t.Errorf("expected raw message as keywords, got %v", params.Keywords)
	}
}

func TestParseParamsResponsePartialJSON(t *testing.T) {
	response := `{"industry": "", "region": "", "keywords": [], "report_type": ""}`
	params := parseParamsResponse(response, "message")

	if params.Industry != "General" || params.Region != "US" {
		t.Errorf("empty fields should keep defaults, got %+v", params)
	}
	if params.ReportType != models.ReportTypeSummary {
		t.Errorf("empty report type should default to summary, got %q", params.ReportType)
	}
}

func TestStripCodeFences(t *testing.T) {
	if got := stripCodeFences("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Errorf("unexpected result: %q", got)
	}
	if got := stripCodeFences("```\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Errorf("unexpected result: %q", got)
	}
	if got := stripCodeFences(`{"a":1}`); got != `{"a":1}` {
		t.Errorf("plain JSON should pass through, got %q", got)
	}
}

func TestBuildReportPromptEmptyUpdates(t *testing.T) {
	params := &models.ExtractedParams{
		Industry:   "fintech",
		Region:     "US",
		Keywords:   []string{"SEC"},
		ReportType: models.ReportTypeSummary,
	}

	prompt := buildReportPrompt(params, nil, nil)
	if !strings.Contains(prompt, "No regulatory updates found") {
		t.Errorf("empty updates should produce the suggestions prompt, got: %s", prompt)
	}
}

func TestBuildReportPromptShapes(t *testing.T) {
	updates := []models.RegulatoryUpdate{
		{Source: "SEC", Title: "New disclosure rule", URL: "https://sec.gov/x", Content: "text"},
	}

	quick := &models.ExtractedParams{Industry: "fintech", Region: "US", ReportType: models.ReportTypeQuick}
	if prompt := buildReportPrompt(quick, updates, nil); !strings.Contains(prompt, "at most 4 sentences") {
		t.Error("quick prompt should request a brief answer")
	}

	full := &models.ExtractedParams{Industry: "fintech", Region: "US", ReportType: models.ReportTypeFull}
	prompt := buildReportPrompt(full, updates, nil)
	for _, section := range []string{"Executive Summary", "Key Findings", "Compliance Requirements", "Action Items", "Resources"} {
		if !strings.Contains(prompt, section) {
			t.Errorf("full prompt missing section %q", section)
		}
	}
}

func TestBuildReportPromptCapsUpdates(t *testing.T) {
	var updates []models.RegulatoryUpdate
	for i := 0; i < maxUpdatesInPrompt+5; i++ {
		updates = append(updates, models.RegulatoryUpdate{
			Source: "SEC",
			Title:  "update",
			URL:    "https://sec.gov/x",
		})
	}

	params := &models.ExtractedParams{Industry: "fintech", Region: "US", ReportType: models.ReportTypeSummary}
	prompt := buildReportPrompt(params, updates, nil)

	if got := strings.Count(prompt, "- Title:"); got != maxUpdatesInPrompt {
		t.Errorf("expected %d updates in prompt, got %d", maxUpdatesInPrompt, got)
	}
}

func TestBuildReportPromptIncludesMemories(t *testing.T) {
	updates := []models.RegulatoryUpdate{{Source: "SEC", Title: "t", URL: "u", Content: "c"}}
	memories := []models.MemoryHit{{Memory: "asked about crypto custody rules"}}

	params := &models.ExtractedParams{Industry: "fintech", Region: "US", ReportType: models.ReportTypeSummary}
	prompt := buildReportPrompt(params, updates, memories)

	if !strings.Contains(prompt, "asked about crypto custody rules") {
		t.Error("memories should appear in the prompt")
	}
}

func TestBuildIntentPromptCarriesSessionState(t *testing.T) {
	session := models.NewSessionContext("s1")
	session.AddExchange("any FDA updates?", "FDA report", models.IntentRegulatory, nil)

	prompt := buildIntentPrompt("tell me more", session)
	if !strings.Contains(prompt, "any FDA updates?") {
		t.Error("prompt should carry the previous message")
	}
	if !strings.Contains(prompt, "true") {
		t.Error("prompt should state that a regulatory answer was delivered")
	}
}

func TestCleanKeywords(t *testing.T) {
	cleaned := cleanKeywords([]string{" SEC regulations ", "", "a", "'crypto'", "banking."})
	expected := []string{"SEC regulations", "crypto", "banking"}

	if len(cleaned) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, cleaned)
	}
	for i := range expected {
		if cleaned[i] != expected[i] {
			t.Errorf("keyword %d: expected %q, got %q", i, expected[i], cleaned[i])
		}
	}
}
