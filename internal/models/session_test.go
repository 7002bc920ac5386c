package models

import (
	"fmt"
	"testing"
)

func TestAddExchangeUpdatesDerivedFields(t *testing.T) {
	session := NewSessionContext("session-1")

	params := &ExtractedParams{
		Industry:   "fintech",
		Region:     "US",
		Keywords:   []string{"SEC regulations", "crypto"},
		ReportType: ReportTypeSummary,
	}
	session.AddExchange("any SEC news for fintech?", "here is a report", IntentRegulatory, params)

	if session.MessageCount != 1 {
		t.Errorf("expected message count 1, got %d", session.MessageCount)
	}
	if session.LastQuery != "any SEC news for fintech?" {
		t.Errorf("unexpected last query: %q", session.LastQuery)
	}
	if session.LastIntent != IntentRegulatory {
		t.Errorf("unexpected last intent: %q", session.LastIntent)
	}
	if len(session.RecentTopics) != 1 || session.RecentTopics[0] != "fintech" {
		t.Errorf("expected fintech topic, got %v", session.RecentTopics)
	}
	if len(session.RecentKeywords) != 2 {
		t.Errorf("expected 2 keywords, got %v", session.RecentKeywords)
	}
}

func TestAddExchangeBoundsWindow(t *testing.T) {
	session := NewSessionContext("session-1")

	for i := 0; i < MaxSessionExchanges+5; i++ {
		session.AddExchange(fmt.Sprintf("query %d", i), "reply", IntentGeneral, nil)
	}

	if len(session.Exchanges) != MaxSessionExchanges {
		t.Errorf("expected window of %d exchanges, got %d", MaxSessionExchanges, len(session.Exchanges))
	}

	last := session.LastExchange()
	if last == nil || last.Query != fmt.Sprintf("query %d", MaxSessionExchanges+4) {
		t.Errorf("expected newest exchange kept, got %+v", last)
	}
}

func TestAnsweredRegulatory(t *testing.T) {
	session := NewSessionContext("session-1")

	if session.AnsweredRegulatory() {
		t.Error("fresh session should not report an answered regulatory query")
	}

	session.AddExchange("hi", "hello!", IntentGeneral, nil)
	if session.AnsweredRegulatory() {
		t.Error("general chat should not count as answered regulatory")
	}

	session.AddExchange("any FDA updates?", "FDA report...", IntentRegulatory, nil)
	if !session.AnsweredRegulatory() {
		t.Error("delivered regulatory reply should set answered regulatory")
	}

	session.AddExchange("thanks, can you clarify?", "sure", IntentFollowup, nil)
	if session.AnsweredRegulatory() {
		t.Error("followup reply should clear answered regulatory")
	}
}

func TestAddExchangeGeneralIndustryIgnored(t *testing.T) {
	session := NewSessionContext("session-1")

	session.AddExchange("anything new?", "report", IntentRegulatory, DefaultParams("anything new?"))

	if len(session.RecentTopics) != 0 {
		t.Errorf("General industry should not become a topic, got %v", session.RecentTopics)
	}
}

func TestAddExchangeDeduplicatesKeywords(t *testing.T) {
	session := NewSessionContext("session-1")

	params := &ExtractedParams{Industry: "banking", Keywords: []string{"Basel III", "capital"}}
	session.AddExchange("q1", "r1", IntentRegulatory, params)

	again := &ExtractedParams{Industry: "banking", Keywords: []string{"basel iii", "liquidity"}}
	session.AddExchange("q2", "r2", IntentRegulatory, again)

	if len(session.RecentKeywords) != 3 {
		t.Errorf("expected 3 unique keywords, got %v", session.RecentKeywords)
	}
	if len(session.RecentTopics) != 1 {
		t.Errorf("expected banking topic once, got %v", session.RecentTopics)
	}
}
