package models

import (
	"strings"
	"time"
)

// MaxSessionExchanges bounds the exchange window kept per session.
const MaxSessionExchanges = 8

// Exchange is one completed question/answer pair within a session.
type Exchange struct {
	Query              string           `json:"query"`
	Reply              string           `json:"reply"`
	Intent             Intent           `json:"intent"`
	Params             *ExtractedParams `json:"params,omitempty"`
	AnsweredRegulatory bool             `json:"answered_regulatory"`
	Timestamp          time.Time        `json:"timestamp"`
}

// SessionContext is the per-session memory consulted before every turn and
// updated after every response.
type SessionContext struct {
	SessionID        string           `json:"session_id"`
	Exchanges        []Exchange       `json:"exchanges"`
	RecentTopics     []string         `json:"recent_topics"`
	RecentKeywords   []string         `json:"recent_keywords"`
	LastQuery        string           `json:"last_query"`
	LastIntent       Intent           `json:"last_intent"`
	LastParams       *ExtractedParams `json:"last_params,omitempty"`
	MessageCount     int              `json:"message_count"`
	SessionStartTime time.Time        `json:"session_start_time"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func NewSessionContext(sessionID string) *SessionContext {
	now := time.Now()
	return &SessionContext{
		SessionID:        sessionID,
		Exchanges:        []Exchange{},
		RecentTopics:     []string{},
		RecentKeywords:   []string{},
		SessionStartTime: now,
		UpdatedAt:        now,
	}
}

// AddExchange appends a completed turn, trims the window and refreshes the
// derived fields the classifier reads.
func (session *SessionContext) AddExchange(query, reply string, intent Intent, params *ExtractedParams) {
	exchange := Exchange{
		Query:              query,
		Reply:              reply,
		Intent:             intent,
		Params:             params,
		AnsweredRegulatory: intent == IntentRegulatory && reply != "",
		Timestamp:          time.Now(),
	}

	session.Exchanges = append(session.Exchanges, exchange)
	if len(session.Exchanges) > MaxSessionExchanges {
		session.Exchanges = session.Exchanges[len(session.Exchanges)-MaxSessionExchanges:]
	}

	session.LastQuery = query
	session.LastIntent = intent
	session.MessageCount++
	session.UpdatedAt = time.Now()

	if params != nil {
		session.LastParams = params
		if params.Industry != "" && params.Industry != "General" {
			session.addTopic(params.Industry)
		}
		session.addKeywords(params.Keywords)
	}
}

// LastExchange returns the most recent exchange, or nil for a fresh
// session.
func (session *SessionContext) LastExchange() *Exchange {
	if len(session.Exchanges) == 0 {
		return nil
	}
	return &session.Exchanges[len(session.Exchanges)-1]
}

// AnsweredRegulatory reports whether the previous turn delivered a
// regulatory answer, which is what makes a follow-up possible.
func (session *SessionContext) AnsweredRegulatory() bool {
	last := session.LastExchange()
	return last != nil && last.AnsweredRegulatory
}

func (session *SessionContext) addTopic(topic string) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	for _, existing := range session.RecentTopics {
		if strings.EqualFold(existing, topic) {
			return
		}
	}
	session.RecentTopics = append(session.RecentTopics, topic)
	if len(session.RecentTopics) > 10 {
		session.RecentTopics = session.RecentTopics[len(session.RecentTopics)-10:]
	}
}

func (session *SessionContext) addKeywords(keywords []string) {
	existing := make(map[string]bool, len(session.RecentKeywords))
	for _, keyword := range session.RecentKeywords {
		existing[strings.ToLower(keyword)] = true
	}

	for _, keyword := range keywords {
		keyword = strings.TrimSpace(keyword)
		if keyword == "" || existing[strings.ToLower(keyword)] {
			continue
		}
		session.RecentKeywords = append(session.RecentKeywords, keyword)
		existing[strings.ToLower(keyword)] = true
	}

	if len(session.RecentKeywords) > 20 {
		session.RecentKeywords = session.RecentKeywords[len(session.RecentKeywords)-20:]
	}
}
