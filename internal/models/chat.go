package models

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ChatRequest struct {
	SessionID string                 `json:"session_id"`
	Message   string                 `json:"message" binding:"required"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type ChatResponse struct {
	SessionID    string           `json:"session_id"`
	TurnID       string           `json:"turn_id"`
	Intent       Intent           `json:"intent"`
	Reply        string           `json:"reply"`
	Params       *ExtractedParams `json:"params,omitempty"`
	UpdatesFound int              `json:"updates_found"`
	MemoriesUsed int              `json:"memories_used"`
	ElapsedMs    float64          `json:"elapsed_ms"`
	Timestamp    time.Time        `json:"timestamp"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *AppError   `json:"error,omitempty"`
}

type Intent string

const (
	IntentRegulatory Intent = "regulatory_query"
	IntentGeneral    Intent = "general_chat"
	IntentFollowup   Intent = "followup"
)

// RoutesToRetrieval reports whether the intent triggers the extraction and
// retrieval cycle. Follow-ups to an answered regulatory query deliberately
// do not: they ride the general branch on the session context alone.
func (intent Intent) RoutesToRetrieval() bool {
	return intent == IntentRegulatory
}

type ReportType string

const (
	ReportTypeQuick   ReportType = "quick"
	ReportTypeSummary ReportType = "summary"
	ReportTypeFull    ReportType = "full"
)

// ParseReportType accepts the three report shapes; anything else resolves
// to summary.
func ParseReportType(raw string) ReportType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ReportTypeQuick):
		return ReportTypeQuick
	case string(ReportTypeFull):
		return ReportTypeFull
	case string(ReportTypeSummary):
		return ReportTypeSummary
	default:
		return ReportTypeSummary
	}
}

// ExtractedParams is derived once per new regulatory query and immutable
// afterwards.
type ExtractedParams struct {
	Industry   string     `json:"industry"`
	Region     string     `json:"region"`
	Keywords   []string   `json:"keywords"`
	ReportType ReportType `json:"report_type"`
}

// DefaultParams is the fallback when extraction fails or returns nothing
// usable: General industry, US region, the raw message as keywords.
func DefaultParams(message string) *ExtractedParams {
	return &ExtractedParams{
		Industry:   "General",
		Region:     "US",
		Keywords:   []string{strings.TrimSpace(message)},
		ReportType: ReportTypeSummary,
	}
}

func (params *ExtractedParams) KeywordString() string {
	return strings.Join(params.Keywords, ", ")
}

// RegulatoryUpdate is one retrieved document from an allow-listed source
// or the general search.
type RegulatoryUpdate struct {
	Source       string    `json:"source"`
	SourceName   string    `json:"source_name"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
	RetrievedVia string    `json:"retrieved_via"` // crawl | search
}

type MemoryHit struct {
	Memory    string    `json:"memory"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type TurnStatus string

const (
	TurnStatusPending    TurnStatus = "pending"
	TurnStatusProcessing TurnStatus = "processing"
	TurnStatusCompleted  TurnStatus = "completed"
	TurnStatusFailed     TurnStatus = "failed"
)

type StepStatus string

const (
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// StepUpdate is the progress event published to the session's update
// stream while a turn runs.
type StepUpdate struct {
	TurnID    string                 `json:"turn_id"`
	SessionID string                 `json:"session_id"`
	Step      string                 `json:"step"`
	Status    StepStatus             `json:"status"`
	Message   string                 `json:"message"`
	Progress  float64                `json:"progress"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type StepStats struct {
	Name      string        `json:"name"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}

type TurnStats struct {
	TotalDuration time.Duration        `json:"total_duration"`
	StepStats     map[string]StepStats `json:"step_stats"`
	UpdatesFound  int                  `json:"updates_found,omitempty"`
	MemoriesFound int                  `json:"memories_found,omitempty"`
	APICallsCount int                  `json:"api_calls_count,omitempty"`
	CacheHit      bool                 `json:"cache_hit,omitempty"`
}

// TurnContext carries the full state of one chat turn through the
// pipeline. Retrieval and memory search mutate it from concurrent
// goroutines, and the status endpoint reads it mid-turn, so every write
// goes through the locked mutators and outside readers take Snapshot.
type TurnContext struct {
	mu sync.Mutex

	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Query     string     `json:"query"`
	Status    TurnStatus `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	Intent   Intent             `json:"intent,omitempty"`
	Params   *ExtractedParams   `json:"params,omitempty"`
	Updates  []RegulatoryUpdate `json:"updates,omitempty"`
	Memories []MemoryHit        `json:"memories,omitempty"`
	Reply    string             `json:"reply,omitempty"`

	Session *SessionContext `json:"session,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Stats    TurnStats              `json:"stats"`
}

func NewTurnContext(req ChatRequest) *TurnContext {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	return &TurnContext{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Query:     req.Message,
		Status:    TurnStatusPending,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
		Stats: TurnStats{
			StepStats: make(map[string]StepStats),
		},
	}
}

func (turn *TurnContext) MarkProcessing() {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Status = TurnStatusProcessing
}

func (turn *TurnContext) MarkCompleted() {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Status = TurnStatusCompleted
	now := time.Now()
	turn.EndTime = &now
	turn.Stats.TotalDuration = time.Since(turn.StartTime)
}

func (turn *TurnContext) MarkFailed() {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Status = TurnStatusFailed
	now := time.Now()
	turn.EndTime = &now
	turn.Stats.TotalDuration = time.Since(turn.StartTime)
}

func (turn *TurnContext) UpdateStepStats(step string, stats StepStats) {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Stats.StepStats[step] = stats
}

func (turn *TurnContext) SetIntent(intent Intent) {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Intent = intent
}

func (turn *TurnContext) SetSession(session *SessionContext) {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Session = session
}

func (turn *TurnContext) SetParams(params *ExtractedParams) {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Params = params
}

func (turn *TurnContext) SetReply(reply string) {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Reply = reply
}

// SetUpdates stores retrieval results together with the derived count.
func (turn *TurnContext) SetUpdates(updates []RegulatoryUpdate) {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Updates = updates
	turn.Stats.UpdatesFound = len(updates)
}

// SetMemories stores memory search hits together with the derived count.
func (turn *TurnContext) SetMemories(memories []MemoryHit) {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Memories = memories
	turn.Stats.MemoriesFound = len(memories)
}

func (turn *TurnContext) CountAPICall() {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	turn.Stats.APICallsCount++
}

func (turn *TurnContext) Duration() time.Duration {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	if turn.EndTime != nil {
		return turn.EndTime.Sub(turn.StartTime)
	}
	return time.Since(turn.StartTime)
}

// Snapshot returns a copy that is safe to serialize while the pipeline is
// still mutating the turn. The step stats map is copied; slices and
// pointers are shared because they are replaced wholesale, never edited
// in place.
func (turn *TurnContext) Snapshot() *TurnContext {
	turn.mu.Lock()
	defer turn.mu.Unlock()

	snapshot := &TurnContext{
		ID:        turn.ID,
		SessionID: turn.SessionID,
		Query:     turn.Query,
		Status:    turn.Status,
		StartTime: turn.StartTime,
		Intent:    turn.Intent,
		Params:    turn.Params,
		Updates:   turn.Updates,
		Memories:  turn.Memories,
		Reply:     turn.Reply,
		Session:   turn.Session,
		Metadata:  turn.Metadata,
		Stats:     turn.Stats,
	}
	if turn.EndTime != nil {
		endTime := *turn.EndTime
		snapshot.EndTime = &endTime
	}
	snapshot.Stats.StepStats = make(map[string]StepStats, len(turn.Stats.StepStats))
	for step, stats := range turn.Stats.StepStats {
		snapshot.Stats.StepStats[step] = stats
	}
	return snapshot
}

func (turn *TurnContext) Response() *ChatResponse {
	return &ChatResponse{
		SessionID:    turn.SessionID,
		TurnID:       turn.ID,
		Intent:       turn.Intent,
		Reply:        turn.Reply,
		Params:       turn.Params,
		UpdatesFound: len(turn.Updates),
		MemoriesUsed: len(turn.Memories),
		ElapsedMs:    float64(turn.Duration().Milliseconds()),
		Timestamp:    time.Now(),
	}
}

func GenerateSessionID() string {
	return uuid.New().String()
}
