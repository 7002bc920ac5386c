package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"regradar/internal/config"
	"regradar/internal/models"
	"regradar/internal/pkg/logger"
	"regradar/internal/pkg/metrics"
)

// Gateway is the LLM surface the orchestrator drives.
type Gateway interface {
	ClassifyIntent(ctx context.Context, query string, session *models.SessionContext) (models.Intent, float64, error)
	ExtractParams(ctx context.Context, query string) (*models.ExtractedParams, error)
	ComposeReport(ctx context.Context, params *models.ExtractedParams, updates []models.RegulatoryUpdate, memories []models.MemoryHit) (string, error)
	ComposeReportStream(ctx context.Context, params *models.ExtractedParams, updates []models.RegulatoryUpdate, memories []models.MemoryHit, onDelta func(string) error) (string, error)
	GeneralReply(ctx context.Context, query string, session *models.SessionContext) (string, error)
	GeneralReplyStream(ctx context.Context, query string, session *models.SessionContext, onDelta func(string) error) (string, error)
	HealthCheck(ctx context.Context) error
}

// Retriever fetches regulatory updates for extracted parameters. Both the
// Tavily client and the local crawler satisfy it.
type Retriever interface {
	Retrieve(ctx context.Context, params *models.ExtractedParams) ([]models.RegulatoryUpdate, error)
	HealthCheck(ctx context.Context) error
}

// MemoryStore is the session and long-term memory surface.
type MemoryStore interface {
	GetSessionContext(ctx context.Context, sessionID string) (*models.SessionContext, error)
	UpdateSessionContext(ctx context.Context, session *models.SessionContext) error
	SearchMemories(ctx context.Context, sessionID, query string, limit int) ([]models.MemoryHit, error)
	SaveExchange(ctx context.Context, sessionID, query, reply string, intent models.Intent, params *models.ExtractedParams) error
	ClearSession(ctx context.Context, sessionID string) error
	PublishStepUpdate(ctx context.Context, update *models.StepUpdate) error
	HealthCheck(ctx context.Context) error
}

// Orchestrator runs the per-turn pipeline: load session, classify, then
// either the regulatory branch (extract, retrieve, search memory, compose)
// or the general branch (respond from session context alone).
type Orchestrator struct {
	gateway   Gateway
	retriever Retriever
	memory    MemoryStore

	config config.Config
	logger *logger.Logger

	activeTurns sync.Map // turn_id -> *models.TurnContext
	saveWG      sync.WaitGroup

	startTime time.Time
}

type turnExecutor struct {
	orchestrator *Orchestrator
	turn         *models.TurnContext
	logger       *logger.Logger
	onDelta      func(string) error
}

const memorySearchLimit = 3

var (
	regulatorySteps = []string{
		"memory",
		"classifier",
		"extractor",
		"retriever",
		"memory_search",
		"composer",
	}

	generalSteps = []string{
		"memory",
		"classifier",
		"responder",
	}
)

func NewOrchestrator(gateway Gateway, retriever Retriever, memory MemoryStore, cfg config.Config, log *logger.Logger) *Orchestrator {
	orchestrator := &Orchestrator{
		gateway:   gateway,
		retriever: retriever,
		memory:    memory,
		config:    cfg,
		logger:    log,
		startTime: time.Now(),
	}

	log.Info("orchestrator initialized",
		"regulatory_steps", len(regulatorySteps),
		"general_steps", len(generalSteps))

	return orchestrator
}

// ProcessTurn runs one chat turn to completion and returns the response.
func (orchestrator *Orchestrator) ProcessTurn(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	return orchestrator.processTurn(ctx, req, nil)
}

// ProcessTurnStream runs one chat turn streaming reply deltas to onDelta.
// The returned response carries the full accumulated reply.
func (orchestrator *Orchestrator) ProcessTurnStream(ctx context.Context, req *models.ChatRequest, onDelta func(string) error) (*models.ChatResponse, error) {
	return orchestrator.processTurn(ctx, req, onDelta)
}

// activeTurn pairs an in-flight turn with its cancel handle.
type activeTurn struct {
	turn   *models.TurnContext
	cancel context.CancelFunc
}

func (orchestrator *Orchestrator) processTurn(ctx context.Context, req *models.ChatRequest, onDelta func(string) error) (*models.ChatResponse, error) {
	startTime := time.Now()

	turn := models.NewTurnContext(*req)
	turn.MarkProcessing()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	orchestrator.activeTurns.Store(turn.ID, &activeTurn{turn: turn, cancel: cancel})
	defer orchestrator.activeTurns.Delete(turn.ID)

	metrics.ActiveTurns.Inc()
	defer metrics.ActiveTurns.Dec()

	orchestrator.logger.LogTurn(turn.ID, turn.SessionID, "turn_started", 0, nil)

	executor := &turnExecutor{
		orchestrator: orchestrator,
		turn:         turn,
		logger:       orchestrator.logger,
		onDelta:      onDelta,
	}

	err := executor.executePipeline(ctx)
	duration := time.Since(startTime)

	if err != nil {
		turn.MarkFailed()
		metrics.ChatTurnsFailed.WithLabelValues(string(turn.Intent)).Inc()
		orchestrator.logger.LogTurn(turn.ID, turn.SessionID, "turn_failed", duration, err)
		return nil, err
	}

	turn.MarkCompleted()
	metrics.ChatTurnsTotal.WithLabelValues(string(turn.Intent)).Inc()
	metrics.TurnDuration.WithLabelValues(string(turn.Intent)).Observe(duration.Seconds())
	orchestrator.logger.LogTurn(turn.ID, turn.SessionID, "turn_completed", duration, nil)

	// memory write happens off the request path
	orchestrator.saveWG.Add(1)
	go func(sessionID, query, reply string, intent models.Intent, params *models.ExtractedParams) {
		defer orchestrator.saveWG.Done()

		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := orchestrator.memory.SaveExchange(saveCtx, sessionID, query, reply, intent, params); err != nil {
			orchestrator.logger.WithFields(logger.Fields{
				"session_id": sessionID,
			}).WithError(err).Error("failed to save exchange")
		}
	}(turn.SessionID, turn.Query, turn.Reply, turn.Intent, turn.Params)

	return turn.Response(), nil
}

func (executor *turnExecutor) executePipeline(ctx context.Context) error {
	if err := executor.loadSession(ctx); err != nil {
		return fmt.Errorf("memory step failed: %w", err)
	}

	if err := executor.classifyIntent(ctx); err != nil {
		return fmt.Errorf("classifier step failed: %w", err)
	}

	if executor.turn.Intent.RoutesToRetrieval() {
		return executor.executeRegulatoryBranch(ctx)
	}
	return executor.executeGeneralBranch(ctx)
}

func (executor *turnExecutor) loadSession(ctx context.Context) error {
	startTime := time.Now()
	executor.publishStepUpdate(ctx, "memory", models.StepStatusProcessing, "Loading session context")

	session, err := executor.orchestrator.memory.GetSessionContext(ctx, executor.turn.SessionID)
	if err != nil {
		// an unreachable store must not block the turn
		executor.logger.WithError(err).Warn("failed to load session context, using empty context")
		session = models.NewSessionContext(executor.turn.SessionID)
	}
	executor.turn.SetSession(session)

	executor.turn.UpdateStepStats("memory", models.StepStats{
		Name:      "memory",
		Duration:  time.Since(startTime),
		Status:    string(models.StepStatusCompleted),
		StartTime: startTime,
		EndTime:   time.Now(),
	})

	executor.publishStepUpdate(ctx, "memory", models.StepStatusCompleted,
		fmt.Sprintf("Loaded session with %d prior exchanges", len(session.Exchanges)))
	return nil
}

func (executor *turnExecutor) classifyIntent(ctx context.Context) error {
	startTime := time.Now()
	executor.publishStepUpdate(ctx, "classifier", models.StepStatusProcessing, "Classifying message intent")

	intent, confidence, err := executor.orchestrator.gateway.ClassifyIntent(ctx, executor.turn.Query, executor.turn.Session)
	if err != nil {
		// classifier errors degrade to the general branch, they never kill
		// the turn
		executor.logger.WithError(err).Warn("intent classification failed, defaulting to general chat")
		intent, confidence = models.IntentGeneral, 0
	}

	executor.turn.SetIntent(intent)
	executor.turn.CountAPICall()

	executor.turn.UpdateStepStats("classifier", models.StepStats{
		Name:      "classifier",
		Duration:  time.Since(startTime),
		Status:    string(models.StepStatusCompleted),
		StartTime: startTime,
		EndTime:   time.Now(),
	})

	executor.publishStepUpdate(ctx, "classifier", models.StepStatusCompleted,
		fmt.Sprintf("Intent: %s (confidence: %.2f)", intent, confidence))
	return nil
}

func (executor *turnExecutor) executeGeneralBranch(ctx context.Context) error {
	startTime := time.Now()
	executor.publishStepUpdate(ctx, "responder", models.StepStatusProcessing, "Generating response")

	var reply string
	var err error
	if executor.onDelta != nil {
		reply, err = executor.orchestrator.gateway.GeneralReplyStream(ctx, executor.turn.Query, executor.turn.Session, executor.onDelta)
	} else {
		reply, err = executor.orchestrator.gateway.GeneralReply(ctx, executor.turn.Query, executor.turn.Session)
	}
	if err != nil {
		executor.publishStepUpdate(ctx, "responder", models.StepStatusFailed, "Response generation failed")
		return fmt.Errorf("general reply failed: %w", err)
	}

	executor.turn.SetReply(reply)
	executor.turn.CountAPICall()

	executor.turn.UpdateStepStats("responder", models.StepStats{
		Name:      "responder",
		Duration:  time.Since(startTime),
		Status:    string(models.StepStatusCompleted),
		StartTime: startTime,
		EndTime:   time.Now(),
	})

	executor.publishStepUpdate(ctx, "responder", models.StepStatusCompleted,
		fmt.Sprintf("Generated response (%d chars)", len(reply)))
	return nil
}

func (executor *turnExecutor) executeRegulatoryBranch(ctx context.Context) error {
	if err := executor.extractParams(ctx); err != nil {
		executor.logger.WithError(err).Warn("parameter extraction failed, using defaults")
		executor.turn.SetParams(models.DefaultParams(executor.turn.Query))
	}

	executor.retrieveAndSearchMemory(ctx)

	if err := executor.composeReport(ctx); err != nil {
		return fmt.Errorf("composer step failed: %w", err)
	}
	return nil
}

func (executor *turnExecutor) extractParams(ctx context.Context) error {
	startTime := time.Now()
	executor.publishStepUpdate(ctx, "extractor", models.StepStatusProcessing, "Extracting search parameters")

	params, err := executor.orchestrator.gateway.ExtractParams(ctx, executor.turn.Query)
	if err != nil {
		executor.publishStepUpdate(ctx, "extractor", models.StepStatusFailed, "Extraction failed, using defaults")
		return err
	}

	executor.turn.SetParams(params)
	executor.turn.CountAPICall()

	executor.turn.UpdateStepStats("extractor", models.StepStats{
		Name:      "extractor",
		Duration:  time.Since(startTime),
		Status:    string(models.StepStatusCompleted),
		StartTime: startTime,
		EndTime:   time.Now(),
	})

	executor.publishStepUpdate(ctx, "extractor", models.StepStatusCompleted,
		fmt.Sprintf("Industry: %s, Region: %s, Report: %s", params.Industry, params.Region, params.ReportType))
	return nil
}

// retrieveAndSearchMemory runs retrieval and memory search concurrently.
// Both soft-fail: a report from partial context beats no report.
func (executor *turnExecutor) retrieveAndSearchMemory(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		startTime := time.Now()
		executor.publishStepUpdate(ctx, "retriever", models.StepStatusProcessing,
			fmt.Sprintf("Scanning %s regulatory sources", executor.turn.Params.Region))

		updates, err := executor.orchestrator.retriever.Retrieve(ctx, executor.turn.Params)
		status := models.StepStatusCompleted
		if err != nil {
			executor.logger.WithError(err).Warn("retrieval failed, composing without updates")
			status = models.StepStatusFailed
		}
		executor.turn.SetUpdates(updates)

		executor.turn.UpdateStepStats("retriever", models.StepStats{
			Name:      "retriever",
			Duration:  time.Since(startTime),
			Status:    string(status),
			StartTime: startTime,
			EndTime:   time.Now(),
		})
		executor.publishStepUpdate(ctx, "retriever", status,
			fmt.Sprintf("Found %d regulatory updates", len(updates)))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		startTime := time.Now()
		executor.publishStepUpdate(ctx, "memory_search", models.StepStatusProcessing, "Searching related past queries")

		memories, err := executor.orchestrator.memory.SearchMemories(ctx, executor.turn.SessionID, executor.turn.Query, memorySearchLimit)
		status := models.StepStatusCompleted
		if err != nil {
			executor.logger.WithError(err).Warn("memory search failed, composing without memories")
			status = models.StepStatusFailed
		}
		executor.turn.SetMemories(memories)

		executor.turn.UpdateStepStats("memory_search", models.StepStats{
			Name:      "memory_search",
			Duration:  time.Since(startTime),
			Status:    string(status),
			StartTime: startTime,
			EndTime:   time.Now(),
		})
		executor.publishStepUpdate(ctx, "memory_search", status,
			fmt.Sprintf("Found %d related memories", len(memories)))
	}()

	wg.Wait()
}

func (executor *turnExecutor) composeReport(ctx context.Context) error {
	startTime := time.Now()
	executor.publishStepUpdate(ctx, "composer", models.StepStatusProcessing,
		fmt.Sprintf("Composing %s report", executor.turn.Params.ReportType))

	var reply string
	var err error
	if executor.onDelta != nil {
		reply, err = executor.orchestrator.gateway.ComposeReportStream(ctx, executor.turn.Params, executor.turn.Updates, executor.turn.Memories, executor.onDelta)
	} else {
		reply, err = executor.orchestrator.gateway.ComposeReport(ctx, executor.turn.Params, executor.turn.Updates, executor.turn.Memories)
	}
	if err != nil {
		executor.publishStepUpdate(ctx, "composer", models.StepStatusFailed, "Report composition failed")
		return err
	}

	executor.turn.SetReply(reply)
	executor.turn.CountAPICall()

	executor.turn.UpdateStepStats("composer", models.StepStats{
		Name:      "composer",
		Duration:  time.Since(startTime),
		Status:    string(models.StepStatusCompleted),
		StartTime: startTime,
		EndTime:   time.Now(),
	})

	executor.publishStepUpdate(ctx, "composer", models.StepStatusCompleted,
		fmt.Sprintf("Composed %s report (%d chars)", executor.turn.Params.ReportType, len(reply)))
	return nil
}

func calculateStepProgress(intent models.Intent, stepName string, status models.StepStatus) float64 {
	steps := generalSteps
	if intent.RoutesToRetrieval() {
		steps = regulatorySteps
	}

	stepIndex := -1
	for i, step := range steps {
		if step == stepName {
			stepIndex = i
			break
		}
	}
	if stepIndex == -1 {
		return 0.0
	}

	totalSteps := float64(len(steps))
	baseProgress := float64(stepIndex) / totalSteps

	switch status {
	case models.StepStatusProcessing:
		return baseProgress + (0.5 / totalSteps)
	case models.StepStatusCompleted:
		return float64(stepIndex+1) / totalSteps
	default:
		return baseProgress
	}
}

func (executor *turnExecutor) publishStepUpdate(ctx context.Context, stepName string, status models.StepStatus, message string) {
	update := &models.StepUpdate{
		TurnID:    executor.turn.ID,
		SessionID: executor.turn.SessionID,
		Step:      stepName,
		Status:    status,
		Message:   message,
		Progress:  calculateStepProgress(executor.turn.Intent, stepName, status),
		Data: map[string]interface{}{
			"intent": executor.turn.Intent,
		},
		Timestamp: time.Now(),
	}

	if err := executor.orchestrator.memory.PublishStepUpdate(ctx, update); err != nil {
		executor.logger.WithError(err).Debug("failed to publish step update")
	}
}

// GetTurnStatus returns a snapshot of an in-flight turn. The snapshot is
// detached from the pipeline so the handler can marshal it while the turn
// keeps mutating.
func (orchestrator *Orchestrator) GetTurnStatus(turnID string) (*models.TurnContext, error) {
	if value, ok := orchestrator.activeTurns.Load(turnID); ok {
		return value.(*activeTurn).turn.Snapshot(), nil
	}
	return nil, models.ErrTurnNotFound
}

// CancelTurn aborts an in-flight turn by cancelling its context.
func (orchestrator *Orchestrator) CancelTurn(turnID string) error {
	value, ok := orchestrator.activeTurns.Load(turnID)
	if !ok {
		return models.ErrTurnNotFound
	}

	entry := value.(*activeTurn)
	entry.cancel()
	orchestrator.logger.LogTurn(turnID, entry.turn.SessionID, "turn_cancelled", entry.turn.Duration(), nil)
	return nil
}

func (orchestrator *Orchestrator) ActiveTurnCount() int {
	count := 0
	orchestrator.activeTurns.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"active_turns":     orchestrator.ActiveTurnCount(),
		"uptime_seconds":   time.Since(orchestrator.startTime).Seconds(),
		"regulatory_steps": regulatorySteps,
		"general_steps":    generalSteps,
	}
}

func (orchestrator *Orchestrator) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)
	results["gateway"] = orchestrator.gateway.HealthCheck(ctx)
	results["retriever"] = orchestrator.retriever.HealthCheck(ctx)
	results["memory"] = orchestrator.memory.HealthCheck(ctx)
	return results
}

// Close waits for in-flight async memory saves to drain.
func (orchestrator *Orchestrator) Close() error {
	done := make(chan struct{})
	go func() {
		orchestrator.saveWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		orchestrator.logger.Warn("timed out waiting for async memory saves")
	}
	return nil
}
