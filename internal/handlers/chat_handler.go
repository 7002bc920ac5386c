package handlers

import (
	"context"
	"net/http"
	"time"

	"regradar/internal/models"
	"regradar/internal/pkg/logger"
	"regradar/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TurnProcessor is the orchestrator surface the HTTP layer needs.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error)
	ProcessTurnStream(ctx context.Context, req *models.ChatRequest, onDelta func(string) error) (*models.ChatResponse, error)
	GetTurnStatus(turnID string) (*models.TurnContext, error)
	CancelTurn(turnID string) error
	GetStats() map[string]interface{}
	HealthCheck(ctx context.Context) map[string]error
}

type ChatHandler struct {
	orchestrator TurnProcessor
	memory       services.MemoryStore
	logger       *logger.Logger
}

func NewChatHandler(orchestrator TurnProcessor, memory services.MemoryStore, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		orchestrator: orchestrator,
		memory:       memory,
		logger:       log,
	}
}

func (handler *ChatHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/chat", handler.Chat)
		api.POST("/chat/stream", handler.ChatStream)
		api.GET("/sessions/:id", handler.GetSession)
		api.DELETE("/sessions/:id", handler.ClearSession)
		api.GET("/turns/:id", handler.GetTurnStatus)
		api.POST("/turns/:id/cancel", handler.CancelTurn)
		api.GET("/stats", handler.Stats)
	}
}

// Chat processes one conversational turn and returns the full reply.
func (handler *ChatHandler) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.respondError(c, models.NewValidationError("INVALID_REQUEST", "message is required").WithCause(err))
		return
	}

	startTime := time.Now()
	response, err := handler.orchestrator.ProcessTurn(c.Request.Context(), &req)
	if err != nil {
		handler.respondError(c, err)
		return
	}

	handler.logger.LogHTTPRequest(c.Request.Method, c.FullPath(), http.StatusOK, time.Since(startTime), c.ClientIP())

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    response,
	})
}

// ChatStream processes a turn over SSE: "delta" events carry reply
// fragments, a final "done" event carries the complete response.
func (handler *ChatHandler) ChatStream(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.respondError(c, models.NewValidationError("INVALID_REQUEST", "message is required").WithCause(err))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	onDelta := func(delta string) error {
		c.SSEvent("delta", delta)
		c.Writer.Flush()
		return nil
	}

	response, err := handler.orchestrator.ProcessTurnStream(c.Request.Context(), &req, onDelta)
	if err != nil {
		c.SSEvent("error", gin.H{"message": err.Error()})
		c.Writer.Flush()
		return
	}

	c.SSEvent("done", response)
	c.Writer.Flush()
}

func (handler *ChatHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		handler.respondError(c, models.NewValidationError("INVALID_SESSION_ID", "session id is required"))
		return
	}

	session, err := handler.memory.GetSessionContext(c.Request.Context(), sessionID)
	if err != nil {
		handler.respondError(c, err)
		return
	}

	// the store hands back a fresh context for unknown IDs; a session with
	// no history has never been chatted with
	if session.MessageCount == 0 && len(session.Exchanges) == 0 {
		handler.respondError(c, models.ErrSessionNotFound)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    session,
	})
}

func (handler *ChatHandler) ClearSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		handler.respondError(c, models.NewValidationError("INVALID_SESSION_ID", "session id is required"))
		return
	}

	if err := handler.memory.ClearSession(c.Request.Context(), sessionID); err != nil {
		handler.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "session cleared",
	})
}

func (handler *ChatHandler) GetTurnStatus(c *gin.Context) {
	turnID := c.Param("id")
	if turnID == "" {
		handler.respondError(c, models.NewValidationError("INVALID_TURN_ID", "turn id is required"))
		return
	}

	turn, err := handler.orchestrator.GetTurnStatus(turnID)
	if err != nil {
		handler.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    turn,
	})
}

func (handler *ChatHandler) CancelTurn(c *gin.Context) {
	turnID := c.Param("id")
	if turnID == "" {
		handler.respondError(c, models.NewValidationError("INVALID_TURN_ID", "turn id is required"))
		return
	}

	if err := handler.orchestrator.CancelTurn(turnID); err != nil {
		handler.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "turn cancelled",
	})
}

func (handler *ChatHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    handler.orchestrator.GetStats(),
	})
}

// Health reports per-dependency status. Any failing dependency degrades
// the overall status but the endpoint still answers 200 so load balancers
// can read the detail.
func (handler *ChatHandler) Health(c *gin.Context) {
	checkCtx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	results := handler.orchestrator.HealthCheck(checkCtx)

	status := "healthy"
	detail := make(map[string]string, len(results))
	for name, err := range results {
		if err != nil {
			status = "degraded"
			detail[name] = err.Error()
		} else {
			detail[name] = "ok"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"services":  detail,
		"timestamp": time.Now().UTC(),
	})
}

func (handler *ChatHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	appErr, ok := models.AsAppError(err)
	if ok {
		switch appErr.Category {
		case models.CategoryValidation:
			status = http.StatusBadRequest
		case models.CategoryNotFound:
			status = http.StatusNotFound
		case models.CategoryTimeout:
			status = http.StatusGatewayTimeout
		case models.CategoryExternal:
			status = http.StatusBadGateway
		}
	} else {
		appErr = models.NewInternalError("INTERNAL_ERROR", "request failed").WithCause(err)
	}

	handler.logger.WithFields(logger.Fields{
		"path":   c.FullPath(),
		"status": status,
	}).WithError(err).Error("request failed")

	c.JSON(status, models.APIResponse{
		Success: false,
		Error:   appErr,
	})
}
