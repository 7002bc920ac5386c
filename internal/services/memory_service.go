package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"regradar/internal/config"
	"regradar/internal/models"
	"regradar/internal/pkg/logger"
	"regradar/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL          = 24 * time.Hour
	maxStoredExchanges  = 50
	updateStreamMaxLen  = 1024
	sessionContextField = "data"
)

// RedisMemoryService keeps per-session context, the exchange history used
// for memory search, and the per-session progress update stream.
type RedisMemoryService struct {
	client *redis.Client
	logger *logger.Logger
}

func NewRedisMemoryService(cfg config.RedisConfig, log *logger.Logger) (*RedisMemoryService, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection test failed: %w", err)
	}

	log.Info("redis memory service initialized", "pool_size", opts.PoolSize)

	return &RedisMemoryService{client: client, logger: log}, nil
}

// NewRedisMemoryServiceWithClient wires an existing client, used by tests
// and by callers sharing one connection pool.
func NewRedisMemoryServiceWithClient(client *redis.Client, log *logger.Logger) *RedisMemoryService {
	return &RedisMemoryService{client: client, logger: log}
}

func (service *RedisMemoryService) Client() *redis.Client {
	return service.client
}

func sessionContextKey(sessionID string) string {
	return fmt.Sprintf("session:%s:context", sessionID)
}

func sessionExchangesKey(sessionID string) string {
	return fmt.Sprintf("session:%s:exchanges", sessionID)
}

func sessionUpdatesKey(sessionID string) string {
	return fmt.Sprintf("session:%s:updates", sessionID)
}

// GetSessionContext loads the session, returning a fresh context for an
// unknown session ID.
func (service *RedisMemoryService) GetSessionContext(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	startTime := time.Now()

	data, err := service.client.HGet(ctx, sessionContextKey(sessionID), sessionContextField).Result()
	if err == redis.Nil {
		return models.NewSessionContext(sessionID), nil
	}
	if err != nil {
		metrics.ExternalCallFailures.WithLabelValues("redis", "get_session").Inc()
		return nil, models.WrapExternalError("REDIS", err)
	}

	var session models.SessionContext
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		service.logger.WithFields(logger.Fields{
			"session_id": sessionID,
		}).WithError(err).Warn("corrupt session context, starting fresh")
		return models.NewSessionContext(sessionID), nil
	}

	service.logger.Debug("session context loaded",
		"session_id", sessionID,
		"message_count", session.MessageCount,
		"duration_ms", time.Since(startTime).Milliseconds())

	return &session, nil
}

func (service *RedisMemoryService) UpdateSessionContext(ctx context.Context, session *models.SessionContext) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}

	pipe := service.client.Pipeline()
	pipe.HSet(ctx, sessionContextKey(session.SessionID), map[string]interface{}{
		sessionContextField: string(data),
		"updated_at":        time.Now().Format(time.RFC3339),
	})
	pipe.Expire(ctx, sessionContextKey(session.SessionID), sessionTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.ExternalCallFailures.WithLabelValues("redis", "update_session").Inc()
		return models.WrapExternalError("REDIS", err)
	}
	return nil
}

// SaveExchange records a completed turn into both the session context and
// the searchable exchange history.
func (service *RedisMemoryService) SaveExchange(ctx context.Context, sessionID, query, reply string, intent models.Intent, params *models.ExtractedParams) error {
	startTime := time.Now()

	session, err := service.GetSessionContext(ctx, sessionID)
	if err != nil {
		return err
	}
	session.AddExchange(query, reply, intent, params)

	if err := service.UpdateSessionContext(ctx, session); err != nil {
		return err
	}

	exchange := session.LastExchange()
	data, err := json.Marshal(exchange)
	if err != nil {
		return fmt.Errorf("marshal exchange: %w", err)
	}

	pipe := service.client.Pipeline()
	pipe.LPush(ctx, sessionExchangesKey(sessionID), string(data))
	pipe.LTrim(ctx, sessionExchangesKey(sessionID), 0, maxStoredExchanges-1)
	pipe.Expire(ctx, sessionExchangesKey(sessionID), sessionTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.ExternalCallFailures.WithLabelValues("redis", "save_exchange").Inc()
		return models.WrapExternalError("REDIS", err)
	}

	service.logger.LogService("redis", "save_exchange", time.Since(startTime), map[string]interface{}{
		"session_id": sessionID,
		"intent":     intent,
	}, nil)

	return nil
}

// SearchMemories scores stored exchanges by term overlap with the query
// and returns the strongest matches. Only regulatory exchanges count: the
// memory exists to recall past compliance questions, not chit-chat.
func (service *RedisMemoryService) SearchMemories(ctx context.Context, sessionID, query string, limit int) ([]models.MemoryHit, error) {
	startTime := time.Now()

	entries, err := service.client.LRange(ctx, sessionExchangesKey(sessionID), 0, maxStoredExchanges-1).Result()
	if err == redis.Nil || len(entries) == 0 {
		return nil, nil
	}
	if err != nil {
		metrics.ExternalCallFailures.WithLabelValues("redis", "search_memories").Inc()
		return nil, models.WrapExternalError("REDIS", err)
	}

	queryTerms := tokenize(query)

	type scored struct {
		hit   models.MemoryHit
		score float64
	}
	var candidates []scored

	for _, entry := range entries {
		var exchange models.Exchange
		if err := json.Unmarshal([]byte(entry), &exchange); err != nil {
			continue
		}
		if exchange.Intent != models.IntentRegulatory {
			continue
		}

		score := overlapScore(queryTerms, tokenize(exchange.Query))
		if exchange.Params != nil {
			score += overlapScore(queryTerms, tokenize(strings.Join(exchange.Params.Keywords, " ")))
		}
		if score == 0 {
			continue
		}

		memory := exchange.Query
		if exchange.Params != nil {
			memory = fmt.Sprintf("%s (industry: %s, region: %s)", exchange.Query, exchange.Params.Industry, exchange.Params.Region)
		}
		candidates = append(candidates, scored{
			hit: models.MemoryHit{
				Memory:    memory,
				Score:     score,
				CreatedAt: exchange.Timestamp,
			},
			score: score,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hits := make([]models.MemoryHit, len(candidates))
	for i, candidate := range candidates {
		hits[i] = candidate.hit
	}

	service.logger.LogService("redis", "search_memories", time.Since(startTime), map[string]interface{}{
		"session_id": sessionID,
		"hits":       len(hits),
	}, nil)

	return hits, nil
}

// PublishStepUpdate pushes a turn progress event onto the session's
// update stream.
func (service *RedisMemoryService) PublishStepUpdate(ctx context.Context, update *models.StepUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal step update: %w", err)
	}

	err = service.client.XAdd(ctx, &redis.XAddArgs{
		Stream: sessionUpdatesKey(update.SessionID),
		MaxLen: updateStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"turn_id": update.TurnID,
			"step":    update.Step,
			"status":  string(update.Status),
			"payload": string(data),
		},
	}).Err()
	if err != nil {
		metrics.ExternalCallFailures.WithLabelValues("redis", "publish_update").Inc()
		return models.WrapExternalError("REDIS", err)
	}
	return nil
}

func (service *RedisMemoryService) ClearSession(ctx context.Context, sessionID string) error {
	err := service.client.Del(ctx,
		sessionContextKey(sessionID),
		sessionExchangesKey(sessionID),
		sessionUpdatesKey(sessionID),
	).Err()
	if err != nil {
		metrics.ExternalCallFailures.WithLabelValues("redis", "clear_session").Inc()
		return models.WrapExternalError("REDIS", err)
	}

	service.logger.Info("session cleared", "session_id", sessionID)
	return nil
}

func (service *RedisMemoryService) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := service.client.Ping(checkCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (service *RedisMemoryService) Close() error {
	return service.client.Close()
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"in": true, "on": true, "for": true, "to": true, "is": true, "are": true,
	"what": true, "which": true, "about": true, "any": true, "new": true,
}

func tokenize(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if len(word) > 2 && !stopWords[word] {
			terms[word] = true
		}
	}
	return terms
}

func overlapScore(query, candidate map[string]bool) float64 {
	if len(query) == 0 || len(candidate) == 0 {
		return 0
	}
	matches := 0
	for term := range query {
		if candidate[term] {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}
