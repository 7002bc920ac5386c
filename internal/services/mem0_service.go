package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"regradar/internal/config"
	"regradar/internal/models"
	"regradar/internal/pkg/logger"
	"regradar/internal/pkg/metrics"
)

const mem0SearchLimit = 3

// Mem0Service layers the hosted mem0 memory API over the Redis store.
// Session state stays in Redis; mem0 carries the long-term record of
// regulatory queries across sessions. Every mem0 failure degrades to the
// Redis-only behavior.
type Mem0Service struct {
	*RedisMemoryService

	config     config.Mem0Config
	httpClient *http.Client
	logger     *logger.Logger
}

type mem0AddRequest struct {
	Messages []mem0Message          `json:"messages"`
	UserID   string                 `json:"user_id"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type mem0Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mem0SearchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

type mem0Memory struct {
	Memory    string    `json:"memory"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

func NewMem0Service(cfg config.Mem0Config, redisStore *RedisMemoryService, log *logger.Logger) (*Mem0Service, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("mem0 API key required")
	}
	if redisStore == nil {
		return nil, errors.New("redis store required")
	}

	service := &Mem0Service{
		RedisMemoryService: redisStore,
		config:             cfg,
		httpClient:         &http.Client{Timeout: cfg.Timeout},
		logger:             log,
	}

	log.Info("mem0 service initialized", "base_url", cfg.BaseURL)
	return service, nil
}

// SaveExchange stores the turn in Redis and, for regulatory queries,
// also records it in mem0 so later sessions can recall it.
func (service *Mem0Service) SaveExchange(ctx context.Context, sessionID, query, reply string, intent models.Intent, params *models.ExtractedParams) error {
	if err := service.RedisMemoryService.SaveExchange(ctx, sessionID, query, reply, intent, params); err != nil {
		return err
	}

	if intent != models.IntentRegulatory {
		return nil
	}

	content := query
	if params != nil {
		content = fmt.Sprintf("%s (industry: %s, region: %s, keywords: %s)",
			query, params.Industry, params.Region, params.KeywordString())
	}

	if err := service.addMemory(ctx, sessionID, content); err != nil {
		// long-term memory is best effort, the turn already succeeded
		service.logger.WithFields(logger.Fields{
			"session_id": sessionID,
		}).WithError(err).Warn("mem0 add failed, exchange kept in redis only")
	}
	return nil
}

// SearchMemories merges mem0 hits with the Redis keyword search,
// deduplicated by memory text, mem0 first.
func (service *Mem0Service) SearchMemories(ctx context.Context, sessionID, query string, limit int) ([]models.MemoryHit, error) {
	localHits, err := service.RedisMemoryService.SearchMemories(ctx, sessionID, query, limit)
	if err != nil {
		localHits = nil
	}

	remoteHits, remoteErr := service.searchRemote(ctx, sessionID, query)
	if remoteErr != nil {
		service.logger.WithError(remoteErr).Warn("mem0 search failed, using redis memories only")
		return localHits, err
	}

	seen := make(map[string]bool)
	var merged []models.MemoryHit
	for _, hit := range append(remoteHits, localHits...) {
		key := strings.ToLower(strings.TrimSpace(hit.Memory))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, hit)
	}

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (service *Mem0Service) addMemory(ctx context.Context, sessionID, content string) error {
	startTime := time.Now()

	payload := mem0AddRequest{
		Messages: []mem0Message{{Role: "user", Content: content}},
		UserID:   sessionID,
		Metadata: map[string]interface{}{"type": "regulatory_query"},
	}

	err := service.post(ctx, "/v1/memories/", payload, nil)
	metrics.ExternalCallDuration.WithLabelValues("mem0", "add").Observe(time.Since(startTime).Seconds())
	if err != nil {
		metrics.ExternalCallFailures.WithLabelValues("mem0", "add").Inc()
		return err
	}
	return nil
}

func (service *Mem0Service) searchRemote(ctx context.Context, sessionID, query string) ([]models.MemoryHit, error) {
	startTime := time.Now()

	var memories []mem0Memory
	err := service.post(ctx, "/v1/memories/search/", mem0SearchRequest{
		Query:  query,
		UserID: sessionID,
		Limit:  mem0SearchLimit,
	}, &memories)

	metrics.ExternalCallDuration.WithLabelValues("mem0", "search").Observe(time.Since(startTime).Seconds())
	if err != nil {
		metrics.ExternalCallFailures.WithLabelValues("mem0", "search").Inc()
		return nil, err
	}

	hits := make([]models.MemoryHit, 0, len(memories))
	for _, memory := range memories {
		if strings.TrimSpace(memory.Memory) == "" {
			continue
		}
		hits = append(hits, models.MemoryHit{
			Memory:    memory.Memory,
			Score:     memory.Score,
			CreatedAt: memory.CreatedAt,
		})
	}
	return hits, nil
}

func (service *Mem0Service) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mem0 request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(service.config.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+service.config.APIKey)

	resp, err := service.httpClient.Do(req)
	if err != nil {
		return models.WrapExternalError("MEM0", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.WrapExternalError("MEM0", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.WrapExternalError("MEM0",
			fmt.Errorf("mem0 returned status %d: %s", resp.StatusCode, truncateForLog(responseBody)))
	}

	if out != nil {
		if err := json.Unmarshal(responseBody, out); err != nil {
			return fmt.Errorf("decode mem0 response: %w", err)
		}
	}
	return nil
}
