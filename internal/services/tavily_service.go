package services

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"regradar/internal/config"
	"regradar/internal/models"
	"regradar/internal/pkg/logger"
	"regradar/internal/pkg/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	maxCrawlSources   = 3
	maxContentLength  = 1500
	retrievalCacheKey = "retrieval:"
)

// TavilyService retrieves regulatory updates through the Tavily search and
// crawl API, restricted to the allow-listed regulator domains. Results are
// cached in Redis keyed by the normalized query parameters.
type TavilyService struct {
	config     config.TavilyConfig
	httpClient *http.Client
	redis      *redis.Client
	logger     *logger.Logger
	breaker    *gobreaker.CircuitBreaker
}

type tavilyCrawlRequest struct {
	URL          string `json:"url"`
	MaxDepth     int    `json:"max_depth"`
	Limit        int    `json:"limit"`
	Instructions string `json:"instructions"`
}

type tavilyCrawlResponse struct {
	Results []struct {
		URL        string `json:"url"`
		RawContent string `json:"raw_content"`
		Title      string `json:"title"`
	} `json:"results"`
}

type tavilySearchRequest struct {
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	SearchDepth       string `json:"search_depth"`
	IncludeRawContent bool   `json:"include_raw_content"`
	Days              int    `json:"days,omitempty"`
}

type tavilySearchResponse struct {
	Results []struct {
		Title      string `json:"title"`
		URL        string `json:"url"`
		Content    string `json:"content"`
		RawContent string `json:"raw_content"`
	} `json:"results"`
}

func NewTavilyService(cfg config.TavilyConfig, redisClient *redis.Client, log *logger.Logger) (*TavilyService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("tavily API key required")
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tavily",
		Timeout: 45 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 4
		},
	})

	service := &TavilyService{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		redis:      redisClient,
		logger:     log,
		breaker:    breaker,
	}

	log.Info("tavily service initialized",
		"base_url", cfg.BaseURL,
		"crawl_depth", cfg.CrawlDepth,
		"crawl_limit", cfg.CrawlLimit,
		"search_max_results", cfg.SearchMaxResults,
		"cache_ttl", cfg.CacheTTL)

	return service, nil
}

// Retrieve crawls the first allow-listed sources for the region and runs a
// general search in addition, deduplicated by URL. A cache hit skips both.
func (service *TavilyService) Retrieve(ctx context.Context, params *models.ExtractedParams) ([]models.RegulatoryUpdate, error) {
	startTime := time.Now()

	if cached, ok := service.cachedUpdates(ctx, params); ok {
		metrics.RetrievalCacheHits.Inc()
		service.logger.LogService("tavily", "retrieve", time.Since(startTime), map[string]interface{}{
			"industry":  params.Industry,
			"region":    params.Region,
			"cache_hit": true,
			"updates":   len(cached),
		}, nil)
		return cached, nil
	}
	metrics.RetrievalCacheMisses.Inc()

	var updates []models.RegulatoryUpdate
	seen := make(map[string]bool)

	sources := models.SourcesFor(params.Region)
	if len(sources) > maxCrawlSources {
		sources = sources[:maxCrawlSources]
	}

	instructions := fmt.Sprintf("Recent %s %s regulatory updates: %s, 30 days",
		params.Industry, params.Region, params.KeywordString())

	for _, source := range sources {
		crawled, err := service.crawlSource(ctx, source, instructions)
		if err != nil {
			// one unreachable regulator must not sink the scan
			service.logger.WithFields(logger.Fields{
				"source": source.Key,
				"url":    source.URL,
			}).WithError(err).Warn("source crawl failed, continuing")
			continue
		}
		for _, update := range crawled {
			if update.URL != "" && seen[update.URL] {
				continue
			}
			seen[update.URL] = true
			updates = append(updates, update)
		}
	}

	searched, err := service.searchGeneral(ctx, params)
	if err != nil {
		service.logger.WithError(err).Warn("general search failed, continuing with crawl results")
	} else {
		for _, update := range searched {
			if update.URL != "" && seen[update.URL] {
				continue
			}
			seen[update.URL] = true
			updates = append(updates, update)
		}
	}

	if len(updates) > 0 {
		service.cacheUpdates(ctx, params, updates)
	}

	duration := time.Since(startTime)
	metrics.ExternalCallDuration.WithLabelValues("tavily", "retrieve").Observe(duration.Seconds())
	service.logger.LogService("tavily", "retrieve", duration, map[string]interface{}{
		"industry":       params.Industry,
		"region":         params.Region,
		"keywords":       params.KeywordString(),
		"sources_tried":  len(sources),
		"updates_found":  len(updates),
		"cache_hit":      false,
	}, nil)

	return updates, nil
}

func (service *TavilyService) crawlSource(ctx context.Context, source models.RegulatorySource, instructions string) ([]models.RegulatoryUpdate, error) {
	var response tavilyCrawlResponse
	err := service.post(ctx, "/crawl", tavilyCrawlRequest{
		URL:          source.URL,
		MaxDepth:     service.config.CrawlDepth,
		Limit:        service.config.CrawlLimit,
		Instructions: instructions,
	}, &response)
	if err != nil {
		metrics.ExternalCallFailures.WithLabelValues("tavily", "crawl").Inc()
		return nil, err
	}

	updates := make([]models.RegulatoryUpdate, 0, len(response.Results))
	for _, result := range response.Results {
		updates = append(updates, models.RegulatoryUpdate{
			Source:       source.Key,
			SourceName:   source.FullName,
			URL:          result.URL,
			Title:        normalizeTitle(result.Title, source.FullName),
			Content:      capContent(result.RawContent),
			RetrievedVia: "crawl",
		})
	}
	return updates, nil
}

func (service *TavilyService) searchGeneral(ctx context.Context, params *models.ExtractedParams) ([]models.RegulatoryUpdate, error) {
	query := fmt.Sprintf("%s %s regulatory updates %s", params.Industry, params.Region, params.KeywordString())

	var response tavilySearchResponse
	err := service.post(ctx, "/search", tavilySearchRequest{
		Query:             query,
		MaxResults:        service.config.SearchMaxResults,
		SearchDepth:       "advanced",
		IncludeRawContent: true,
		Days:              30,
	}, &response)
	if err != nil {
		metrics.ExternalCallFailures.WithLabelValues("tavily", "search").Inc()
		return nil, err
	}

	updates := make([]models.RegulatoryUpdate, 0, len(response.Results))
	for _, result := range response.Results {
		content := result.RawContent
		if content == "" {
			content = result.Content
		}
		updates = append(updates, models.RegulatoryUpdate{
			Source:       "Web Search",
			SourceName:   "Web Search",
			URL:          result.URL,
			Title:        normalizeTitle(result.Title, "Web Search"),
			Content:      capContent(content),
			RetrievedVia: "search",
		})
	}
	return updates, nil
}

func (service *TavilyService) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal tavily request: %w", err)
	}

	operation := func() ([]byte, error) {
		result, err := service.breaker.Execute(func() (interface{}, error) {
			return service.doRequest(ctx, path, body)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return result.([]byte), nil
	}

	responseBody, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithMaxElapsedTime(service.config.Timeout))
	if err != nil {
		return models.WrapExternalError("TAVILY", err)
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("decode tavily response: %w", err)
	}
	return nil
}

func (service *TavilyService) doRequest(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(service.config.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+service.config.APIKey)

	resp, err := service.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, backoff.Permanent(fmt.Errorf("tavily auth rejected: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily returned status %d: %s", resp.StatusCode, truncateForLog(responseBody))
	}
	return responseBody, nil
}

func (service *TavilyService) cacheKey(params *models.ExtractedParams) string {
	raw := strings.ToLower(fmt.Sprintf("%s:%s:%s", params.Industry, params.Region, params.KeywordString()))
	return retrievalCacheKey + fmt.Sprintf("%x", md5.Sum([]byte(raw)))
}

func (service *TavilyService) cachedUpdates(ctx context.Context, params *models.ExtractedParams) ([]models.RegulatoryUpdate, bool) {
	if service.redis == nil {
		return nil, false
	}

	data, err := service.redis.Get(ctx, service.cacheKey(params)).Bytes()
	if err != nil {
		return nil, false
	}

	var updates []models.RegulatoryUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, false
	}
	return updates, true
}

func (service *TavilyService) cacheUpdates(ctx context.Context, params *models.ExtractedParams, updates []models.RegulatoryUpdate) {
	if service.redis == nil {
		return
	}

	data, err := json.Marshal(updates)
	if err != nil {
		return
	}
	if err := service.redis.Set(ctx, service.cacheKey(params), data, service.config.CacheTTL).Err(); err != nil {
		service.logger.WithError(err).Warn("failed to cache retrieval results")
	}
}

func (service *TavilyService) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var response tavilySearchResponse
	err := service.post(checkCtx, "/search", tavilySearchRequest{
		Query:      "regulatory news",
		MaxResults: 1,
	}, &response)
	if err != nil {
		return fmt.Errorf("tavily health check failed: %w", err)
	}
	return nil
}

// normalizeTitle replaces missing or placeholder titles with the source
// name so every update renders with a usable heading.
func normalizeTitle(title, sourceName string) string {
	title = strings.TrimSpace(title)
	if title == "" || strings.HasPrefix(strings.ToLower(title), "no title") {
		return sourceName
	}
	return title
}

func capContent(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= maxContentLength {
		return content
	}
	// back up to a rune boundary so the cut never splits a multi-byte
	// character
	cut := maxContentLength
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

func truncateForLog(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
