package services

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"regradar/internal/config"
	"regradar/internal/models"
	"regradar/internal/pkg/logger"
	"regradar/internal/pkg/metrics"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

// CrawlerService fetches regulator newsrooms directly when the hosted
// search API is not configured. It serves the same Retriever contract as
// TavilyService, reading the press-release pages of the allow-listed
// sources for the requested region.
type CrawlerService struct {
	collector  *colly.Collector
	config     config.CrawlerConfig
	logger     *logger.Logger
	mu         sync.Mutex
	userAgents []string
	uaIndex    int
}

type crawledPage struct {
	URL         string
	Title       string
	Description string
	Content     string
	PublishedAt time.Time
}

func NewCrawlerService(cfg config.CrawlerConfig, log *logger.Logger) (*CrawlerService, error) {
	collector := colly.NewCollector(
		colly.UserAgent("RegRadar/1.0 (+https://regradar.dev/bot)"),
	)

	collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
	})
	collector.SetRequestTimeout(cfg.RequestTimeout)

	service := &CrawlerService{
		collector: collector,
		config:    cfg,
		logger:    log,
		userAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/120.0",
			"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/120.0",
		},
	}

	log.Info("crawler service initialized",
		"parallelism", cfg.Parallelism,
		"delay", cfg.Delay,
		"request_timeout", cfg.RequestTimeout)

	return service, nil
}

// Retrieve crawls the newsroom page of each allow-listed source for the
// region concurrently and keeps the pages matching the extracted keywords.
func (service *CrawlerService) Retrieve(ctx context.Context, params *models.ExtractedParams) ([]models.RegulatoryUpdate, error) {
	startTime := time.Now()

	sources := models.SourcesFor(params.Region)
	if len(sources) > maxCrawlSources {
		sources = sources[:maxCrawlSources]
	}

	var (
		mu      sync.Mutex
		updates []models.RegulatoryUpdate
		wg      sync.WaitGroup
	)

	for _, source := range sources {
		wg.Add(1)
		go func(source models.RegulatorySource) {
			defer func() {
				if r := recover(); r != nil {
					service.logger.Error("panic while crawling source", "source", source.Key, "panic", r)
				}
				wg.Done()
			}()

			page, err := service.crawlPage(ctx, source.URL)
			if err != nil {
				service.logger.WithFields(logger.Fields{
					"source": source.Key,
					"url":    source.URL,
				}).WithError(err).Warn("source crawl failed, continuing")
				return
			}

			update := models.RegulatoryUpdate{
				Source:       source.Key,
				SourceName:   source.FullName,
				URL:          page.URL,
				Title:        normalizeTitle(page.Title, source.FullName),
				Content:      capContent(page.Content),
				PublishedAt:  page.PublishedAt,
				RetrievedVia: "crawl",
			}
			if update.Content == "" {
				update.Content = capContent(page.Description)
			}
			if update.Content == "" {
				return
			}

			mu.Lock()
			updates = append(updates, update)
			mu.Unlock()
		}(source)
	}

	wg.Wait()

	ranked := rankByKeywords(updates, params.Keywords)

	duration := time.Since(startTime)
	metrics.ExternalCallDuration.WithLabelValues("crawler", "retrieve").Observe(duration.Seconds())
	service.logger.LogService("crawler", "retrieve", duration, map[string]interface{}{
		"region":        params.Region,
		"sources_tried": len(sources),
		"updates_found": len(ranked),
	}, nil)

	return ranked, nil
}

func (service *CrawlerService) crawlPage(ctx context.Context, targetURL string) (*crawledPage, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL %q: %w", targetURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme)
	}

	page := &crawledPage{URL: targetURL}
	var crawlErr error

	c := service.collector.Clone()

	c.OnRequest(func(r *colly.Request) {
		service.mu.Lock()
		userAgent := service.userAgents[service.uaIndex]
		service.uaIndex = (service.uaIndex + 1) % len(service.userAgents)
		service.mu.Unlock()

		r.Headers.Set("User-Agent", userAgent)
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		page.Title = extractPageTitle(e)
		page.Description = extractPageDescription(e)
		page.Content = service.extractPageContent(e)
		page.PublishedAt = extractPublishedAt(e)
	})

	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		crawlErr = fmt.Errorf("HTTP %d: %w", status, err)
	})

	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				crawlErr = fmt.Errorf("crawler panic: %v", r)
			}
			close(done)
		}()
		if err := c.Visit(targetURL); err != nil {
			crawlErr = err
		}
		c.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		metrics.ExternalCallFailures.WithLabelValues("crawler", "crawl").Inc()
		return nil, models.NewTimeoutError("CRAWLER_TIMEOUT", "page crawl timed out").WithCause(ctx.Err())
	}

	if crawlErr != nil {
		metrics.ExternalCallFailures.WithLabelValues("crawler", "crawl").Inc()
		return nil, crawlErr
	}
	return page, nil
}

func (service *CrawlerService) extractPageContent(e *colly.HTMLElement) string {
	var texts []string
	skipTags := map[string]bool{"script": true, "style": true, "nav": true, "footer": true, "header": true, "noscript": true}

	e.DOM.Find("main *, article *, .press-release *, .news-list *").Each(func(_ int, s *goquery.Selection) {
		if skipTags[strings.ToLower(goquery.NodeName(s))] {
			return
		}
		text := strings.TrimSpace(s.Text())
		if len(text) > 30 {
			texts = append(texts, text)
		}
	})

	if len(texts) == 0 {
		// newsroom pages without semantic markup, fall back to paragraphs
		for _, paragraph := range e.ChildTexts("p") {
			paragraph = strings.TrimSpace(paragraph)
			if len(paragraph) > 30 {
				texts = append(texts, paragraph)
			}
		}
	}

	return cleanPageContent(strings.Join(texts, "\n"))
}

func extractPageTitle(e *colly.HTMLElement) string {
	for _, sel := range []string{"article h1", "main h1", "h1", "title"} {
		if title := strings.TrimSpace(e.ChildText(sel)); title != "" {
			return title
		}
	}
	return ""
}

func extractPageDescription(e *colly.HTMLElement) string {
	for _, sel := range []string{"meta[name='description']", "meta[property='og:description']"} {
		if desc := strings.TrimSpace(e.ChildAttr(sel, "content")); desc != "" {
			return desc
		}
	}
	return ""
}

func extractPublishedAt(e *colly.HTMLElement) time.Time {
	candidates := []string{
		e.ChildAttr("[itemprop='datePublished']", "datetime"),
		e.ChildAttr("time", "datetime"),
		e.ChildAttr("meta[property='article:published_time']", "content"),
	}
	formats := []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05", "2006-01-02"}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		for _, format := range formats {
			if parsed, err := time.Parse(format, candidate); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func cleanPageContent(content string) string {
	if content == "" {
		return content
	}

	content = whitespaceRe.ReplaceAllString(content, " ")
	for _, pattern := range []string{
		`(?i)subscribe to.*newsletter`,
		`(?i)follow us on`,
		`(?i)share this page`,
		`(?i)cookie (policy|settings)`,
	} {
		content = regexp.MustCompile(pattern).ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// rankByKeywords orders keyword-matching pages first. Nothing is dropped:
// a regulator newsroom with no literal keyword hit can still carry the
// relevant update.
func rankByKeywords(updates []models.RegulatoryUpdate, keywords []string) []models.RegulatoryUpdate {
	if len(keywords) == 0 || len(updates) == 0 {
		return updates
	}

	var matched, rest []models.RegulatoryUpdate
	for _, update := range updates {
		haystack := strings.ToLower(update.Title + " " + update.Content)
		hit := false
		for _, keyword := range keywords {
			if keyword != "" && strings.Contains(haystack, strings.ToLower(keyword)) {
				hit = true
				break
			}
		}
		if hit {
			matched = append(matched, update)
		} else {
			rest = append(rest, update)
		}
	}
	return append(matched, rest...)
}

func (service *CrawlerService) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	page, err := service.crawlPage(checkCtx, "https://www.federalregister.gov/documents/current")
	if err != nil {
		return fmt.Errorf("crawler health check failed: %w", err)
	}
	if page.Title == "" && page.Content == "" {
		return fmt.Errorf("crawler health check extracted no content")
	}
	return nil
}
