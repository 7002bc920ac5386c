package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"regradar/internal/config"
	"regradar/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTavilyTestServer(t *testing.T, crawlCalls, searchCalls *int32) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crawl":
			atomic.AddInt32(crawlCalls, 1)
			var req tavilyCrawlRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad crawl request: %v", err)
			}
			json.NewEncoder(w).Encode(tavilyCrawlResponse{
				Results: []struct {
					URL        string `json:"url"`
					RawContent string `json:"raw_content"`
					Title      string `json:"title"`
				}{
					{URL: req.URL + "/item-1", RawContent: "crawl content for " + req.URL, Title: "Press release"},
				},
			})
		case "/search":
			atomic.AddInt32(searchCalls, 1)
			json.NewEncoder(w).Encode(tavilySearchResponse{
				Results: []struct {
					Title      string `json:"title"`
					URL        string `json:"url"`
					Content    string `json:"content"`
					RawContent string `json:"raw_content"`
				}{
					{Title: "Search hit", URL: "https://example.com/a", Content: "search content"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestTavilyService(t *testing.T, baseURL string) (*TavilyService, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	service, err := NewTavilyService(config.TavilyConfig{
		APIKey:           "tvly-test",
		BaseURL:          baseURL,
		CrawlDepth:       2,
		CrawlLimit:       5,
		SearchMaxResults: 5,
		Timeout:          10 * time.Second,
		CacheTTL:         time.Hour,
	}, client, testLogger(t))
	if err != nil {
		t.Fatalf("NewTavilyService failed: %v", err)
	}
	return service, mr
}

func TestTavilyRetrieveCrawlsAllowListAndSearches(t *testing.T) {
	var crawlCalls, searchCalls int32
	server := newTavilyTestServer(t, &crawlCalls, &searchCalls)
	defer server.Close()

	service, _ := newTestTavilyService(t, server.URL)

	params := &models.ExtractedParams{
		Industry:   "fintech",
		Region:     "US",
		Keywords:   []string{"SEC custody"},
		ReportType: models.ReportTypeSummary,
	}
	updates, err := service.Retrieve(context.Background(), params)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}

	if atomic.LoadInt32(&crawlCalls) != maxCrawlSources {
		t.Errorf("expected %d crawl calls, got %d", maxCrawlSources, crawlCalls)
	}
	if atomic.LoadInt32(&searchCalls) != 1 {
		t.Errorf("expected 1 search call, got %d", searchCalls)
	}

	// 3 crawl results + 1 search result
	if len(updates) != maxCrawlSources+1 {
		t.Fatalf("expected %d updates, got %d", maxCrawlSources+1, len(updates))
	}

	var crawled, searched int
	for _, update := range updates {
		switch update.RetrievedVia {
		case "crawl":
			crawled++
			if update.SourceName == "" {
				t.Errorf("crawl result missing source name: %+v", update)
			}
		case "search":
			searched++
		default:
			t.Errorf("unexpected retrieved_via: %q", update.RetrievedVia)
		}
	}
	if crawled != maxCrawlSources || searched != 1 {
		t.Errorf("expected %d crawled and 1 searched, got %d/%d", maxCrawlSources, crawled, searched)
	}
}

func TestTavilyRetrieveUsesCacheOnSecondCall(t *testing.T) {
	var crawlCalls, searchCalls int32
	server := newTavilyTestServer(t, &crawlCalls, &searchCalls)
	defer server.Close()

	service, _ := newTestTavilyService(t, server.URL)
	ctx := context.Background()

	params := &models.ExtractedParams{
		Industry:   "fintech",
		Region:     "US",
		Keywords:   []string{"SEC"},
		ReportType: models.ReportTypeSummary,
	}

	first, err := service.Retrieve(ctx, params)
	if err != nil {
		t.Fatalf("first Retrieve failed: %v", err)
	}
	callsAfterFirst := atomic.LoadInt32(&crawlCalls) + atomic.LoadInt32(&searchCalls)

	second, err := service.Retrieve(ctx, params)
	if err != nil {
		t.Fatalf("second Retrieve failed: %v", err)
	}

	if calls := atomic.LoadInt32(&crawlCalls) + atomic.LoadInt32(&searchCalls); calls != callsAfterFirst {
		t.Errorf("second retrieve should hit the cache, API calls went from %d to %d", callsAfterFirst, calls)
	}
	if len(second) != len(first) {
		t.Errorf("cached result differs: %d vs %d updates", len(second), len(first))
	}
}

func TestTavilyCacheKeyNormalizesCase(t *testing.T) {
	service, _ := newTestTavilyService(t, "http://unused")

	lower := service.cacheKey(&models.ExtractedParams{Industry: "fintech", Region: "us", Keywords: []string{"sec"}})
	upper := service.cacheKey(&models.ExtractedParams{Industry: "FinTech", Region: "US", Keywords: []string{"SEC"}})

	if lower != upper {
		t.Errorf("cache key should be case insensitive: %q vs %q", lower, upper)
	}
}

func TestTavilyRetrieveSurvivesFailingCrawl(t *testing.T) {
	var searchCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crawl":
			// deterministic failure, no retry churn
			w.WriteHeader(http.StatusUnauthorized)
		case "/search":
			atomic.AddInt32(&searchCalls, 1)
			json.NewEncoder(w).Encode(tavilySearchResponse{
				Results: []struct {
					Title      string `json:"title"`
					URL        string `json:"url"`
					Content    string `json:"content"`
					RawContent string `json:"raw_content"`
				}{
					{Title: "Search hit", URL: "https://example.com/a", Content: "content"},
				},
			})
		}
	}))
	defer server.Close()

	service, _ := newTestTavilyService(t, server.URL)

	updates, err := service.Retrieve(context.Background(), models.DefaultParams("any updates?"))
	if err != nil {
		t.Fatalf("Retrieve should soft-fail crawl errors: %v", err)
	}
	if len(updates) != 1 || updates[0].RetrievedVia != "search" {
		t.Errorf("expected the search result to survive, got %v", updates)
	}
}

func TestNormalizeTitle(t *testing.T) {
	if got := normalizeTitle("", "U.S. Securities and Exchange Commission"); got != "U.S. Securities and Exchange Commission" {
		t.Errorf("empty title should take the source name, got %q", got)
	}
	if got := normalizeTitle("No Title Found", "SEC"); got != "SEC" {
		t.Errorf("placeholder title should take the source name, got %q", got)
	}
	if got := normalizeTitle("Real headline", "SEC"); got != "Real headline" {
		t.Errorf("real title should be kept, got %q", got)
	}
}

func TestCapContent(t *testing.T) {
	long := make([]byte, maxContentLength+500)
	for i := range long {
		long[i] = 'a'
	}
	if got := capContent(string(long)); len(got) != maxContentLength {
		t.Errorf("expected content capped at %d, got %d", maxContentLength, len(got))
	}
	if got := capContent("  short  "); got != "short" {
		t.Errorf("expected trimmed short content, got %q", got)
	}
}

func TestCapContentKeepsRuneBoundary(t *testing.T) {
	content := strings.Repeat("a", maxContentLength-1) + "日本語"

	got := capContent(content)
	if len(got) > maxContentLength {
		t.Errorf("expected content capped at %d bytes, got %d", maxContentLength, len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("cap split a multi-byte character: %q", got[len(got)-4:])
	}
	if !strings.HasSuffix(got, "a") {
		t.Errorf("expected cut to back up to the last full rune, got suffix %q", got[len(got)-4:])
	}
}
