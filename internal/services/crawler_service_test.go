package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"regradar/internal/config"
	"regradar/internal/models"
)

const testNewsroomHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <title>Press Releases</title>
  <meta name="description" content="Latest regulatory press releases">
</head>
<body>
  <main>
    <h1>Agency Press Releases</h1>
    <article>
      <p>The agency today announced new custody requirements for digital asset platforms, effective next quarter.</p>
      <p>Firms must update their compliance programs to reflect the amended reporting thresholds.</p>
    </article>
  </main>
</body>
</html>`

func newTestCrawlerService(t *testing.T) *CrawlerService {
	t.Helper()

	service, err := NewCrawlerService(config.CrawlerConfig{
		Parallelism:    2,
		Delay:          10 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewCrawlerService failed: %v", err)
	}
	return service
}

func TestCrawlPageExtractsContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(testNewsroomHTML))
	}))
	defer server.Close()

	service := newTestCrawlerService(t)

	page, err := service.crawlPage(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("crawlPage failed: %v", err)
	}

	if page.Title != "Agency Press Releases" {
		t.Errorf("unexpected title: %q", page.Title)
	}
	if page.Description != "Latest regulatory press releases" {
		t.Errorf("unexpected description: %q", page.Description)
	}
	if page.Content == "" {
		t.Fatal("expected extracted content")
	}
	if !containsAny(page.Content, []string{"custody requirements"}) {
		t.Errorf("expected article text in content, got: %q", page.Content)
	}
}

func TestCrawlPageRejectsBadURL(t *testing.T) {
	service := newTestCrawlerService(t)

	if _, err := service.crawlPage(context.Background(), "ftp://example.com"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	if _, err := service.crawlPage(context.Background(), "://bad"); err == nil {
		t.Error("expected error for malformed URL")
	}
}

func TestRankByKeywords(t *testing.T) {
	updates := []models.RegulatoryUpdate{
		{Source: "FTC", Title: "Antitrust action", Content: "merger review"},
		{Source: "SEC", Title: "Custody rule amended", Content: "digital asset custody"},
	}

	ranked := rankByKeywords(updates, []string{"custody"})
	if len(ranked) != 2 {
		t.Fatalf("ranking must not drop updates, got %d", len(ranked))
	}
	if ranked[0].Source != "SEC" {
		t.Errorf("keyword match should rank first, got %q", ranked[0].Source)
	}

	unranked := rankByKeywords(updates, nil)
	if len(unranked) != 2 || unranked[0].Source != "FTC" {
		t.Errorf("no keywords should keep original order, got %v", unranked)
	}
}

func TestCleanPageContent(t *testing.T) {
	cleaned := cleanPageContent("New   rule \n\n announced.  Subscribe to our newsletter today!")
	if containsAny(cleaned, []string{"Subscribe"}) {
		t.Errorf("newsletter boilerplate should be stripped, got %q", cleaned)
	}
	if !containsAny(cleaned, []string{"New rule announced."}) {
		t.Errorf("whitespace should collapse, got %q", cleaned)
	}
}
