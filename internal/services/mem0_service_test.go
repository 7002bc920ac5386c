package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"regradar/internal/config"
	"regradar/internal/models"
)

func newTestMem0Service(t *testing.T, baseURL string) (*Mem0Service, *RedisMemoryService) {
	t.Helper()

	redisStore, _ := newTestMemoryService(t)
	service, err := NewMem0Service(config.Mem0Config{
		APIKey:  "mem0-test",
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
	}, redisStore, testLogger(t))
	if err != nil {
		t.Fatalf("NewMem0Service failed: %v", err)
	}
	return service, redisStore
}

func TestMem0SaveExchangeAddsRegulatoryMemory(t *testing.T) {
	var addCalls int32
	var lastAdd mem0AddRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/memories/" {
			atomic.AddInt32(&addCalls, 1)
			json.NewDecoder(r.Body).Decode(&lastAdd)
			if auth := r.Header.Get("Authorization"); auth != "Token mem0-test" {
				t.Errorf("unexpected authorization header: %q", auth)
			}
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	service, _ := newTestMem0Service(t, server.URL)
	ctx := context.Background()

	params := &models.ExtractedParams{Industry: "fintech", Region: "US", Keywords: []string{"custody"}}
	if err := service.SaveExchange(ctx, "s1", "custody rules?", "report", models.IntentRegulatory, params); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}

	if atomic.LoadInt32(&addCalls) != 1 {
		t.Fatalf("expected 1 mem0 add call, got %d", addCalls)
	}
	if lastAdd.UserID != "s1" {
		t.Errorf("unexpected user id: %q", lastAdd.UserID)
	}
	if lastAdd.Metadata["type"] != "regulatory_query" {
		t.Errorf("expected regulatory_query metadata, got %v", lastAdd.Metadata)
	}
}

func TestMem0SaveExchangeSkipsGeneralChat(t *testing.T) {
	var addCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&addCalls, 1)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	service, _ := newTestMem0Service(t, server.URL)

	if err := service.SaveExchange(context.Background(), "s1", "hi", "hello", models.IntentGeneral, nil); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}
	if atomic.LoadInt32(&addCalls) != 0 {
		t.Errorf("general chat must not reach mem0, got %d calls", addCalls)
	}
}

func TestMem0SaveExchangeSurvivesAPIFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	service, redisStore := newTestMem0Service(t, server.URL)
	ctx := context.Background()

	if err := service.SaveExchange(ctx, "s1", "custody rules?", "report", models.IntentRegulatory, nil); err != nil {
		t.Fatalf("mem0 failure must not fail the save: %v", err)
	}

	session, err := redisStore.GetSessionContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSessionContext failed: %v", err)
	}
	if session.MessageCount != 1 {
		t.Errorf("exchange should still land in redis, got count %d", session.MessageCount)
	}
}

func TestMem0SearchMergesRemoteAndLocal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/memories/search/" {
			json.NewEncoder(w).Encode([]mem0Memory{
				{Memory: "asked about MiCA licensing", Score: 0.9},
			})
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	service, _ := newTestMem0Service(t, server.URL)
	ctx := context.Background()

	params := &models.ExtractedParams{Industry: "fintech", Region: "EU", Keywords: []string{"MiCA"}}
	if err := service.SaveExchange(ctx, "s1", "MiCA licensing deadlines", "report", models.IntentRegulatory, params); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}

	hits, err := service.SearchMemories(ctx, "s1", "MiCA licensing", 3)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}

	if len(hits) != 2 {
		t.Fatalf("expected remote + local hits, got %d: %v", len(hits), hits)
	}
	if hits[0].Memory != "asked about MiCA licensing" {
		t.Errorf("remote hits should come first, got %q", hits[0].Memory)
	}
}

func TestMem0SearchFallsBackToLocalOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/memories/search/" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	service, _ := newTestMem0Service(t, server.URL)
	ctx := context.Background()

	params := &models.ExtractedParams{Industry: "banking", Region: "US", Keywords: []string{"liquidity"}}
	if err := service.SaveExchange(ctx, "s1", "bank liquidity coverage rules", "report", models.IntentRegulatory, params); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}

	hits, err := service.SearchMemories(ctx, "s1", "liquidity coverage", 3)
	if err != nil {
		t.Fatalf("SearchMemories should degrade, not fail: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("expected the redis hit to survive, got %d", len(hits))
	}
}
