package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"replybot/internal/config"
	"replybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// chatServer fakes an OpenAI-compatible endpoint returning a fixed reply and
// capturing the last request body.
func chatServer(t *testing.T, reply string, lastReq *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			if lastReq != nil {
				if err := json.NewDecoder(r.Body).Decode(lastReq); err != nil {
					t.Errorf("decode request: %v", err)
				}
			}
			json.NewEncoder(w).Encode(chatResponse{
				Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: reply}}},
			})
		case "/models":
			json.NewEncoder(w).Encode(lmsModelList{Data: []lmsModel{
				{ID: "qwen2.5-7b", Type: "llm", Publisher: "qwen", State: "loaded"},
				{ID: "nomic-embed", Type: "embeddings", Publisher: "nomic", State: "not-loaded"},
				{ID: "mistral-7b", Type: "llm", Publisher: "mistralai", State: "not-loaded"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestLMStudio_GenerateResponse(t *testing.T) {
	var got chatRequest
	srv := chatServer(t, "hello from the model", &got)
	defer srv.Close()

	l := NewLMStudio(LMStudioConfig{APIBase: srv.URL, Model: "qwen2.5-7b", Logger: testLogger()})
	reply, err := l.GenerateResponse(context.Background(), []domain.ContextEntry{
		{Role: "user", Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if reply != "hello from the model" {
		t.Fatalf("reply = %q", reply)
	}
	if got.Model != "qwen2.5-7b" || len(got.Messages) != 1 {
		t.Fatalf("request = %+v", got)
	}
}

func TestLMStudio_NoModelSelectedFails(t *testing.T) {
	l := NewLMStudio(LMStudioConfig{APIBase: "http://localhost:0", Logger: testLogger()})
	if _, err := l.GenerateResponse(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error without a selected model")
	}
}

func TestLMStudio_ListModelsFiltersLLMs(t *testing.T) {
	srv := chatServer(t, "", nil)
	defer srv.Close()

	l := NewLMStudio(LMStudioConfig{APIBase: srv.URL, Logger: testLogger()})
	models, err := l.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %+v, want 2 llm entries", models)
	}
	if models[0].ID != "qwen2.5-7b" || models[0].Description != "qwen (loaded)" {
		t.Fatalf("first model = %+v", models[0])
	}
}

func TestLMStudio_SelectModelTakesEffect(t *testing.T) {
	var got chatRequest
	srv := chatServer(t, "ok", &got)
	defer srv.Close()

	l := NewLMStudio(LMStudioConfig{APIBase: srv.URL, Model: "old", Logger: testLogger()})
	l.SelectModel("new-model")
	if _, err := l.GenerateResponse(context.Background(), nil, nil); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if got.Model != "new-model" {
		t.Fatalf("model = %q, want new-model", got.Model)
	}
}

func TestCrofAI_CatalogAndDefaults(t *testing.T) {
	c := NewCrofAI(CrofAIConfig{APIKey: "k", Logger: testLogger()})
	if c.currentModel() != "llama3-70b" {
		t.Fatalf("default model = %q", c.currentModel())
	}

	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != len(crofAIModels) {
		t.Fatalf("catalog size = %d, want %d", len(models), len(crofAIModels))
	}
}

func TestCrofAI_SendsBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: "ok"}}},
		})
	}))
	defer srv.Close()

	c := NewCrofAI(CrofAIConfig{APIKey: "sk-test", APIBase: srv.URL, Logger: testLogger()})
	if _, err := c.GenerateResponse(context.Background(), nil, nil); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("authorization = %q", auth)
	}
}

func TestAnalyzeIntent_ParsesProseWrappedJSON(t *testing.T) {
	srv := chatServer(t, `Sure! Here is the analysis:
{"isSearchRequest": true, "keywords": ["go", "release"], "isProgrammingProblem": false}`, nil)
	defer srv.Close()

	l := NewLMStudio(LMStudioConfig{APIBase: srv.URL, Model: "m", Logger: testLogger()})
	got := l.AnalyzeIntent(context.Background(), "search for the go release")
	if !got.IsSearchRequest || len(got.Keywords) != 2 {
		t.Fatalf("analysis = %+v", got)
	}
}

func TestAnalyzeIntent_GarbageDegradesToZero(t *testing.T) {
	srv := chatServer(t, "I refuse to answer in JSON today", nil)
	defer srv.Close()

	l := NewLMStudio(LMStudioConfig{APIBase: srv.URL, Model: "m", Logger: testLogger()})
	got := l.AnalyzeIntent(context.Background(), "anything")
	if got.IsSearchRequest || len(got.Keywords) != 0 {
		t.Fatalf("expected zero analysis, got %+v", got)
	}
}

func testFactoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Providers["crofai"] = config.ProviderConfig{
		Enabled: true,
		APIBase: "https://example.invalid/v2",
		APIKey:  "k",
	}
	cfg.Providers["custom"] = config.ProviderConfig{
		Enabled: true,
		APIBase: "https://example.invalid/v1",
	}
	cfg.Providers["off"] = config.ProviderConfig{Enabled: false}
	return cfg
}

func TestFactory_CachesInstances(t *testing.T) {
	f := NewFactory(testFactoryConfig(), testLogger())

	a, err := f.Get("lmstudio")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := f.Get("lmstudio")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Fatal("factory must return the cached instance")
	}
}

func TestFactory_DefaultProvider(t *testing.T) {
	f := NewFactory(testFactoryConfig(), testLogger())
	p, err := f.DefaultProvider()
	if err != nil {
		t.Fatalf("DefaultProvider: %v", err)
	}
	if p.Name() != "lmstudio" {
		t.Fatalf("default = %q", p.Name())
	}
}

func TestFactory_Errors(t *testing.T) {
	f := NewFactory(testFactoryConfig(), testLogger())

	if _, err := f.Get("missing"); err == nil {
		t.Fatal("unknown provider must fail")
	}
	if _, err := f.Get("off"); err == nil {
		t.Fatal("disabled provider must fail")
	}
}

func TestFactory_UnknownNameFallsBackToCompatible(t *testing.T) {
	f := NewFactory(testFactoryConfig(), testLogger())
	p, err := f.Get("custom")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p == nil {
		t.Fatal("expected an OpenAI-compatible fallback provider")
	}
}
