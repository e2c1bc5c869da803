package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestOllamaEngine_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Messages []Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, part := range []string{"hello ", "from ", "ollama"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q}}`+"\n", part)
		}
		fmt.Fprintf(w, `{"done":true,"echo":%d}`+"\n", len(req.Messages))
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, 5*time.Second, time.Second)
	var sb strings.Builder
	err := e.ChatStream(context.Background(), "llama3.1", []Message{
		{Role: "user", Content: "hi"},
	}, func(s string) { sb.WriteString(s) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if sb.String() != "hello from ollama" {
		t.Errorf("got %q, want %q", sb.String(), "hello from ollama")
	}
}

func TestOllamaEngine_ChatStream_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, 0, 0)
	if err := e.ChatStream(context.Background(), "llama3.1", nil, func(string) {}); err == nil {
		t.Fatal("expected error for 500 status")
	}
}

func TestOllamaEngine_ChatStream_MissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model \"nope\" not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, 0, 0)
	err := e.ChatStream(context.Background(), "nope", nil, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "not pulled") {
		t.Fatalf("err = %v, want missing model error", err)
	}
}

func TestOllamaEngine_IsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest"))
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, 0, 0)
	if !e.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestOllamaEngine_IsRunning_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	e := NewOllamaEngine(srv.URL, 0, 0)
	if e.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestOllamaEngine_HasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest", "mistral-nemo:latest"))
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, 0, 0)
	if !e.HasModel(context.Background(), "llama3.1") {
		t.Error("HasModel(llama3.1) = false, want true")
	}
	if e.HasModel(context.Background(), "gemma2") {
		t.Error("HasModel(gemma2) = true, want false")
	}
}

func TestOllamaEngine_PullModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 500})
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 1000})
		enc.Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, 0, 0)
	var progressCount int
	err := e.PullModel(context.Background(), "llama3.1", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}
