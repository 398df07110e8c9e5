// ABOUTME: Minimal fake OpenAI and FlowGPT catalog backend for E2E testing
// ABOUTME: Usage: fake-backend [-addr localhost:9090]; point openai.base_url at /v1 and catalog.base_url at /api/trpc
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

type fixturePrompt struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	InitPrompt  string `json:"initPrompt"`
}

var fixtures = []fixturePrompt{
	{ID: "pirate-captain", Title: "Pirate Captain", Description: "Talk like a pirate on the high seas.", InitPrompt: "You are a pirate captain. Answer every question in pirate speak."},
	{ID: "code-reviewer", Title: "Code Reviewer", Description: "Strict but fair review of your snippets.", InitPrompt: "You are a senior engineer reviewing code. Be concise and specific."},
	{ID: "travel-guide", Title: "Travel Guide", Description: "Itineraries and local tips for any city.", InitPrompt: "You are a friendly travel guide."},
}

func main() {
	addr := flag.String("addr", "localhost:9090", "HTTP listen address")
	delay := flag.Duration("delay", 0, "Artificial completion latency")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*addr, *delay, logger); err != nil {
		logger.Error("fake backend failed", "error", err)
		os.Exit(1)
	}
}

func run(addr string, delay time.Duration, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newHandler(delay, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("fake backend listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newHandler(delay time.Duration, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil || !gjson.ValidBytes(body) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]string{"message": "invalid request body", "type": "invalid_request_error"},
			})
			return
		}

		msgs := gjson.GetBytes(body, "messages").Array()
		var last string
		if len(msgs) > 0 {
			last = msgs[len(msgs)-1].Get("content").String()
		}
		logger.Info("completion request", "messages", len(msgs), "last", last)

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": echoReply(last)}},
			},
		})
	})

	mux.HandleFunc("/api/trpc/prompt.getPrompts", func(w http.ResponseWriter, r *http.Request) {
		q := strings.ToLower(gjson.Get(r.URL.Query().Get("input"), "0.json.q").String())
		matches := make([]fixturePrompt, 0, len(fixtures))
		for _, p := range fixtures {
			if q == "" || p.ID == q || strings.Contains(strings.ToLower(p.Title+" "+p.Description), q) {
				matches = append(matches, p)
			}
		}
		logger.Info("catalog request", "q", q, "results", len(matches))

		writeJSON(w, http.StatusOK, []map[string]any{
			{"result": map[string]any{"data": map[string]any{"json": matches}}},
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
