// ABOUTME: FlowGPT catalog client over the public tRPC prompt.getPrompts endpoint
// ABOUTME: Identical concurrent lookups share one upstream request

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultBaseURL is the FlowGPT tRPC root.
	DefaultBaseURL = "https://flowgpt.com/api/trpc"

	snippetLength = 100
	userAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// FlowGPTConfig configures a FlowGPT client.
type FlowGPTConfig struct {
	BaseURL  string
	Language string
	Timeout  time.Duration
}

// FlowGPT implements Client against flowgpt.com.
type FlowGPT struct {
	cfg    FlowGPTConfig
	http   *http.Client
	group  singleflight.Group
	logger *slog.Logger
}

// NewFlowGPT creates a client. A nil httpClient uses a default one.
func NewFlowGPT(cfg FlowGPTConfig, httpClient *http.Client, logger *slog.Logger) *FlowGPT {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowGPT{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "catalog"),
	}
}

// Search returns entries matching query. An empty query lists the catalog's default page.
func (c *FlowGPT) Search(ctx context.Context, query string) ([]Entry, error) {
	items, err := c.lookup(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, Entry{
			ID:      item.Get("id").String(),
			Title:   titleOf(item),
			Snippet: truncateRunes(item.Get("description").String(), snippetLength),
		})
	}
	return entries, nil
}

// Fetch looks a prompt up by id. The catalog has no direct lookup, so this
// searches for the id and selects the exact match.
func (c *FlowGPT) Fetch(ctx context.Context, id string) (*Prompt, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	items, err := c.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Get("id").String() != id {
			continue
		}
		content := item.Get("initPrompt").String()
		if content == "" {
			content = item.Get("systemMessage").String()
		}
		if content == "" {
			return nil, fmt.Errorf("%w: prompt %s has no content", ErrNotFound, id)
		}
		return &Prompt{ID: id, Title: titleOf(item), Content: content}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// lookup coalesces identical queries. The shared request runs on a context
// detached from any single caller; each caller still stops waiting when its own ctx ends.
func (c *FlowGPT) lookup(ctx context.Context, query string) ([]gjson.Result, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(query, func() (any, error) {
		return c.fetchPage(detached, query)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]gjson.Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *FlowGPT) fetchPage(ctx context.Context, query string) ([]gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	input, err := json.Marshal(searchInput(query, c.cfg.Language))
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	endpoint := c.cfg.BaseURL + "/prompt.getPrompts?batch=1&input=" + url.QueryEscape(string(input))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrTransport, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout {
		return nil, fmt.Errorf("%w: http %d", ErrTimeout, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: http %d", ErrTransport, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json response", ErrTransport)
	}

	data := gjson.GetBytes(body, "0.result.data.json")
	c.logger.Debug("catalog query",
		"query", query,
		"results", len(data.Array()),
		"duration", time.Since(start),
	)
	if !data.IsArray() {
		return nil, nil
	}
	return data.Array(), nil
}

type trpcQuery struct {
	Tag      *string `json:"tag"`
	Sort     *string `json:"sort"`
	Q        *string `json:"q"`
	Language string  `json:"language"`
}

type trpcMeta struct {
	Values map[string][]string `json:"values"`
}

type trpcCall struct {
	JSON trpcQuery `json:"json"`
	Meta trpcMeta  `json:"meta"`
}

// searchInput builds the tRPC batch payload. Absent fields are sent as null
// with an "undefined" marker in meta.values, which is how the web client encodes them.
func searchInput(query, language string) map[string]trpcCall {
	call := trpcCall{
		JSON: trpcQuery{Language: language},
		Meta: trpcMeta{Values: map[string][]string{
			"tag":  {"undefined"},
			"sort": {"undefined"},
			"q":    {},
		}},
	}
	if query != "" {
		call.JSON.Q = &query
	} else {
		call.Meta.Values["q"] = []string{"undefined"}
	}
	return map[string]trpcCall{"0": call}
}

func titleOf(item gjson.Result) string {
	if t := strings.TrimSpace(item.Get("title").String()); t != "" {
		return t
	}
	return "Untitled"
}

func truncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
