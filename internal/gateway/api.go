// ABOUTME: HTTP API handlers for platform adapters and operators
// ABOUTME: POST /api/events dispatches one inbound event; stats, ledger listing and an SSE dispatch feed

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/flowgpt-gateway/internal/auth"
	"github.com/2389/flowgpt-gateway/internal/command"
	"github.com/2389/flowgpt-gateway/internal/conversation"
	"github.com/2389/flowgpt-gateway/internal/render"
	"github.com/2389/flowgpt-gateway/internal/session"
	"github.com/2389/flowgpt-gateway/internal/store"
)

// maxEventBody bounds POST /api/events request bodies.
const maxEventBody = 1 << 20

// sseHeartbeat is how often an idle dispatch stream sends a keepalive comment.
var sseHeartbeat = 15 * time.Second

// EventRequest is the JSON request body for POST /api/events.
type EventRequest struct {
	// Type is "message" (the default) or "end" to drop the conversation's session.
	Type     string   `json:"type,omitempty"`
	Platform string   `json:"platform"`
	Scope    []string `json:"scope"`
	Text     string   `json:"text"`
	Command  string   `json:"command,omitempty"`
	EventID  string   `json:"event_id,omitempty"`
	Format   string   `json:"format,omitempty"`
}

// EventResponse is the JSON response for POST /api/events.
type EventResponse struct {
	*conversation.Outbound
	// Chunks is Text split to the platform's message limit, present only when splitting was needed.
	Chunks   []string `json:"chunks,omitempty"`
	Replayed bool     `json:"replayed,omitempty"`
}

// DispatchResponse is the JSON form of one ledger row.
type DispatchResponse struct {
	ID              string `json:"id"`
	EventID         string `json:"event_id,omitempty"`
	Platform        string `json:"platform"`
	ConversationKey string `json:"conversation_key"`
	Command         string `json:"command"`
	Outcome         string `json:"outcome"`
	ErrorKind       string `json:"error_kind,omitempty"`
	Attempts        int    `json:"attempts"`
	LatencyMS       int64  `json:"latency_ms"`
	CreatedAt       string `json:"created_at"`
}

// ListDispatchesResponse is the JSON response for GET /api/dispatches.
type ListDispatchesResponse struct {
	Dispatches []DispatchResponse `json:"dispatches"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Sessions      int                    `json:"sessions"`
	ReplayEntries int                    `json:"replay_entries"`
	Subscribers   int                    `json:"subscribers"`
	Dispatches    *store.DispatchSummary `json:"dispatches,omitempty"`
}

func toDispatchResponse(d *store.Dispatch) DispatchResponse {
	return DispatchResponse{
		ID:              d.ID,
		EventID:         d.EventID,
		Platform:        d.Platform,
		ConversationKey: d.ConversationKey,
		Command:         d.Command,
		Outcome:         d.Outcome,
		ErrorKind:       d.ErrorKind,
		Attempts:        d.Attempts,
		LatencyMS:       d.Latency.Milliseconds(),
		CreatedAt:       d.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// parseEventRequest parses and validates an EventRequest, returning the normalized Inbound.
func parseEventRequest(r io.Reader) (*conversation.Inbound, error) {
	var req EventRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	platform, err := session.ParsePlatform(req.Platform)
	if err != nil {
		return nil, fmt.Errorf("unknown platform %q", req.Platform)
	}

	key, err := session.NewKey(platform, req.Scope...)
	if err != nil {
		return nil, errors.New("invalid conversation scope")
	}

	switch req.Format {
	case "", "text", "html":
	default:
		return nil, fmt.Errorf("unsupported format %q", req.Format)
	}

	var eventType conversation.EventType
	switch conversation.EventType(strings.ToLower(strings.TrimSpace(req.Type))) {
	case "", conversation.EventMessage:
		eventType = conversation.EventMessage
	case conversation.EventEnd:
		eventType = conversation.EventEnd
	default:
		return nil, fmt.Errorf("unsupported event type %q", req.Type)
	}

	text, token := normalizeCommand(platform, req.Text, req.Command)

	return &conversation.Inbound{
		Type:     eventType,
		Platform: platform,
		Key:      key,
		Text:     text,
		Command:  token,
		EventID:  strings.TrimSpace(req.EventID),
		Format:   req.Format,
	}, nil
}

// normalizeCommand strips mention tokens from channel-style platforms and
// unwraps Slack's single /flowgpt slash command into the shared command form.
func normalizeCommand(platform session.Platform, text, token string) (string, string) {
	switch platform {
	case session.PlatformSlack, session.PlatformDiscord:
		text = command.StripMentions(text)
	}
	if platform == session.PlatformSlack && strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(token), "/"), "flowgpt") {
		return command.NormalizeSlackCommand(text), ""
	}
	return text, token
}

// handleEvent dispatches one inbound event. A repeated event_id for the same
// platform inside the replay window gets the original reply without re-dispatching.
func (g *Gateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	in, err := parseEventRequest(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !auth.RequirePlatform(w, r, string(in.Platform)) {
		return
	}

	out, replayed := g.dispatch(r.Context(), in)

	resp := EventResponse{Outbound: out, Replayed: replayed}
	if chunks := out.Chunks(conversation.MessageLimit(in.Platform)); len(chunks) > 1 {
		resp.Chunks = chunks
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// dispatch runs the orchestrator, coalescing and replaying by platform and event id.
func (g *Gateway) dispatch(ctx context.Context, in *conversation.Inbound) (*conversation.Outbound, bool) {
	if in.EventID == "" {
		return g.conversation.Handle(ctx, in), false
	}

	replayKey := string(in.Platform) + ":" + in.EventID
	out, replayed, err := g.dedupe.Do(replayKey, func() (*conversation.Outbound, error) {
		out := g.conversation.Handle(ctx, in)
		// An abandoned request is not a result worth replaying.
		if err := ctx.Err(); err != nil {
			return out, err
		}
		return out, nil
	})
	if err == nil {
		if replayed {
			g.logger.Info("replayed duplicate event", "platform", in.Platform, "event_id", in.EventID)
			out = g.withFormat(out, in.Format)
		}
		return out, replayed
	}

	// The shared run belonged to a caller that went away. Handle this delivery on its own.
	if ctx.Err() == nil {
		return g.conversation.Handle(ctx, in), false
	}
	return conversation.CancelledOutbound(), false
}

// withFormat shapes a replayed reply for the format the redelivery asked for.
// The cached Outbound is shared between deliveries and is never modified.
func (g *Gateway) withFormat(out *conversation.Outbound, format string) *conversation.Outbound {
	wantHTML := format == "html"
	if wantHTML == (out.HTML != "") || (wantHTML && out.Text == "") {
		return out
	}

	shaped := *out
	if !wantHTML {
		shaped.HTML = ""
		return &shaped
	}
	html, err := render.HTML(out.Text)
	if err != nil {
		g.logger.Warn("failed to render replayed reply", "error", err)
		return out
	}
	shaped.HTML = html
	return &shaped
}

// handleStats returns session, replay cache and ledger counters.
// Optional ?since=<duration> limits the ledger summary to recent dispatches.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		since = time.Now().Add(-d)
	}

	resp := StatsResponse{
		Sessions:      g.sessions.Len(),
		ReplayEntries: g.dedupe.Len(),
		Subscribers:   g.broadcaster.SubscriberCount(),
	}

	if g.store != nil {
		summary, err := g.store.SummarizeDispatches(r.Context(), since)
		if err != nil {
			g.logger.Error("failed to summarize dispatches", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.Dispatches = summary
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleListDispatches returns recent ledger rows.
// Supports ?key=, ?platform= and ?limit= query parameters.
func (g *Gateway) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "dispatch ledger disabled")
		return
	}

	q := r.URL.Query()
	var filter store.DispatchFilter
	if key := q.Get("key"); key != "" {
		filter.ConversationKey = &key
	}
	if platform := q.Get("platform"); platform != "" {
		p := strings.ToLower(platform)
		filter.Platform = &p
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	dispatches, err := g.store.ListDispatches(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list dispatches", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ListDispatchesResponse{Dispatches: make([]DispatchResponse, 0, len(dispatches))}
	for i := range dispatches {
		resp.Dispatches = append(resp.Dispatches, toDispatchResponse(&dispatches[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleDispatchRoutes serves /api/dispatches/stream and /api/dispatches/{id}.
func (g *Gateway) handleDispatchRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/dispatches/")
	switch {
	case rest == "stream":
		g.handleDispatchStream(w, r)
	case rest == "" || strings.Contains(rest, "/"):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	default:
		g.handleGetDispatch(w, r, rest)
	}
}

func (g *Gateway) handleGetDispatch(w http.ResponseWriter, r *http.Request, id string) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "dispatch ledger disabled")
		return
	}

	d, err := g.store.GetDispatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get dispatch", "error", err, "id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toDispatchResponse(d))
}

// handleDispatchStream pushes dispatches as Server-Sent Events until the client
// disconnects or the gateway shuts down. ?key= narrows the feed to one conversation.
func (g *Gateway) handleDispatchStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	key := r.URL.Query().Get("key")
	events, _ := g.broadcaster.Subscribe(r.Context(), key)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "ready", map[string]string{"key": key})
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		case d, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "dispatch", toDispatchResponse(&d))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while Run is serving.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.sessions.Len())
}
