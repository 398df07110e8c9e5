// ABOUTME: Conversation orchestrator: turns one inbound event into exactly one outbound reply
// ABOUTME: Each event runs inside a single session mutation so one conversation is handled in arrival order

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/flowgpt-gateway/internal/catalog"
	"github.com/2389/flowgpt-gateway/internal/command"
	"github.com/2389/flowgpt-gateway/internal/completion"
	"github.com/2389/flowgpt-gateway/internal/render"
	"github.com/2389/flowgpt-gateway/internal/session"
	"github.com/2389/flowgpt-gateway/internal/store"
)

// DefaultSearchLimit caps the number of search results in a reply.
const DefaultSearchLimit = 5

// commandEnd is the ledger command name for an end event.
const commandEnd = "end"

// errDiscard tells the session store to drop the working copy.
var errDiscard = errors.New("discard session changes")

// Recorder receives one dispatch per handled event.
type Recorder interface {
	RecordDispatch(ctx context.Context, d *store.Dispatch) error
}

// Config holds the plain values the orchestrator consumes.
type Config struct {
	SearchLimit int
	Retry       RetryPolicy
	// Help maps a platform name to its help text. The "default" entry is used
	// for platforms without their own. "<platform>_welcome" and "welcome"
	// entries do the same for the /start greeting.
	Help             map[string]string
	IdleTTL          time.Duration
	EvictionInterval time.Duration
}

// Service is the conversation orchestrator.
type Service struct {
	sessions  *session.Store
	completer completion.Client
	catalog   catalog.Client

	searchLimit      int
	retry            RetryPolicy
	help             map[string]string
	idleTTL          time.Duration
	evictionInterval time.Duration

	now    func() time.Time
	sleep  sleepFunc
	logger *slog.Logger

	mu          sync.RWMutex
	recorder    Recorder
	broadcaster *DispatchBroadcaster

	maint maintenance
}

// New creates an orchestrator over a session store and the two external clients.
func New(sessions *session.Store, completer completion.Client, cat catalog.Client, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultSearchLimit
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = time.Minute
	}
	return &Service{
		sessions:         sessions,
		completer:        completer,
		catalog:          cat,
		searchLimit:      cfg.SearchLimit,
		retry:            cfg.Retry,
		help:             cfg.Help,
		idleTTL:          cfg.IdleTTL,
		evictionInterval: cfg.EvictionInterval,
		now:              time.Now,
		sleep:            sleepContext,
		logger:           logger.With("component", "conversation"),
	}
}

// SetRecorder installs the dispatch recorder. Nil disables recording.
func (s *Service) SetRecorder(r Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// SetBroadcaster installs a broadcaster that receives every recorded dispatch.
func (s *Service) SetBroadcaster(b *DispatchBroadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

// Sessions returns the underlying session store.
func (s *Service) Sessions() *session.Store { return s.sessions }

// result is what one command produced.
type result struct {
	out       *Outbound
	errorKind string
	attempts  int
	// keep commits the working copy; otherwise the session stays as it was.
	keep bool
}

func reply(text string) result {
	return result{out: &Outbound{Kind: KindReply, Text: text}}
}

func failure(text, kind string) result {
	return result{out: &Outbound{Kind: KindError, Text: text}, errorKind: kind}
}

// Handle processes one inbound event and always returns a non-nil Outbound.
// External failures are converted to user-visible text.
func (s *Service) Handle(ctx context.Context, in *Inbound) *Outbound {
	start := s.now()
	if in.Type == EventEnd {
		return s.end(ctx, in, start)
	}
	cmd := command.FromEvent(in.Command, in.Text)
	platform := in.Platform
	if platform == "" {
		platform = in.Key.Platform()
	}

	var res result
	err := s.sessions.Mutate(ctx, in.Key, func(sess *session.Session) error {
		res = s.apply(ctx, sess, platform, cmd)
		if !res.keep {
			return errDiscard
		}
		return nil
	})

	switch {
	case err == nil, errors.Is(err, errDiscard):
	case errors.Is(err, session.ErrCapacityExceeded):
		res = failure(replyBusy, "capacity")
	case errors.Is(err, session.ErrInvalidKey):
		res = failure(replyInvalidRequest, "invalid_key")
	default:
		res = failure(replyCancelled, "canceled")
	}

	if in.Format == "html" && res.out.Text != "" {
		html, err := render.HTML(res.out.Text)
		if err != nil {
			s.logger.Warn("failed to render reply", "error", err)
		} else {
			res.out.HTML = html
		}
	}

	latency := s.now().Sub(start)
	s.logger.Debug("event handled",
		"key", in.Key.String(),
		"command", cmd.Name(),
		"kind", res.out.Kind,
		"attempts", res.attempts,
		"duration", latency,
	)
	s.record(ctx, in, cmd.Name(), res, latency)
	return res.out
}

// end drops the session for a conversation that no longer exists on the platform.
func (s *Service) end(ctx context.Context, in *Inbound, start time.Time) *Outbound {
	res := reply(replyEnded)
	deleted, err := s.sessions.Delete(ctx, in.Key)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidKey):
		res = failure(replyInvalidRequest, "invalid_key")
	default:
		res = failure(replyCancelled, "canceled")
	}

	latency := s.now().Sub(start)
	s.logger.Debug("conversation ended", "key", in.Key.String(), "deleted", deleted, "kind", res.out.Kind)
	s.record(ctx, in, commandEnd, res, latency)
	return res.out
}

func (s *Service) apply(ctx context.Context, sess *session.Session, platform session.Platform, cmd command.Command) result {
	switch c := cmd.(type) {
	case command.Clear:
		sess.Reset(s.sessions.DefaultPrompt())
		r := reply(replyCleared)
		r.keep = true
		return r

	case command.SetPrompt:
		if c.Text == "" {
			return reply(replyPromptUsage)
		}
		sess.UsePrompt(c.Text, nil)
		r := reply(promptUpdatedReply(c.Text))
		r.keep = true
		return r

	case command.Search:
		return s.search(ctx, c.Query)

	case command.Load:
		return s.load(ctx, sess, c.PromptID)

	case command.Help:
		if c.Welcome {
			return reply(s.welcomeText(platform))
		}
		return reply(s.helpText(platform))

	case command.Unknown:
		r := reply(unknownCommandReply(c.Word))
		r.errorKind = "unknown_command"
		return r

	case command.PlainChat:
		return s.chat(ctx, sess, c.Text)
	}
	return reply(unknownCommandReply(""))
}

func (s *Service) search(ctx context.Context, query string) result {
	if strings.TrimSpace(query) == "" {
		r := reply(replyNoResults)
		r.out.Results = []SearchResult{}
		return r
	}

	entries, err := s.catalog.Search(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return failure(replyCancelled, "canceled")
		}
		s.logger.Warn("catalog search failed", "query", query, "error", err)
		return failure(replySearchFailed, catalogErrorKind(err))
	}
	if len(entries) == 0 {
		r := reply(replyNoResults)
		r.out.Results = []SearchResult{}
		return r
	}

	shown := entries
	if len(shown) > s.searchLimit {
		shown = shown[:s.searchLimit]
	}
	results := make([]SearchResult, len(shown))
	for i, e := range shown {
		results[i] = SearchResult{ID: e.ID, Title: e.Title, Snippet: e.Snippet}
	}

	r := reply(searchReply(results, len(entries)))
	r.out.Results = results
	r.out.Total = len(entries)
	r.out.Truncated = len(entries) > len(results)
	return r
}

func (s *Service) load(ctx context.Context, sess *session.Session, id string) result {
	if id == "" {
		return reply(replyLoadUsage)
	}

	p, err := s.catalog.Fetch(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return failure(replyCancelled, "canceled")
		}
		s.logger.Warn("catalog fetch failed", "prompt_id", id, "error", err)
		return failure(replyLoadFailed, catalogErrorKind(err))
	}

	sess.UsePrompt(p.Content, &session.PromptRef{ID: p.ID, Title: p.Title})
	r := reply(promptLoadedReply(p.Content))
	r.keep = true
	return r
}

func (s *Service) chat(ctx context.Context, sess *session.Session, text string) result {
	if text == "" {
		return reply(replyEmptyMessage)
	}

	now := s.now()
	history := append(sess.Turns(), session.Turn{Role: session.RoleUser, Text: text, At: now})

	answer, attempts, err := s.completeWithRetry(ctx, sess.SystemPrompt(), history)
	if err != nil {
		var r result
		if ctx.Err() != nil {
			r = failure(replyCancelled, "canceled")
		} else {
			s.logger.Error("completion failed", "key", sess.Key().String(), "attempts", attempts, "error", err)
			r = failure(replyChatFailed, completionErrorKind(err))
		}
		r.attempts = attempts
		return r
	}

	sess.AppendExchange(text, answer, now)
	r := reply(answer)
	r.attempts = attempts
	r.keep = true
	return r
}

func (s *Service) helpText(platform session.Platform) string {
	if text := s.help[string(platform)]; text != "" {
		return text
	}
	if text := s.help["default"]; text != "" {
		return text
	}
	return DefaultHelp
}

func (s *Service) welcomeText(platform session.Platform) string {
	if text := s.help[string(platform)+"_welcome"]; text != "" {
		return text
	}
	if text := s.help["welcome"]; text != "" {
		return text
	}
	return DefaultWelcome
}

func (s *Service) record(ctx context.Context, in *Inbound, name string, res result, latency time.Duration) {
	s.mu.RLock()
	recorder, broadcaster := s.recorder, s.broadcaster
	s.mu.RUnlock()
	if recorder == nil && broadcaster == nil {
		return
	}

	outcome := store.OutcomeReply
	if res.out.Kind == KindError {
		outcome = store.OutcomeError
	}
	d := &store.Dispatch{
		ID:              uuid.New().String(),
		EventID:         in.EventID,
		Platform:        string(in.Key.Platform()),
		ConversationKey: in.Key.String(),
		Command:         name,
		Outcome:         outcome,
		ErrorKind:       res.errorKind,
		Attempts:        res.attempts,
		Latency:         latency,
		CreatedAt:       s.now().UTC(),
	}
	if d.Platform == "" {
		d.Platform = string(in.Platform)
	}

	if recorder != nil {
		// The caller's deadline may already be spent; the ledger write gets its own.
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := recorder.RecordDispatch(recCtx, d); err != nil {
			s.logger.Error("failed to record dispatch", "key", d.ConversationKey, "error", err)
		}
	}
	if broadcaster != nil {
		broadcaster.Publish(d)
	}
}

func completionErrorKind(err error) string {
	switch {
	case errors.Is(err, completion.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, completion.ErrTimeout):
		return "timeout"
	case errors.Is(err, completion.ErrTransport):
		return "transport"
	default:
		return "completion"
	}
}

func catalogErrorKind(err error) string {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return "not_found"
	case errors.Is(err, catalog.ErrTimeout):
		return "timeout"
	case errors.Is(err, catalog.ErrTransport):
		return "transport"
	default:
		return "catalog"
	}
}
