// ABOUTME: Tests for the conversation orchestrator
// ABOUTME: Covers every command path, retries, cancellation, serialization and dispatch recording

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/flowgpt-gateway/internal/catalog"
	"github.com/2389/flowgpt-gateway/internal/completion"
	"github.com/2389/flowgpt-gateway/internal/session"
	"github.com/2389/flowgpt-gateway/internal/store"
)

const defaultPrompt = "You are a helpful AI assistant."

type completionCall struct {
	systemPrompt string
	history      []session.Turn
}

// fakeCompleter returns scripted errors first, then echoes the last user turn.
type fakeCompleter struct {
	mu     sync.Mutex
	calls  []completionCall
	errs   []error
	block  chan struct{}
	reply  func(call completionCall) string
	inside chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt string, history []session.Turn) (string, error) {
	call := completionCall{systemPrompt: systemPrompt, history: history}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	block, inside := f.block, f.inside
	f.mu.Unlock()

	if inside != nil {
		inside <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if f.reply != nil {
		return f.reply(call), nil
	}
	return "echo: " + history[len(history)-1].Text, nil
}

func (f *fakeCompleter) Calls() []completionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]completionCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeCatalog struct {
	mu       sync.Mutex
	entries  []catalog.Entry
	prompts  map[string]*catalog.Prompt
	err      error
	searches int
}

func (f *fakeCatalog) Search(ctx context.Context, query string) ([]catalog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func (f *fakeCatalog) Fetch(ctx context.Context, id string) (*catalog.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.prompts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}
	return p, nil
}

type harness struct {
	svc      *Service
	sessions *session.Store
	llm      *fakeCompleter
	cat      *fakeCatalog
	waits    []time.Duration
	mu       sync.Mutex
}

func newHarness(t *testing.T, cfg Config, opts session.Options) *harness {
	t.Helper()
	if opts.DefaultPrompt == "" {
		opts.DefaultPrompt = defaultPrompt
	}
	h := &harness{
		sessions: session.NewStore(opts, nil),
		llm:      &fakeCompleter{},
		cat:      &fakeCatalog{prompts: map[string]*catalog.Prompt{}},
	}
	h.svc = New(h.sessions, h.llm, h.cat, cfg, nil)
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.waits = append(h.waits, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) send(t *testing.T, key session.Key, text string) *Outbound {
	t.Helper()
	out := h.svc.Handle(context.Background(), &Inbound{Platform: key.Platform(), Key: key, Text: text})
	require.NotNil(t, out)
	return out
}

func (h *harness) session(t *testing.T, key session.Key) *session.Session {
	t.Helper()
	sess, ok := h.sessions.Peek(key)
	require.True(t, ok)
	return &sess
}

func testKey(t *testing.T, parts ...string) session.Key {
	t.Helper()
	if len(parts) == 0 {
		parts = []string{"chat-1", "user-1"}
	}
	k, err := session.NewKey(session.PlatformTelegram, parts...)
	require.NoError(t, err)
	return k
}

func TestHandle_ClearResetsSession(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)

	h.send(t, key, "/prompt You are a pirate.")
	h.send(t, key, "Hello")

	out := h.send(t, key, "/clear")
	assert.Equal(t, KindReply, out.Kind)
	assert.Equal(t, "Conversation history cleared!", out.Text)

	sess := h.session(t, key)
	assert.Empty(t, sess.Turns())
	assert.Equal(t, defaultPrompt, sess.SystemPrompt())
	assert.Nil(t, sess.ActivePrompt())
}

func TestHandle_ClearDropsLoadedPrompt(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	h.cat.prompts["p1"] = &catalog.Prompt{ID: "p1", Title: "Pirate", Content: "Arr."}
	key := testKey(t)

	h.send(t, key, "/load p1")
	require.NotNil(t, h.session(t, key).ActivePrompt())

	h.send(t, key, "/clear")
	h.send(t, key, "Hello")

	sess := h.session(t, key)
	assert.Nil(t, sess.ActivePrompt())
	assert.Equal(t, defaultPrompt, sess.SystemPrompt())
	calls := h.llm.Calls()
	assert.Equal(t, defaultPrompt, calls[len(calls)-1].systemPrompt)
}

func TestHandle_ClearThenChatHasOnlyNewPair(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)

	h.send(t, key, "first")
	h.send(t, key, "second")
	h.send(t, key, "/clear")
	h.send(t, key, "third")

	calls := h.llm.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, defaultPrompt, last.systemPrompt)
	require.Len(t, last.history, 1)
	assert.Equal(t, "third", last.history[0].Text)

	turns := h.session(t, key).Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "third", turns[0].Text)
	assert.Equal(t, "echo: third", turns[1].Text)
}

func TestHandle_SetPromptThenChat(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)

	out := h.send(t, key, "/prompt You are a pirate.")
	assert.Equal(t, "System prompt updated!\n\nNew prompt: You are a pirate.", out.Text)

	out = h.send(t, key, "Hello")
	assert.Equal(t, KindReply, out.Kind)
	assert.Equal(t, "echo: Hello", out.Text)

	calls := h.llm.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "You are a pirate.", calls[0].systemPrompt)
	require.Len(t, calls[0].history, 1)
	assert.Equal(t, session.RoleUser, calls[0].history[0].Role)
	assert.Equal(t, "Hello", calls[0].history[0].Text)
}

func TestHandle_SetPromptClearsHistoryAndActivePrompt(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	h.cat.prompts["p1"] = &catalog.Prompt{ID: "p1", Title: "Pirate", Content: "Arr."}
	key := testKey(t)

	h.send(t, key, "/load p1")
	h.send(t, key, "hi")
	h.send(t, key, "/prompt Be brief.")

	sess := h.session(t, key)
	assert.Equal(t, "Be brief.", sess.SystemPrompt())
	assert.Nil(t, sess.ActivePrompt())
	assert.Empty(t, sess.Turns())
}

func TestHandle_SetPromptPreviewIsTruncated(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	long := strings.Repeat("a", 150)

	out := h.send(t, testKey(t), "/prompt "+long)
	assert.Equal(t, "System prompt updated!\n\nNew prompt: "+strings.Repeat("a", 100)+"...", out.Text)
}

func TestHandle_SetPromptEmptyIsUsage(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)
	h.send(t, key, "hi")

	out := h.send(t, key, "/prompt   ")
	assert.Contains(t, out.Text, "Usage: /prompt")

	sess := h.session(t, key)
	assert.Equal(t, defaultPrompt, sess.SystemPrompt())
	assert.Len(t, sess.Turns(), 2)
}

func TestHandle_SearchCapsResults(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	for i := 1; i <= 7; i++ {
		h.cat.entries = append(h.cat.entries, catalog.Entry{
			ID:      fmt.Sprintf("id-%d", i),
			Title:   fmt.Sprintf("Prompt %d", i),
			Snippet: "about space",
		})
	}

	out := h.send(t, testKey(t), "/search space")
	assert.Equal(t, KindReply, out.Kind)
	require.Len(t, out.Results, 5)
	for i, r := range out.Results {
		assert.Equal(t, fmt.Sprintf("id-%d", i+1), r.ID, "catalog order preserved")
	}
	assert.Equal(t, 7, out.Total)
	assert.True(t, out.Truncated)
	assert.Contains(t, out.Text, "Showing 5 of 7 results.")
	assert.Contains(t, out.Text, "1. Prompt 1\n   ID: id-1\n   about space...")
	assert.NotContains(t, out.Text, "Prompt 6")
	assert.True(t, strings.HasSuffix(out.Text, "Use /load <prompt_id> to load a prompt."))
}

func TestHandle_SearchUnderLimitNotTruncated(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	h.cat.entries = []catalog.Entry{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}}

	out := h.send(t, testKey(t), "/search letters")
	assert.Len(t, out.Results, 2)
	assert.False(t, out.Truncated)
	assert.NotContains(t, out.Text, "Showing")
}

func TestHandle_SearchEmptyQuery(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	h.cat.entries = []catalog.Entry{{ID: "a"}}

	out := h.send(t, testKey(t), "/search")
	assert.Equal(t, KindReply, out.Kind)
	assert.Equal(t, "No prompts found.", out.Text)
	assert.NotNil(t, out.Results)
	assert.Empty(t, out.Results)
	assert.Equal(t, 0, h.cat.searches)
}

func TestHandle_SearchNoResults(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})

	out := h.send(t, testKey(t), "/search nothing")
	assert.Equal(t, KindReply, out.Kind)
	assert.Equal(t, "No prompts found.", out.Text)
	assert.Empty(t, out.Results)
}

func TestHandle_SearchFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	h.cat.err = fmt.Errorf("%w: boom", catalog.ErrTransport)

	out := h.send(t, testKey(t), "/search space")
	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, replySearchFailed, out.Text)
	assert.NotContains(t, out.Text, "boom")
	assert.Equal(t, 1, h.cat.searches)
}

func TestHandle_LoadValidThenChat(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	h.cat.prompts["pirate"] = &catalog.Prompt{ID: "pirate", Title: "Space Pirate", Content: "You are a space pirate."}
	key := testKey(t)

	h.send(t, key, "warm up")
	out := h.send(t, key, "/load pirate")
	assert.Equal(t, KindReply, out.Kind)
	assert.Equal(t, "Prompt loaded successfully!\n\nPreview: You are a space pirate.", out.Text)

	sess := h.session(t, key)
	require.NotNil(t, sess.ActivePrompt())
	assert.Equal(t, session.PromptRef{ID: "pirate", Title: "Space Pirate"}, *sess.ActivePrompt())
	assert.Empty(t, sess.Turns())

	h.send(t, key, "Hello")
	calls := h.llm.Calls()
	assert.Equal(t, "You are a space pirate.", calls[len(calls)-1].systemPrompt)
}

func TestHandle_LoadInvalidLeavesSessionUnchanged(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)

	h.send(t, key, "/prompt You are a cat.")
	h.send(t, key, "meow")

	out := h.send(t, key, "/load missing")
	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, "Could not load the prompt. Please check the ID and try again.", out.Text)

	sess := h.session(t, key)
	assert.Equal(t, "You are a cat.", sess.SystemPrompt())
	assert.Len(t, sess.Turns(), 2)

	h.send(t, key, "still a cat?")
	calls := h.llm.Calls()
	assert.Equal(t, "You are a cat.", calls[len(calls)-1].systemPrompt)
}

func TestHandle_LoadEmptyIsUsage(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	out := h.send(t, testKey(t), "/load")
	assert.Contains(t, out.Text, "Usage: /load")
}

func TestHandle_LoadPreviewIsTruncated(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	h.cat.prompts["long"] = &catalog.Prompt{ID: "long", Content: strings.Repeat("é", 250)}

	out := h.send(t, testKey(t), "/load long")
	assert.Equal(t, "Prompt loaded successfully!\n\nPreview: "+strings.Repeat("é", 200)+"...", out.Text)
}

func TestHandle_Help(t *testing.T) {
	h := newHarness(t, Config{Help: map[string]string{
		"slack":   "Slack help",
		"default": "Generic help",
	}}, session.Options{})

	slackKey, err := session.NewKey(session.PlatformSlack, "C1", "T1")
	require.NoError(t, err)

	assert.Equal(t, "Slack help", h.send(t, slackKey, "/help").Text)
	assert.Equal(t, "Generic help", h.send(t, testKey(t), "/help").Text)

	bare := newHarness(t, Config{}, session.Options{})
	assert.Equal(t, DefaultHelp, bare.send(t, testKey(t), "/help").Text)
}

func TestHandle_StartShowsWelcome(t *testing.T) {
	h := newHarness(t, Config{Help: map[string]string{
		"default":         "Generic help",
		"welcome":         "Ahoy! Send a message.",
		"discord_welcome": "Welcome to the server bot.",
	}}, session.Options{})

	assert.Equal(t, "Ahoy! Send a message.", h.send(t, testKey(t), "/start").Text)

	discordKey, err := session.NewKey(session.PlatformDiscord, "G1", "C1", "U1")
	require.NoError(t, err)
	assert.Equal(t, "Welcome to the server bot.", h.send(t, discordKey, "/start").Text)

	bare := newHarness(t, Config{Help: map[string]string{"default": "Generic help"}}, session.Options{})
	out := bare.send(t, testKey(t), "/start")
	assert.Equal(t, DefaultWelcome, out.Text)
	assert.NotEqual(t, DefaultHelp, out.Text)
	assert.Empty(t, bare.llm.Calls())
}

func TestHandle_NativeCommandToken(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)

	out := h.svc.Handle(context.Background(), &Inbound{Key: key, Command: "prompt", Text: "Be terse."})
	assert.Equal(t, KindReply, out.Kind)
	assert.Equal(t, "Be terse.", h.session(t, key).SystemPrompt())
}

func TestHandle_UnknownCommand(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)

	out := h.send(t, key, "/serch space")
	assert.Equal(t, KindReply, out.Kind)
	assert.Contains(t, out.Text, "Unknown command: /serch")
	assert.Empty(t, h.llm.Calls(), "typos never reach the model")
	assert.Empty(t, h.session(t, key).Turns())
}

func TestHandle_EmptyChat(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	out := h.send(t, testKey(t), "   ")
	assert.Equal(t, replyEmptyMessage, out.Text)
	assert.Empty(t, h.llm.Calls())
}

func TestHandle_CompletionTimesOutThreeTimes(t *testing.T) {
	h := newHarness(t, Config{Retry: RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}}, session.Options{})
	key := testKey(t)
	h.send(t, key, "before")

	timeout := fmt.Errorf("%w: deadline", completion.ErrTimeout)
	h.llm.errs = []error{timeout, timeout, timeout}

	out := h.send(t, key, "Hello")
	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, replyChatFailed, out.Text)

	assert.Len(t, h.llm.Calls(), 4)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.waits)

	turns := h.session(t, key).Turns()
	require.Len(t, turns, 2, "no orphaned user turn")
	assert.Equal(t, "before", turns[0].Text)
}

func TestHandle_CompletionRecoversAfterRetry(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)
	h.llm.errs = []error{fmt.Errorf("%w: 429", completion.ErrRateLimited)}

	out := h.send(t, key, "Hello")
	assert.Equal(t, KindReply, out.Kind)
	assert.Equal(t, "echo: Hello", out.Text)
	assert.Len(t, h.llm.Calls(), 2)

	turns := h.session(t, key).Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, session.RoleAssistant, turns[1].Role)
}

func TestHandle_BlankCompletionIsAFailure(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)
	h.llm.reply = func(completionCall) string { return " \n" }

	out := h.send(t, key, "Hello")
	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, replyChatFailed, out.Text)
	assert.Len(t, h.llm.Calls(), 3, "blank replies are retried")
	assert.Empty(t, h.session(t, key).Turns())

	h.llm.reply = nil
	out = h.send(t, key, "Hello again")
	assert.Equal(t, "echo: Hello again", out.Text)
	assert.Len(t, h.session(t, key).Turns(), 2)
}

func TestHandle_NonRetryableCompletionError(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	h.llm.errs = []error{errors.New("bad request")}

	out := h.send(t, testKey(t), "Hello")
	assert.Equal(t, KindError, out.Kind)
	assert.Len(t, h.llm.Calls(), 1)
	assert.Empty(t, h.waits)
}

func TestHandle_CancellationLeavesSessionUnmutated(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)
	h.send(t, key, "before")

	h.llm.block = make(chan struct{})
	h.llm.inside = make(chan struct{}, 1)
	defer close(h.llm.block)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Outbound, 1)
	go func() {
		done <- h.svc.Handle(ctx, &Inbound{Key: key, Text: "never answered"})
	}()
	<-h.llm.inside
	cancel()

	out := <-done
	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, replyCancelled, out.Text)

	turns := h.session(t, key).Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "before", turns[0].Text)
}

func TestHandle_SameKeyEventsApplySerially(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)

	h.llm.block = make(chan struct{})
	h.llm.inside = make(chan struct{}, 2)

	first := make(chan *Outbound, 1)
	go func() { first <- h.svc.Handle(context.Background(), &Inbound{Key: key, Text: "one"}) }()
	<-h.llm.inside

	second := make(chan *Outbound, 1)
	go func() { second <- h.svc.Handle(context.Background(), &Inbound{Key: key, Text: "two"}) }()

	// The second event must wait for the first to commit.
	select {
	case <-h.llm.inside:
		t.Fatal("second completion started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(h.llm.block)
	<-first
	<-second

	calls := h.llm.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1].history, 3, "second event sees the first exchange")
	assert.Equal(t, "one", calls[1].history[0].Text)
	assert.Len(t, h.session(t, key).Turns(), 4)
}

func TestHandle_DifferentKeysAreIsolated(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	a := testKey(t, "chat-a", "u")
	b := testKey(t, "chat-b", "u")

	h.send(t, a, "/prompt A persona")
	h.send(t, a, "hello a")
	h.send(t, b, "hello b")

	calls := h.llm.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, defaultPrompt, calls[1].systemPrompt)
	require.Len(t, calls[1].history, 1)
	assert.Equal(t, "hello b", calls[1].history[0].Text)
}

func TestHandle_HistoryStaysBoundedAndAlternating(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{MaxHistory: 6})
	key := testKey(t)

	for i := range 25 {
		h.send(t, key, fmt.Sprintf("msg %d", i))
		turns := h.session(t, key).Turns()
		assert.LessOrEqual(t, len(turns), 6)
		for j, turn := range turns {
			want := session.RoleUser
			if j%2 == 1 {
				want = session.RoleAssistant
			}
			assert.Equal(t, want, turn.Role)
		}
	}
	turns := h.session(t, key).Turns()
	assert.Equal(t, "echo: msg 24", turns[len(turns)-1].Text)
}

func TestHandle_CapacityExceeded(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{MaxSessions: 1})
	h.send(t, testKey(t, "a"), "hi")

	out := h.send(t, testKey(t, "b"), "hi")
	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, replyBusy, out.Text)
}

func TestHandle_InvalidKey(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	out := h.svc.Handle(context.Background(), &Inbound{Text: "hi"})
	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, replyInvalidRequest, out.Text)
}

func TestHandle_UpdatesLastActiveOnFailure(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	key := testKey(t)
	h.send(t, key, "hi")
	before := h.session(t, key).LastActiveAt()

	time.Sleep(5 * time.Millisecond)
	h.send(t, key, "/load missing")
	assert.True(t, h.session(t, key).LastActiveAt().After(before))
}

func TestHandle_HTMLFormat(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	h.llm.reply = func(completionCall) string { return "**bold** move" }

	out := h.svc.Handle(context.Background(), &Inbound{Key: testKey(t), Text: "hi", Format: "html"})
	assert.Equal(t, "**bold** move", out.Text)
	assert.Contains(t, out.HTML, "<strong>bold</strong>")
}

func TestHandle_RecordsDispatches(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	ledger := store.NewMockStore()
	h.svc.SetRecorder(ledger)
	b := NewDispatchBroadcaster(nil)
	defer b.Close()
	h.svc.SetBroadcaster(b)
	live, _ := b.Subscribe(t.Context(), "")

	key := testKey(t)
	h.svc.Handle(context.Background(), &Inbound{Key: key, Text: "hi", EventID: "evt-1"})
	h.llm.errs = []error{completion.ErrTimeout, completion.ErrTimeout, completion.ErrTimeout}
	h.send(t, key, "fails")
	h.send(t, key, "/search")

	rows := ledger.Dispatches()
	require.Len(t, rows, 3)

	assert.Equal(t, "evt-1", rows[0].EventID)
	assert.Equal(t, "telegram", rows[0].Platform)
	assert.Equal(t, key.String(), rows[0].ConversationKey)
	assert.Equal(t, "chat", rows[0].Command)
	assert.Equal(t, store.OutcomeReply, rows[0].Outcome)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.NotEmpty(t, rows[0].ID)

	assert.Equal(t, store.OutcomeError, rows[1].Outcome)
	assert.Equal(t, "timeout", rows[1].ErrorKind)
	assert.Equal(t, 3, rows[1].Attempts)

	assert.Equal(t, "search", rows[2].Command)
	assert.Equal(t, 0, rows[2].Attempts)

	assert.Equal(t, rows[0].ID, receive(t, live).ID)
}

func TestHandle_EndDeletesSession(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	ledger := store.NewMockStore()
	h.svc.SetRecorder(ledger)
	key := testKey(t)

	h.send(t, key, "/prompt Speak like a pirate.")
	h.send(t, key, "hi")

	out := h.svc.Handle(context.Background(), &Inbound{Type: EventEnd, Key: key, EventID: "evt-end"})
	assert.Equal(t, KindReply, out.Kind)
	assert.Equal(t, replyEnded, out.Text)
	_, ok := h.sessions.Peek(key)
	assert.False(t, ok)

	rows := ledger.Dispatches()
	require.Len(t, rows, 3)
	assert.Equal(t, "end", rows[2].Command)
	assert.Equal(t, "evt-end", rows[2].EventID)
	assert.Equal(t, store.OutcomeReply, rows[2].Outcome)

	h.send(t, key, "hello again")
	calls := h.llm.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, defaultPrompt, last.systemPrompt)
	assert.Len(t, last.history, 1, "a returning user starts over")
}

func TestHandle_EndWithoutSession(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	out := h.svc.Handle(context.Background(), &Inbound{Type: EventEnd, Key: testKey(t)})
	assert.Equal(t, KindReply, out.Kind)
	assert.Equal(t, replyEnded, out.Text)
	assert.Equal(t, 0, h.sessions.Len())
}

func TestHandle_EndInvalidKey(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	out := h.svc.Handle(context.Background(), &Inbound{Type: EventEnd})
	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, replyInvalidRequest, out.Text)
}

func TestHandle_RecorderFailureDoesNotAffectReply(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{})
	ledger := store.NewMockStore()
	ledger.RecordErr = errors.New("disk full")
	h.svc.SetRecorder(ledger)

	out := h.send(t, testKey(t), "hi")
	assert.Equal(t, KindReply, out.Kind)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(40))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Backoff(3))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestOutboundChunks(t *testing.T) {
	out := &Outbound{Text: "short"}
	assert.Equal(t, []string{"short"}, out.Chunks(10))

	long := &Outbound{Text: strings.Repeat("x", 25)}
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, long.Chunks(10))

	lines := &Outbound{Text: "line one\nline two\nline three"}
	chunks := lines.Chunks(12)
	assert.Equal(t, "line one\n", chunks[0])
	assert.Equal(t, "line one\nline two\nline three", strings.Join(chunks, ""))

	runes := &Outbound{Text: strings.Repeat("é", 5)}
	assert.Equal(t, []string{"éé", "éé", "é"}, runes.Chunks(2))

	assert.Equal(t, 4096, MessageLimit(session.PlatformTelegram))
	assert.Equal(t, 2000, MessageLimit(session.PlatformDiscord))
}

func TestMaintenance_SweepEvictsIdle(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	h := newHarness(t, Config{IdleTTL: 10 * time.Minute}, session.Options{Now: now})
	h.svc.now = now

	h.send(t, testKey(t, "idle"), "hi")
	mu.Lock()
	clock = clock.Add(11 * time.Minute)
	mu.Unlock()
	h.send(t, testKey(t, "active"), "hi")

	assert.Equal(t, 1, h.svc.Sweep())
	_, ok := h.sessions.Peek(testKey(t, "idle"))
	assert.False(t, ok)
	assert.Equal(t, 1, h.sessions.Len())
}

func TestMaintenance_StartStop(t *testing.T) {
	h := newHarness(t, Config{IdleTTL: time.Nanosecond, EvictionInterval: 5 * time.Millisecond}, session.Options{})
	h.send(t, testKey(t), "hi")

	h.svc.Start(context.Background())
	h.svc.Start(context.Background())

	assert.Eventually(t, func() bool { return h.sessions.Len() == 0 }, time.Second, 5*time.Millisecond)

	h.svc.Stop()
	h.svc.Stop()
}
