package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
	"github.com/zhangyuhan0377/zyh.ai/internal/provider"
	"github.com/zhangyuhan0377/zyh.ai/internal/quota"
	"github.com/zhangyuhan0377/zyh.ai/internal/store"
)

type scriptedStream struct {
	deltas []provider.Delta
	index  int
	err    error
	closed bool
}

func (s *scriptedStream) Recv() (provider.Delta, error) {
	if s.index < len(s.deltas) {
		delta := s.deltas[s.index]
		s.index++
		return delta, nil
	}
	if s.err != nil {
		return provider.Delta{}, s.err
	}
	return provider.Delta{}, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type fakeCompletions struct {
	calls  int
	stream provider.Stream
	err    error
}

func (f *fakeCompletions) Generate(ctx context.Context, req provider.GenerateRequest) (provider.Stream, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type fakeTitles struct {
	calls int
	title string
	err   error
}

func (f *fakeTitles) Summarize(ctx context.Context, text string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.title, nil
}

type recordingArchiver struct {
	traces []GenerationTrace
}

func (a *recordingArchiver) SaveTrace(ctx context.Context, trace GenerationTrace) error {
	a.traces = append(a.traces, trace)
	return nil
}

// syncScheduler runs scheduled tasks inline so tests observe their effects
// deterministically.
type syncScheduler struct {
	names []string
	errs  []error
}

func (s *syncScheduler) Schedule(name string, fn func(context.Context) error) {
	s.names = append(s.names, name)
	s.errs = append(s.errs, fn(context.Background()))
}

func (s *syncScheduler) failures(t *testing.T) []error {
	t.Helper()
	var failed []error
	for i, err := range s.errs {
		if err != nil {
			failed = append(failed, errors.New(s.names[i]+": "+err.Error()))
		}
	}
	return failed
}

type collectingSink struct {
	chunks  []string
	failAt  int
	failErr error
}

func (s *collectingSink) Send(content string) error {
	if s.failErr != nil && len(s.chunks) >= s.failAt {
		return s.failErr
	}
	s.chunks = append(s.chunks, content)
	return nil
}

func (s *collectingSink) content() string {
	return strings.Join(s.chunks, "")
}

type fixture struct {
	store       *store.MemoryStore
	ledger      *quota.Ledger
	scheduler   *syncScheduler
	completions *fakeCompletions
	titles      *fakeTitles
	archiver    *recordingArchiver
	orch        *Orchestrator
}

func newFixture(t *testing.T, limit int, stream provider.Stream) *fixture {
	t.Helper()

	f := &fixture{
		store:       store.NewMemoryStore(),
		scheduler:   &syncScheduler{},
		completions: &fakeCompletions{stream: stream},
		titles:      &fakeTitles{title: "Summarized Title"},
		archiver:    &recordingArchiver{},
	}
	f.ledger = quota.NewLedger(quota.NewMemoryCounter(), quota.NewStaticEntitlements(nil), limit, limit, zap.NewNop().Sugar())
	f.orch = NewOrchestrator(OrchestratorConfig{
		Store:       f.store,
		Ledger:      f.ledger,
		Scheduler:   f.scheduler,
		Completions: f.completions,
		Titles:      f.titles,
		Archiver:    f.archiver,
		Logger:      zap.NewNop().Sugar(),
	})
	return f
}

func helloStream() *scriptedStream {
	return &scriptedStream{deltas: []provider.Delta{
		{ID: "cmpl-1", Content: "Hel"},
		{ID: "cmpl-1", Content: "lo"},
		{ID: "cmpl-1", FinishReason: "stop", Usage: &provider.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9}},
	}}
}

func userRequest(conversationID, turnID, text string) TurnRequest {
	return TurnRequest{
		ConversationID: conversationID,
		Turns:          []models.Turn{models.TextTurn(turnID, conversationID, models.RoleUser, text)},
	}
}

func TestFreshConversationTurn(t *testing.T) {
	f := newFixture(t, 5, helloStream())
	ctx := context.Background()
	sink := &collectingSink{}

	result, err := f.orch.ProcessTurn(ctx, "alice", userRequest("c1", "m1", "hello"), sink)
	if err != nil {
		t.Fatalf("process turn returned error: %v", err)
	}
	if failed := f.scheduler.failures(t); len(failed) > 0 {
		t.Fatalf("background tasks failed: %v", failed)
	}

	if sink.content() != "Hello" {
		t.Fatalf("expected streamed content %q, got %q", "Hello", sink.content())
	}

	conv, err := f.store.Get(ctx, "c1", "alice")
	if err != nil || conv == nil {
		t.Fatalf("conversation c1 was not persisted: %v", err)
	}
	if conv.Title != "Summarized Title" {
		t.Fatalf("expected summarized title overwrite, got %q", conv.Title)
	}

	turns, err := f.store.Turns(ctx, "c1")
	if err != nil {
		t.Fatalf("list turns returned error: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected user + assistant turn, got %d", len(turns))
	}
	if turns[0].ID != "m1" || turns[0].Role != models.RoleUser {
		t.Fatalf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Role != models.RoleAssistant || turns[1].Text() != "Hello" {
		t.Fatalf("unexpected assistant turn: %+v", turns[1])
	}
	if result.AssistantTurn.ID != "cmpl-1" {
		t.Fatalf("expected provider-generated assistant turn id, got %q", result.AssistantTurn.ID)
	}

	decision := f.ledger.CheckRemaining(ctx, "alice")
	if decision.Remaining != 4 {
		t.Fatalf("expected remaining 4 after one turn, got %+v", decision)
	}

	if len(f.archiver.traces) != 1 || f.archiver.traces[0].Content != "Hello" {
		t.Fatalf("expected one archived trace, got %+v", f.archiver.traces)
	}
	if usage := f.archiver.traces[0].Usage; usage == nil || usage.TotalTokens != 9 {
		t.Fatalf("expected provider token usage in trace, got %+v", usage)
	}
}

func TestExhaustedQuotaRejectsBeforeGeneration(t *testing.T) {
	f := newFixture(t, 1, helloStream())
	ctx := context.Background()

	if _, err := f.ledger.Reserve(ctx, "alice", 1); err != nil {
		t.Fatalf("seed reserve returned error: %v", err)
	}

	_, err := f.orch.ProcessTurn(ctx, "alice", userRequest("c1", "m1", "hello"), &collectingSink{})

	var streamErr *StreamError
	if !errors.As(err, &streamErr) || streamErr.Type != ErrorTypeUsageLimit {
		t.Fatalf("expected USAGE_LIMIT error, got %v", err)
	}
	if streamErr.Message != "Monthly message limit exceeded" {
		t.Fatalf("unexpected message %q", streamErr.Message)
	}
	if streamErr.Decision == nil || streamErr.Decision.Remaining != 0 || streamErr.Decision.Limit != 1 {
		t.Fatalf("expected full ledger snapshot, got %+v", streamErr.Decision)
	}

	if f.completions.calls != 0 {
		t.Fatalf("generation must not be attempted, got %d calls", f.completions.calls)
	}
	if len(f.scheduler.names) != 0 {
		t.Fatalf("no tasks may be scheduled on rejection, got %v", f.scheduler.names)
	}
	if conv, _ := f.store.Lookup(ctx, "c1"); conv != nil {
		t.Fatalf("conversation persisted despite rejection")
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	f := newFixture(t, 5, helloStream())

	if _, err := f.orch.ProcessTurn(context.Background(), "", userRequest("c1", "m1", "hi"), &collectingSink{}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if f.completions.calls != 0 {
		t.Fatalf("unauthenticated request reached generation")
	}
}

func TestForeignConversationFailsClosed(t *testing.T) {
	f := newFixture(t, 5, helloStream())
	ctx := context.Background()

	if err := f.store.Create(ctx, models.Conversation{ID: "c1", OwnerID: "bob"}); err != nil {
		t.Fatalf("seed create returned error: %v", err)
	}

	if _, err := f.orch.ProcessTurn(ctx, "alice", userRequest("c1", "m1", "hi"), &collectingSink{}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if f.completions.calls != 0 {
		t.Fatalf("foreign conversation reached generation")
	}
}

func TestResendTruncatesStaleAssistantTurn(t *testing.T) {
	f := newFixture(t, 5, helloStream())
	ctx := context.Background()

	if err := f.store.Create(ctx, models.Conversation{ID: "c2", OwnerID: "alice", Title: "seeded"}); err != nil {
		t.Fatalf("seed create returned error: %v", err)
	}
	if err := f.store.AppendTurn(ctx, "c2", models.TextTurn("m2", "c2", models.RoleUser, "hello")); err != nil {
		t.Fatalf("seed user turn returned error: %v", err)
	}
	if err := f.store.AppendTurn(ctx, "c2", models.TextTurn("a2", "c2", models.RoleAssistant, "stale partial")); err != nil {
		t.Fatalf("seed stale turn returned error: %v", err)
	}

	_, err := f.orch.ProcessTurn(ctx, "alice", userRequest("c2", "m2", "hello"), &collectingSink{})
	if err != nil {
		t.Fatalf("process turn returned error: %v", err)
	}
	if failed := f.scheduler.failures(t); len(failed) > 0 {
		t.Fatalf("background tasks failed: %v", failed)
	}

	turns, err := f.store.Turns(ctx, "c2")
	if err != nil {
		t.Fatalf("list turns returned error: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected exactly user + fresh assistant turn, got %+v", turns)
	}
	if turns[0].ID != "m2" || turns[0].Role != models.RoleUser {
		t.Fatalf("user turn m2 missing or reordered: %+v", turns[0])
	}
	if turns[1].ID == "a2" || turns[1].Text() != "Hello" {
		t.Fatalf("stale assistant turn survived: %+v", turns[1])
	}
}

func TestResendTwiceKeepsSingleUserTurn(t *testing.T) {
	f := newFixture(t, 5, helloStream())
	ctx := context.Background()

	req := userRequest("c1", "m1", "hello")
	if _, err := f.orch.ProcessTurn(ctx, "alice", req, &collectingSink{}); err != nil {
		t.Fatalf("first process returned error: %v", err)
	}

	f.completions.stream = helloStream()
	if _, err := f.orch.ProcessTurn(ctx, "alice", req, &collectingSink{}); err != nil {
		t.Fatalf("second process returned error: %v", err)
	}
	if failed := f.scheduler.failures(t); len(failed) > 0 {
		t.Fatalf("background tasks failed: %v", failed)
	}

	turns, err := f.store.Turns(ctx, "c1")
	if err != nil {
		t.Fatalf("list turns returned error: %v", err)
	}

	users := 0
	assistants := 0
	for _, turn := range turns {
		switch turn.Role {
		case models.RoleUser:
			users++
			if turn.ID != "m1" {
				t.Fatalf("unexpected user turn id %q", turn.ID)
			}
		case models.RoleAssistant:
			assistants++
		}
	}
	if users != 1 {
		t.Fatalf("expected exactly one stored user turn, got %d", users)
	}
	if assistants > 1 {
		t.Fatalf("expected at most one assistant turn after resend, got %d", assistants)
	}
}

func TestClientDisconnectDiscardsPartialTurn(t *testing.T) {
	f := newFixture(t, 5, helloStream())
	ctx := context.Background()

	if err := f.store.Create(ctx, models.Conversation{ID: "c1", OwnerID: "alice"}); err != nil {
		t.Fatalf("seed create returned error: %v", err)
	}

	sink := &collectingSink{failAt: 1, failErr: errors.New("connection reset")}
	_, err := f.orch.ProcessTurn(ctx, "alice", userRequest("c1", "m1", "hello"), sink)
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("expected ErrClientGone, got %v", err)
	}

	turns, listErr := f.store.Turns(ctx, "c1")
	if listErr != nil {
		t.Fatalf("list turns returned error: %v", listErr)
	}
	for _, turn := range turns {
		if turn.Role == models.RoleAssistant {
			t.Fatalf("partial assistant turn was persisted: %+v", turn)
		}
	}

	if decision := f.ledger.CheckRemaining(ctx, "alice"); decision.CurrentUsage != 0 {
		t.Fatalf("cancelled generation must not be charged: %+v", decision)
	}
}

func TestProviderFailureBeforeTokens(t *testing.T) {
	f := newFixture(t, 5, nil)
	f.completions.err = errors.New("upstream unavailable")
	ctx := context.Background()

	if err := f.store.Create(ctx, models.Conversation{ID: "c1", OwnerID: "alice"}); err != nil {
		t.Fatalf("seed create returned error: %v", err)
	}

	_, err := f.orch.ProcessTurn(ctx, "alice", userRequest("c1", "m1", "hello"), &collectingSink{})

	var streamErr *StreamError
	if !errors.As(err, &streamErr) || streamErr.Type != ErrorTypeStream {
		t.Fatalf("expected STREAM_ERROR, got %v", err)
	}

	turns, listErr := f.store.Turns(ctx, "c1")
	if listErr != nil {
		t.Fatalf("list turns returned error: %v", listErr)
	}
	for _, turn := range turns {
		if turn.Role == models.RoleAssistant {
			t.Fatalf("assistant turn persisted despite failed generation: %+v", turn)
		}
	}
	if decision := f.ledger.CheckRemaining(ctx, "alice"); decision.CurrentUsage != 0 {
		t.Fatalf("failed generation must not be charged: %+v", decision)
	}
}

func TestCreationConflictIsBenign(t *testing.T) {
	f := newFixture(t, 5, helloStream())
	ctx := context.Background()

	// Another request for the same owner wins the creation race after the
	// lookup already reported absence.
	if err := f.store.Create(ctx, models.Conversation{ID: "c1", OwnerID: "alice", Title: "winner"}); err != nil {
		t.Fatalf("seed create returned error: %v", err)
	}

	f.orch.scheduleConversationCreate("alice",
		userRequest("c1", "m1", "hello"),
		models.TextTurn("m1", "c1", models.RoleUser, "hello"))

	if failed := f.scheduler.failures(t); len(failed) > 0 {
		t.Fatalf("creation race must be benign, got %v", failed)
	}
	turns, _ := f.store.Turns(ctx, "c1")
	if len(turns) != 1 || turns[0].ID != "m1" {
		t.Fatalf("user turn not persisted after benign conflict: %+v", turns)
	}
}
