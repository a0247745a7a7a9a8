package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/history"
	"github.com/ent0n29/recall/internal/keywords"
)

type stubExtractor struct {
	mu      sync.Mutex
	calls   []string
	primary []string
	err     error
	release chan struct{}
	ctxErr  error
}

func (s *stubExtractor) Extract(ctx context.Context, text string) ([]string, []string, error) {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, text)
	s.ctxErr = ctx.Err()
	return s.primary, nil, s.err
}

func (s *stubExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type countingObserver struct {
	mu          sync.Mutex
	annotations map[string]int
	trimmed     int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{annotations: map[string]int{}}
}

func (c *countingObserver) ObserveAnnotation(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.annotations[result]++
}

func (c *countingObserver) ObserveTrim(removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimmed += removed
}

func (c *countingObserver) count(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.annotations[result]
}

func newConversation(t *testing.T, st history.Store) history.Conversation {
	t.Helper()
	conv, err := st.CreateConversation(context.Background(), history.Conversation{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	return conv
}

func closeRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestAppendAnnotatesInBackground(t *testing.T) {
	st := history.NewMemoryStore()
	conv := newConversation(t, st)
	obs := newCountingObserver()
	r := New(st, keywords.NewHeuristicExtractor(), Options{Observer: obs}, zerolog.Nop())

	msg, err := r.Append(context.Background(), conv.ID, history.RoleUser, "Buying bananas today", nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if msg.ID == "" {
		t.Fatalf("Append() returned message without id")
	}
	closeRecorder(t, r)

	got, err := st.KeywordFilteredNonSystem(context.Background(), conv.ID, []string{"bananas"}, history.MatchAny, 0)
	if err != nil {
		t.Fatalf("KeywordFilteredNonSystem() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("KeywordFilteredNonSystem() = %+v, want annotated message", got)
	}
	if obs.count(AnnotationOK) != 1 {
		t.Fatalf("ok annotations = %d, want 1", obs.count(AnnotationOK))
	}
}

func TestAppendSkipsSystemAnnotation(t *testing.T) {
	st := history.NewMemoryStore()
	conv := newConversation(t, st)
	ex := &stubExtractor{primary: []string{"x"}}
	r := New(st, ex, Options{}, zerolog.Nop())

	if _, err := r.Append(context.Background(), conv.ID, history.RoleSystem, "be terse", nil); err != nil {
		t.Fatalf("Append(system) error = %v", err)
	}
	closeRecorder(t, r)
	if ex.callCount() != 0 {
		t.Fatalf("extractor calls = %d, want 0 for system messages", ex.callCount())
	}
}

func TestAnnotationFailureNeverFailsAppend(t *testing.T) {
	st := history.NewMemoryStore()
	conv := newConversation(t, st)
	obs := newCountingObserver()
	ex := &stubExtractor{err: errors.New("gateway down")}

	var (
		mu      sync.Mutex
		hookErr error
	)
	r := New(st, ex, Options{
		Observer: obs,
		OnError: func(_ history.Message, err error) {
			mu.Lock()
			hookErr = err
			mu.Unlock()
		},
	}, zerolog.Nop())

	msg, err := r.Append(context.Background(), conv.ID, history.RoleUser, "bananas", nil)
	if err != nil {
		t.Fatalf("Append() error = %v, want nil despite extractor failure", err)
	}
	closeRecorder(t, r)

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(hookErr, keywords.ErrExtractionFailed) {
		t.Fatalf("OnError err = %v, want ErrExtractionFailed", hookErr)
	}
	if obs.count(AnnotationFailed) != 1 {
		t.Fatalf("failed annotations = %d, want 1", obs.count(AnnotationFailed))
	}
	got, err := st.KeywordFilteredNonSystem(context.Background(), conv.ID, []string{"bananas"}, history.MatchAny, 0)
	if err != nil {
		t.Fatalf("KeywordFilteredNonSystem() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("failed message %s matched keywords: %+v", msg.ID, got)
	}
}

func TestAnnotationOutlivesRequestContext(t *testing.T) {
	st := history.NewMemoryStore()
	conv := newConversation(t, st)
	ex := &stubExtractor{primary: []string{"later"}, release: make(chan struct{})}
	r := New(st, ex, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := r.Append(ctx, conv.ID, history.RoleUser, "hello", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	cancel()
	close(ex.release)
	closeRecorder(t, r)

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.ctxErr != nil {
		t.Fatalf("extractor ctx err = %v, want detached context", ex.ctxErr)
	}
}

func TestAnnotationDroppedWhenSaturated(t *testing.T) {
	st := history.NewMemoryStore()
	conv := newConversation(t, st)
	obs := newCountingObserver()
	ex := &stubExtractor{primary: []string{"x"}, release: make(chan struct{})}
	r := New(st, ex, Options{Concurrency: 1, Observer: obs}, zerolog.Nop())

	if _, err := r.Append(context.Background(), conv.ID, history.RoleUser, "first", nil); err != nil {
		t.Fatalf("Append(first) error = %v", err)
	}
	if _, err := r.Append(context.Background(), conv.ID, history.RoleUser, "second", nil); err != nil {
		t.Fatalf("Append(second) error = %v", err)
	}
	if obs.count(AnnotationDropped) != 1 {
		t.Fatalf("dropped annotations = %d, want 1", obs.count(AnnotationDropped))
	}
	close(ex.release)
	closeRecorder(t, r)
	if ex.callCount() != 1 {
		t.Fatalf("extractor calls = %d, want 1", ex.callCount())
	}
}

func TestAppendTrimsToRetention(t *testing.T) {
	st := history.NewMemoryStore()
	conv := newConversation(t, st)
	obs := newCountingObserver()
	r := New(st, nil, Options{Retention: config.RetentionPolicy{MaxMessages: 2, AnalysisWindowSize: 2}, Observer: obs}, zerolog.Nop())

	for _, c := range []string{"m1", "m2", "m3", "m4"} {
		if _, err := r.Append(context.Background(), conv.ID, history.RoleUser, c, nil); err != nil {
			t.Fatalf("Append(%q) error = %v", c, err)
		}
	}
	closeRecorder(t, r)

	got, err := st.RecentNonSystem(context.Background(), conv.ID, 0)
	if err != nil {
		t.Fatalf("RecentNonSystem() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "m3" || got[1].Content != "m4" {
		t.Fatalf("retained = %+v, want m3, m4", got)
	}
	if obs.trimmed != 2 {
		t.Fatalf("trimmed = %d, want 2", obs.trimmed)
	}
}

func TestAppendValidation(t *testing.T) {
	st := history.NewMemoryStore()
	conv := newConversation(t, st)
	r := New(st, nil, Options{}, zerolog.Nop())
	ctx := context.Background()

	if _, err := r.Append(ctx, conv.ID, history.Role("robot"), "hi", nil); !errors.Is(err, history.ErrInvalidRole) {
		t.Fatalf("Append(robot) error = %v, want ErrInvalidRole", err)
	}
	if _, err := r.Append(ctx, conv.ID, history.RoleUser, "   ", nil); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("Append(blank) error = %v, want ErrEmptyContent", err)
	}
	if _, err := r.Append(ctx, "missing", history.RoleUser, "hi", nil); !errors.Is(err, history.ErrConversationNotFound) {
		t.Fatalf("Append(missing) error = %v, want ErrConversationNotFound", err)
	}
}

func TestCloseDropsLateAnnotations(t *testing.T) {
	st := history.NewMemoryStore()
	conv := newConversation(t, st)
	obs := newCountingObserver()
	ex := &stubExtractor{primary: []string{"x"}}
	r := New(st, ex, Options{Observer: obs}, zerolog.Nop())
	closeRecorder(t, r)

	if _, err := r.Append(context.Background(), conv.ID, history.RoleUser, "after close", nil); err != nil {
		t.Fatalf("Append() after Close error = %v", err)
	}
	if obs.count(AnnotationDropped) != 1 || ex.callCount() != 0 {
		t.Fatalf("dropped = %d calls = %d, want 1 and 0", obs.count(AnnotationDropped), ex.callCount())
	}
}
