// Package recorder is the write path: it appends a message, enforces the
// retention cap and schedules best-effort keyword annotation.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/history"
	"github.com/ent0n29/recall/internal/keywords"
)

var ErrEmptyContent = errors.New("message content is empty")

// Annotation outcomes reported to the Observer.
const (
	AnnotationOK      = "ok"
	AnnotationEmpty   = "empty"
	AnnotationFailed  = "failed"
	AnnotationDropped = "dropped"
)

// Observer receives write-path telemetry.
type Observer interface {
	ObserveAnnotation(result string)
	ObserveTrim(removed int)
}

type Options struct {
	Retention         config.RetentionPolicy
	ExtractionTimeout time.Duration
	// Concurrency bounds in-flight annotations; extra ones are dropped.
	Concurrency int
	Observer    Observer
	// OnError is called for every failed annotation, after logging.
	OnError func(msg history.Message, err error)
}

type Recorder struct {
	store     history.Store
	extractor keywords.Extractor
	retention config.RetentionPolicy
	timeout   time.Duration
	sem       *semaphore.Weighted
	observer  Observer
	onError   func(history.Message, error)
	log       zerolog.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New returns a Recorder. A nil extractor disables annotation.
func New(store history.Store, extractor keywords.Extractor, opts Options, log zerolog.Logger) *Recorder {
	if opts.Retention.MaxMessages <= 0 {
		opts.Retention.MaxMessages = config.DefaultRetentionPolicy().MaxMessages
	}
	if opts.ExtractionTimeout <= 0 {
		opts.ExtractionTimeout = 20 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Recorder{
		store:     store,
		extractor: extractor,
		retention: opts.Retention,
		timeout:   opts.ExtractionTimeout,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		observer:  opts.Observer,
		onError:   opts.OnError,
		log:       log.With().Str("component", "recorder").Logger(),
	}
}

// Append stores the message and trims the conversation. Annotation runs in
// the background and never affects the result.
func (r *Recorder) Append(ctx context.Context, conversationID string, role history.Role, content string, metadata map[string]any) (history.Message, error) {
	role, err := history.ParseRole(string(role))
	if err != nil {
		return history.Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return history.Message{}, ErrEmptyContent
	}

	msg, err := r.store.AppendMessage(ctx, conversationID, role, content, metadata)
	if err != nil {
		return history.Message{}, err
	}

	// A failed trim is retried by the next append.
	removed, err := r.store.TrimRetain(ctx, conversationID, r.retention.MaxMessages)
	if err != nil {
		r.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("trim failed")
	} else if removed > 0 {
		r.observer.ObserveTrim(removed)
	}

	if role != history.RoleSystem && r.extractor != nil {
		r.annotate(ctx, msg)
	}
	return msg, nil
}

func (r *Recorder) annotate(ctx context.Context, msg history.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.drop(msg, "recorder closed")
		return
	}
	if !r.sem.TryAcquire(1) {
		r.drop(msg, "annotation queue full")
		return
	}
	r.inflight.Add(1)

	detached := context.WithoutCancel(ctx)
	go func() {
		defer r.inflight.Done()
		defer r.sem.Release(1)
		actx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		r.run(actx, msg)
	}()
}

func (r *Recorder) run(ctx context.Context, msg history.Message) {
	primary, secondary, err := r.extractor.Extract(ctx, msg.Content)
	if err != nil {
		if !errors.Is(err, keywords.ErrExtractionFailed) {
			err = fmt.Errorf("%w: %w", keywords.ErrExtractionFailed, err)
		}
		r.failed(msg, err)
		return
	}

	kw := history.NewKeywords(primary, secondary)
	if kw.Empty() {
		r.observer.ObserveAnnotation(AnnotationEmpty)
		return
	}
	if err := r.store.SetKeywords(ctx, msg.ID, kw); err != nil {
		r.failed(msg, fmt.Errorf("store annotation: %w", err))
		return
	}
	r.observer.ObserveAnnotation(AnnotationOK)
	r.log.Debug().Str("message_id", msg.ID).Int("keywords", len(kw.Primary)+len(kw.Secondary)).Msg("message annotated")
}

func (r *Recorder) failed(msg history.Message, err error) {
	r.observer.ObserveAnnotation(AnnotationFailed)
	r.log.Warn().Err(err).Str("message_id", msg.ID).Str("conversation_id", msg.ConversationID).Msg("annotation failed")
	if r.onError != nil {
		r.onError(msg, err)
	}
}

func (r *Recorder) drop(msg history.Message, reason string) {
	r.observer.ObserveAnnotation(AnnotationDropped)
	r.log.Warn().Str("message_id", msg.ID).Str("reason", reason).Msg("annotation dropped")
}

// Close stops accepting annotations and waits for in-flight ones until ctx
// ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopObserver struct{}

func (nopObserver) ObserveAnnotation(string) {}
func (nopObserver) ObserveTrim(int)          {}
