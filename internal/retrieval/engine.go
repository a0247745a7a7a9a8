// Package retrieval builds the bounded message windows handed back to an AI
// model: a recency window and a keyword-relevance window, scoped to one
// conversation or to all of a user's conversations.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/history"
	"github.com/ent0n29/recall/internal/keywords"
	"github.com/ent0n29/recall/internal/textsim"
	"github.com/ent0n29/recall/internal/window"
)

var (
	ErrNotFound         = errors.New("conversation not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrStoreUnavailable = errors.New("message store unavailable")
)

const (
	DefaultSimilarityThreshold = 0.3
	DefaultOverfetchFactor     = 4
)

// Options tunes an Engine. Zero retention fields and a factor below one take
// the defaults; a threshold outside [0, 1] takes DefaultSimilarityThreshold.
type Options struct {
	Retention           config.RetentionPolicy
	SimilarityThreshold float64
	OverfetchFactor     int
	Observer            Observer
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		Retention:           config.DefaultRetentionPolicy(),
		SimilarityThreshold: DefaultSimilarityThreshold,
		OverfetchFactor:     DefaultOverfetchFactor,
	}
}

// Engine resolves windows against a history.Store. It holds no mutable state
// and is safe for concurrent use.
type Engine struct {
	store     history.Store
	retention config.RetentionPolicy
	threshold float64
	factor    int
	observer  Observer
	log       zerolog.Logger
}

func New(store history.Store, opts Options, log zerolog.Logger) *Engine {
	def := config.DefaultRetentionPolicy()
	if opts.Retention.MaxMessages <= 0 {
		opts.Retention.MaxMessages = def.MaxMessages
	}
	if opts.Retention.AnalysisWindowSize <= 0 {
		opts.Retention.AnalysisWindowSize = def.AnalysisWindowSize
	}
	if opts.SimilarityThreshold < 0 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.OverfetchFactor < 1 {
		opts.OverfetchFactor = DefaultOverfetchFactor
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Engine{
		store:     store,
		retention: opts.Retention,
		threshold: opts.SimilarityThreshold,
		factor:    opts.OverfetchFactor,
		observer:  opts.Observer,
		log:       log.With().Str("component", "retrieval").Logger(),
	}
}

// RecentWindow returns the newest limit non-system messages, oldest first,
// optionally preceded by the conversation's current system content. A zero
// limit uses the analysis window size.
func (e *Engine) RecentWindow(ctx context.Context, conversationID string, limit int, includeSystem bool) ([]history.Message, error) {
	limit, err := e.resolveLimit(limit)
	if err != nil {
		return nil, e.fail(ScopeConversation, err)
	}
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, e.fail(ScopeConversation, err)
	}
	out, err := e.recent(ctx, conv, limit, includeSystem)
	if err != nil {
		return nil, e.fail(ScopeConversation, err)
	}
	return e.done(ScopeConversation, PathRecency, out), nil
}

// KeywordWindow returns the limit-sized span of the conversation that holds
// the most messages annotated with keywords. Empty keywords or no match fall
// back to RecentWindow.
func (e *Engine) KeywordWindow(ctx context.Context, conversationID string, kws []string, includeSystem bool, limit int, mode history.MatchMode) ([]history.Message, error) {
	limit, err := e.resolveLimit(limit)
	if err != nil {
		return nil, e.fail(ScopeConversation, err)
	}
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, e.fail(ScopeConversation, err)
	}

	query := keywords.Normalize(kws)
	if len(query) == 0 {
		out, err := e.recent(ctx, conv, limit, includeSystem)
		if err != nil {
			return nil, e.fail(ScopeConversation, err)
		}
		return e.done(ScopeConversation, PathRecency, out), nil
	}

	fetch := minInt(e.overfetch(limit), e.retention.MaxMessages)
	matches, err := e.store.KeywordFilteredNonSystem(ctx, conv.ID, query, mode, fetch)
	if err != nil {
		return nil, e.fail(ScopeConversation, storeErr("keyword filter", err))
	}
	out, path, err := e.densest(ctx, conv, matches, limit, includeSystem)
	if err != nil {
		return nil, e.fail(ScopeConversation, err)
	}
	return e.done(ScopeConversation, path, out), nil
}

// KeywordWindowByUser searches every active conversation of userID. The
// conversation holding the newest match becomes the pivot and its densest
// span is returned. With no annotated match the user's most recent
// conversation is searched lexically and the best-scoring message anchors
// the window; failing that its recency window is returned. A user without
// conversations gets an empty result.
func (e *Engine) KeywordWindowByUser(ctx context.Context, userID string, kws []string, includeSystem bool, limit int, mode history.MatchMode) ([]history.Message, error) {
	limit, err := e.resolveLimit(limit)
	if err != nil {
		return nil, e.fail(ScopeUser, err)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, e.fail(ScopeUser, fmt.Errorf("%w: user id is required", ErrInvalidArgument))
	}

	query := keywords.Normalize(kws)
	if len(query) == 0 {
		conv, err := e.latestConversation(ctx, userID)
		if err != nil {
			return nil, e.fail(ScopeUser, err)
		}
		if conv == nil {
			return e.done(ScopeUser, PathEmpty, nil), nil
		}
		out, err := e.recent(ctx, *conv, limit, includeSystem)
		if err != nil {
			return nil, e.fail(ScopeUser, err)
		}
		return e.done(ScopeUser, PathRecency, out), nil
	}

	matches, err := e.store.KeywordFilteredNonSystemByUser(ctx, userID, query, mode, e.overfetch(limit))
	if err != nil {
		return nil, e.fail(ScopeUser, storeErr("user keyword filter", err))
	}

	if len(matches) == 0 {
		conv, err := e.latestConversation(ctx, userID)
		if err != nil {
			return nil, e.fail(ScopeUser, err)
		}
		if conv == nil {
			return e.done(ScopeUser, PathEmpty, nil), nil
		}
		out, path, err := e.similar(ctx, *conv, query, limit, includeSystem)
		if err != nil {
			return nil, e.fail(ScopeUser, err)
		}
		return e.done(ScopeUser, path, out), nil
	}

	pivotID := matches[len(matches)-1].ConversationID
	conv, err := e.conversation(ctx, pivotID)
	if errors.Is(err, ErrNotFound) {
		// Deleted between the filter and this read.
		return e.done(ScopeUser, PathEmpty, nil), nil
	}
	if err != nil {
		return nil, e.fail(ScopeUser, err)
	}
	out, path, err := e.densest(ctx, conv, matches, limit, includeSystem)
	if err != nil {
		return nil, e.fail(ScopeUser, err)
	}
	return e.done(ScopeUser, path, out), nil
}

// densest positions the matches that belong to conv inside its message list
// and slices the densest span, falling back to recency when none resolve.
func (e *Engine) densest(ctx context.Context, conv history.Conversation, matches []history.Message, limit int, includeSystem bool) ([]history.Message, Path, error) {
	if len(matches) == 0 {
		out, err := e.recent(ctx, conv, limit, includeSystem)
		return out, PathRecencyFallback, err
	}

	all, err := e.store.RecentNonSystem(ctx, conv.ID, e.retention.MaxMessages)
	if err != nil {
		return nil, "", storeErr("message list", err)
	}
	wanted := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if m.ConversationID == conv.ID {
			wanted[m.ID] = struct{}{}
		}
	}
	positions := make([]int, 0, len(wanted))
	for i, m := range all {
		if _, ok := wanted[m.ID]; ok {
			positions = append(positions, i)
		}
	}
	if len(positions) == 0 {
		out, err := e.recent(ctx, conv, limit, includeSystem)
		return out, PathRecencyFallback, err
	}

	span := window.Select(positions, len(all), limit)
	e.log.Debug().
		Str("conversation_id", conv.ID).
		Int("matches", len(positions)).
		Int("hits", window.Hits(positions, span)).
		Int("span", span.End-span.Start).
		Msg("densest span selected")
	out, err := e.withSystem(ctx, conv, all[span.Start:span.End], includeSystem)
	return out, PathKeywordDensity, err
}

// similar anchors a window on the message lexically closest to query.
func (e *Engine) similar(ctx context.Context, conv history.Conversation, query []string, limit int, includeSystem bool) ([]history.Message, Path, error) {
	all, err := e.store.RecentNonSystem(ctx, conv.ID, e.retention.MaxMessages)
	if err != nil {
		return nil, "", storeErr("message list", err)
	}
	pivot := e.pivot(all, textsim.Tokenize(strings.Join(query, " ")))
	if pivot < 0 {
		out, err := e.recent(ctx, conv, limit, includeSystem)
		return out, PathRecencyFallback, err
	}
	span := window.Around(pivot, len(all), limit)
	e.log.Debug().Str("conversation_id", conv.ID).Int("pivot", pivot).Msg("similarity pivot selected")
	out, err := e.withSystem(ctx, conv, all[span.Start:span.End], includeSystem)
	return out, PathSimilarityPivot, err
}

// pivot returns the index of the best-scoring message at or above the
// threshold, the later one on ties, or -1. A zero score never qualifies.
func (e *Engine) pivot(all []history.Message, query textsim.TokenSet) int {
	best, bestScore := -1, 0.0
	for i, m := range all {
		score := textsim.Similarity(query, textsim.Tokenize(m.Content))
		if score <= 0 || score < e.threshold {
			continue
		}
		if best < 0 || score >= bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func (e *Engine) recent(ctx context.Context, conv history.Conversation, limit int, includeSystem bool) ([]history.Message, error) {
	var (
		items []history.Message
		sys   *history.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = e.store.RecentNonSystem(gctx, conv.ID, limit)
		if err != nil {
			return storeErr("recent messages", err)
		}
		return nil
	})
	if includeSystem {
		g.Go(func() error {
			var err error
			sys, err = e.store.LatestSystemMessage(gctx, conv.ID)
			if err != nil {
				return storeErr("system message", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if !includeSystem {
		return items, nil
	}
	return prepend(systemMessage(conv, sys), items), nil
}

func (e *Engine) withSystem(ctx context.Context, conv history.Conversation, items []history.Message, includeSystem bool) ([]history.Message, error) {
	out := append([]history.Message(nil), items...)
	if !includeSystem {
		return out, nil
	}
	sys, err := e.store.LatestSystemMessage(ctx, conv.ID)
	if err != nil {
		return nil, storeErr("system message", err)
	}
	return prepend(systemMessage(conv, sys), out), nil
}

// systemMessage resolves the current system content: the newest system-role
// message, else the conversation prompt stamped with the conversation's
// creation time. It returns nil when there is no content.
func systemMessage(conv history.Conversation, latest *history.Message) *history.Message {
	if latest != nil && latest.Content != "" {
		return &history.Message{
			ID:             latest.ID,
			ConversationID: conv.ID,
			Role:           history.RoleSystem,
			Content:        latest.Content,
			CreatedAt:      latest.CreatedAt,
		}
	}
	if conv.SystemPrompt == "" {
		return nil
	}
	return &history.Message{
		ConversationID: conv.ID,
		Role:           history.RoleSystem,
		Content:        conv.SystemPrompt,
		CreatedAt:      conv.CreatedAt,
	}
}

func prepend(sys *history.Message, items []history.Message) []history.Message {
	if sys == nil {
		return items
	}
	out := make([]history.Message, 0, len(items)+1)
	out = append(out, *sys)
	return append(out, items...)
}

func (e *Engine) resolveLimit(limit int) (int, error) {
	if limit < 0 {
		return 0, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, limit)
	}
	if limit == 0 {
		return e.retention.AnalysisWindowSize, nil
	}
	return limit, nil
}

// overfetch scales a positive limit by the over-fetch factor, saturating at
// math.MaxInt.
func (e *Engine) overfetch(limit int) int {
	if limit > math.MaxInt/e.factor {
		return math.MaxInt
	}
	return limit * e.factor
}

func (e *Engine) conversation(ctx context.Context, id string) (history.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return history.Conversation{}, fmt.Errorf("%w: conversation id is required", ErrInvalidArgument)
	}
	conv, err := e.store.GetConversation(ctx, id)
	if errors.Is(err, history.ErrConversationNotFound) {
		return history.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return history.Conversation{}, storeErr("get conversation", err)
	}
	return conv, nil
}

func (e *Engine) latestConversation(ctx context.Context, userID string) (*history.Conversation, error) {
	conv, err := e.store.MostRecentConversationForUser(ctx, userID)
	if err != nil {
		return nil, storeErr("most recent conversation", err)
	}
	return conv, nil
}

func (e *Engine) done(scope Scope, path Path, out []history.Message) []history.Message {
	e.observer.ObserveWindow(scope, path, len(out))
	e.log.Debug().Str("scope", string(scope)).Str("path", string(path)).Int("messages", len(out)).Msg("window resolved")
	return out
}

func (e *Engine) fail(scope Scope, err error) error {
	kind := ErrorKind(err)
	e.observer.ObserveError(scope, kind)
	if kind == KindStoreUnavailable {
		e.log.Warn().Err(err).Str("scope", string(scope)).Msg("window read failed")
	}
	return err
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
