package retrieval

import "errors"

// Scope names which entry point served a window.
type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeUser         Scope = "user"
)

// Path names how a window was resolved.
type Path string

const (
	PathRecency         Path = "recency"
	PathKeywordDensity  Path = "keyword_density"
	PathSimilarityPivot Path = "similarity_pivot"
	PathRecencyFallback Path = "recency_fallback"
	PathEmpty           Path = "empty"
)

const (
	KindNotFound         = "not_found"
	KindInvalidArgument  = "invalid_argument"
	KindStoreUnavailable = "store_unavailable"
	KindInternal         = "internal"
)

// Observer receives one report per engine call.
type Observer interface {
	ObserveWindow(scope Scope, path Path, messages int)
	ObserveError(scope Scope, kind string)
}

type nopObserver struct{}

func (nopObserver) ObserveWindow(Scope, Path, int) {}
func (nopObserver) ObserveError(Scope, string)     {}

// ErrorKind classifies an engine error for metrics and transports.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}
