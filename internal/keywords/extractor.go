package keywords

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/recall/internal/policy"
)

// ErrExtractionFailed marks any failure to produce a keyword annotation.
// Callers on the append path swallow it; it never reaches a window read.
var ErrExtractionFailed = errors.New("keyword extraction failed")

// Extractor turns message text into a primary-language and a
// secondary-language keyword bag.
type Extractor interface {
	Extract(ctx context.Context, text string) (primary, secondary []string, err error)
}

// Config controls extractor construction.
type Config struct {
	Mode          string
	HTTPURL       string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	RedactPII     bool
}

// Instruction is sent to AI-backed extractors. The reply must be a JSON object.
const Instruction = `Extract search keywords from the user's message.
Reply with a JSON object of the form {"primary": [...], "secondary": [...]}.
"primary" holds English keywords, "secondary" holds the same concepts in Chinese.
Use short lower-case nouns or noun phrases, at most 12 per list, no duplicates.`

// NewExtractor builds the extractor selected by cfg.Mode. Mode "off" returns a
// nil Extractor, which disables annotation.
func NewExtractor(cfg Config) (Extractor, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	var (
		ex  Extractor
		err error
	)
	switch mode {
	case "off":
		return nil, nil
	case "auto":
		ex = newAutoExtractor(cfg)
	case "openai":
		ex, err = NewOpenAIExtractor(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("extractor HTTP url is required for http mode")
		}
		ex = NewHTTPExtractor(cfg.HTTPURL)
	case "heuristic":
		ex = NewHeuristicExtractor()
	default:
		return nil, fmt.Errorf("unsupported extractor mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	// Local extraction never leaves the process, so redaction only wraps remote ones.
	if _, local := ex.(*HeuristicExtractor); cfg.RedactPII && !local {
		ex = NewRedactingExtractor(ex)
	}
	return ex, nil
}

func newAutoExtractor(cfg Config) Extractor {
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		if ex, err := NewOpenAIExtractor(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL); err == nil {
			return ex
		}
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		return NewHTTPExtractor(cfg.HTTPURL)
	}
	return NewHeuristicExtractor()
}

// RedactingExtractor masks PII before text is handed to the wrapped extractor.
type RedactingExtractor struct {
	next Extractor
}

func NewRedactingExtractor(next Extractor) *RedactingExtractor {
	return &RedactingExtractor{next: next}
}

func (r *RedactingExtractor) Extract(ctx context.Context, text string) ([]string, []string, error) {
	redacted, _ := policy.RedactPII(text)
	return r.next.Extract(ctx, redacted)
}

func failed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrExtractionFailed, fmt.Sprintf(format, args...))
}
