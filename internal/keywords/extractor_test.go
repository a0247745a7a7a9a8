package keywords

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestParseKeywordJSON(t *testing.T) {
	tests := []struct {
		name          string
		in            string
		wantPrimary   []string
		wantSecondary []string
	}{
		{
			name:          "plain object",
			in:            `{"primary":["Bananas","fruit"],"secondary":["香蕉"]}`,
			wantPrimary:   []string{"bananas", "fruit"},
			wantSecondary: []string{"香蕉"},
		},
		{
			name:        "fenced with prose",
			in:          "Sure!\n```json\n{\"primary\": [\"Red Apples\"]}\n```",
			wantPrimary: []string{"red apples"},
		},
		{
			name:        "keywords alias",
			in:          `{"keywords":["grapes"," Grapes "]}`,
			wantPrimary: []string{"grapes"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, secondary, err := ParseKeywordJSON(tt.in)
			if err != nil {
				t.Fatalf("ParseKeywordJSON() error = %v", err)
			}
			if !reflect.DeepEqual(primary, tt.wantPrimary) {
				t.Fatalf("primary = %q, want %q", primary, tt.wantPrimary)
			}
			if !reflect.DeepEqual(secondary, tt.wantSecondary) {
				t.Fatalf("secondary = %q, want %q", secondary, tt.wantSecondary)
			}
		})
	}
}

func TestParseKeywordJSONRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "no json here", `{"primary": "nope"}`} {
		if _, _, err := ParseKeywordJSON(in); !errors.Is(err, ErrExtractionFailed) {
			t.Fatalf("ParseKeywordJSON(%q) error = %v, want ErrExtractionFailed", in, err)
		}
	}
}

func TestHeuristicExtractor(t *testing.T) {
	primary, secondary, err := NewHeuristicExtractor().Extract(context.Background(), "I am buying the bananas today, 我喜欢香蕉")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	wantPrimary := []string{"bananas", "buying", "today"}
	if !reflect.DeepEqual(primary, wantPrimary) {
		t.Fatalf("primary = %q, want %q", primary, wantPrimary)
	}
	for _, want := range []string{"香蕉", "喜欢"} {
		found := false
		for _, kw := range secondary {
			if kw == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("secondary = %q, missing %q", secondary, want)
		}
	}
}

func TestHeuristicExtractorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := NewHeuristicExtractor().Extract(ctx, "bananas"); !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("Extract() error = %v, want ErrExtractionFailed", err)
	}
}

func TestHTTPExtractorRetriesAndParsesWrappedText(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"{\"primary\":[\"Bananas\"],\"secondary\":[\"香蕉\"]}"}`))
	}))
	defer srv.Close()

	ex := NewHTTPExtractor(srv.URL)
	ex.retry.Base = 0
	primary, secondary, err := ex.Extract(context.Background(), "Buying bananas today")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if !reflect.DeepEqual(primary, []string{"bananas"}) || !reflect.DeepEqual(secondary, []string{"香蕉"}) {
		t.Fatalf("Extract() = %q, %q", primary, secondary)
	}
}

func TestHTTPExtractorDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, _, err := NewHTTPExtractor(srv.URL).Extract(context.Background(), "bananas")
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("Extract() error = %v, want ErrExtractionFailed", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

type fakeChat struct {
	reply string
	err   error
	last  openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.last = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.reply}}},
	}, nil
}

func TestOpenAIExtractor(t *testing.T) {
	fake := &fakeChat{reply: `{"primary":["grapes"],"secondary":["葡萄"]}`}
	ex := newOpenAIExtractorWithClient(fake, "")
	primary, secondary, err := ex.Extract(context.Background(), "Grapes are sweet")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if fake.last.Model != defaultOpenAIModel {
		t.Fatalf("model = %q, want %q", fake.last.Model, defaultOpenAIModel)
	}
	if fake.last.ResponseFormat == nil || fake.last.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Fatalf("response format not set to json object")
	}
	if !reflect.DeepEqual(primary, []string{"grapes"}) || !reflect.DeepEqual(secondary, []string{"葡萄"}) {
		t.Fatalf("Extract() = %q, %q", primary, secondary)
	}
}

func TestOpenAIExtractorWrapsErrors(t *testing.T) {
	ex := newOpenAIExtractorWithClient(&fakeChat{err: errors.New("rate limited")}, "gpt-test")
	if _, _, err := ex.Extract(context.Background(), "hello"); !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("Extract() error = %v, want ErrExtractionFailed", err)
	}
}

type recordingExtractor struct{ got string }

func (r *recordingExtractor) Extract(_ context.Context, text string) ([]string, []string, error) {
	r.got = text
	return nil, nil, nil
}

func TestRedactingExtractor(t *testing.T) {
	inner := &recordingExtractor{}
	_, _, _ = NewRedactingExtractor(inner).Extract(context.Background(), "mail sam@example.com")
	if strings.Contains(inner.got, "sam@example.com") {
		t.Fatalf("wrapped extractor saw unredacted text %q", inner.got)
	}
}

func TestNewExtractorModes(t *testing.T) {
	ex, err := NewExtractor(Config{Mode: "off"})
	if err != nil || ex != nil {
		t.Fatalf("NewExtractor(off) = %v, %v; want nil, nil", ex, err)
	}

	ex, err = NewExtractor(Config{Mode: "auto", RedactPII: true})
	if err != nil {
		t.Fatalf("NewExtractor(auto) error = %v", err)
	}
	if _, ok := ex.(*HeuristicExtractor); !ok {
		t.Fatalf("NewExtractor(auto) = %T, want *HeuristicExtractor", ex)
	}

	ex, err = NewExtractor(Config{Mode: "http", HTTPURL: "http://example.test", RedactPII: true})
	if err != nil {
		t.Fatalf("NewExtractor(http) error = %v", err)
	}
	if _, ok := ex.(*RedactingExtractor); !ok {
		t.Fatalf("NewExtractor(http) = %T, want *RedactingExtractor", ex)
	}

	if _, err := NewExtractor(Config{Mode: "http"}); err == nil {
		t.Fatalf("NewExtractor(http) without url error = nil")
	}
	if _, err := NewExtractor(Config{Mode: "openai"}); err == nil {
		t.Fatalf("NewExtractor(openai) without key error = nil")
	}
	if _, err := NewExtractor(Config{Mode: "wat"}); err == nil {
		t.Fatalf("NewExtractor(wat) error = nil")
	}
}
