package keywords

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/recall/internal/reliability"
)

type httpExtractRequest struct {
	Text        string `json:"text"`
	Instruction string `json:"instruction"`
}

// HTTPExtractor posts message text to an AI gateway endpoint. The endpoint may
// answer with the keyword object itself, with an object whose text field holds
// it, or with plain text containing it.
type HTTPExtractor struct {
	url    string
	client *http.Client
	retry  reliability.Policy
}

func NewHTTPExtractor(url string) *HTTPExtractor {
	return &HTTPExtractor{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: reliability.Policy{
			Attempts: 3,
			Base:     200 * time.Millisecond,
			Cap:      2 * time.Second,
		},
	}
}

func (h *HTTPExtractor) Extract(ctx context.Context, text string) ([]string, []string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, nil
	}
	payload, err := json.Marshal(httpExtractRequest{Text: text, Instruction: Instruction})
	if err != nil {
		return nil, nil, failed("marshal request: %v", err)
	}

	var body []byte
	err = reliability.Do(ctx, h.retry, func(ctx context.Context) error {
		b, err := h.post(ctx, payload)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, nil, failed("%v", err)
	}
	return parseGatewayBody(body)
}

func (h *HTTPExtractor) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("extractor http status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return nil, err
		}
		return nil, reliability.Permanent(err)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func parseGatewayBody(body []byte) ([]string, []string, error) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		if _, ok := obj["primary"]; ok {
			return ParseKeywordJSON(string(body))
		}
		if _, ok := obj["keywords"]; ok {
			return ParseKeywordJSON(string(body))
		}
		if text := extractText(obj); text != "" {
			return ParseKeywordJSON(text)
		}
	}
	return ParseKeywordJSON(string(body))
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "output", "message", "content"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
