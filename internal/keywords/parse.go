package keywords

import (
	"encoding/json"
	"strings"
)

type keywordPayload struct {
	Primary   []string `json:"primary"`
	Secondary []string `json:"secondary"`
	Keywords  []string `json:"keywords"`
}

// ParseKeywordJSON pulls the first JSON object out of a model reply, which may
// be wrapped in a code fence or surrounded by prose. Both lists come back
// normalized. A bare "keywords" list is read as primary.
func ParseKeywordJSON(text string) (primary, secondary []string, err error) {
	body := strings.TrimSpace(text)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, nil, failed("no JSON object in reply")
	}

	var p keywordPayload
	if err := json.Unmarshal([]byte(body[start:end+1]), &p); err != nil {
		return nil, nil, failed("decode reply: %v", err)
	}
	primary = Normalize(append(p.Primary, p.Keywords...))
	secondary = Normalize(p.Secondary)
	return primary, secondary, nil
}
