package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxDirectiveBytes limits model output size before JSON parsing.
const maxDirectiveBytes = 4 * 1024

// Directive is a structured tool request, either parsed from model output
// or re-derived from the raw user text.
type Directive struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ParseDirective decodes a model-produced tool payload. Model output is not
// guaranteed well-formed; callers fall back to InferIntent on error.
func ParseDirective(raw string) (*Directive, error) {
	raw = stripCodeFences(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty tool payload")
	}
	if len(raw) > maxDirectiveBytes {
		return nil, fmt.Errorf("tool payload too large: %d bytes", len(raw))
	}

	var d Directive
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("parsing tool payload: %w", err)
	}
	if d.Tool == "" {
		return nil, fmt.Errorf("tool payload missing tool name")
	}
	if d.Params == nil {
		d.Params = map[string]any{}
	}
	return &d, nil
}

var (
	priceCeilingRe = regexp.MustCompile(`(?i)\b(?:under|below|less than|at most|up to|max(?:imum)?(?: of)?)\s*\$?\s*(\d+(?:\.\d+)?)`)
	priceFloorRe   = regexp.MustCompile(`(?i)\b(?:over|above|more than|at least|min(?:imum)?(?: of)?)\s*\$?\s*(\d+(?:\.\d+)?)`)
	cartRe         = regexp.MustCompile(`(?i)\badd\s+(?:the\s+|a\s+|an\s+)?(.+?)\s+to\s+(?:my\s+)?cart\b`)
	navigateRe     = regexp.MustCompile(`(?i)\b(?:go to|navigate to|take me to|open|show me)\s+(?:my\s+|the\s+)?(home|search|cart|orders|wishlist|deals)\b`)
)

// InferIntent re-derives a tool directive from raw user text using the same
// heuristics the intent classifier falls back on. Returns false when the
// text implies no tool.
//
// Rule order matters: navigation and cart phrasing are more specific than a
// bare price mention, so they win when both appear.
func InferIntent(userText string) (*Directive, bool) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return nil, false
	}

	if m := navigateRe.FindStringSubmatch(text); m != nil {
		return &Directive{
			Tool:   NameNavigate,
			Params: map[string]any{"page": strings.ToLower(m[1])},
		}, true
	}

	if m := cartRe.FindStringSubmatch(text); m != nil {
		item := strings.TrimSpace(m[1])
		if item != "" {
			return &Directive{
				Tool:   NameCartAdd,
				Params: map[string]any{"query": item},
			}, true
		}
	}

	params := map[string]any{}
	if m := priceCeilingRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			params["price_max"] = v
		}
	}
	if m := priceFloorRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			params["price_min"] = v
		}
	}
	if len(params) > 0 {
		return &Directive{Tool: NameApplyFilter, Params: params}, true
	}

	return nil, false
}

// stripCodeFences removes ```json ... ``` wrapping from model output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
