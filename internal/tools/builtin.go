package tools

import (
	"context"
	"fmt"
	"strings"
)

// Built-in tool names. The config allow-list selects from these.
const (
	NameApplyFilter = "apply_filter"
	NameNavigate    = "navigate"
	NameCartAdd     = "cart_add"
)

// ApplyFilter narrows the product listing. Recognized parameters:
// price_min, price_max (numbers), category, brand, color (strings).
type ApplyFilter struct{}

func (*ApplyFilter) Name() string { return NameApplyFilter }

func (*ApplyFilter) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	payload := map[string]any{}

	for _, key := range []string{"price_min", "price_max"} {
		if v, ok := params[key]; ok {
			n, ok := toNumber(v)
			if !ok || n < 0 {
				return nil, fmt.Errorf("%w: %s must be a non-negative number", ErrBadParameters, key)
			}
			payload[key] = n
		}
	}
	for _, key := range []string{"category", "brand", "color"} {
		if v, ok := params[key]; ok {
			s, ok := v.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("%w: %s must be a non-empty string", ErrBadParameters, key)
			}
			payload[key] = strings.TrimSpace(s)
		}
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: no recognized filter fields", ErrBadParameters)
	}

	if minV, okMin := payload["price_min"].(float64); okMin {
		if maxV, okMax := payload["price_max"].(float64); okMax && minV > maxV {
			return nil, fmt.Errorf("%w: price_min exceeds price_max", ErrBadParameters)
		}
	}

	payload["action"] = "filter"
	return payload, nil
}

// navigatePages are the client routes chat may jump to.
var navigatePages = map[string]bool{
	"home":     true,
	"search":   true,
	"cart":     true,
	"orders":   true,
	"wishlist": true,
	"deals":    true,
}

// Navigate sends the client to a named page.
type Navigate struct{}

func (*Navigate) Name() string { return NameNavigate }

func (*Navigate) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	page, _ := params["page"].(string)
	page = strings.ToLower(strings.TrimSpace(page))
	if page == "" {
		return nil, fmt.Errorf("%w: page is required", ErrBadParameters)
	}
	if !navigatePages[page] {
		return nil, fmt.Errorf("%w: unknown page %q", ErrBadParameters, page)
	}
	return map[string]any{"action": "navigate", "page": page}, nil
}

// CartAdd places an item in the cart by product ID or search query.
type CartAdd struct{}

func (*CartAdd) Name() string { return NameCartAdd }

func (*CartAdd) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	payload := map[string]any{"action": "cart_add", "quantity": 1.0}

	if v, ok := params["quantity"]; ok {
		n, ok := toNumber(v)
		if !ok || n < 1 || n != float64(int(n)) {
			return nil, fmt.Errorf("%w: quantity must be a positive integer", ErrBadParameters)
		}
		payload["quantity"] = n
	}

	if id, ok := params["product_id"].(string); ok && strings.TrimSpace(id) != "" {
		payload["product_id"] = strings.TrimSpace(id)
		return payload, nil
	}
	if q, ok := params["query"].(string); ok && strings.TrimSpace(q) != "" {
		payload["query"] = strings.TrimSpace(q)
		return payload, nil
	}
	return nil, fmt.Errorf("%w: product_id or query is required", ErrBadParameters)
}

// toNumber accepts the numeric shapes JSON decoding produces.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
