package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// listKeys are the envelope fields the billing source has used for list payloads.
var listKeys = []string{"items", "data", "value", "results"}

// normalizeList accepts a bare array or an object wrapping one under a known key.
// null and an object with no known key are empty lists.
func normalizeList(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return items, nil
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		for _, key := range listKeys {
			if inner, ok := envelope[key]; ok {
				return normalizeList(inner)
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected list payload starting with %q", trimmed[0])
	}
}

// flexibleNum decodes a JSON number or numeric string; absent, null, and "" stay unset.
type flexibleNum struct {
	value *float64
}

func (n *flexibleNum) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	trimmed = strings.Trim(trimmed, `"`)
	if strings.TrimSpace(trimmed) == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", trimmed)
	}
	n.value = &parsed
	return nil
}

func (n flexibleNum) ptr() *float64 {
	return n.value
}
