package drivers

import "encoding/json"

func intKeyword(keywords map[string]any, key string, fallback int) int {
	if v, ok := keywords[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return fallback
}

func boolKeyword(keywords map[string]any, key string, fallback bool) bool {
	if v, ok := keywords[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func encodeNebState(s nebState) (map[string]any, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeNebState(state map[string]any) (nebState, error) {
	var out nebState
	b, err := json.Marshal(state)
	if err != nil {
		return nebState{}, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nebState{}, err
	}
	return out, nil
}
