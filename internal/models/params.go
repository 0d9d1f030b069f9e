package models

import (
	"encoding/json"
	"math"
)

// Params carries backend-specific generation options. Keys are accepted in
// snake_case and in the camelCase spelling of the JavaScript SDKs.
type Params map[string]any

var paramAliases = map[string]string{
	"top_p":             "topP",
	"max_tokens":        "maxTokens",
	"presence_penalty":  "presencePenalty",
	"frequency_penalty": "frequencyPenalty",
	"stop":              "stopSequences",
}

func (p Params) lookup(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	if v, ok := p[key]; ok {
		return v, true
	}
	if alias, ok := paramAliases[key]; ok {
		v, ok := p[alias]
		return v, ok
	}
	return nil, false
}

// Clone returns a shallow copy, or nil when p is empty.
func (p Params) Clone() Params {
	if len(p) == 0 {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Float returns a numeric option.
func (p Params) Float(key string) (float64, bool) {
	value, ok := p.lookup(key)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Int returns an integral option. Fractional numbers such as 5.7 are not
// integral and report false; 256.0 is accepted.
func (p Params) Int(key string) (int, bool) {
	value, ok := p.lookup(key)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return integral(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
		if f, err := v.Float64(); err == nil {
			return integral(f)
		}
	}
	return 0, false
}

func integral(f float64) (int, bool) {
	if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int(f), true
}

// String returns a string option.
func (p Params) String(key string) (string, bool) {
	value, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// Strings returns a list option. A single string is treated as a one-element list.
func (p Params) Strings(key string) ([]string, bool) {
	value, ok := p.lookup(key)
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case string:
		return []string{v}, true
	case []string:
		return v, true
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}
