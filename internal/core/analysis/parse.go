package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errMissingFields = errors.New("missing required fields")

// ParseResult 把模型回复解析为 Result:
// 先严格解析整个文本，失败时取第一个 '{' 到最后一个 '}' 之间的子串再解析，
// 都失败时把原始文本包装为 fallback 结果。
func ParseResult(text string) *Result {
	if r, err := parseStrict(text); err == nil {
		return r
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if r, err := parseStrict(text[start : end+1]); err == nil {
			return r
		}
	}
	return &Result{
		Description: strings.TrimSpace(text),
		Level:       LevelUnknown,
		Fallback:    true,
	}
}

func parseStrict(text string) (*Result, error) {
	var r Result
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(text)))
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after object")
	}
	if r.Description == "" || r.Level == "" || r.Phase == "" {
		return nil, errMissingFields
	}
	r.Level = strings.ToLower(r.Level)
	switch r.Level {
	case LevelGreen, LevelYellow, LevelRed:
	default:
		return nil, fmt.Errorf("invalid level %q", r.Level)
	}
	r.Fallback = false
	return &r, nil
}
