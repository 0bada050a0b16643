package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned by [ExtractJSON] when the text contains no JSON
// object or array.
var ErrNoJSON = errors.New("prompts: no json found in model output")

// ExtractJSON decodes the JSON value embedded in model output into dst. The
// value is taken from the first '{' or '[' to the last '}' or ']', which
// tolerates code fences and surrounding prose.
func ExtractJSON(text string, dst any) error {
	start := -1
	if i := strings.IndexAny(text, "{["); i >= 0 {
		start = i
	}
	end := strings.LastIndexAny(text, "}]")
	if start < 0 || end < start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text[start:end+1])), dst); err != nil {
		return fmt.Errorf("prompts: parse model json: %w", err)
	}
	return nil
}
