package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CleanJSON strips markdown fences and any prose around the outermost JSON
// object in a model response
func CleanJSON(response string) string {
	s := strings.TrimSpace(response)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// ParseJSON cleans response and decodes it into v
func ParseJSON(response string, v any) error {
	cleaned := CleanJSON(response)
	if cleaned == "" {
		return errors.New("empty response")
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("decoding JSON response: %w", err)
	}
	return nil
}
