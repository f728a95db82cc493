package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError means the model replied with something that is not JSON even
// after fence stripping. Raw carries the reply for diagnostics.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("AI reply is not valid JSON: %s", truncate(e.Raw, 512))
}

// StripFences removes markdown code-fence markers the model may wrap its
// reply in despite being told not to.
func StripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// DecodeJSON strips fences and parses the reply as a JSON document. On
// failure it returns a *ParseError holding the raw text.
func DecodeJSON(content string) (json.RawMessage, error) {
	cleaned := StripFences(content)
	if !json.Valid([]byte(cleaned)) {
		return nil, &ParseError{Raw: content}
	}
	return json.RawMessage(cleaned), nil
}
