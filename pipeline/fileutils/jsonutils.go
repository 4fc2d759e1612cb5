package fileutils

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// DecodeModelJSON unmarshals a model reply into v. Replies are expected to be
// bare JSON, but models occasionally wrap the payload in prose or a code
// fence, so when a direct unmarshal fails the outermost brace span is tried
// before giving up.
func DecodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	if end <= start {
		// An opening brace with no close means the reply was cut off.
		return io.ErrUnexpectedEOF
	}

	sub := s[start : end+1]
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}
