package task

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeArguments turns a tool argument payload into a map. Agents sometimes
// send arguments as a JSON-encoded string, occasionally truncated or with
// trailing commas; those are repaired before decoding. Text that still is not
// an object is kept under the "raw" key.
func DecodeArguments(raw json.RawMessage) map[string]any {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		return args
	}

	var encoded string
	if err := json.Unmarshal([]byte(trimmed), &encoded); err != nil {
		return map[string]any{"raw": trimmed}
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(encoded), &args); err == nil {
		return args
	}
	repaired, err := jsonrepair.JSONRepair(encoded)
	if err == nil {
		args = nil
		if json.Unmarshal([]byte(repaired), &args) == nil && args != nil {
			return args
		}
	}
	return map[string]any{"raw": encoded}
}
