package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Workers reply in whatever shape their flow happens to emit: an object, a
// one-element array wrapping an object or string, or a bare string, with
// the text under any of these field names. Checked in priority order.
var replyFields = []string{"output", "response", "message", "reply", "result", "text", "content"}

const debugFallbackLimit = 200

// ExtractReply pulls the agent's reply text out of a raw webhook response
// body. The second return reports whether a known shape matched; when it is
// false the returned string is a truncated debug rendering of the payload,
// so callers always get text back.
func ExtractReply(body []byte) (string, bool) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		// Not JSON at all: treat the raw body as the reply rather than
		// dropping it.
		return string(body), true
	}
	return extractReply(decoded, body)
}

func extractReply(decoded any, raw []byte) (string, bool) {
	switch v := decoded.(type) {
	case []any:
		if len(v) > 0 {
			switch first := v[0].(type) {
			case map[string]any:
				if text, ok := fieldText(first); ok {
					return text, true
				}
			case string:
				return first, true
			}
		}
	case map[string]any:
		if text, ok := fieldText(v); ok {
			return text, true
		}
	case string:
		return v, true
	}

	return debugRendering(raw), false
}

func fieldText(obj map[string]any) (string, bool) {
	for _, field := range replyFields {
		value, ok := obj[field]
		if !ok {
			continue
		}
		return stringify(value), true
	}
	return "", false
}

func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(raw)
	}
}

func debugRendering(raw []byte) string {
	rendered := string(raw)
	if len(rendered) > debugFallbackLimit {
		rendered = rendered[:debugFallbackLimit] + "..."
	}
	return "Agent response received but couldn't be parsed: " + rendered
}
