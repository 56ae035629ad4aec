package ingest

import "strings"

// Strategy is one named way of pulling a correlation identifier out of a
// provider event payload. Providers have shipped the same identifier under
// a direct field, a hyphenated field, and inside a nested custom-args
// object at different points in time, so extraction is an ordered list of
// strategies applied in priority order, first non-empty match wins.
type Strategy struct {
	Name   string
	Lookup func(payload map[string]any) string
}

// DirectField reads a top-level payload key.
func DirectField(key string) Strategy {
	return Strategy{
		Name: "direct:" + key,
		Lookup: func(payload map[string]any) string {
			return stringValue(payload[key])
		},
	}
}

// HyphenatedField reads the key with underscores replaced by hyphens
// ("campaign_id" → "campaign-id").
func HyphenatedField(key string) Strategy {
	hyphenated := strings.ReplaceAll(key, "_", "-")
	return Strategy{
		Name: "hyphenated:" + hyphenated,
		Lookup: func(payload map[string]any) string {
			return stringValue(payload[hyphenated])
		},
	}
}

// CustomArgsField reads the key from the nested custom_args object the
// dispatch client attaches to every outbound send.
func CustomArgsField(key string) Strategy {
	return Strategy{
		Name: "custom_args:" + key,
		Lookup: func(payload map[string]any) string {
			args, ok := payload["custom_args"].(map[string]any)
			if !ok {
				return ""
			}
			return stringValue(args[key])
		},
	}
}

// StrategiesFor returns the standard extraction order for an identifier.
func StrategiesFor(key string) []Strategy {
	return []Strategy{
		DirectField(key),
		HyphenatedField(key),
		CustomArgsField(key),
	}
}

// Extract applies strategies in order and returns the first non-empty
// match along with the name of the strategy that produced it.
func Extract(payload map[string]any, strategies []Strategy) (value, strategy string) {
	for _, s := range strategies {
		if v := s.Lookup(payload); v != "" {
			return v, s.Name
		}
	}
	return "", ""
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
