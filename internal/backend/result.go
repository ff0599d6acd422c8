package backend

import (
	"fmt"
	"strconv"
	"strings"

	"scribe/internal/apperr"
)

var (
	textKeys     = []string{"text", "transcript", "utterance"}
	languageKeys = []string{"language", "lang"}
	segmentKeys  = []string{"segments", "timestamps", "chunks", "sentences"}
)

// extractOutput turns a decoded engine result (a string or an object) into an
// Output. The first non-empty candidate key wins for each field.
func extractOutput(raw any) (Output, error) {
	switch v := raw.(type) {
	case string:
		if v != "" {
			return Output{Text: v}, nil
		}
	case map[string]any:
		text := firstString(v, textKeys)
		if text != "" {
			out := Output{
				Text:     text,
				Language: firstString(v, languageKeys),
			}
			for _, k := range segmentKeys {
				if list, ok := v[k].([]any); ok && len(list) > 0 {
					out.Segments = NormalizeSegments(list)
					break
				}
			}
			return out, nil
		}
	}
	return Output{}, apperr.Backend("backend.result", "empty transcript", nil)
}

// NormalizeSegments accepts objects with start/end/text (or transcript) keys and
// positional [start, end, text] triples. Entries without text are dropped and
// missing bounds become 0.
func NormalizeSegments(items []any) []Segment {
	out := make([]Segment, 0, len(items))
	for _, item := range items {
		var start, end, text any
		switch v := item.(type) {
		case map[string]any:
			text = v["text"]
			if s, _ := text.(string); s == "" {
				if alt, ok := v["transcript"]; ok && alt != nil {
					text = alt
				}
			}
			start, end = v["start"], v["end"]
		case []any:
			if len(v) < 3 {
				continue
			}
			start, end, text = v[0], v[1], v[2]
		default:
			continue
		}
		if text == nil {
			continue
		}
		out = append(out, Segment{
			Start: toFloat(start),
			End:   toFloat(end),
			Text:  strings.TrimSpace(toString(text)),
		})
	}
	return out
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s := toString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool, nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return f
		}
	}
	return 0
}
