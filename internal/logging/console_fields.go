package logging

import (
	"log/slog"
	"strings"
)

type infoField struct {
	label string
	value string
}

// infoHighlightKeys lead the info field list in this order.
var infoHighlightKeys = []string{
	FieldAlert,
	FieldEventType,
	FieldQuery,
	"reason",
	"error",
	FieldErrorHint,
	FieldImpact,
	"endpoint",
	"pid",
	"running",
	"scopes",
	"exit",
}

// selectInfoFields returns formatted info fields and a count of hidden ones.
func selectInfoFields(attrs []kv) ([]infoField, int) {
	if len(attrs) == 0 {
		return nil, 0
	}
	used := make([]bool, len(attrs))
	result := make([]infoField, 0, len(attrs))
	hidden := 0
	take := func(idx int) {
		used[idx] = true
		attr := attrs[idx]
		if isDebugOnlyKey(attr.key) {
			hidden++
			return
		}
		value := formatValueForKey(attr.key, attr.value)
		if shouldHideInfoValue(attr.key, value) {
			hidden++
			return
		}
		result = append(result, infoField{label: displayLabel(attr.key), value: value})
	}
	for _, key := range infoHighlightKeys {
		for idx, attr := range attrs {
			if !used[idx] && attr.key == key {
				take(idx)
				break
			}
		}
	}
	for idx := range attrs {
		if !used[idx] {
			take(idx)
		}
	}
	return result, hidden
}

func formatValueForKey(key string, v slog.Value) string {
	v = v.Resolve()
	switch {
	case strings.HasSuffix(key, "_bytes") && v.Kind() == slog.KindInt64:
		return formatBytes(v.Int64())
	case strings.HasSuffix(key, "_bytes") && v.Kind() == slog.KindUint64:
		return formatBytes(int64(v.Uint64()))
	case v.Kind() == slog.KindDuration:
		return formatDurationHuman(v.Duration())
	case v.Kind() == slog.KindBool:
		if v.Bool() {
			return "yes"
		}
		return "no"
	}
	value := formatValue(v)
	if key == "error" {
		value = truncateErrorValue(value)
	}
	return value
}

func truncateErrorValue(value string) string {
	const maxLen = 200
	value = strings.TrimSpace(value)
	if len(value) > maxLen {
		value = value[:maxLen] + "…"
	}
	return value
}

func isDebugOnlyKey(key string) bool {
	switch key {
	case FieldCorrelationID, FieldSessionID, "env", "args":
		return true
	}
	return strings.HasSuffix(key, "_path") || strings.HasSuffix(key, "_dir")
}

func shouldHideInfoValue(key, value string) bool {
	switch key {
	case "error", FieldErrorHint, "command":
		return false
	}
	return len(value) > 120
}

func displayLabel(key string) string {
	switch key {
	case FieldAlert:
		return "Alert"
	case FieldEventType:
		return "Event"
	case FieldErrorHint:
		return "Hint"
	case "pid":
		return "PID"
	default:
		return titleizeKey(key)
	}
}

func titleizeKey(key string) string {
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	for i, part := range parts {
		parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
	}
	return strings.Join(parts, " ")
}
