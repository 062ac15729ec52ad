// Package output parses free-form LLM completions into structured RCA
// fields.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier identifies which parsing strategy produced a result. Lower tiers
// are preferred; the raw tier always succeeds.
type Tier int

const (
	// TierStructured extracted a JSON object from the completion
	TierStructured Tier = iota
	// TierHeuristic recovered sections from labeled lines
	TierHeuristic
	// TierRaw preserved the raw text for manual review
	TierRaw
)

func (t Tier) String() string {
	switch t {
	case TierStructured:
		return "structured"
	case TierHeuristic:
		return "heuristic"
	case TierRaw:
		return "raw"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

const notSpecified = "Not specified"

// ParsedRCA holds the fields recovered from an LLM completion. Severity
// is empty unless the completion supplied a recognized level; Timeline is
// nil unless the completion supplied one.
type ParsedRCA struct {
	Tier                 Tier
	Title                string
	RootCause            string
	ImpactAnalysis       string
	RecommendedActions   string
	AffectedSystems      []string
	Timeline             map[string]interface{}
	Severity             string
	Confidence           string
	FurtherInvestigation string
	NeedsManualReview    bool
}

// ParseRCAResponse extracts structured RCA fields from a completion. It
// tries an embedded JSON object first, falls back to labeled-line
// recovery, and finally to preserving the raw text. It never fails.
func ParseRCAResponse(raw string) *ParsedRCA {
	if parsed := parseStructured(raw); parsed != nil {
		return parsed
	}
	if parsed := parseHeuristic(raw); parsed != nil {
		return parsed
	}
	return parseRaw(raw)
}

// parseStructured extracts the substring between the first '{' and the
// last '}' and decodes it as JSON. Returns nil if no valid object exists.
func parseStructured(raw string) *ParsedRCA {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return nil
	}

	parsed := &ParsedRCA{
		Tier:                 TierStructured,
		Title:                stringField(fields, "title"),
		RootCause:            stringField(fields, "root_cause"),
		ImpactAnalysis:       stringField(fields, "impact_analysis"),
		RecommendedActions:   stringField(fields, "recommended_actions"),
		AffectedSystems:      stringListField(fields, "affected_systems"),
		Timeline:             mapField(fields, "timeline"),
		Severity:             normalizeSeverity(stringField(fields, "severity")),
		Confidence:           normalizeConfidence(stringField(fields, "confidence")),
		FurtherInvestigation: stringField(fields, "additional_investigation"),
	}
	backfill(parsed)
	return parsed
}

// parseHeuristic scans lines for section labels and accumulates content
// under the most recent one. Returns nil when no section was recognized.
func parseHeuristic(raw string) *ParsedRCA {
	parsed := &ParsedRCA{Tier: TierHeuristic, Confidence: "medium"}

	var current *string
	matched := false
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)

		switch {
		case strings.HasPrefix(lower, "title:"):
			parsed.Title = strings.TrimSpace(trimmed[len("title:"):])
			current = nil
			matched = true
		case strings.Contains(lower, "root cause"):
			current = &parsed.RootCause
			appendSection(current, labelRemainder(trimmed))
			matched = true
		case strings.Contains(lower, "impact"):
			current = &parsed.ImpactAnalysis
			appendSection(current, labelRemainder(trimmed))
			matched = true
		case strings.Contains(lower, "recommend") || strings.Contains(lower, "action"):
			current = &parsed.RecommendedActions
			appendSection(current, labelRemainder(trimmed))
			matched = true
		default:
			if current != nil {
				appendSection(current, trimmed)
			}
		}
	}

	if !matched {
		return nil
	}
	backfill(parsed)
	return parsed
}

// parseRaw preserves a truncated copy of the completion and flags it for
// manual review
func parseRaw(raw string) *ParsedRCA {
	text := strings.TrimSpace(raw)
	if len(text) > 500 {
		text = text[:500]
	}
	if text == "" {
		text = notSpecified
	}
	return &ParsedRCA{
		Tier:               TierRaw,
		Title:              "RCA Analysis (Manual Review Required)",
		RootCause:          text,
		ImpactAnalysis:     notSpecified,
		RecommendedActions: "Manual review of the analysis output is required",
		Confidence:         "low",
		NeedsManualReview:  true,
	}
}

// labelRemainder returns the content after a "Label:" prefix, or "" when
// the line is only a heading
func labelRemainder(line string) string {
	if idx := strings.Index(line, ":"); idx >= 0 {
		return strings.TrimSpace(line[idx+1:])
	}
	return ""
}

func appendSection(section *string, text string) {
	if text == "" {
		return
	}
	if *section != "" {
		*section += " "
	}
	*section += text
}

// backfill replaces empty text fields with the placeholder value
func backfill(parsed *ParsedRCA) {
	if parsed.Title == "" {
		parsed.Title = notSpecified
	}
	if parsed.RootCause == "" {
		parsed.RootCause = notSpecified
	}
	if parsed.ImpactAnalysis == "" {
		parsed.ImpactAnalysis = notSpecified
	}
	if parsed.RecommendedActions == "" {
		parsed.RecommendedActions = notSpecified
	}
	if parsed.Confidence == "" {
		parsed.Confidence = "medium"
	}
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// stringListField coerces either a JSON array or a single string into a
// string slice
func stringListField(fields map[string]interface{}, key string) []string {
	switch v := fields[key].(type) {
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) != "" {
			return []string{strings.TrimSpace(v)}
		}
	}
	return nil
}

// mapField returns a JSON-object field as a map, or nil when absent or
// not an object
func mapField(fields map[string]interface{}, key string) map[string]interface{} {
	if v, ok := fields[key].(map[string]interface{}); ok && len(v) > 0 {
		return v
	}
	return nil
}

func normalizeConfidence(value string) string {
	switch strings.ToLower(value) {
	case "high", "medium", "low":
		return strings.ToLower(value)
	default:
		return ""
	}
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(value) {
	case "critical", "high", "medium", "low":
		return strings.ToLower(value)
	default:
		return ""
	}
}
