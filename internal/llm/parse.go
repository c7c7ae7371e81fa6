package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeJSON extracts and decodes a JSON document from model output. Models
// frequently wrap JSON in markdown fences or emit near-JSON (trailing commas,
// single quotes); the repair pass recovers those before giving up.
func DecodeJSON(raw string, v any) error {
	candidate := stripFences(raw)
	if candidate == "" {
		return fmt.Errorf("empty model output")
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(candidate)
	if repairErr != nil {
		return fmt.Errorf("unparseable model output: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("decode repaired model output: %w", err)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence and any prose before
// the first JSON bracket.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "```"); start != -1 {
		s = s[start+3:]
		if nl := strings.Index(s, "\n"); nl != -1 {
			// Drop the language tag line ("json" etc.).
			first := strings.TrimSpace(s[:nl])
			if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
				s = s[nl+1:]
			}
		}
		if end := strings.LastIndex(s, "```"); end != -1 {
			s = s[:end]
		}
	}
	s = strings.TrimSpace(s)

	// Trim prose before the first structural character.
	objIdx := strings.IndexAny(s, "{[")
	if objIdx > 0 {
		s = s[objIdx:]
	}
	return strings.TrimSpace(s)
}
