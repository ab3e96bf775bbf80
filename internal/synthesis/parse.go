package synthesis

import (
	"encoding/json"
	"strings"

	"github.com/chorusinsights/chorus-ai/internal/faults"
)

// wireDimension is the structured contract for one dimension call.
type wireDimension struct {
	Score            *float64 `json:"score"`
	Confidence       string   `json:"confidence"`
	Findings         []string `json:"findings"`
	SupportingQuotes []string `json:"supporting_quotes"`
	GapToNext        string   `json:"gap_to_next"`
	Priority         string   `json:"priority"`
}

// parseDimension validates a dimension call's output. Anything short of the
// full contract is an invalid-response fault, never a silent default score.
func parseDimension(dimension, text string) (DimensionResult, error) {
	var w wireDimension
	if err := json.Unmarshal([]byte(stripFences(text)), &w); err != nil {
		return DimensionResult{}, faults.Wrap(faults.KindInvalidResponse, "synthesis_parse",
			"the dimension analysis returned an unreadable result", err)
	}
	if w.Score == nil || *w.Score < 0 || *w.Score > 5 {
		return DimensionResult{}, faults.Newf(faults.KindInvalidResponse, "synthesis_score",
			"the dimension analysis returned an out-of-range score")
	}
	if !validConfidence[Confidence(w.Confidence)] {
		return DimensionResult{}, faults.Newf(faults.KindInvalidResponse, "synthesis_confidence",
			"the dimension analysis returned an unknown confidence grade %q", w.Confidence)
	}
	if !validPriority[Priority(w.Priority)] {
		return DimensionResult{}, faults.Newf(faults.KindInvalidResponse, "synthesis_priority",
			"the dimension analysis returned an unknown priority %q", w.Priority)
	}
	return DimensionResult{
		Dimension:        dimension,
		Score:            *w.Score,
		Confidence:       Confidence(w.Confidence),
		Findings:         w.Findings,
		SupportingQuotes: w.SupportingQuotes,
		GapToNext:        w.GapToNext,
		Priority:         Priority(w.Priority),
	}, nil
}

// parseStringList decodes aggregate calls that return a JSON string array
// (themes, recommendations).
func parseStringList(code, text string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(stripFences(text)), &out); err != nil {
		return nil, faults.Wrap(faults.KindInvalidResponse, code,
			"the aggregate analysis returned an unreadable list", err)
	}
	if len(out) == 0 {
		return nil, faults.New(faults.KindInvalidResponse, code,
			"the aggregate analysis returned an empty list")
	}
	return out, nil
}

// parseSummary validates the executive summary call.
func parseSummary(text string) (string, error) {
	s := strings.TrimSpace(stripFences(text))
	if s == "" {
		return "", faults.New(faults.KindInvalidResponse, "synthesis_summary",
			"the executive summary call returned empty output")
	}
	return s, nil
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
