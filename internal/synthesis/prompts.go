package synthesis

import (
	"fmt"
	"strings"

	"github.com/chorusinsights/chorus-ai/internal/db"
)

const dimensionSystemPrompt = `You are an organizational assessment analyst.
Score exactly one dimension from interview transcripts.

Respond with a single JSON object and nothing else:
{"score": <0.0-5.0>, "confidence": "high|medium|low|insufficient",
 "findings": ["..."], "supporting_quotes": ["..."],
 "gap_to_next": "<what separates this org from the next score level>",
 "priority": "critical|important|foundational|opportunistic"}`

const aggregateSystemPrompt = `You are an organizational assessment analyst
producing the report layer above per-dimension scores.`

// renderTranscripts flattens the completed interviews into one prompt block.
// This is a point-in-time copy: later transcript edits cannot reach a report
// already being produced.
func renderTranscripts(sessions []*db.SessionRecord) string {
	var b strings.Builder
	for i, sess := range sessions {
		fmt.Fprintf(&b, "--- Interview %d (participant %s) ---\n", i+1, sess.ParticipantID)
		for _, t := range sess.Turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func dimensionPrompt(dimension, transcripts string) string {
	return fmt.Sprintf("Dimension to score: %s\n\nTranscripts:\n%s", dimension, transcripts)
}

func summaryPrompt(results []DimensionResult, transcripts string) string {
	return fmt.Sprintf(
		"Write a concise executive summary (plain prose, no JSON) of this assessment.\n\n%s\nTranscripts:\n%s",
		renderResults(results), transcripts)
}

func themesPrompt(results []DimensionResult, transcripts string) string {
	return fmt.Sprintf(
		"List the cross-stakeholder themes. Respond with a JSON array of strings and nothing else.\n\n%s\nTranscripts:\n%s",
		renderResults(results), transcripts)
}

func recommendationsPrompt(results []DimensionResult, transcripts string) string {
	return fmt.Sprintf(
		"List prioritized recommendations, most urgent first. Respond with a JSON array of strings and nothing else.\n\n%s\nTranscripts:\n%s",
		renderResults(results), transcripts)
}

func renderResults(results []DimensionResult) string {
	var b strings.Builder
	b.WriteString("Dimension scores:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s: %.1f (%s confidence, %s priority)\n",
			r.Dimension, r.Score, r.Confidence, r.Priority)
	}
	return b.String()
}
