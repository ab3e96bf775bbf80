package interview

import (
	"fmt"
	"strings"
)

// openingMessage is the fixed first agent turn. It is deterministic so that
// resuming a fresh session reproduces an identical transcript.
const openingMessage = "Welcome, and thanks for making time for this. " +
	"I'd like to understand how your team works today. " +
	"To start: could you walk me through what a typical week looks like for you?"

const systemPrompt = `You are a structured interview facilitator assessing an engineering organization.
Ask one focused question per turn. Stay conversational, never interrogative.
After reading the participant's answer, decide which assessment topics it covered.

Respond with a single JSON object and nothing else:
{"reply": "<your next question or acknowledgement>", "topics_covered": ["<topic tags from the provided checklist that the participant's last answer addressed>"]}`

// buildTurnPrompt renders the conversation so far plus steering for the
// current phase into one prompt.
func buildTurnPrompt(s *Session, userText string, policy Policy) string {
	var b strings.Builder

	b.WriteString("Topic checklist: ")
	b.WriteString(strings.Join(policy.RequiredTopics, ", "))
	b.WriteString("\nTopics already covered: ")
	if len(s.TopicsCovered) == 0 {
		b.WriteString("(none)")
	} else {
		b.WriteString(strings.Join(s.TopicsCovered, ", "))
	}
	remaining := policy.Remaining(s.TopicsCovered)
	b.WriteString("\nTopics still open: ")
	if len(remaining) == 0 {
		b.WriteString("(none)")
	} else {
		b.WriteString(strings.Join(remaining, ", "))
	}
	fmt.Fprintf(&b, "\nQuestions asked so far: %d\n", s.QuestionsAsked)

	switch s.Phase {
	case PhaseIntroduction:
		b.WriteString("Phase guidance: build rapport, then steer toward the first open topic.\n")
	case PhaseExploring:
		b.WriteString("Phase guidance: probe open topics in depth, one per question.\n")
	case PhaseCompleting:
		b.WriteString("Phase guidance: close remaining gaps briefly, then wrap up warmly.\n")
	}

	b.WriteString("\nConversation so far:\n")
	for _, t := range s.Transcript {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	fmt.Fprintf(&b, "participant: %s\n", userText)

	return b.String()
}
