package loop

import (
	"fmt"
	"strings"

	"github.com/agentloop/engine/stream"
)

// Canned auto-answers for questions raised while no human is
// available.
const (
	answerApprovePlan = "Yes, approved. Please proceed with implementation."
	answerProceed     = "Yes, please proceed with the most sensible approach."
)

// AutoAnswer builds an unattended reply to questions an agent raised
// mid-loop. Plan-approval questions are approved, option questions
// take the first option, and open questions get a permissive go-ahead.
// Multiple answers are numbered in question order.
func AutoAnswer(questions []stream.Question) string {
	answers := make([]string, 0, len(questions))
	for _, q := range questions {
		switch {
		case strings.Contains(strings.ToLower(q.Header), "plan approval"),
			strings.Contains(strings.ToLower(q.Question), "approve"):
			answers = append(answers, answerApprovePlan)
		case len(q.Options) > 0:
			answers = append(answers, q.Options[0].Label)
		default:
			answers = append(answers, answerProceed)
		}
	}

	if len(answers) == 1 {
		return answers[0]
	}

	var b strings.Builder
	for i, a := range answers {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, a)
	}
	return b.String()
}
