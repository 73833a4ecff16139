package coach

import "strings"

// Profile describes a coaching persona: the upstream instructions, voice
// and the conditions under which the session should wind down on its own.
type Profile struct {
	Name         string
	Voice        string
	Instructions string

	// TurnBudget ends the session once both sides have spoken this many
	// turns. Phrase-based termination fires regardless of the budget.
	TurnBudget int
	EndPhrases []string
}

// InterviewProfile is the default persona: a mock interviewer that asks
// follow-up questions and wraps up when the candidate signals they are
// done.
func InterviewProfile(turnBudget int) Profile {
	if turnBudget <= 0 {
		turnBudget = 12
	}
	return Profile{
		Name:  "interview",
		Voice: "alloy",
		Instructions: "You are a friendly but rigorous job interview coach. " +
			"Ask one question at a time, probe vague answers, and keep your " +
			"replies short and spoken-word natural. When the candidate asks " +
			"to stop, thank them and say goodbye.",
		TurnBudget: turnBudget,
		EndPhrases: []string{
			"stop the interview",
			"let's stop",
			"that's enough",
			"i'm done",
			"finish the session",
			"end the session",
			"goodbye",
		},
	}
}

// ShouldEnd reports whether the session should terminate after the given
// candidate utterance. A termination phrase ends the session at any turn
// count; otherwise both sides must have exhausted the turn budget.
func (p Profile) ShouldEnd(candidateTurns, coachTurns int, lastCandidateText string) bool {
	text := strings.ToLower(lastCandidateText)
	for _, phrase := range p.EndPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return candidateTurns >= p.TurnBudget && coachTurns >= p.TurnBudget
}
