package scene

import (
	"strings"

	"github.com/koscakluka/ema-classroom/core/conversations"
)

// Policy decides which persona should speak next given the finalized history
// of a session, oldest -> newest.
type Policy interface {
	Decide(history []conversations.TurnEvent) Persona
}

type PolicyFunc func(history []conversations.TurnEvent) Persona

func (f PolicyFunc) Decide(history []conversations.TurnEvent) Persona { return f(history) }

var (
	DefaultExpertTriggers = []string{
		"ask the expert",
		"expert opinion",
		"what would an expert say",
		"can the expert",
	}
	DefaultStudentTriggers = []string{
		"back to the student",
		"thank you expert",
		"thanks expert",
		"let the student",
	}
)

// TriggerPhrasePolicy switches persona when finalized user text contains a
// trigger phrase. The newest matching turn wins; without any match the
// Fallback decides, or the student speaks when no fallback is set.
type TriggerPhrasePolicy struct {
	ExpertTriggers  []string
	StudentTriggers []string
	Fallback        Policy
}

func NewTriggerPhrasePolicy(fallback Policy) *TriggerPhrasePolicy {
	return &TriggerPhrasePolicy{
		ExpertTriggers:  DefaultExpertTriggers,
		StudentTriggers: DefaultStudentTriggers,
		Fallback:        fallback,
	}
}

func (p *TriggerPhrasePolicy) Decide(history []conversations.TurnEvent) Persona {
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		if turn.Role != conversations.RoleUser || turn.FinalizedText == nil {
			continue
		}

		text := strings.ToLower(*turn.FinalizedText)
		if containsAny(text, p.StudentTriggers) {
			return PersonaStudent
		}
		if containsAny(text, p.ExpertTriggers) {
			return PersonaExpert
		}
	}

	if p.Fallback != nil {
		return p.Fallback.Decide(history)
	}
	return PersonaStudent
}

func containsAny(text string, phrases []string) bool {
	for _, phrase := range phrases {
		if phrase != "" && strings.Contains(text, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

const DefaultExpertEvery = 3

// TurnCountPolicy hands a single response to the expert after every Nth
// finalized user turn.
type TurnCountPolicy struct {
	Every int
}

func NewTurnCountPolicy(every int) TurnCountPolicy {
	if every <= 0 {
		every = DefaultExpertEvery
	}
	return TurnCountPolicy{Every: every}
}

func (p TurnCountPolicy) Decide(history []conversations.TurnEvent) Persona {
	every := p.Every
	if every <= 0 {
		every = DefaultExpertEvery
	}

	userTurns := 0
	latestIsUser := false
	for _, turn := range history {
		if turn.FinalizedText == nil {
			continue
		}
		latestIsUser = turn.Role == conversations.RoleUser
		if latestIsUser {
			userTurns++
		}
	}

	if latestIsUser && userTurns > 0 && userTurns%every == 0 {
		return PersonaExpert
	}
	return PersonaStudent
}

// DefaultPolicy combines trigger phrases with the every-third-turn rule.
func DefaultPolicy() Policy {
	return NewTriggerPhrasePolicy(NewTurnCountPolicy(DefaultExpertEvery))
}
