package scene

// Persona identifies which agent speaks for the fast path.
type Persona string

const (
	PersonaStudent Persona = "student"
	PersonaExpert  Persona = "expert"
)

func (p Persona) Valid() bool { return p == PersonaStudent || p == PersonaExpert }

// PersonaDirective is the fast path configuration of a persona. It is applied
// at the start of a turn and never in the middle of one.
type PersonaDirective struct {
	Persona      Persona
	Instructions string
	Voice        string
	Temperature  float64
}

const (
	defaultVoice       = "alloy"
	defaultTemperature = 0.8

	studentInstructions = `You are a curious student attending a live class.
Listen to the teacher, answer questions in your own words and ask for
clarification when something is unclear. Keep answers short and spoken,
one or two sentences, and never lecture.`

	expertInstructions = `You are a subject matter expert observing a class.
Briefly evaluate the last exchange between the teacher and the student,
point out anything inaccurate and suggest one concrete improvement.
Speak in at most three sentences, then hand the floor back.`
)

// DefaultDirectives returns the built-in directive for each persona.
func DefaultDirectives() map[Persona]PersonaDirective {
	return map[Persona]PersonaDirective{
		PersonaStudent: {
			Persona:      PersonaStudent,
			Instructions: studentInstructions,
			Voice:        defaultVoice,
			Temperature:  defaultTemperature,
		},
		PersonaExpert: {
			Persona:      PersonaExpert,
			Instructions: expertInstructions,
			Voice:        "echo",
			Temperature:  0.6,
		},
	}
}
