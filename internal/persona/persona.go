package persona

import (
	"fmt"

	"github.com/evalpanel/api/internal/model"
)

// Persona is one evaluator pathway: the instructions driving its generation
// calls, the voice used for speech synthesis, and the portrait used for
// video synthesis.
type Persona struct {
	ID           model.PersonaID
	Name         string
	Instructions string
	VoiceID      string
	PortraitKey  string
}

// Registry is an immutable persona table resolved once at startup and passed
// by reference into the stage executors. It is never mutated at runtime.
type Registry struct {
	personas map[model.PersonaID]Persona
}

// Get returns the persona for an identifier.
func (r *Registry) Get(id model.PersonaID) (Persona, bool) {
	p, ok := r.personas[id]
	return p, ok
}

// IDs returns all persona identifiers in fan-out order.
func (r *Registry) IDs() []model.PersonaID {
	return model.PersonaIDs
}

// NewRegistry builds and validates the default persona table.
func NewRegistry() (*Registry, error) {
	personas := map[model.PersonaID]Persona{
		model.PersonaVince: {
			ID:   model.PersonaVince,
			Name: "Vince",
			Instructions: "You are Vince, a sharp, serious technologist and businessman. " +
				"You care about advanced technology and practicality, and you do not mince words. " +
				"Deliver your verdict in the first sentence, then one or two critical observations. " +
				"Respond in plain spoken language suitable for direct text-to-speech: no markdown, " +
				"no lists, no formatting. Hard limit: 100 words, ideally two to three sentences.",
			VoiceID:     "Z7HhYXzYeRsQk3RnXqiG",
			PortraitKey: "personas/vince.png",
		},
		model.PersonaElla: {
			ID:   model.PersonaElla,
			Name: "Ella",
			Instructions: "You are Ella, a supportive but clear-eyed evaluator who made her fortune " +
				"in retail and real estate. You are warm, never rude, yet quick to point out when an " +
				"idea is impractical or exists mainly to make money. Offer one piece of encouragement " +
				"and one constructive point. Plain spoken language for text-to-speech, no formatting. " +
				"Maximum 120 words.",
			VoiceID:     "pBZVCk298iJlHAcHQwLr",
			PortraitKey: "personas/ella.png",
		},
		model.PersonaReginald: {
			ID:   model.PersonaReginald,
			Name: "Reginald",
			Instructions: "You are Reginald, a snide aristocrat who expects to be unimpressed. " +
				"You judge imagination, return feasibility, and path to market, and you are cutting " +
				"when a pitch fails any of them. Truly exceptional work earns grudging praise. " +
				"Plain spoken language for text-to-speech, no formatting. Strict limit: 100 words, " +
				"one or two piercing remarks.",
			VoiceID:     "7p1Ofvcwsv7UBPoFNcpI",
			PortraitKey: "personas/reginald.png",
		},
	}

	for _, id := range model.PersonaIDs {
		p, ok := personas[id]
		if !ok {
			return nil, fmt.Errorf("persona registry missing entry for %s", id)
		}
		if p.Instructions == "" || p.VoiceID == "" || p.PortraitKey == "" {
			return nil, fmt.Errorf("persona %s is incomplete", id)
		}
	}

	return &Registry{personas: personas}, nil
}
