package model

import "time"

// SubmitJobResponse is returned from POST /api/evaluations.
type SubmitJobResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"statusUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobSnapshot is the caller-facing projection of a job and its tasks,
// exposing artifact availability rather than content.
type JobSnapshot struct {
	ID            string         `json:"id"`
	Status        JobStatus      `json:"status"`
	Flags         JobFlags       `json:"flags"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	DeckURL       string         `json:"deckUrl,omitempty"`
	FinalVideoURL string         `json:"finalVideoUrl,omitempty"`
	Tasks         []TaskSnapshot `json:"tasks"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// TaskSnapshot is the caller-facing projection of one persona task.
type TaskSnapshot struct {
	PersonaID        PersonaID  `json:"personaId"`
	Status           TaskStatus `json:"status"`
	Text             string     `json:"text,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	RevisionAttempts int        `json:"revisionAttempts"`
	AudioURL         string     `json:"audioUrl,omitempty"`
	VideoURL         string     `json:"videoUrl,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// RecoveryAction describes what recovery did for one task.
type RecoveryAction struct {
	TaskID      string    `json:"taskId"`
	PersonaID   PersonaID `json:"personaId"`
	ResumeStage Stage     `json:"resumeStage,omitempty"`
	Recovered   bool      `json:"recovered"`
	Reason      string    `json:"reason"`
}

// RecoveryResult is returned from POST /api/evaluations/:jobId/recover.
type RecoveryResult struct {
	JobID     string           `json:"jobId"`
	JobStatus JobStatus        `json:"jobStatus"`
	Actions   []RecoveryAction `json:"actions"`
}
