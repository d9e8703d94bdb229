package model

import "time"

// JobFlags controls which pipeline stages a job runs. Flags are fixed at
// submission time and never change afterwards.
type JobFlags struct {
	SkipSupervision bool `json:"skipSupervision"`
	SkipTTS         bool `json:"skipTts"`
	SkipTTV         bool `json:"skipTtv"`
}

// Job represents one submitted deck evaluation: three persona tasks plus an
// optional final concatenated video.
type Job struct {
	ID            string    `json:"id"`
	Status        JobStatus `json:"status"`
	Flags         JobFlags  `json:"flags"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	DeckKey       string    `json:"deckKey"`
	DeckFilename  string    `json:"deckFilename"`
	DeckMIMEType  string    `json:"deckMimeType"`
	DeckFileID    string    `json:"deckFileId,omitempty"`
	FinalVideoKey string    `json:"finalVideoKey,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Task is one persona's pathway through the pipeline for a job.
type Task struct {
	ID        string     `json:"id"`
	JobID     string     `json:"jobId"`
	PersonaID PersonaID  `json:"personaId"`
	Status    TaskStatus `json:"status"`

	RawOutput     string `json:"rawOutput,omitempty"`
	CurrentOutput string `json:"currentOutput,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`

	// Bounded by config; exceeding the maximum forces terminal failure.
	RevisionAttempts int `json:"revisionAttempts"`

	// Opaque handles chaining follow-up calls to the same remote
	// conversation context.
	UpstreamResponseID   string `json:"upstreamResponseId,omitempty"`
	SupervisorResponseID string `json:"supervisorResponseId,omitempty"`

	SupervisorStatus   SupervisorStatus `json:"supervisorStatus,omitempty"`
	SupervisorFeedback string           `json:"supervisorFeedback,omitempty"`

	AudioKey         string `json:"audioKey,omitempty"`
	AudioContentType string `json:"audioContentType,omitempty"`
	VideoKey         string `json:"videoKey,omitempty"`
	VideoContentType string `json:"videoContentType,omitempty"`

	// Generation history. Each entry records one produced text; supervision
	// later fills in that entry's verdict.
	Revisions []RevisionRecord `json:"revisions,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RevisionRecord is one entry of a task's generation history.
type RevisionRecord struct {
	Content              string         `json:"content"`
	Prompt               string         `json:"prompt,omitempty"`
	Approved             *bool          `json:"approved,omitempty"`
	Feedback             string         `json:"feedback,omitempty"`
	RubricScores         map[string]int `json:"rubricScores,omitempty"`
	AverageScore         float64        `json:"averageScore,omitempty"`
	RestartRequested     bool           `json:"restartRequested,omitempty"`
	ResponseID           string         `json:"responseId,omitempty"`
	SupervisorResponseID string         `json:"supervisorResponseId,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
}

// HasText reports whether a usable text artifact exists.
func (t *Task) HasText() bool { return t.CurrentOutput != "" }

// HasAudio reports whether an audio artifact is attached.
func (t *Task) HasAudio() bool { return t.AudioKey != "" }

// HasVideo reports whether a video artifact is attached.
func (t *Task) HasVideo() bool { return t.VideoKey != "" }
