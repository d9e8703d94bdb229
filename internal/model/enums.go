package model

// Job status
type JobStatus string

const (
	JobStatusPending       JobStatus = "pending"
	JobStatusProcessing    JobStatus = "processing"
	JobStatusConcatenating JobStatus = "concatenating"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
)

// Task status — one explicit state per pipeline position. Terminal success
// states vary with the job's skip flags (see SuccessTerminalStatus).
type TaskStatus string

const (
	TaskStatusPendingGeneration  TaskStatus = "pending_generation"
	TaskStatusGenerating         TaskStatus = "generating"
	TaskStatusPendingSupervision TaskStatus = "pending_supervision"
	TaskStatusSupervising        TaskStatus = "supervising"
	TaskStatusNeedsRevision      TaskStatus = "needs_revision"
	TaskStatusRefining           TaskStatus = "refining"
	TaskStatusApprovedForAudio   TaskStatus = "approved_for_audio"
	TaskStatusGeneratingAudio    TaskStatus = "generating_audio"
	TaskStatusGeneratingVideo    TaskStatus = "generating_video"
	TaskStatusTextApproved       TaskStatus = "text_approved"
	TaskStatusAudioGenerated     TaskStatus = "audio_generated"
	TaskStatusVideoGenerated     TaskStatus = "video_generated"
	TaskStatusFailed             TaskStatus = "failed"
)

// Pipeline stages
type Stage string

const (
	StageGenerate        Stage = "generate"
	StageSupervise       Stage = "supervise"
	StageRefine          Stage = "refine"
	StageSynthesizeAudio Stage = "synthesize_audio"
	StageSynthesizeVideo Stage = "synthesize_video"
	StageCombine         Stage = "combine"
)

// Supervisor verdict summary stored on the task
type SupervisorStatus string

const (
	SupervisorStatusApproved        SupervisorStatus = "approved"
	SupervisorStatusRejectedLength  SupervisorStatus = "rejected_length"
	SupervisorStatusRejectedQuality SupervisorStatus = "rejected_quality"
	SupervisorStatusRestartRequired SupervisorStatus = "restart_required"
)

// Persona identifiers — one pathway per persona for every job.
type PersonaID string

const (
	PersonaVince    PersonaID = "persona_1"
	PersonaElla     PersonaID = "persona_2"
	PersonaReginald PersonaID = "persona_3"
)

var PersonaIDs = []PersonaID{PersonaVince, PersonaElla, PersonaReginald}
