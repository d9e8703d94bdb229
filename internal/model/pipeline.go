package model

// The pipeline graph is expressed as pure functions over task status and job
// flags, so transitions are testable data rather than implicit callback
// chains.

// SuccessTerminalStatus returns the terminal status a task must reach to
// count as successful under the given flags.
func SuccessTerminalStatus(flags JobFlags) TaskStatus {
	if flags.SkipTTS {
		return TaskStatusTextApproved
	}
	if flags.SkipTTV {
		return TaskStatusAudioGenerated
	}
	return TaskStatusVideoGenerated
}

// IsTerminal reports whether a task status permits no further automatic
// transition for the given flags.
func IsTerminal(status TaskStatus, flags JobFlags) bool {
	return status == TaskStatusFailed || status == SuccessTerminalStatus(flags)
}

// StatusAfterGeneration is the state a task enters once generation produced
// text: supervision unless skipped, otherwise straight to the post-approval
// state.
func StatusAfterGeneration(flags JobFlags) TaskStatus {
	if flags.SkipSupervision {
		return StatusAfterApproval(flags)
	}
	return TaskStatusPendingSupervision
}

// StatusAfterApproval is the state a task enters once its text is approved.
func StatusAfterApproval(flags JobFlags) TaskStatus {
	if flags.SkipTTS {
		return TaskStatusTextApproved
	}
	return TaskStatusApprovedForAudio
}

// StatusAfterAudio is the state a task enters once audio is attached.
func StatusAfterAudio(flags JobFlags) TaskStatus {
	if flags.SkipTTV {
		return TaskStatusAudioGenerated
	}
	return TaskStatusGeneratingVideo
}

// NextStageFrom maps a task status to the stage whose executor should run
// next, or false if the status is in-flight, terminal, or otherwise not a
// stage gate.
func NextStageFrom(status TaskStatus) (Stage, bool) {
	switch status {
	case TaskStatusPendingGeneration:
		return StageGenerate, true
	case TaskStatusPendingSupervision:
		return StageSupervise, true
	case TaskStatusNeedsRevision:
		return StageRefine, true
	case TaskStatusApprovedForAudio:
		return StageSynthesizeAudio, true
	case TaskStatusGeneratingVideo:
		return StageSynthesizeVideo, true
	}
	return "", false
}

// GateStatus is the status a task must hold for the stage's executor to do
// any work. Executors invoked in any other status are no-ops, which keeps
// at-least-once delivery safe.
func GateStatus(stage Stage) TaskStatus {
	switch stage {
	case StageGenerate:
		return TaskStatusPendingGeneration
	case StageSupervise:
		return TaskStatusPendingSupervision
	case StageRefine:
		return TaskStatusNeedsRevision
	case StageSynthesizeAudio:
		return TaskStatusApprovedForAudio
	case StageSynthesizeVideo:
		return TaskStatusGeneratingVideo
	}
	return ""
}

// InFlightStage maps an in-flight task status to its stage, for staleness
// threshold lookup during recovery.
func InFlightStage(status TaskStatus) (Stage, bool) {
	switch status {
	case TaskStatusGenerating:
		return StageGenerate, true
	case TaskStatusSupervising:
		return StageSupervise, true
	case TaskStatusRefining:
		return StageRefine, true
	case TaskStatusGeneratingAudio:
		return StageSynthesizeAudio, true
	case TaskStatusGeneratingVideo:
		return StageSynthesizeVideo, true
	}
	return "", false
}

// InferResumeStage derives the stage a wedged or failed task should re-enter
// from the artifacts it already holds. Completed stages are never repeated.
// Returns false when every expected artifact is present (anomaly: nothing to
// resume).
func InferResumeStage(t *Task, flags JobFlags) (Stage, bool) {
	if !t.HasText() {
		return StageGenerate, true
	}
	if flags.SkipTTS {
		return "", false
	}
	if !t.HasAudio() {
		return StageSynthesizeAudio, true
	}
	if flags.SkipTTV {
		return "", false
	}
	if !t.HasVideo() {
		return StageSynthesizeVideo, true
	}
	return "", false
}
