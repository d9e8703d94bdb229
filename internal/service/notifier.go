package service

import "github.com/evalpanel/api/internal/model"

// Notifier pushes live status transitions to subscribed clients. A no-op
// implementation is fine; the pipeline never depends on delivery.
type Notifier interface {
	NotifyJob(jobID string, status model.JobStatus)
	NotifyTask(jobID string, personaID model.PersonaID, status model.TaskStatus)
	NotifyError(jobID, code, message string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyJob(string, model.JobStatus)                    {}
func (NopNotifier) NotifyTask(string, model.PersonaID, model.TaskStatus) {}
func (NopNotifier) NotifyError(string, string, string)                   {}
