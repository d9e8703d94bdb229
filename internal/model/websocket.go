package model

// WebSocket message types
const (
	WSMessageTypeTask     = "task"
	WSMessageTypeJob      = "job"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSTaskMessage reports a task status transition
type WSTaskMessage struct {
	Type      string     `json:"type"`
	JobID     string     `json:"jobId"`
	PersonaID PersonaID  `json:"personaId"`
	Status    TaskStatus `json:"status"`
}

// WSJobMessage reports a job status transition
type WSJobMessage struct {
	Type   string    `json:"type"`
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// WSErrorMessage reports a task or job failure
type WSErrorMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
