package eventbus

import "time"

// Event types.
const (
	TypeTemplate = "template"       // Data: TemplateEvent
	TypeTask     = "task.state"     // Data: TaskEvent
	TypeBatch    = "dispatch.batch" // Data: BatchEvent
)

// TemplateEvent records one lifecycle action on a template. The audit sink
// persists these.
type TemplateEvent struct {
	TemplateID int64
	Action     string
	Actor      string
	Detail     string
}

// TaskEvent is published by the task engine when a task changes state.
type TaskEvent struct {
	ID       string
	Name     string
	State    string // "started", "success", "failed", "skipped"
	Duration time.Duration
	Err      string
}

// BatchEvent summarizes one dispatch batch.
type BatchEvent struct {
	BatchID    string
	TemplateID int64
	Mode       string
	Success    int
	Fail       int
	Skipped    int
	Duration   time.Duration
	Err        string
}
