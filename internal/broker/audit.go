package broker

import "context"

// EventKind enumerates the broker lifecycle events an Auditor may
// record. This is an observability concern only; the broker never reads
// these events back to reconstruct state.
type EventKind string

const (
	EventTaskOpened       EventKind = "task_opened"
	EventTaskClosed       EventKind = "task_closed"
	EventSubtaskSubmitted EventKind = "subtask_submitted"
	EventSubtaskCompleted EventKind = "subtask_completed"
	EventSubtaskReclaimed EventKind = "subtask_reclaimed"
	EventSubtaskDiscarded EventKind = "subtask_discarded"
)

// Event is one lifecycle record. TaskID/SubtaskID are zero-valued when
// not applicable to Kind.
type Event struct {
	Kind       EventKind
	ClientAddr string
	TaskID     TaskID
	SubtaskID  SubtaskID
	Detail     string
}

// Auditor is the pluggable sink for lifecycle events. Implementations
// must be safe for concurrent use: every connection handler goroutine
// may call Record.
type Auditor interface {
	Record(ctx context.Context, ev Event)
}

// NoopAuditor discards every event; it is the broker's default so that
// running without internal/audit configured costs nothing.
type NoopAuditor struct{}

func (NoopAuditor) Record(context.Context, Event) {}
