package rotation

import (
	"fmt"
	"time"
)

// Status is a rotation's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRollback   Status = "rollback"
)

// validTransitions is the rotation state machine. A terminal status is set
// exactly once; rollback is reachable only from completed, inside the
// rollback window.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusRollback},
	StatusFailed:     {},
	StatusRollback:   {},
}

// canTransition reports whether moving from one status to another is legal.
func canTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Event records one rotation attempt. Events are append-only; once written
// to the history, only a legal status transition may touch them.
type Event struct {
	RotationID        string    `json:"rotation_id"`
	SecretKey         string    `json:"secret_key"`
	Environment       string    `json:"environment"`
	Status            Status    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
	OldSecretHint     string    `json:"old_secret_hint,omitempty"`
	NewSecretHint     string    `json:"new_secret_hint,omitempty"`
	RollbackAvailable bool      `json:"rollback_available"`
	Error             string    `json:"error,omitempty"`
}

// secretHint keeps the last four characters of a value so an operator can
// recognize which secret an event refers to without the value leaking. Values
// too short to hide most of their content are fully masked.
func secretHint(value string) string {
	if len(value) < 9 {
		return "****"
	}
	return "..." + value[len(value)-4:]
}

// transition moves the event to a new status, or reports the illegal move.
func (e *Event) transition(to Status) error {
	if !canTransition(e.Status, to) {
		return fmt.Errorf("illegal rotation status transition %s -> %s", e.Status, to)
	}
	e.Status = to
	if to == StatusCompleted || to == StatusFailed || to == StatusRollback {
		e.CompletedAt = time.Now().UTC()
	}
	return nil
}
