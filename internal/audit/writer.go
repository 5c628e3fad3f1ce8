package audit

import (
	"time"

	"orionboard/internal/domain"
)

// Actions recorded by mutating operations.
const (
	ActionTaskCreated       = "task_created"
	ActionTaskAssigned      = "task_assigned"
	ActionTaskClaimed       = "task_claimed"
	ActionTaskLeaseRenewed  = "task_lease_renewed"
	ActionTaskReleased      = "task_released"
	ActionTaskForceReleased = "task_force_released"
	ActionTaskUpdated       = "task_updated"
	ActionTaskDeleted       = "task_deleted"
	ActionOrionRegistered   = "orion_registered"
	ActionOrionHeartbeat    = "orion_heartbeat"
)

type Details map[string]any

// Writer appends entries to a document's audit log and trims it to Max,
// oldest first. The log is a recent-history diagnostic trail, not a system
// of record.
type Writer struct {
	Max int
	Now func() time.Time
}

func (w Writer) Append(snap *domain.StateSnapshot, action string, details Details) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if details == nil {
		details = Details{}
	}
	snap.AuditLog = append(snap.AuditLog, domain.AuditEntry{
		Timestamp: now().UTC(),
		Action:    action,
		Details:   details,
	})
	max := w.Max
	if max <= 0 {
		max = 500
	}
	if n := len(snap.AuditLog); n > max {
		snap.AuditLog = snap.AuditLog[n-max:]
	}
}
