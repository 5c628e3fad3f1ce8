package server

import (
	"time"

	"orionboard/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	AssignedTo      string   `json:"assigned_to,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	ExpectedVersion *int64   `json:"expected_version,omitempty"`
}

type AssignTaskRequest struct {
	WorkerID        string `json:"worker_id"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type ClaimTaskRequest struct {
	OwnerID         string `json:"owner_id"`
	LeaseSec        int    `json:"lease_sec,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type LeaseHeartbeatRequest struct {
	OwnerID    string `json:"owner_id"`
	LeaseToken string `json:"lease_token"`
	LeaseSec   int    `json:"lease_sec,omitempty"`
}

type ReleaseLeaseRequest struct {
	OwnerID        string `json:"owner_id,omitempty"`
	LeaseToken     string `json:"lease_token,omitempty"`
	NextStatus     string `json:"next_status,omitempty"`
	ForceIfExpired bool   `json:"force_if_expired,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type UpdateStatusRequest struct {
	Status          string `json:"status" enum:"backlog,todo,in_progress,blocked,review,done"`
	OwnerID         string `json:"owner_id,omitempty"`
	LeaseToken      string `json:"lease_token,omitempty"`
	Force           bool   `json:"force,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type RegisterOrionRequest struct {
	WorkerID    string         `json:"worker_id"`
	Config      map[string]any `json:"config,omitempty"`
	LeaseTTLSec int            `json:"lease_ttl_sec,omitempty"`
}

type OrionHeartbeatRequest struct {
	Status      string         `json:"status,omitempty"`
	LeaseTTLSec int            `json:"lease_ttl_sec,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Response payloads. Mutations return the affected entity together with the
// document version the commit produced.

type TaskEnvelope struct {
	Task    domain.Task `json:"task"`
	Version int64       `json:"version"`
}

type ClaimEnvelope struct {
	Task    domain.Task      `json:"task"`
	Lease   domain.LeaseInfo `json:"lease"`
	Version int64            `json:"version"`
}

type DeleteEnvelope struct {
	TaskID  string `json:"task_id"`
	Version int64  `json:"version"`
}

type OrionEnvelope struct {
	Worker  domain.WorkerInstance `json:"worker"`
	Version int64                 `json:"version"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

type OrionListResponse struct {
	Items []orionRow `json:"items"`
}

// orionRow augments the stored registration with derived liveness.
type orionRow struct {
	domain.WorkerInstance
	Alive bool `json:"alive"`
}

type AuditTailResponse struct {
	Items []domain.AuditEntry `json:"items"`
}

func orionRows(workers []domain.WorkerInstance, now time.Time) []orionRow {
	rows := make([]orionRow, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, orionRow{WorkerInstance: w, Alive: w.Alive(now)})
	}
	return rows
}
