package domain

import "time"

// Task statuses. The usual flow is backlog -> todo -> in_progress ->
// review/blocked -> done; review, blocked and done can move back to todo
// (release, rejection, reopen).
const (
	StatusBacklog    = "backlog"
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusReview     = "review"
	StatusDone       = "done"
)

// KnownStatus reports whether s is one of the task statuses above.
func KnownStatus(s string) bool {
	switch s {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusBlocked, StatusReview, StatusDone:
		return true
	}
	return false
}

// StateSnapshot is the root board document. Version increases by exactly one
// on every committed mutation; rejected mutations leave it untouched.
type StateSnapshot struct {
	Version   int64                     `json:"version"`
	UpdatedAt time.Time                 `json:"updated_at,omitzero"`
	Workers   map[string]WorkerInstance `json:"workers"`
	Tasks     []Task                    `json:"tasks"`
	AuditLog  []AuditEntry              `json:"audit_log,omitempty"`
}

// NewStateSnapshot returns an empty document at version 0.
func NewStateSnapshot() *StateSnapshot {
	return &StateSnapshot{
		Workers: map[string]WorkerInstance{},
		Tasks:   []Task{},
	}
}

// Normalize defaults any fields a hand-edited or older document may lack.
func (s *StateSnapshot) Normalize() {
	if s.Workers == nil {
		s.Workers = map[string]WorkerInstance{}
	}
	if s.Tasks == nil {
		s.Tasks = []Task{}
	}
	for i := range s.Tasks {
		if s.Tasks[i].Status == "" {
			s.Tasks[i].Status = StatusBacklog
		}
		if s.Tasks[i].Priority == "" {
			s.Tasks[i].Priority = "normal"
		}
	}
}

// TaskByID returns a pointer into Tasks, or nil.
func (s *StateSnapshot) TaskByID(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Status      string    `json:"status" enum:"backlog,todo,in_progress,blocked,review,done"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Tags        []string  `json:"tags,omitempty"`
	Subtasks    []Subtask `json:"subtasks,omitempty"`
	Comments    []Comment `json:"comments,omitempty"`

	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseToken     string    `json:"lease_token,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`
	ClaimedAt      time.Time `json:"claimed_at,omitzero"`
}

// HasLease reports whether lease fields are populated, expired or not.
func (t Task) HasLease() bool {
	return t.LeaseOwner != "" && t.LeaseToken != ""
}

// LeaseActive reports whether the task carries an unexpired lease.
func (t Task) LeaseActive(now time.Time) bool {
	return t.HasLease() && now.Before(t.LeaseExpiresAt)
}

type Subtask struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

type Comment struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerInstance is one registered orion process. Rows are never evicted;
// liveness is derived from LeaseExpiresAt at query time.
type WorkerInstance struct {
	ID              string         `json:"id"`
	Status          string         `json:"status"`
	Config          map[string]any `json:"config,omitempty"`
	RegisteredAt    time.Time      `json:"registered_at"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
	LeaseTTLSec     int            `json:"lease_ttl_sec"`
	LeaseExpiresAt  time.Time      `json:"lease_expires_at"`
	TasksCompleted  int            `json:"tasks_completed"`
	CurrentTask     string         `json:"current_task,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Alive reports whether the registration TTL has not lapsed.
func (w WorkerInstance) Alive(now time.Time) bool {
	return now.Before(w.LeaseExpiresAt)
}

// LeaseInfo is the ownership grant returned by claim and lease heartbeat.
type LeaseInfo struct {
	OwnerID        string    `json:"owner_id"`
	LeaseToken     string    `json:"lease_token"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	LeaseSec       int       `json:"lease_sec"`
}

type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
}

// Metrics is derived from a consistent snapshot, never stored.
type Metrics struct {
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at,omitzero"`
	TasksTotal        int       `json:"tasks_total"`
	TasksDone         int       `json:"tasks_done"`
	TasksInProgress   int       `json:"tasks_in_progress"`
	TasksBlocked      int       `json:"tasks_blocked"`
	TasksLeased       int       `json:"tasks_leased"`
	CompletionRate    float64   `json:"completion_rate"`
	WorkersRegistered int       `json:"workers_registered"`
	WorkersAlive      int       `json:"workers_alive"`
}
