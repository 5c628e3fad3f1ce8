// Package engine implements the task board and lease protocol shared by a
// fleet of orion worker processes. Every operation runs one guarded
// load-mutate-commit cycle: a process-local mutex queues callers inside the
// process, the store lock serializes across processes, and the committed
// document versions form a total order.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"orionboard/internal/audit"
	"orionboard/internal/config"
	"orionboard/internal/domain"
	"orionboard/internal/store"
)

type Engine struct {
	Store  store.Store
	Config *config.Config
	Audit  audit.Writer
	Now    func() time.Time

	mu sync.Mutex
}

func New(st store.Store, cfg *config.Config) *Engine {
	e := &Engine{
		Store:  st,
		Config: cfg,
		Now:    time.Now,
	}
	e.Audit = audit.Writer{Max: cfg.Audit.MaxEntries, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// mutate runs fn inside the guarded cycle and commits on success. The
// version check happens against the freshly loaded document, so a stale
// expected version is detected at commit time no matter how long ago the
// caller read its snapshot. Any error from fn aborts without a commit.
func (e *Engine) mutate(ctx context.Context, expected *int64, fn func(*domain.StateSnapshot) error) (*domain.StateSnapshot, error) {
	if expected != nil && *expected < 0 {
		return nil, Errorf(CodeInvalidExpectedVersion, "expected_version %d is negative", *expected)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	unlock, err := e.Store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	snap, err := e.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if expected != nil && *expected != snap.Version {
		return nil, &Error{
			Code:    CodeVersionConflict,
			Message: "document moved past expected version",
			Details: map[string]any{"expected": *expected, "current": snap.Version},
		}
	}
	if err := fn(snap); err != nil {
		return nil, err
	}
	snap.Version++
	snap.UpdatedAt = e.now().UTC()
	if err := e.Store.Commit(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// view runs fn against a consistent snapshot under the same guard, so a
// reader never races a writer mid-cycle.
func (e *Engine) view(ctx context.Context, fn func(*domain.StateSnapshot) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	unlock, err := e.Store.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	snap, err := e.Store.Load(ctx)
	if err != nil {
		return err
	}
	return fn(snap)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title           string
	Description     string
	Priority        string
	AssignedTo      string
	Tags            []string
	ExpectedVersion *int64
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, int64, error) {
	if opts.Title == "" {
		return domain.Task{}, 0, Errorf(CodeMissingTitle, "title is required")
	}
	if opts.Priority == "" {
		opts.Priority = "normal"
	}
	var created domain.Task
	snap, err := e.mutate(ctx, opts.ExpectedVersion, func(s *domain.StateSnapshot) error {
		now := e.now().UTC()
		status := domain.StatusBacklog
		if opts.AssignedTo != "" {
			status = domain.StatusTodo
		}
		created = domain.Task{
			ID:          uuid.NewString(),
			Title:       opts.Title,
			Description: opts.Description,
			Priority:    opts.Priority,
			Status:      status,
			AssignedTo:  opts.AssignedTo,
			Tags:        opts.Tags,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.Tasks = append(s.Tasks, created)
		e.Audit.Append(s, audit.ActionTaskCreated, audit.Details{
			"task_id": created.ID,
			"title":   created.Title,
			"status":  created.Status,
		})
		return nil
	})
	if err != nil {
		return domain.Task{}, 0, err
	}
	return created, snap.Version, nil
}

func (e *Engine) AssignTask(ctx context.Context, taskID, workerID string, expectedVersion *int64) (domain.Task, int64, error) {
	if workerID == "" {
		return domain.Task{}, 0, Errorf(CodeMissingWorkerID, "worker_id is required")
	}
	var out domain.Task
	snap, err := e.mutate(ctx, expectedVersion, func(s *domain.StateSnapshot) error {
		t := s.TaskByID(taskID)
		if t == nil {
			return Errorf(CodeTaskNotFound, "task %s not found", taskID)
		}
		t.AssignedTo = workerID
		// Only promote fresh tasks; assignment must not regress a task
		// already past todo.
		if t.Status == domain.StatusBacklog {
			t.Status = domain.StatusTodo
		}
		t.UpdatedAt = e.now().UTC()
		e.Audit.Append(s, audit.ActionTaskAssigned, audit.Details{
			"task_id":   t.ID,
			"worker_id": workerID,
		})
		out = *t
		return nil
	})
	if err != nil {
		return domain.Task{}, 0, err
	}
	return out, snap.Version, nil
}

// TaskClaimOptions are parameters for claiming exclusive task ownership.
type TaskClaimOptions struct {
	TaskID          string
	OwnerID         string
	LeaseSec        int
	ExpectedVersion *int64
}

// ClaimTask grants a time-bounded exclusive lease. A claim by the current
// owner while its lease is still active is an idempotent refresh and keeps
// the token; an expired lease may be taken over by anyone and gets a fresh
// token.
func (e *Engine) ClaimTask(ctx context.Context, opts TaskClaimOptions) (domain.Task, domain.LeaseInfo, int64, error) {
	if opts.OwnerID == "" {
		return domain.Task{}, domain.LeaseInfo{}, 0, Errorf(CodeMissingOwnerID, "owner_id is required")
	}
	var out domain.Task
	var lease domain.LeaseInfo
	snap, err := e.mutate(ctx, opts.ExpectedVersion, func(s *domain.StateSnapshot) error {
		t := s.TaskByID(opts.TaskID)
		if t == nil {
			return Errorf(CodeTaskNotFound, "task %s not found", opts.TaskID)
		}
		now := e.now().UTC()
		if t.LeaseActive(now) && t.LeaseOwner != opts.OwnerID {
			return &Error{
				Code:    CodeLeaseConflict,
				Message: "task is leased by another owner",
				Details: map[string]any{
					"lease_owner":      t.LeaseOwner,
					"lease_expires_at": t.LeaseExpiresAt,
				},
			}
		}
		leaseSec := e.Config.ClampLease(opts.LeaseSec)
		token := t.LeaseToken
		if !t.LeaseActive(now) || t.LeaseOwner != opts.OwnerID {
			token = uuid.NewString()
		}
		t.LeaseOwner = opts.OwnerID
		t.LeaseToken = token
		t.LeaseExpiresAt = now.Add(time.Duration(leaseSec) * time.Second)
		if t.ClaimedAt.IsZero() {
			t.ClaimedAt = now
		}
		if t.Status == domain.StatusBacklog || t.Status == domain.StatusTodo {
			t.Status = domain.StatusInProgress
		}
		t.UpdatedAt = now
		if w, ok := s.Workers[opts.OwnerID]; ok {
			w.CurrentTask = t.ID
			s.Workers[opts.OwnerID] = w
		}
		e.Audit.Append(s, audit.ActionTaskClaimed, audit.Details{
			"task_id":    t.ID,
			"owner_id":   opts.OwnerID,
			"lease_sec":  leaseSec,
			"expires_at": t.LeaseExpiresAt,
		})
		out = *t
		lease = domain.LeaseInfo{
			OwnerID:        opts.OwnerID,
			LeaseToken:     token,
			LeaseExpiresAt: t.LeaseExpiresAt,
			LeaseSec:       leaseSec,
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, domain.LeaseInfo{}, 0, err
	}
	return out, lease, snap.Version, nil
}

// LeaseHeartbeatOptions are parameters for renewing a held lease.
type LeaseHeartbeatOptions struct {
	TaskID     string
	OwnerID    string
	LeaseToken string
	LeaseSec   int
}

// HeartbeatLease extends a lease the caller still holds. Only the expiry
// moves; status and token are untouched, so repeated heartbeats are
// idempotent.
func (e *Engine) HeartbeatLease(ctx context.Context, opts LeaseHeartbeatOptions) (domain.Task, domain.LeaseInfo, int64, error) {
	if opts.OwnerID == "" {
		return domain.Task{}, domain.LeaseInfo{}, 0, Errorf(CodeMissingOwnerID, "owner_id is required")
	}
	if opts.LeaseToken == "" {
		return domain.Task{}, domain.LeaseInfo{}, 0, Errorf(CodeMissingLeaseContext, "lease_token is required")
	}
	var out domain.Task
	var lease domain.LeaseInfo
	snap, err := e.mutate(ctx, nil, func(s *domain.StateSnapshot) error {
		t := s.TaskByID(opts.TaskID)
		if t == nil {
			return Errorf(CodeTaskNotFound, "task %s not found", opts.TaskID)
		}
		now := e.now().UTC()
		if !t.LeaseActive(now) {
			return Errorf(CodeLeaseExpired, "lease on task %s is not active", opts.TaskID)
		}
		if t.LeaseOwner != opts.OwnerID || t.LeaseToken != opts.LeaseToken {
			return Errorf(CodeLeaseConflict, "lease on task %s is held by another owner or token", opts.TaskID)
		}
		leaseSec := e.Config.ClampLease(opts.LeaseSec)
		t.LeaseExpiresAt = now.Add(time.Duration(leaseSec) * time.Second)
		e.Audit.Append(s, audit.ActionTaskLeaseRenewed, audit.Details{
			"task_id":    t.ID,
			"owner_id":   opts.OwnerID,
			"expires_at": t.LeaseExpiresAt,
		})
		out = *t
		lease = domain.LeaseInfo{
			OwnerID:        opts.OwnerID,
			LeaseToken:     opts.LeaseToken,
			LeaseExpiresAt: t.LeaseExpiresAt,
			LeaseSec:       leaseSec,
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, domain.LeaseInfo{}, 0, err
	}
	return out, lease, snap.Version, nil
}

// LeaseReleaseOptions are parameters for releasing a lease. The forced path
// is the crash-recovery escape hatch: a watchdog may reclaim a lease whose
// owner died, but never preempt a live one.
type LeaseReleaseOptions struct {
	TaskID         string
	OwnerID        string
	LeaseToken     string
	NextStatus     string
	ForceIfExpired bool
	ActorID        string
	Reason         string
}

func (e *Engine) ReleaseLease(ctx context.Context, opts LeaseReleaseOptions) (domain.Task, int64, error) {
	if opts.NextStatus != "" && !domain.KnownStatus(opts.NextStatus) {
		return domain.Task{}, 0, Errorf(CodeInvalidStatus, "unknown status %q", opts.NextStatus)
	}
	if opts.ForceIfExpired {
		if opts.ActorID == "" {
			return domain.Task{}, 0, Errorf(CodeMissingActorID, "actor_id is required for forced release")
		}
	} else {
		if opts.OwnerID == "" {
			return domain.Task{}, 0, Errorf(CodeMissingOwnerID, "owner_id is required")
		}
		if opts.LeaseToken == "" {
			return domain.Task{}, 0, Errorf(CodeMissingLeaseContext, "lease_token is required")
		}
	}
	var out domain.Task
	snap, err := e.mutate(ctx, nil, func(s *domain.StateSnapshot) error {
		t := s.TaskByID(opts.TaskID)
		if t == nil {
			return Errorf(CodeTaskNotFound, "task %s not found", opts.TaskID)
		}
		now := e.now().UTC()
		action := audit.ActionTaskReleased
		if opts.ForceIfExpired {
			if t.LeaseActive(now) {
				return &Error{
					Code:    CodeLeaseNotExpired,
					Message: "lease is still active; refuse to preempt",
					Details: map[string]any{"lease_expires_at": t.LeaseExpiresAt},
				}
			}
			if opts.OwnerID != "" && t.LeaseOwner != "" && opts.OwnerID != t.LeaseOwner {
				return Errorf(CodeLeaseConflict, "stored lease owner %s does not match %s", t.LeaseOwner, opts.OwnerID)
			}
			action = audit.ActionTaskForceReleased
		} else if t.LeaseOwner != opts.OwnerID || t.LeaseToken != opts.LeaseToken {
			return Errorf(CodeLeaseConflict, "lease on task %s does not match owner and token", opts.TaskID)
		}
		prevOwner := t.LeaseOwner
		t.LeaseOwner = ""
		t.LeaseToken = ""
		t.LeaseExpiresAt = time.Time{}
		t.ClaimedAt = time.Time{}
		if opts.NextStatus != "" {
			t.Status = opts.NextStatus
		} else if t.Status == domain.StatusInProgress {
			t.Status = domain.StatusTodo
		}
		t.UpdatedAt = now
		e.creditWorker(s, t, prevOwner)
		details := audit.Details{"task_id": t.ID, "status": t.Status}
		if prevOwner != "" {
			details["owner_id"] = prevOwner
		}
		if opts.ForceIfExpired {
			details["actor_id"] = opts.ActorID
		}
		if opts.Reason != "" {
			details["reason"] = opts.Reason
		}
		e.Audit.Append(s, action, details)
		out = *t
		return nil
	})
	if err != nil {
		return domain.Task{}, 0, err
	}
	return out, snap.Version, nil
}

// StatusUpdateOptions are parameters for a direct status change.
type StatusUpdateOptions struct {
	TaskID          string
	NewStatus       string
	OwnerID         string
	LeaseToken      string
	Force           bool
	ExpectedVersion *int64
}

// UpdateTaskStatus changes a task's status. While a lease is active the
// caller must present the matching owner and token; Force bypasses the
// ownership check (administrative override) but not the version check.
func (e *Engine) UpdateTaskStatus(ctx context.Context, opts StatusUpdateOptions) (domain.Task, int64, error) {
	if !domain.KnownStatus(opts.NewStatus) {
		return domain.Task{}, 0, Errorf(CodeInvalidStatus, "unknown status %q", opts.NewStatus)
	}
	var out domain.Task
	snap, err := e.mutate(ctx, opts.ExpectedVersion, func(s *domain.StateSnapshot) error {
		t := s.TaskByID(opts.TaskID)
		if t == nil {
			return Errorf(CodeTaskNotFound, "task %s not found", opts.TaskID)
		}
		now := e.now().UTC()
		if t.LeaseActive(now) && !opts.Force {
			if opts.OwnerID == "" || opts.LeaseToken == "" {
				return Errorf(CodeMissingLeaseContext, "task %s is leased; owner_id and lease_token required", opts.TaskID)
			}
			if t.LeaseOwner != opts.OwnerID || t.LeaseToken != opts.LeaseToken {
				return Errorf(CodeLeaseConflict, "lease on task %s does not match owner and token", opts.TaskID)
			}
		}
		prev := t.Status
		t.Status = opts.NewStatus
		t.UpdatedAt = now
		if t.Status == domain.StatusDone && prev != domain.StatusDone {
			e.creditWorker(s, t, t.LeaseOwner)
		}
		e.Audit.Append(s, audit.ActionTaskUpdated, audit.Details{
			"task_id": t.ID,
			"from":    prev,
			"to":      t.Status,
			"forced":  opts.Force,
		})
		out = *t
		return nil
	})
	if err != nil {
		return domain.Task{}, 0, err
	}
	return out, snap.Version, nil
}

func (e *Engine) DeleteTask(ctx context.Context, taskID string, expectedVersion *int64) (int64, error) {
	snap, err := e.mutate(ctx, expectedVersion, func(s *domain.StateSnapshot) error {
		for i := range s.Tasks {
			if s.Tasks[i].ID == taskID {
				s.Tasks = append(s.Tasks[:i], s.Tasks[i+1:]...)
				e.Audit.Append(s, audit.ActionTaskDeleted, audit.Details{"task_id": taskID})
				return nil
			}
		}
		return Errorf(CodeTaskNotFound, "task %s not found", taskID)
	})
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}

// creditWorker updates the bookkeeping on the worker that finished or let
// go of a task: done tasks bump tasks_completed, and current_task is
// cleared when it points at this task.
func (e *Engine) creditWorker(s *domain.StateSnapshot, t *domain.Task, ownerID string) {
	id := ownerID
	if id == "" {
		id = t.AssignedTo
	}
	if id == "" {
		return
	}
	w, ok := s.Workers[id]
	if !ok {
		return
	}
	if t.Status == domain.StatusDone {
		w.TasksCompleted++
	}
	if w.CurrentTask == t.ID {
		w.CurrentTask = ""
	}
	s.Workers[id] = w
}

func (e *Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var out domain.Task
	err := e.view(ctx, func(s *domain.StateSnapshot) error {
		t := s.TaskByID(taskID)
		if t == nil {
			return Errorf(CodeTaskNotFound, "task %s not found", taskID)
		}
		out = *t
		return nil
	})
	return out, err
}

// TaskFilters narrow ListTasks output.
type TaskFilters struct {
	Status     string
	AssignedTo string
}

func (e *Engine) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var out []domain.Task
	err := e.view(ctx, func(s *domain.StateSnapshot) error {
		for _, t := range s.Tasks {
			if f.Status != "" && t.Status != f.Status {
				continue
			}
			if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// Snapshot returns the whole document, read under the guard so it is never
// observed mid-cycle.
func (e *Engine) Snapshot(ctx context.Context) (domain.StateSnapshot, error) {
	var out domain.StateSnapshot
	err := e.view(ctx, func(s *domain.StateSnapshot) error {
		out = *s
		return nil
	})
	return out, err
}

// AuditTail returns the newest n audit entries, optionally filtered by
// action, oldest first.
func (e *Engine) AuditTail(ctx context.Context, n int, action string) ([]domain.AuditEntry, error) {
	if n <= 0 {
		n = 20
	}
	var out []domain.AuditEntry
	err := e.view(ctx, func(s *domain.StateSnapshot) error {
		for _, entry := range s.AuditLog {
			if action != "" && entry.Action != action {
				continue
			}
			out = append(out, entry)
		}
		if len(out) > n {
			out = out[len(out)-n:]
		}
		return nil
	})
	return out, err
}

// Metrics derives the board counters from one consistent snapshot.
func (e *Engine) Metrics(ctx context.Context) (domain.Metrics, error) {
	var m domain.Metrics
	err := e.view(ctx, func(s *domain.StateSnapshot) error {
		now := e.now().UTC()
		m.Version = s.Version
		m.UpdatedAt = s.UpdatedAt
		m.TasksTotal = len(s.Tasks)
		for _, t := range s.Tasks {
			switch t.Status {
			case domain.StatusDone:
				m.TasksDone++
			case domain.StatusInProgress:
				m.TasksInProgress++
			case domain.StatusBlocked:
				m.TasksBlocked++
			}
			if t.LeaseActive(now) {
				m.TasksLeased++
			}
		}
		if m.TasksTotal > 0 {
			m.CompletionRate = float64(m.TasksDone) / float64(m.TasksTotal)
		}
		m.WorkersRegistered = len(s.Workers)
		for _, w := range s.Workers {
			if w.Alive(now) {
				m.WorkersAlive++
			}
		}
		return nil
	})
	return m, err
}
