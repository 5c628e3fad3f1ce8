package engine

import (
	"context"
	"time"

	"orionboard/internal/audit"
	"orionboard/internal/domain"
)

// WorkerRegisterOptions are parameters for registering an orion instance.
type WorkerRegisterOptions struct {
	WorkerID    string
	Config      map[string]any
	LeaseTTLSec int
}

// RegisterWorker creates or refreshes the registration row. Re-registering
// an existing worker preserves its registration time and completion count.
func (e *Engine) RegisterWorker(ctx context.Context, opts WorkerRegisterOptions) (domain.WorkerInstance, int64, error) {
	if opts.WorkerID == "" {
		return domain.WorkerInstance{}, 0, Errorf(CodeMissingWorkerID, "worker_id is required")
	}
	var out domain.WorkerInstance
	snap, err := e.mutate(ctx, nil, func(s *domain.StateSnapshot) error {
		now := e.now().UTC()
		ttl := e.Config.ClampWorkerTTL(opts.LeaseTTLSec)
		w, existed := s.Workers[opts.WorkerID]
		if !existed {
			w = domain.WorkerInstance{
				ID:           opts.WorkerID,
				RegisteredAt: now,
			}
		}
		w.Status = "active"
		w.Config = opts.Config
		w.LastHeartbeatAt = now
		w.LeaseTTLSec = ttl
		w.LeaseExpiresAt = now.Add(time.Duration(ttl) * time.Second)
		s.Workers[opts.WorkerID] = w
		e.Audit.Append(s, audit.ActionOrionRegistered, audit.Details{
			"worker_id":     opts.WorkerID,
			"lease_ttl_sec": ttl,
			"re_registered": existed,
		})
		out = w
		return nil
	})
	if err != nil {
		return domain.WorkerInstance{}, 0, err
	}
	return out, snap.Version, nil
}

// WorkerHeartbeatOptions are parameters for a registration heartbeat.
type WorkerHeartbeatOptions struct {
	WorkerID    string
	Status      string
	LeaseTTLSec int
	Metadata    map[string]any
}

// HeartbeatWorker refreshes an existing registration. The worker must have
// registered first; metadata is merged as a patch.
func (e *Engine) HeartbeatWorker(ctx context.Context, opts WorkerHeartbeatOptions) (domain.WorkerInstance, int64, error) {
	if opts.WorkerID == "" {
		return domain.WorkerInstance{}, 0, Errorf(CodeMissingWorkerID, "worker_id is required")
	}
	var out domain.WorkerInstance
	snap, err := e.mutate(ctx, nil, func(s *domain.StateSnapshot) error {
		w, ok := s.Workers[opts.WorkerID]
		if !ok {
			return Errorf(CodeOrionNotFound, "orion %s is not registered", opts.WorkerID)
		}
		now := e.now().UTC()
		if opts.Status != "" {
			w.Status = opts.Status
		}
		if opts.LeaseTTLSec > 0 {
			w.LeaseTTLSec = e.Config.ClampWorkerTTL(opts.LeaseTTLSec)
		}
		if w.LeaseTTLSec <= 0 {
			w.LeaseTTLSec = e.Config.Workers.TTLSec
		}
		if len(opts.Metadata) > 0 {
			if w.Metadata == nil {
				w.Metadata = map[string]any{}
			}
			for k, v := range opts.Metadata {
				w.Metadata[k] = v
			}
		}
		w.LastHeartbeatAt = now
		w.LeaseExpiresAt = now.Add(time.Duration(w.LeaseTTLSec) * time.Second)
		s.Workers[opts.WorkerID] = w
		e.Audit.Append(s, audit.ActionOrionHeartbeat, audit.Details{
			"worker_id": opts.WorkerID,
			"status":    w.Status,
		})
		out = w
		return nil
	})
	if err != nil {
		return domain.WorkerInstance{}, 0, err
	}
	return out, snap.Version, nil
}

// ListWorkers returns all registration rows, dead ones included; callers
// judge liveness against lease_expires_at themselves.
func (e *Engine) ListWorkers(ctx context.Context) ([]domain.WorkerInstance, error) {
	var out []domain.WorkerInstance
	err := e.view(ctx, func(s *domain.StateSnapshot) error {
		for _, w := range s.Workers {
			out = append(out, w)
		}
		return nil
	})
	return out, err
}
