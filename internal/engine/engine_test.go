package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"orionboard/internal/audit"
	"orionboard/internal/config"
	"orionboard/internal/engine"
	"orionboard/internal/store"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	st, err := store.Open(cfg, dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	env.Engine = engine.New(st, cfg)
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func intPtr(v int64) *int64 { return &v }

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task, version, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "build index"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	if task.Status != "backlog" {
		t.Fatalf("status = %q, want backlog", task.Status)
	}
	if task.Priority != "normal" {
		t.Fatalf("priority = %q, want normal", task.Priority)
	}
	if task.ID == "" {
		t.Fatal("expected generated id")
	}

	assigned, version, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "assigned", AssignedTo: "orion-1"})
	if err != nil {
		t.Fatalf("create assigned task: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
	if assigned.Status != "todo" {
		t.Fatalf("assigned status = %q, want todo", assigned.Status)
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{})
	if engine.CodeOf(err) != engine.CodeMissingTitle {
		t.Fatalf("err = %v, want MISSING_TITLE", err)
	}
}

func TestVersionIncrementsByOnePerMutation(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.AssignTask(env.Ctx, task.ID, "orion-1", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1"}); err != nil {
		t.Fatal(err)
	}
	snap, err := env.Engine.Snapshot(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 3 {
		t.Fatalf("version = %d after 3 mutations, want 3", snap.Version)
	}
}

func TestRejectedMutationLeavesVersionUntouched(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"}); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "b", ExpectedVersion: intPtr(0)})
	if engine.CodeOf(err) != engine.CodeVersionConflict {
		t.Fatalf("err = %v, want VERSION_CONFLICT", err)
	}
	snap, err := env.Engine.Snapshot(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 1 {
		t.Fatalf("version = %d, want 1 (rejected mutation must not commit)", snap.Version)
	}
	if len(snap.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(snap.Tasks))
	}
}

func TestExpectedVersionRace(t *testing.T) {
	env := newTestEnv(t)
	task, version, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	if err != nil {
		t.Fatal(err)
	}
	// Both writers read at the same version; the first wins, the second is
	// told exactly where the document moved.
	if _, _, err := env.Engine.AssignTask(env.Ctx, task.ID, "orion-1", intPtr(version)); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	var ee *engine.Error
	_, _, err = env.Engine.AssignTask(env.Ctx, task.ID, "orion-2", intPtr(version))
	if engine.CodeOf(err) != engine.CodeVersionConflict {
		t.Fatalf("second writer err = %v, want VERSION_CONFLICT", err)
	}
	if !errors.As(err, &ee) || ee.Details["current"] != int64(2) || ee.Details["expected"] != version {
		t.Fatalf("conflict details = %v", ee.Details)
	}
}

func TestNegativeExpectedVersion(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a", ExpectedVersion: intPtr(-1)})
	if engine.CodeOf(err) != engine.CodeInvalidExpectedVersion {
		t.Fatalf("err = %v, want INVALID_EXPECTED_VERSION", err)
	}
}

func TestClaimExclusivity(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	if err != nil {
		t.Fatal(err)
	}
	claimed, lease, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseSec: 60})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != "in_progress" {
		t.Fatalf("status = %q, want in_progress", claimed.Status)
	}
	if lease.LeaseToken == "" || lease.LeaseSec != 60 {
		t.Fatalf("lease = %+v", lease)
	}
	if !claimed.LeaseExpiresAt.Equal(env.now.Add(60 * time.Second)) {
		t.Fatalf("expires at %v", claimed.LeaseExpiresAt)
	}

	var ee *engine.Error
	_, _, _, err = env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-2"})
	if engine.CodeOf(err) != engine.CodeLeaseConflict {
		t.Fatalf("second claim err = %v, want LEASE_CONFLICT", err)
	}
	if !errors.As(err, &ee) || ee.Details["lease_owner"] != "orion-1" {
		t.Fatalf("conflict details = %v", ee.Details)
	}
}

func TestClaimIdempotentForHolder(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, first, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseSec: 60})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(30 * time.Second)
	_, second, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseSec: 60})
	if err != nil {
		t.Fatalf("re-claim by holder: %v", err)
	}
	if second.LeaseToken != first.LeaseToken {
		t.Fatal("re-claim by holder must keep the token")
	}
	if !second.LeaseExpiresAt.After(first.LeaseExpiresAt) {
		t.Fatal("re-claim must extend the expiry")
	}
}

func TestClaimAfterExpiryMintsFreshToken(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, first, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseSec: 60})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(61 * time.Second)
	_, second, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-2", LeaseSec: 60})
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if second.OwnerID != "orion-2" {
		t.Fatalf("owner = %q", second.OwnerID)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Fatal("takeover must mint a fresh token")
	}
	// The dead owner's stale token is now useless.
	_, _, _, err = env.Engine.HeartbeatLease(env.Ctx, engine.LeaseHeartbeatOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseToken: first.LeaseToken})
	if engine.CodeOf(err) != engine.CodeLeaseConflict {
		t.Fatalf("stale heartbeat err = %v, want LEASE_CONFLICT", err)
	}
}

func TestClaimClampsLeaseSeconds(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, lease, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseSec: 1})
	if err != nil {
		t.Fatal(err)
	}
	if lease.LeaseSec != config.MinLeaseSec {
		t.Fatalf("lease_sec = %d, want clamped to %d", lease.LeaseSec, config.MinLeaseSec)
	}
	_, lease, _, err = env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseSec: 999999})
	if err != nil {
		t.Fatal(err)
	}
	if lease.LeaseSec != config.MaxLeaseSec {
		t.Fatalf("lease_sec = %d, want clamped to %d", lease.LeaseSec, config.MaxLeaseSec)
	}
}

func TestHeartbeatLease(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, lease, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseSec: 60})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(30 * time.Second)
	renewedTask, renewed, _, err := env.Engine.HeartbeatLease(env.Ctx, engine.LeaseHeartbeatOptions{
		TaskID: task.ID, OwnerID: "orion-1", LeaseToken: lease.LeaseToken, LeaseSec: 60,
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !renewed.LeaseExpiresAt.Equal(env.now.Add(60 * time.Second)) {
		t.Fatalf("expiry = %v", renewed.LeaseExpiresAt)
	}
	if renewed.LeaseToken != lease.LeaseToken {
		t.Fatal("heartbeat must not rotate the token")
	}
	if renewedTask.Status != "in_progress" {
		t.Fatalf("heartbeat must not change status, got %q", renewedTask.Status)
	}

	_, _, _, err = env.Engine.HeartbeatLease(env.Ctx, engine.LeaseHeartbeatOptions{
		TaskID: task.ID, OwnerID: "orion-1", LeaseToken: "wrong",
	})
	if engine.CodeOf(err) != engine.CodeLeaseConflict {
		t.Fatalf("wrong token err = %v, want LEASE_CONFLICT", err)
	}

	env.advance(2 * time.Minute)
	_, _, _, err = env.Engine.HeartbeatLease(env.Ctx, engine.LeaseHeartbeatOptions{
		TaskID: task.ID, OwnerID: "orion-1", LeaseToken: lease.LeaseToken,
	})
	if engine.CodeOf(err) != engine.CodeLeaseExpired {
		t.Fatalf("expired heartbeat err = %v, want LEASE_EXPIRED", err)
	}
}

func TestReleaseLease(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, lease, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1"})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = env.Engine.ReleaseLease(env.Ctx, engine.LeaseReleaseOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseToken: "wrong"})
	if engine.CodeOf(err) != engine.CodeLeaseConflict {
		t.Fatalf("wrong token err = %v, want LEASE_CONFLICT", err)
	}
	_, _, err = env.Engine.ReleaseLease(env.Ctx, engine.LeaseReleaseOptions{TaskID: task.ID, OwnerID: "orion-1"})
	if engine.CodeOf(err) != engine.CodeMissingLeaseContext {
		t.Fatalf("missing token err = %v, want MISSING_LEASE_CONTEXT", err)
	}

	released, _, err := env.Engine.ReleaseLease(env.Ctx, engine.LeaseReleaseOptions{
		TaskID: task.ID, OwnerID: "orion-1", LeaseToken: lease.LeaseToken,
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != "todo" {
		t.Fatalf("status after release = %q, want todo", released.Status)
	}
	if released.HasLease() || !released.LeaseExpiresAt.IsZero() || !released.ClaimedAt.IsZero() {
		t.Fatalf("lease fields must be cleared: %+v", released)
	}
}

func TestReleaseWithNextStatus(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, lease, _, _ := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1"})
	released, _, err := env.Engine.ReleaseLease(env.Ctx, engine.LeaseReleaseOptions{
		TaskID: task.ID, OwnerID: "orion-1", LeaseToken: lease.LeaseToken, NextStatus: "review",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != "review" {
		t.Fatalf("status = %q, want review", released.Status)
	}

	_, _, err = env.Engine.ReleaseLease(env.Ctx, engine.LeaseReleaseOptions{
		TaskID: task.ID, OwnerID: "orion-1", LeaseToken: lease.LeaseToken, NextStatus: "bogus",
	})
	if engine.CodeOf(err) != engine.CodeInvalidStatus {
		t.Fatalf("bogus next_status err = %v, want INVALID_STATUS", err)
	}
}

func TestForcedReleaseRefusesActiveLease(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	if _, _, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseSec: 60}); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.ReleaseLease(env.Ctx, engine.LeaseReleaseOptions{
		TaskID: task.ID, ForceIfExpired: true, ActorID: "watchdog",
	})
	if engine.CodeOf(err) != engine.CodeLeaseNotExpired {
		t.Fatalf("err = %v, want LEASE_NOT_EXPIRED", err)
	}
}

func TestForcedReleaseAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	if _, _, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseSec: 60}); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Minute)

	_, _, err := env.Engine.ReleaseLease(env.Ctx, engine.LeaseReleaseOptions{TaskID: task.ID, ForceIfExpired: true})
	if engine.CodeOf(err) != engine.CodeMissingActorID {
		t.Fatalf("err = %v, want MISSING_ACTOR_ID", err)
	}

	released, _, err := env.Engine.ReleaseLease(env.Ctx, engine.LeaseReleaseOptions{
		TaskID: task.ID, ForceIfExpired: true, ActorID: "watchdog", Reason: "owner crashed",
	})
	if err != nil {
		t.Fatalf("forced release: %v", err)
	}
	if released.HasLease() {
		t.Fatal("forced release must clear the lease")
	}
	if released.Status != "todo" {
		t.Fatalf("status = %q, want todo", released.Status)
	}

	entries, err := env.Engine.AuditTail(env.Ctx, 5, audit.ActionTaskForceReleased)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("forced release audit entries = %d, want 1", len(entries))
	}
	if entries[0].Details["actor_id"] != "watchdog" || entries[0].Details["reason"] != "owner crashed" {
		t.Fatalf("audit details = %v", entries[0].Details)
	}
}

func TestUpdateStatusLeaseGuard(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, lease, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1"})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{TaskID: task.ID, NewStatus: "review"})
	if engine.CodeOf(err) != engine.CodeMissingLeaseContext {
		t.Fatalf("no creds err = %v, want MISSING_LEASE_CONTEXT", err)
	}
	_, _, err = env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{
		TaskID: task.ID, NewStatus: "review", OwnerID: "orion-2", LeaseToken: lease.LeaseToken,
	})
	if engine.CodeOf(err) != engine.CodeLeaseConflict {
		t.Fatalf("wrong owner err = %v, want LEASE_CONFLICT", err)
	}

	updated, _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{
		TaskID: task.ID, NewStatus: "review", OwnerID: "orion-1", LeaseToken: lease.LeaseToken,
	})
	if err != nil {
		t.Fatalf("holder update: %v", err)
	}
	if updated.Status != "review" {
		t.Fatalf("status = %q", updated.Status)
	}

	forced, _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{
		TaskID: task.ID, NewStatus: "blocked", Force: true,
	})
	if err != nil {
		t.Fatalf("forced update: %v", err)
	}
	if forced.Status != "blocked" {
		t.Fatalf("status = %q", forced.Status)
	}
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{TaskID: task.ID, NewStatus: "finished"})
	if engine.CodeOf(err) != engine.CodeInvalidStatus {
		t.Fatalf("err = %v, want INVALID_STATUS", err)
	}
}

func TestDoneCreditsWorker(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.RegisterWorker(env.Ctx, engine.WorkerRegisterOptions{WorkerID: "orion-1"}); err != nil {
		t.Fatal(err)
	}
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, lease, _, err := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{
		TaskID: task.ID, NewStatus: "done", OwnerID: "orion-1", LeaseToken: lease.LeaseToken,
	}); err != nil {
		t.Fatal(err)
	}
	snap, err := env.Engine.Snapshot(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	w := snap.Workers["orion-1"]
	if w.TasksCompleted != 1 {
		t.Fatalf("tasks_completed = %d, want 1", w.TasksCompleted)
	}
	if w.CurrentTask != "" {
		t.Fatalf("current_task = %q, want cleared", w.CurrentTask)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	version, err := env.Engine.DeleteTask(env.Ctx, task.ID, nil)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
	_, err = env.Engine.GetTask(env.Ctx, task.ID)
	if engine.CodeOf(err) != engine.CodeTaskNotFound {
		t.Fatalf("err = %v, want TASK_NOT_FOUND", err)
	}
	_, err = env.Engine.DeleteTask(env.Ctx, task.ID, nil)
	if engine.CodeOf(err) != engine.CodeTaskNotFound {
		t.Fatalf("double delete err = %v, want TASK_NOT_FOUND", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "b", AssignedTo: "orion-1"})
	env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "c", AssignedTo: "orion-2"})

	all, err := env.Engine.ListTasks(env.Ctx, engine.TaskFilters{})
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d (%v), want 3", len(all), err)
	}
	todos, _ := env.Engine.ListTasks(env.Ctx, engine.TaskFilters{Status: "todo"})
	if len(todos) != 2 {
		t.Fatalf("todo = %d, want 2", len(todos))
	}
	mine, _ := env.Engine.ListTasks(env.Ctx, engine.TaskFilters{AssignedTo: "orion-1"})
	if len(mine) != 1 || mine[0].Title != "b" {
		t.Fatalf("assigned filter = %+v", mine)
	}
}

func TestAuditTrailCoversLeaseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	_, lease, _, _ := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: task.ID, OwnerID: "orion-1"})
	env.Engine.HeartbeatLease(env.Ctx, engine.LeaseHeartbeatOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseToken: lease.LeaseToken})
	env.Engine.ReleaseLease(env.Ctx, engine.LeaseReleaseOptions{TaskID: task.ID, OwnerID: "orion-1", LeaseToken: lease.LeaseToken})

	entries, err := env.Engine.AuditTail(env.Ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		audit.ActionTaskCreated,
		audit.ActionTaskClaimed,
		audit.ActionTaskLeaseRenewed,
		audit.ActionTaskReleased,
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %d, want %d", len(entries), len(want))
	}
	for i, action := range want {
		if entries[i].Action != action {
			t.Fatalf("entries[%d] = %q, want %q", i, entries[i].Action, action)
		}
	}

	claims, _ := env.Engine.AuditTail(env.Ctx, 10, audit.ActionTaskClaimed)
	if len(claims) != 1 {
		t.Fatalf("claim entries = %d, want 1", len(claims))
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.RegisterWorker(env.Ctx, engine.WorkerRegisterOptions{WorkerID: "orion-1"})
	env.Engine.RegisterWorker(env.Ctx, engine.WorkerRegisterOptions{WorkerID: "orion-2"})
	t1, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	t2, _, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "b"})
	env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "c"})
	_, lease, _, _ := env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: t1.ID, OwnerID: "orion-1"})
	env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdateOptions{
		TaskID: t1.ID, NewStatus: "done", OwnerID: "orion-1", LeaseToken: lease.LeaseToken,
	})
	env.Engine.ClaimTask(env.Ctx, engine.TaskClaimOptions{TaskID: t2.ID, OwnerID: "orion-2"})

	m, err := env.Engine.Metrics(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.TasksTotal != 3 || m.TasksDone != 1 || m.TasksInProgress != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	// t1's lease is still running even though the task is done.
	if m.TasksLeased != 2 {
		t.Fatalf("leased = %d, want 2", m.TasksLeased)
	}
	if m.CompletionRate != 1.0/3.0 {
		t.Fatalf("completion = %v", m.CompletionRate)
	}
	if m.WorkersRegistered != 2 || m.WorkersAlive != 2 {
		t.Fatalf("workers = %d/%d", m.WorkersAlive, m.WorkersRegistered)
	}
}

func TestStatePersistsAcrossEngines(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	st, err := store.Open(cfg, dir)
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(st, cfg)
	ctx := context.Background()
	task, _, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "survive restart"})
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	st2, err := store.Open(cfg, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	eng2 := engine.New(st2, cfg)
	got, err := eng2.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("after reopen: %v", err)
	}
	if got.Title != "survive restart" {
		t.Fatalf("title = %q", got.Title)
	}
	snap, _ := eng2.Snapshot(ctx)
	if snap.Version != 1 {
		t.Fatalf("version = %d, want 1", snap.Version)
	}
}
