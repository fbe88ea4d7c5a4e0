package gen

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zimagehq/zimage/internal/auth"
)

// fakeBackend is an in-memory execution backend: ids are sequential, states
// live in a map, cancel flips pending tasks straight to cancelled.
type fakeBackend struct {
	seq      int
	states   map[string]*TaskState
	payloads []TaskPayload
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{states: map[string]*TaskState{}}
}

func (b *fakeBackend) Submit(ctx context.Context, p TaskPayload) (string, error) {
	_ = ctx
	b.seq++
	taskID := fmt.Sprintf("01FAKETASK%016d", b.seq)
	p.TaskID = taskID
	b.payloads = append(b.payloads, p)
	b.states[taskID] = &TaskState{TaskID: taskID, Status: StatusPending, UpdatedAt: time.Now()}
	return taskID, nil
}

func (b *fakeBackend) Poll(ctx context.Context, taskID string) (*TaskState, error) {
	_ = ctx
	state, ok := b.states[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return state, nil
}

func (b *fakeBackend) Cancel(ctx context.Context, taskID string) (*TaskState, bool, error) {
	state, err := b.Poll(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if state.Status.Terminal() {
		return state, true, nil
	}
	if state.Status == StatusPending {
		state.Status = StatusCancelled
	}
	return state, false, nil
}

func (b *fakeBackend) finish(taskID string, res *Result) {
	res.CreatedAt = time.Now()
	b.states[taskID] = &TaskState{TaskID: taskID, Status: StatusSuccess, Result: res}
}

// fakeCache is an in-memory ownership cache with most-recent-first indices.
type fakeCache struct {
	owners  map[string]string
	lists   map[string][]string
	global  []string
	deleted map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		owners:  map[string]string{},
		lists:   map[string][]string{},
		deleted: map[string]bool{},
	}
}

func (c *fakeCache) RegisterTask(ctx context.Context, taskID, owner string) error {
	_ = ctx
	if owner != "" {
		c.owners[taskID] = owner
		c.lists[owner] = append([]string{taskID}, c.lists[owner]...)
	}
	c.global = append([]string{taskID}, c.global...)
	return nil
}

func (c *fakeCache) TaskOwner(ctx context.Context, taskID string) (string, bool, error) {
	_ = ctx
	owner, ok := c.owners[taskID]
	return owner, ok, nil
}

func (c *fakeCache) RecentTasks(ctx context.Context, owner string, offset, limit int) ([]string, error) {
	_ = ctx
	list := c.global
	if owner != "" {
		list = c.lists[owner]
	}
	if offset >= len(list) {
		return nil, nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	return append([]string(nil), list[offset:end]...), nil
}

func (c *fakeCache) MarkDeleted(ctx context.Context, taskID string) error {
	_ = ctx
	c.deleted[taskID] = true
	return nil
}

func (c *fakeCache) DeletedSet(ctx context.Context, taskIDs []string) (map[string]bool, error) {
	_ = ctx
	out := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		out[id] = c.deleted[id]
	}
	return out, nil
}

func newTestService(t *testing.T, authEnabled bool) (*Service, *fakeBackend, *fakeCache, *Repo) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	be := newFakeBackend()
	cache := newFakeCache()

	cacheSource := auth.OwnerFunc(func(ctx context.Context, taskID string) (string, bool, error) {
		return cache.TaskOwner(ctx, taskID)
	})
	resultSource := auth.OwnerFunc(func(ctx context.Context, taskID string) (string, bool, error) {
		state, err := be.Poll(ctx, taskID)
		if err != nil {
			return "", false, nil
		}
		if state.Status == StatusSuccess && state.Result != nil && state.Result.AuthKey != "" {
			return state.Result.AuthKey, true, nil
		}
		return "", false, nil
	})
	enforcer := auth.NewEnforcer(authEnabled, cacheSource, resultSource)

	svc := NewService(repo, be, cache, enforcer, authEnabled, "admin")
	return svc, be, cache, repo
}

func TestSubmit_FanOutRegistersOwnership(t *testing.T) {
	svc, be, cache, _ := newTestService(t, true)
	ctx := context.Background()

	base := int64(100)
	receipt, err := svc.Submit(ctx, auth.Context{Key: "k1"}, GenerateSpec{
		Prompt: "a lighthouse at dusk",
		Seed:   &base,
	}, 4)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(receipt.TaskIDs) != 4 {
		t.Fatalf("expected 4 task ids, got %d", len(receipt.TaskIDs))
	}
	if receipt.TaskID != receipt.TaskIDs[0] {
		t.Fatalf("receipt task id must be the first item")
	}
	if receipt.StatusURL != "/v1/tasks/"+receipt.TaskID {
		t.Fatalf("unexpected status url: %s", receipt.StatusURL)
	}
	if receipt.BatchID == "" {
		t.Fatalf("missing batch id")
	}

	for i, p := range be.payloads {
		if p.Spec.Seed == nil || *p.Spec.Seed != base+int64(i) {
			t.Fatalf("item %d: expected seed %d, got %v", i, base+int64(i), p.Spec.Seed)
		}
		if p.Spec.Height != 1024 || p.Spec.NumInferenceSteps != 9 {
			t.Fatalf("item %d: defaults not applied: %+v", i, p.Spec)
		}
		if p.BatchID != receipt.BatchID || p.BatchIndex != i || p.BatchSize != 4 {
			t.Fatalf("item %d: bad batch envelope: %+v", i, p)
		}
	}

	for _, taskID := range receipt.TaskIDs {
		owner, ok, _ := cache.TaskOwner(ctx, taskID)
		if !ok || owner != "k1" {
			t.Fatalf("task %s not registered to owner", taskID)
		}
	}
}

func TestSubmit_AnonymousRejectedBeforeDispatch(t *testing.T) {
	svc, be, _, _ := newTestService(t, true)

	_, err := svc.Submit(context.Background(), auth.Context{}, GenerateSpec{Prompt: "p"}, 1)
	if !errors.Is(err, auth.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	if len(be.payloads) != 0 {
		t.Fatalf("anonymous submission reached the backend")
	}
}

func TestSubmit_InvalidSpecRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t, true)

	_, err := svc.Submit(context.Background(), auth.Context{Key: "k1"}, GenerateSpec{}, 1)
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
	_, err = svc.Submit(context.Background(), auth.Context{Key: "k1"}, GenerateSpec{Prompt: "p"}, 17)
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for oversized batch, got %v", err)
	}
}

func TestGetTask_Authorization(t *testing.T) {
	svc, _, _, _ := newTestService(t, true)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, auth.Context{Key: "k1"}, GenerateSpec{Prompt: "p"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	taskID := receipt.TaskID

	if _, err := svc.GetTask(ctx, auth.Context{Key: "k1"}, taskID); err != nil {
		t.Fatalf("owner poll: %v", err)
	}
	if _, err := svc.GetTask(ctx, auth.Context{Key: "k2"}, taskID); !errors.Is(err, auth.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := svc.GetTask(ctx, auth.Context{Key: "admin", IsAdmin: true}, taskID); err != nil {
		t.Fatalf("admin poll: %v", err)
	}
}

func TestGetTask_LedgerFallback(t *testing.T) {
	svc, be, _, repo := newTestService(t, true)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, auth.Context{Key: "k1"}, GenerateSpec{Prompt: "p"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	taskID := receipt.TaskID

	payload := TaskPayload{
		TaskID:    taskID,
		Spec:      GenerateSpec{Prompt: "p", Height: 1024, Width: 1024, NumInferenceSteps: 9},
		BatchID:   receipt.BatchID,
		BatchSize: 1,
	}
	if err := repo.RecordStarted(ctx, payload, nil); err != nil {
		t.Fatalf("record started: %v", err)
	}
	if err := repo.RecordSucceeded(ctx, taskID, &Result{
		ImageID:      "img1",
		RelativePath: "20260829/120000_img1.png",
		Width:        1024,
		Height:       1024,
	}); err != nil {
		t.Fatalf("record succeeded: %v", err)
	}

	// Result-store entry expired.
	delete(be.states, taskID)

	state, err := svc.GetTask(ctx, auth.Context{Key: "k1"}, taskID)
	if err != nil {
		t.Fatalf("poll after expiry: %v", err)
	}
	if state.Status != StatusSuccess {
		t.Fatalf("expected success from ledger, got %s", state.Status)
	}
	if state.Result == nil || state.Result.RelativePath != "20260829/120000_img1.png" {
		t.Fatalf("ledger result payload missing: %+v", state.Result)
	}

	// A task known nowhere is not found.
	if _, err := svc.GetTask(ctx, auth.Context{Key: "k1"}, "01UNKNOWN0000000000000000"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCancel_Lifecycle(t *testing.T) {
	svc, _, _, repo := newTestService(t, true)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, auth.Context{Key: "k1"}, GenerateSpec{Prompt: "p"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	taskID := receipt.TaskID

	if err := repo.RecordStarted(ctx, TaskPayload{
		TaskID:    taskID,
		Spec:      GenerateSpec{Prompt: "p", Height: 1024, Width: 1024, NumInferenceSteps: 9},
		BatchID:   receipt.BatchID,
		BatchSize: 1,
	}, nil); err != nil {
		t.Fatalf("record started: %v", err)
	}

	// Pending task cancels immediately and settles the ledger row.
	state, msg, err := svc.Cancel(ctx, auth.Context{Key: "k1"}, taskID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if state.Status != StatusCancelled || msg != "task cancelled" {
		t.Fatalf("unexpected cancel outcome: status=%s msg=%q", state.Status, msg)
	}
	task, err := repo.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get ledger row: %v", err)
	}
	if task.Status != StatusCancelled {
		t.Fatalf("ledger row not cancelled: %s", task.Status)
	}

	// Cancelling again is idempotent.
	state, msg, err = svc.Cancel(ctx, auth.Context{Key: "k1"}, taskID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if msg != "task already finished" || state.Status != StatusCancelled {
		t.Fatalf("unexpected second cancel outcome: status=%s msg=%q", state.Status, msg)
	}
}

func TestCancel_FinishedTaskReportsStatus(t *testing.T) {
	svc, be, _, _ := newTestService(t, true)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, auth.Context{Key: "k1"}, GenerateSpec{Prompt: "p"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	be.finish(receipt.TaskID, &Result{AuthKey: "k1"})

	state, msg, err := svc.Cancel(ctx, auth.Context{Key: "k1"}, receipt.TaskID)
	if err != nil {
		t.Fatalf("cancel finished task: %v", err)
	}
	if state.Status != StatusSuccess || msg != "task already finished" {
		t.Fatalf("unexpected outcome: status=%s msg=%q", state.Status, msg)
	}
}

func TestHistory_PaginationAndDeletes(t *testing.T) {
	svc, _, _, _ := newTestService(t, true)
	ctx := context.Background()
	id := auth.Context{Key: "k1"}

	var all []string
	for i := 0; i < 5; i++ {
		receipt, err := svc.Submit(ctx, id, GenerateSpec{Prompt: fmt.Sprintf("p%d", i)}, 1)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		all = append(all, receipt.TaskID)
	}

	page1, err := svc.History(ctx, id, 2, 0)
	if err != nil {
		t.Fatalf("history page 1: %v", err)
	}
	page2, err := svc.History(ctx, id, 2, 2)
	if err != nil {
		t.Fatalf("history page 2: %v", err)
	}
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("unexpected page sizes: %d, %d", len(page1), len(page2))
	}
	// Most recent first, pages disjoint.
	if page1[0].TaskID != all[4] || page1[1].TaskID != all[3] {
		t.Fatalf("unexpected page 1 order: %+v", page1)
	}
	if page2[0].TaskID != all[2] || page2[1].TaskID != all[1] {
		t.Fatalf("unexpected page 2 order: %+v", page2)
	}

	// Soft-deleted entries are skipped, not counted against the limit.
	if err := svc.Delete(ctx, id, all[4]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	page1, err = svc.History(ctx, id, 2, 0)
	if err != nil {
		t.Fatalf("history after delete: %v", err)
	}
	if len(page1) != 1 || page1[0].TaskID != all[3] {
		t.Fatalf("deleted task still listed: %+v", page1)
	}
}

func TestHistory_Scopes(t *testing.T) {
	svc, _, _, _ := newTestService(t, true)
	ctx := context.Background()

	r1, err := svc.Submit(ctx, auth.Context{Key: "k1"}, GenerateSpec{Prompt: "p1"}, 1)
	if err != nil {
		t.Fatalf("submit k1: %v", err)
	}
	r2, err := svc.Submit(ctx, auth.Context{Key: "k2"}, GenerateSpec{Prompt: "p2"}, 1)
	if err != nil {
		t.Fatalf("submit k2: %v", err)
	}

	h1, err := svc.History(ctx, auth.Context{Key: "k1"}, 10, 0)
	if err != nil {
		t.Fatalf("history k1: %v", err)
	}
	if len(h1) != 1 || h1[0].TaskID != r1.TaskID {
		t.Fatalf("k1 sees wrong history: %+v", h1)
	}

	// Admin browses the global index.
	ha, err := svc.History(ctx, auth.Context{Key: "admin", IsAdmin: true}, 10, 0)
	if err != nil {
		t.Fatalf("history admin: %v", err)
	}
	if len(ha) != 2 {
		t.Fatalf("admin sees %d entries, expected 2", len(ha))
	}
	if ha[0].TaskID != r2.TaskID || ha[1].TaskID != r1.TaskID {
		t.Fatalf("unexpected admin order: %+v", ha)
	}
}

func TestGetBatch_Ownership(t *testing.T) {
	svc, _, _, repo := newTestService(t, true)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, auth.Context{Key: "k1"}, GenerateSpec{Prompt: "p"}, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	clientID, err := repo.GetOrCreateClientID(ctx, "k1", "admin")
	if err != nil {
		t.Fatalf("client id: %v", err)
	}
	for i, taskID := range receipt.TaskIDs {
		if err := repo.RecordStarted(ctx, TaskPayload{
			TaskID:     taskID,
			Spec:       GenerateSpec{Prompt: "p", Height: 1024, Width: 1024, NumInferenceSteps: 9},
			BatchID:    receipt.BatchID,
			BatchIndex: i,
			BatchSize:  2,
		}, clientID); err != nil {
			t.Fatalf("record started %d: %v", i, err)
		}
	}

	batch, items, err := svc.GetBatch(ctx, auth.Context{Key: "k1"}, receipt.BatchID)
	if err != nil {
		t.Fatalf("owner get batch: %v", err)
	}
	if batch.ID != receipt.BatchID || len(items) != 2 {
		t.Fatalf("unexpected batch payload: %s with %d items", batch.ID, len(items))
	}

	if _, _, err := svc.GetBatch(ctx, auth.Context{Key: "k2"}, receipt.BatchID); !errors.Is(err, auth.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, _, err := svc.GetBatch(ctx, auth.Context{Key: "admin", IsAdmin: true}, receipt.BatchID); err != nil {
		t.Fatalf("admin get batch: %v", err)
	}
	if _, _, err := svc.GetBatch(ctx, auth.Context{Key: "k1"}, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
