package gen

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/zimagehq/zimage/internal/auth"
	"gorm.io/gorm"
)

// Backend is the execution side consumed by the core: fire-and-forget
// submission, non-blocking polls, best-effort cancellation. Submission
// assigns the opaque task id.
type Backend interface {
	Submit(ctx context.Context, p TaskPayload) (string, error)
	Poll(ctx context.Context, taskID string) (*TaskState, error)
	Cancel(ctx context.Context, taskID string) (*TaskState, bool, error)
}

// OwnershipCache is the fast TTL-bounded store of task ownership, bounded
// per-key/global history indices, and the soft-delete marker set.
type OwnershipCache interface {
	// RegisterTask writes the owner mapping and pushes the id onto the
	// bounded history indices as one atomic operation. An empty owner
	// lands in the global index only.
	RegisterTask(ctx context.Context, taskID, owner string) error
	TaskOwner(ctx context.Context, taskID string) (string, bool, error)
	// RecentTasks reads a window of the history index; an empty owner
	// selects the global index.
	RecentTasks(ctx context.Context, owner string, offset, limit int) ([]string, error)
	MarkDeleted(ctx context.Context, taskID string) error
	DeletedSet(ctx context.Context, taskIDs []string) (map[string]bool, error)
}

const (
	historyMinLimit = 1
	historyMaxLimit = 50
)

// Service glues dispatch, polling, history, cancellation and deletion
// together on top of the backend, the ownership cache and the ledger.
type Service struct {
	repo     *Repo
	backend  Backend
	cache    OwnershipCache
	enforcer *auth.Enforcer

	authEnabled bool
	adminKey    string
}

func NewService(repo *Repo, backend Backend, cache OwnershipCache, enforcer *auth.Enforcer, authEnabled bool, adminKey string) *Service {
	return &Service{
		repo:        repo,
		backend:     backend,
		cache:       cache,
		enforcer:    enforcer,
		authEnabled: authEnabled,
		adminKey:    adminKey,
	}
}

// Submit validates the spec, fans a batch out to the execution backend and
// registers ownership plus history for every assigned task id. It returns as
// soon as all items are accepted; no compute happens synchronously.
func (s *Service) Submit(ctx context.Context, id auth.Context, spec GenerateSpec, batchSize int) (*SubmitReceipt, error) {
	if s.authEnabled && id.Anonymous() {
		return nil, auth.ErrMissingKey
	}

	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if batchSize == 0 {
		batchSize = 1
	}
	if err := ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	taskIDs := make([]string, 0, batchSize)

	for i := 0; i < batchSize; i++ {
		itemSpec := spec
		itemSpec.Seed = spec.ItemSeed(i)

		taskID, err := s.backend.Submit(ctx, TaskPayload{
			Spec:       itemSpec,
			AuthKey:    id.Key,
			BatchID:    batchID,
			BatchIndex: i,
			BatchSize:  batchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("submit batch item %d: %w", i, err)
		}
		taskIDs = append(taskIDs, taskID)

		if err := s.cache.RegisterTask(ctx, taskID, id.Key); err != nil {
			return nil, fmt.Errorf("register task %s: %w", taskID, err)
		}
	}

	first := taskIDs[0]
	return &SubmitReceipt{
		TaskID:    first,
		StatusURL: "/v1/tasks/" + first,
		BatchID:   batchID,
		TaskIDs:   taskIDs,
	}, nil
}

// GetTask authorizes the caller and returns the current task state. When the
// result-store entry has expired the durable ledger row is consulted before
// reporting not-found.
func (s *Service) GetTask(ctx context.Context, id auth.Context, taskID string) (*TaskState, error) {
	if err := s.enforcer.Enforce(ctx, taskID, id); err != nil {
		return nil, err
	}

	state, err := s.backend.Poll(ctx, taskID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	return s.stateFromLedger(ctx, taskID)
}

func (s *Service) stateFromLedger(ctx context.Context, taskID string) (*TaskState, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	state := &TaskState{TaskID: taskID, Status: task.Status, UpdatedAt: task.UpdatedAt}
	switch task.Status {
	case StatusSuccess:
		res := &Result{
			Prompt:            task.Prompt,
			Height:            task.Height,
			Width:             task.Width,
			NumInferenceSteps: task.NumInferenceSteps,
			GuidanceScale:     task.GuidanceScale,
			Seed:              task.Seed,
			CfgNormalization:  task.CfgNormalization,
			CfgTruncation:     task.CfgTruncation,
			MaxSequenceLength: task.MaxSequenceLength,
			CreatedAt:         task.CreatedAt,
			Metadata:          task.Metadata,
		}
		if task.NegativePrompt != nil {
			res.NegativePrompt = *task.NegativePrompt
		}
		if task.ImageID != nil {
			res.ImageID = *task.ImageID
		}
		if task.OutputPath != nil {
			res.OutputPath = *task.OutputPath
		}
		if task.RelativePath != nil {
			res.RelativePath = *task.RelativePath
		}
		state.Result = res
	case StatusError:
		ge := &GenerationError{Code: CodeInternalError}
		if task.ErrorCode != nil {
			ge.Code = *task.ErrorCode
		}
		if task.ErrorHint != nil {
			ge.Hint = *task.ErrorHint
		}
		if task.ErrorMessage != nil {
			ge.Detail = *task.ErrorMessage
		}
		state.Error = ge
	}
	return state, nil
}

// Cancel requests best-effort cancellation. Cancelling an already-terminal
// task is idempotent and reports the existing status instead of an error.
func (s *Service) Cancel(ctx context.Context, id auth.Context, taskID string) (*TaskState, string, error) {
	if err := s.enforcer.Enforce(ctx, taskID, id); err != nil {
		return nil, "", err
	}

	state, alreadyTerminal, err := s.backend.Cancel(ctx, taskID)
	if err != nil {
		return nil, "", err
	}
	if alreadyTerminal {
		return state, "task already finished", nil
	}

	if state.Status == StatusCancelled {
		// Never picked up by a worker; settle the ledger row directly.
		s.bookkeeping("record cancel", func() error {
			return s.repo.RecordCancelled(ctx, taskID)
		})
		return state, "task cancelled", nil
	}
	return state, "cancellation requested", nil
}

// Delete soft-deletes a task from history listings. Artifacts and backend
// records are untouched.
func (s *Service) Delete(ctx context.Context, id auth.Context, taskID string) error {
	if err := s.enforcer.Enforce(ctx, taskID, id); err != nil {
		return err
	}

	if _, err := s.GetTask(ctx, id, taskID); err != nil {
		return err
	}

	if err := s.cache.MarkDeleted(ctx, taskID); err != nil {
		return err
	}
	s.bookkeeping("soft delete task", func() error {
		return s.repo.SoftDeleteTask(ctx, taskID)
	})
	return nil
}

// History returns a most-recent-first page of task summaries from the
// bounded cache index. Soft-deleted entries are skipped, not counted against
// the limit, so short pages are possible after deletions.
func (s *Service) History(ctx context.Context, id auth.Context, limit, offset int) ([]Summary, error) {
	limit = clamp(limit, historyMinLimit, historyMaxLimit)
	if offset < 0 {
		offset = 0
	}

	// Admin and (auth-disabled) anonymous callers browse the global index.
	owner := id.Key
	if id.IsAdmin {
		owner = ""
	}

	ids, err := s.cache.RecentTasks(ctx, owner, offset, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	deleted, err := s.cache.DeletedSet(ctx, ids)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(ids))
	for _, taskID := range ids {
		if deleted[taskID] {
			continue
		}
		state, err := s.backend.Poll(ctx, taskID)
		if errors.Is(err, ErrTaskNotFound) {
			// Expired from the result store; fall back to the ledger.
			state, err = s.stateFromLedger(ctx, taskID)
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summarize(state))
	}
	return summaries, nil
}

func summarize(state *TaskState) Summary {
	sum := Summary{
		TaskID: state.TaskID,
		Status: state.Status.Coarse(),
	}
	if state.Status == StatusRunning {
		sum.Progress = state.Progress
	}
	if res := state.Result; res != nil {
		created := res.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
		sum.CreatedAt = &created
		sum.Prompt = &res.Prompt
		sum.Height = &res.Height
		sum.Width = &res.Width
		if res.RelativePath != "" {
			rel := res.RelativePath
			sum.RelativePath = &rel
		}
	}
	return sum
}

// ListBatches pages the durable ledger scoped to the caller. Admin and
// anonymous (auth disabled) callers see the global view.
func (s *Service) ListBatches(ctx context.Context, id auth.Context, limit, offset int) ([]Batch, error) {
	limit = clamp(limit, historyMinLimit, historyMaxLimit)
	if offset < 0 {
		offset = 0
	}

	var clientID *string
	if !id.IsAdmin && !id.Anonymous() {
		var err error
		clientID, err = s.repo.ClientIDForKey(ctx, id.Key)
		if err != nil {
			return nil, err
		}
		if clientID == nil {
			// Key has never produced a ledger row.
			return []Batch{}, nil
		}
	}
	return s.repo.ListBatches(ctx, clientID, limit, offset)
}

// GetBatch returns a batch with its items, enforcing batch-level ownership
// against the ledger client id.
func (s *Service) GetBatch(ctx context.Context, id auth.Context, batchID string) (*Batch, []Task, error) {
	batch, items, err := s.repo.GetBatch(ctx, batchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	if s.authEnabled && !id.IsAdmin {
		if id.Anonymous() {
			return nil, nil, auth.ErrMissingKey
		}
		if batch.APIClientID != nil {
			clientID, err := s.repo.ClientIDForKey(ctx, id.Key)
			if err != nil {
				return nil, nil, err
			}
			if clientID == nil || *clientID != *batch.APIClientID {
				return nil, nil, auth.ErrNotOwner
			}
		}
	}
	return batch, items, nil
}

// DeleteBatch soft-deletes a batch and marks its items deleted in the cache
// index.
func (s *Service) DeleteBatch(ctx context.Context, id auth.Context, batchID string) error {
	batch, items, err := s.GetBatch(ctx, id, batchID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := s.cache.MarkDeleted(ctx, item.TaskID); err != nil {
			return err
		}
	}
	s.bookkeeping("soft delete batch", func() error {
		return s.repo.SoftDeleteBatch(ctx, batch.ID)
	})
	return nil
}

// bookkeeping runs a ledger write whose failure must not fail the
// user-facing operation; correctness from the caller's point of view depends
// on the execution backend, not on the ledger keeping up.
func (s *Service) bookkeeping(op string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("ledger bookkeeping failed op=%s err=%v", op, err)
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
