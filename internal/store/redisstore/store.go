package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zimagehq/zimage/internal/gen"
)

const (
	taskOwnerKeyPrefix = "zimage:task_owner:"
	userTasksKeyPrefix = "zimage:user_tasks:"
	allTasksKey        = "zimage:all_tasks"
	deletedTasksKey    = "zimage:deleted_tasks"
	taskStateKeyPrefix = "zimage:task_state:"
	taskCancelPrefix   = "zimage:task_cancel:"

	// Ownership entries are TTL-bounded for storage economy; on expiry the
	// access layer falls back to the durable result payload.
	taskOwnerTTL = 7 * 24 * time.Hour
	taskStateTTL = 7 * 24 * time.Hour
	cancelTTL    = 24 * time.Hour

	historyMaxItems = 100
)

// Store is the Redis adapter behind the ownership cache and the execution
// backend's task state records.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// NewClient builds the shared Redis client handle; callers own its
// lifecycle and should Close it at shutdown.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func userTasksList(owner string) CappedList {
	return CappedList{Key: userTasksKeyPrefix + owner, Max: historyMaxItems}
}

func allTasksList() CappedList {
	return CappedList{Key: allTasksKey, Max: historyMaxItems}
}

// RegisterTask records ownership and history in one transactional pipeline
// so concurrent dispatchers cannot interleave the push+trim pair. Anonymous
// submissions still land in the global index.
func (s *Store) RegisterTask(ctx context.Context, taskID, owner string) error {
	pipe := s.rdb.TxPipeline()
	if owner != "" {
		pipe.Set(ctx, taskOwnerKeyPrefix+taskID, owner, taskOwnerTTL)
		userTasksList(owner).Push(ctx, pipe, taskID)
	}
	allTasksList().Push(ctx, pipe, taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// TaskOwner looks up the cached owner mapping. Expiry is not an error: it
// only means "fall back to the durable source".
func (s *Store) TaskOwner(ctx context.Context, taskID string) (string, bool, error) {
	owner, err := s.rdb.Get(ctx, taskOwnerKeyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

// RecentTasks reads a history window; an empty owner selects the global
// index.
func (s *Store) RecentTasks(ctx context.Context, owner string, offset, limit int) ([]string, error) {
	list := allTasksList()
	if owner != "" {
		list = userTasksList(owner)
	}
	return list.Range(ctx, s.rdb, offset, limit)
}

// MarkDeleted adds the task to the soft-delete marker set consulted by
// history listings.
func (s *Store) MarkDeleted(ctx context.Context, taskID string) error {
	return s.rdb.SAdd(ctx, deletedTasksKey, taskID).Err()
}

// DeletedSet reports which of the given ids carry the soft-delete marker.
func (s *Store) DeletedSet(ctx context.Context, taskIDs []string) (map[string]bool, error) {
	if len(taskIDs) == 0 {
		return map[string]bool{}, nil
	}
	members := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		members[i] = id
	}
	flags, err := s.rdb.SMIsMember(ctx, deletedTasksKey, members...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(taskIDs))
	for i, id := range taskIDs {
		out[id] = flags[i]
	}
	return out, nil
}

// --- task state records (execution backend result store) ---

// GetState returns the current task state record, or gen.ErrTaskNotFound
// once the record has expired or never existed.
func (s *Store) GetState(ctx context.Context, taskID string) (*gen.TaskState, error) {
	raw, err := s.rdb.Get(ctx, taskStateKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var state gen.TaskState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// InitPending writes the initial pending record at submission time.
func (s *Store) InitPending(ctx context.Context, taskID string) error {
	return s.putState(ctx, &gen.TaskState{TaskID: taskID, Status: gen.StatusPending})
}

func (s *Store) SetRunning(ctx context.Context, taskID string, progress int) error {
	return s.setIfNotTerminal(ctx, taskID, func(state *gen.TaskState) {
		state.Status = gen.StatusRunning
		state.Progress = &progress
		state.Result = nil
		state.Error = nil
	})
}

func (s *Store) SetSucceeded(ctx context.Context, taskID string, res *gen.Result) error {
	return s.setIfNotTerminal(ctx, taskID, func(state *gen.TaskState) {
		state.Status = gen.StatusSuccess
		state.Progress = nil
		state.Result = res
		state.Error = nil
	})
}

func (s *Store) SetFailed(ctx context.Context, taskID string, genErr *gen.GenerationError) error {
	return s.setIfNotTerminal(ctx, taskID, func(state *gen.TaskState) {
		state.Status = gen.StatusError
		state.Progress = nil
		state.Result = nil
		state.Error = genErr
	})
}

func (s *Store) SetCancelled(ctx context.Context, taskID string) error {
	return s.setIfNotTerminal(ctx, taskID, func(state *gen.TaskState) {
		state.Status = gen.StatusCancelled
		state.Progress = nil
		state.Result = nil
		state.Error = nil
	})
}

// setIfNotTerminal keeps state writes monotonic: a record that already
// reached success or error is never revised. A cancelled record may still be
// replaced by the actual outcome when cancellation lost the race.
func (s *Store) setIfNotTerminal(ctx context.Context, taskID string, mutate func(*gen.TaskState)) error {
	state, err := s.GetState(ctx, taskID)
	if errors.Is(err, gen.ErrTaskNotFound) {
		state = &gen.TaskState{TaskID: taskID, Status: gen.StatusPending}
	} else if err != nil {
		return err
	}

	switch state.Status {
	case gen.StatusSuccess, gen.StatusError:
		return nil
	}

	mutate(state)
	return s.putState(ctx, state)
}

func (s *Store) putState(ctx context.Context, state *gen.TaskState) error {
	state.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, taskStateKeyPrefix+state.TaskID, raw, taskStateTTL).Err()
}

// RequestCancel sets the cooperative cancel flag polled by workers between
// steps.
func (s *Store) RequestCancel(ctx context.Context, taskID string) error {
	return s.rdb.Set(ctx, taskCancelPrefix+taskID, "1", cancelTTL).Err()
}

func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, taskCancelPrefix+taskID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
