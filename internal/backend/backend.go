// Package backend implements the execution backend contract consumed by the
// core: a RabbitMQ queue carries task payloads to workers, while task state
// records live in Redis alongside the ownership cache.
package backend

import (
	"context"
	"fmt"

	"github.com/zimagehq/zimage/internal/common"
	"github.com/zimagehq/zimage/internal/gen"
	"github.com/zimagehq/zimage/internal/store/rabbitmq"
	"github.com/zimagehq/zimage/internal/store/redisstore"
)

// AMQP is the queue-backed execution backend.
type AMQP struct {
	pub   *rabbitmq.Publisher
	store *redisstore.Store
}

func NewAMQP(pub *rabbitmq.Publisher, store *redisstore.Store) *AMQP {
	return &AMQP{pub: pub, store: store}
}

// Submit assigns the opaque task id, seeds the pending state record, and
// enqueues the payload. It never blocks on compute.
func (b *AMQP) Submit(ctx context.Context, p gen.TaskPayload) (string, error) {
	taskID, err := common.NewULID()
	if err != nil {
		return "", err
	}
	p.TaskID = taskID

	if err := b.store.InitPending(ctx, taskID); err != nil {
		return "", fmt.Errorf("init task state: %w", err)
	}
	if err := b.pub.PublishTask(ctx, p); err != nil {
		return "", fmt.Errorf("publish task: %w", err)
	}
	return taskID, nil
}

// Poll is a non-blocking read of the current task state.
func (b *AMQP) Poll(ctx context.Context, taskID string) (*gen.TaskState, error) {
	return b.store.GetState(ctx, taskID)
}

// Cancel requests best-effort cancellation. A task that never started is
// settled immediately; a running one gets the cooperative flag and keeps its
// actual outcome if cancellation loses the race. Cancelling an
// already-terminal task reports the existing state.
func (b *AMQP) Cancel(ctx context.Context, taskID string) (*gen.TaskState, bool, error) {
	state, err := b.store.GetState(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if state.Status.Terminal() {
		return state, true, nil
	}

	if err := b.store.RequestCancel(ctx, taskID); err != nil {
		return nil, false, err
	}
	if state.Status == gen.StatusPending {
		if err := b.store.SetCancelled(ctx, taskID); err != nil {
			return nil, false, err
		}
	}

	state, err = b.store.GetState(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	return state, false, nil
}
