package gen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo is the durable ledger adapter: permanent batch/task rows, batch
// aggregation, and soft delete. It is the source of truth once the ownership
// cache entry for a task has expired.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

var terminalStatuses = []Status{StatusSuccess, StatusError, StatusCancelled}

func hashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// GetOrCreateClientID resolves a stable ledger client id for a raw API key,
// creating the api_clients row on first sight. Anonymous callers get no
// client id.
func (r *Repo) GetOrCreateClientID(ctx context.Context, rawKey, adminKey string) (*string, error) {
	if rawKey == "" {
		return nil, nil
	}

	keyHash := hashKey(rawKey)

	var existing APIClient
	err := r.db.WithContext(ctx).Where("api_key_hash = ?", keyHash).First(&existing).Error
	if err == nil {
		return &existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	client := APIClient{APIKeyHash: keyHash}
	if adminKey != "" && rawKey == adminKey {
		client.ID = "admin"
		client.DisplayName = "Admin"
		client.Role = "admin"
	} else {
		suffix := keyHash[:8]
		client.ID = "key_" + suffix
		client.DisplayName = "API Key " + suffix
		client.Role = "first_party"
	}

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&client).Error; err != nil {
		return nil, err
	}
	return &client.ID, nil
}

// ClientIDForKey is the read-only variant used by scoped history queries.
// A key never seen before simply has no history.
func (r *Repo) ClientIDForKey(ctx context.Context, rawKey string) (*string, error) {
	if rawKey == "" {
		return nil, nil
	}
	var existing APIClient
	err := r.db.WithContext(ctx).Where("api_key_hash = ?", hashKey(rawKey)).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing.ID, nil
}

// RecordStarted upserts the batch row and the per-task row when a worker
// picks the task up. Both upserts are safe under at-least-once redelivery:
// a duplicate or late-arriving start must not regress a status that has
// already advanced, and never touches the aggregate counters.
func (r *Repo) RecordStarted(ctx context.Context, p TaskPayload, clientID *string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch := Batch{
			ID:                p.BatchID,
			APIClientID:       clientID,
			Prompt:            p.Spec.Prompt,
			NegativePrompt:    p.Spec.NegativePrompt,
			Width:             p.Spec.Width,
			Height:            p.Spec.Height,
			NumInferenceSteps: p.Spec.NumInferenceSteps,
			GuidanceScale:     p.Spec.GuidanceScale,
			BaseSeed:          p.BaseSeed(),
			BatchSize:         p.BatchSize,
			Status:            StatusRunning,
			Metadata:          p.Spec.Metadata,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"api_client_id":       gorm.Expr("COALESCE(image_generation_batches.api_client_id, excluded.api_client_id)"),
				"prompt":              gorm.Expr("excluded.prompt"),
				"negative_prompt":     gorm.Expr("excluded.negative_prompt"),
				"width":               gorm.Expr("excluded.width"),
				"height":              gorm.Expr("excluded.height"),
				"num_inference_steps": gorm.Expr("excluded.num_inference_steps"),
				"guidance_scale":      gorm.Expr("excluded.guidance_scale"),
				"base_seed":           gorm.Expr("COALESCE(image_generation_batches.base_seed, excluded.base_seed)"),
				"batch_size":          gorm.Expr("excluded.batch_size"),
				// A late start notification must not pull a batch that
				// already completed back to running.
				"status": gorm.Expr(
					"CASE WHEN image_generation_batches.status = 'pending' THEN 'running' " +
						"ELSE image_generation_batches.status END"),
				"metadata": gorm.Expr("COALESCE(image_generation_batches.metadata, excluded.metadata)"),
			}),
		}).Create(&batch).Error; err != nil {
			return err
		}

		task := Task{
			TaskID:            p.TaskID,
			BatchID:           p.BatchID,
			BatchIndex:        p.BatchIndex,
			Seed:              p.Spec.Seed,
			Status:            StatusRunning,
			Prompt:            p.Spec.Prompt,
			NegativePrompt:    p.Spec.NegativePrompt,
			Width:             p.Spec.Width,
			Height:            p.Spec.Height,
			NumInferenceSteps: p.Spec.NumInferenceSteps,
			GuidanceScale:     p.Spec.GuidanceScale,
			CfgNormalization:  p.Spec.CfgNormalization,
			CfgTruncation:     p.Spec.CfgTruncation,
			MaxSequenceLength: p.Spec.MaxSequenceLength,
			Metadata:          p.Spec.Metadata,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				// Terminal task statuses always win over a replayed start.
				"status": gorm.Expr(
					"CASE WHEN image_generation_tasks.status IN ('success', 'error', 'cancelled') " +
						"THEN image_generation_tasks.status ELSE 'running' END"),
				"seed":                gorm.Expr("excluded.seed"),
				"prompt":              gorm.Expr("excluded.prompt"),
				"negative_prompt":     gorm.Expr("excluded.negative_prompt"),
				"width":               gorm.Expr("excluded.width"),
				"height":              gorm.Expr("excluded.height"),
				"num_inference_steps": gorm.Expr("excluded.num_inference_steps"),
				"guidance_scale":      gorm.Expr("excluded.guidance_scale"),
				"cfg_normalization":   gorm.Expr("excluded.cfg_normalization"),
				"cfg_truncation":      gorm.Expr("excluded.cfg_truncation"),
				"max_sequence_length": gorm.Expr("excluded.max_sequence_length"),
				"metadata":            gorm.Expr("COALESCE(image_generation_tasks.metadata, excluded.metadata)"),
			}),
		}).Create(&task).Error
	})
}

// RecordSucceeded marks a task terminal-success and refreshes the batch
// aggregate. A task that already reached a terminal status is left untouched,
// so replayed completions never double-count.
func (r *Repo) RecordSucceeded(ctx context.Context, taskID string, res *Result) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		update := tx.Model(&Task{}).
			Where("task_id = ? AND status NOT IN ?", taskID, terminalStatuses).
			Updates(map[string]any{
				"status":              StatusSuccess,
				"error_code":          nil,
				"error_hint":          nil,
				"error_message":       nil,
				"width":               res.Width,
				"height":              res.Height,
				"num_inference_steps": res.NumInferenceSteps,
				"guidance_scale":      res.GuidanceScale,
				"cfg_normalization":   res.CfgNormalization,
				"cfg_truncation":      res.CfgTruncation,
				"max_sequence_length": res.MaxSequenceLength,
				"image_id":            res.ImageID,
				"output_path":         res.OutputPath,
				"relative_path":       res.RelativePath,
				"metadata":            JSONMap(res.Metadata),
				"finished_at":         now,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return nil
		}
		return r.refreshBatchForTask(tx, taskID)
	})
}

// RecordFailed marks a task terminal-error and refreshes the batch aggregate.
func (r *Repo) RecordFailed(ctx context.Context, taskID string, genErr *GenerationError) error {
	return r.recordTerminalFailure(ctx, taskID, StatusError, genErr)
}

// RecordCancelled marks a task cancelled. Cancelling a task that already
// reached a terminal state is a no-op.
func (r *Repo) RecordCancelled(ctx context.Context, taskID string) error {
	return r.recordTerminalFailure(ctx, taskID, StatusCancelled, nil)
}

func (r *Repo) recordTerminalFailure(ctx context.Context, taskID string, status Status, genErr *GenerationError) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		values := map[string]any{
			"status":      status,
			"finished_at": now,
		}
		if genErr != nil {
			values["error_code"] = genErr.Code
			values["error_hint"] = genErr.Hint
			values["error_message"] = genErr.Detail
		}
		update := tx.Model(&Task{}).
			Where("task_id = ? AND status NOT IN ?", taskID, terminalStatuses).
			Updates(values)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return nil
		}
		return r.refreshBatchForTask(tx, taskID)
	})
}

// batchCounterSQL recomputes the aggregate counters and derives the batch
// status in a single conditional statement, so concurrent item completions
// cannot interleave a lost update. completed_at is written once, when the
// batch first turns terminal.
const batchCounterSQL = `
UPDATE image_generation_batches SET
  success_count = (SELECT COUNT(*) FROM image_generation_tasks
                   WHERE image_generation_tasks.batch_id = image_generation_batches.id
                     AND image_generation_tasks.status = 'success'),
  failed_count = (SELECT COUNT(*) FROM image_generation_tasks
                  WHERE image_generation_tasks.batch_id = image_generation_batches.id
                    AND image_generation_tasks.status IN ('error', 'cancelled')),
  status = CASE
    WHEN (SELECT COUNT(*) FROM image_generation_tasks
          WHERE image_generation_tasks.batch_id = image_generation_batches.id
            AND image_generation_tasks.status IN ('success', 'error', 'cancelled')) >= batch_size
    THEN CASE
      WHEN (SELECT COUNT(*) FROM image_generation_tasks
            WHERE image_generation_tasks.batch_id = image_generation_batches.id
              AND image_generation_tasks.status IN ('error', 'cancelled')) = 0
      THEN 'success'
      ELSE 'partial'
    END
    ELSE 'running'
  END,
  completed_at = CASE
    WHEN (SELECT COUNT(*) FROM image_generation_tasks
          WHERE image_generation_tasks.batch_id = image_generation_batches.id
            AND image_generation_tasks.status IN ('success', 'error', 'cancelled')) >= batch_size
    THEN COALESCE(completed_at, CURRENT_TIMESTAMP)
    ELSE completed_at
  END,
  updated_at = CURRENT_TIMESTAMP
WHERE id = ?`

func (r *Repo) refreshBatchForTask(tx *gorm.DB, taskID string) error {
	var task Task
	if err := tx.Select("batch_id").First(&task, "task_id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if task.BatchID == "" {
		return nil
	}
	return tx.Exec(batchCounterSQL, task.BatchID).Error
}

// GetTask returns the ledger row for one task.
func (r *Repo) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	if err := r.db.WithContext(ctx).First(&t, "task_id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetBatch returns a batch and its items ordered by batch index.
func (r *Repo) GetBatch(ctx context.Context, batchID string) (*Batch, []Task, error) {
	var b Batch
	if err := r.db.WithContext(ctx).First(&b, "id = ?", batchID).Error; err != nil {
		return nil, nil, err
	}
	var items []Task
	if err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("batch_index ASC").
		Find(&items).Error; err != nil {
		return nil, nil, err
	}
	return &b, items, nil
}

// ListBatches returns a most-recent-first page of batches. A nil client id
// means the global view; soft-deleted batches are filtered out by gorm.
func (r *Repo) ListBatches(ctx context.Context, clientID *string, limit, offset int) ([]Batch, error) {
	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)
	if clientID != nil {
		q = q.Where("api_client_id = ?", *clientID)
	}
	var batches []Batch
	if err := q.Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// SoftDeleteTask hides a task from ledger listings without touching the
// stored artifact or the backend record.
func (r *Repo) SoftDeleteTask(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&Task{}).Error
}

// SoftDeleteBatch hides a batch and all of its items.
func (r *Repo) SoftDeleteBatch(ctx context.Context, batchID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ?", batchID).Delete(&Task{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", batchID).Delete(&Batch{}).Error
	})
}
