package gen

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
)

// newImageID mirrors the artifact naming scheme: a 32-char hex id.
func newImageID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id[:]), nil
}

// Engine runs the actual compute for one task. progress is invoked between
// steps with the completed/total step counts; returning false from it asks
// the engine to abort cooperatively, in which case Generate returns
// ErrGenerationCancelled.
type Engine interface {
	Generate(ctx context.Context, spec GenerateSpec, progress func(done, total int) bool) (data []byte, contentType string, err error)
}

// ResultStore is the worker-side write interface of the execution backend's
// state records. All writes are monotonic: a terminal state is never
// overwritten by a non-terminal one.
type ResultStore interface {
	SetRunning(ctx context.Context, taskID string, progress int) error
	SetSucceeded(ctx context.Context, taskID string, res *Result) error
	SetFailed(ctx context.Context, taskID string, genErr *GenerationError) error
	SetCancelled(ctx context.Context, taskID string) error
	CancelRequested(ctx context.Context, taskID string) (bool, error)
	GetState(ctx context.Context, taskID string) (*TaskState, error)
}

// ArtifactStore is the object-storage contract the processor needs.
type ArtifactStore interface {
	Put(ctx context.Context, relativePath string, data []byte, contentType string) (string, error)
}

// Processor executes one queued task end to end: ledger start bookkeeping,
// compute with progress reporting, artifact upload, terminal state writes.
type Processor struct {
	repo     *Repo
	results  ResultStore
	store    ArtifactStore
	engine   Engine
	adminKey string
}

func NewProcessor(repo *Repo, results ResultStore, store ArtifactStore, engine Engine, adminKey string) *Processor {
	return &Processor{
		repo:     repo,
		results:  results,
		store:    store,
		engine:   engine,
		adminKey: adminKey,
	}
}

// Process handles one delivery. Returned errors indicate an infrastructure
// failure worth redelivering; generation failures are terminal task states,
// not errors.
func (p *Processor) Process(ctx context.Context, payload TaskPayload) error {
	taskID := payload.TaskID
	if taskID == "" {
		return errors.New("task payload without id")
	}

	// A cancel that arrived before any worker picked the task up wins.
	if cancelled, err := p.results.CancelRequested(ctx, taskID); err == nil && cancelled {
		if state, err := p.results.GetState(ctx, taskID); err == nil && !state.Status.Terminal() {
			_ = p.results.SetCancelled(ctx, taskID)
		}
		p.bookkeeping(ctx, payload, func(clientID *string) error {
			if err := p.repo.RecordStarted(ctx, payload, clientID); err != nil {
				return err
			}
			return p.repo.RecordCancelled(ctx, taskID)
		})
		return nil
	}

	if err := p.results.SetRunning(ctx, taskID, 0); err != nil {
		return fmt.Errorf("mark running %s: %w", taskID, err)
	}
	p.bookkeeping(ctx, payload, func(clientID *string) error {
		return p.repo.RecordStarted(ctx, payload, clientID)
	})

	progress := func(done, total int) bool {
		if total > 0 {
			pct := int(math.Round(float64(done) / float64(total) * 100))
			_ = p.results.SetRunning(ctx, taskID, pct)
		}
		cancelled, err := p.results.CancelRequested(ctx, taskID)
		if err != nil {
			return true
		}
		return !cancelled
	}

	data, contentType, err := p.engine.Generate(ctx, payload.Spec, progress)
	if errors.Is(err, ErrGenerationCancelled) {
		_ = p.results.SetCancelled(ctx, taskID)
		p.bookkeeping(ctx, payload, func(*string) error {
			return p.repo.RecordCancelled(ctx, taskID)
		})
		return nil
	}
	if err != nil {
		genErr := Classify(err)
		if serr := p.results.SetFailed(ctx, taskID, genErr); serr != nil {
			return fmt.Errorf("mark failed %s: %w", taskID, serr)
		}
		p.bookkeeping(ctx, payload, func(*string) error {
			return p.repo.RecordFailed(ctx, taskID, genErr)
		})
		return nil
	}

	res, err := p.storeArtifact(ctx, payload, data, contentType)
	if err != nil {
		genErr := Classify(err)
		if serr := p.results.SetFailed(ctx, taskID, genErr); serr != nil {
			return fmt.Errorf("mark failed %s: %w", taskID, serr)
		}
		p.bookkeeping(ctx, payload, func(*string) error {
			return p.repo.RecordFailed(ctx, taskID, genErr)
		})
		return nil
	}

	if err := p.results.SetSucceeded(ctx, taskID, res); err != nil {
		return fmt.Errorf("mark succeeded %s: %w", taskID, err)
	}
	p.bookkeeping(ctx, payload, func(*string) error {
		return p.repo.RecordSucceeded(ctx, taskID, res)
	})
	return nil
}

func (p *Processor) storeArtifact(ctx context.Context, payload TaskPayload, data []byte, contentType string) (*Result, error) {
	now := time.Now().UTC()
	imageID, err := newImageID()
	if err != nil {
		return nil, err
	}

	ext := "png"
	if contentType == "image/webp" {
		ext = "webp"
	}
	relativePath := fmt.Sprintf("%s/%s_%s.%s",
		now.Format("20060102"), now.Format("150405"), imageID, ext)

	outputPath, err := p.store.Put(ctx, relativePath, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	spec := payload.Spec
	negative := ""
	if spec.NegativePrompt != nil {
		negative = *spec.NegativePrompt
	}
	return &Result{
		ImageID:           imageID,
		Prompt:            spec.Prompt,
		Height:            spec.Height,
		Width:             spec.Width,
		NumInferenceSteps: spec.NumInferenceSteps,
		GuidanceScale:     spec.GuidanceScale,
		Seed:              spec.Seed,
		NegativePrompt:    negative,
		CfgNormalization:  spec.CfgNormalization,
		CfgTruncation:     spec.CfgTruncation,
		MaxSequenceLength: spec.MaxSequenceLength,
		CreatedAt:         now,
		AuthKey:           payload.AuthKey,
		Metadata:          spec.Metadata,
		OutputPath:        outputPath,
		RelativePath:      relativePath,
	}, nil
}

// bookkeeping runs ledger writes that must not fail the task itself; a
// ledger that is down or not yet migrated degrades to logging.
func (p *Processor) bookkeeping(ctx context.Context, payload TaskPayload, fn func(clientID *string) error) {
	clientID, err := p.repo.GetOrCreateClientID(ctx, payload.AuthKey, p.adminKey)
	if err != nil {
		log.Printf("ledger client resolve failed task=%s err=%v", payload.TaskID, err)
		clientID = nil
	}
	if err := fn(clientID); err != nil {
		log.Printf("ledger bookkeeping failed task=%s err=%v", payload.TaskID, err)
	}
}
