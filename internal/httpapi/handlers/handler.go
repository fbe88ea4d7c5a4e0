package handlers

import (
	"context"

	"github.com/zimagehq/zimage/internal/auth"
	"github.com/zimagehq/zimage/internal/config"
	"github.com/zimagehq/zimage/internal/gen"
	"github.com/zimagehq/zimage/internal/storage"
	"gorm.io/gorm"
)

type Handler struct {
	Cfg      config.Config
	Resolver *auth.Resolver
	Svc      *gen.Service
	Store    storage.Storage
}

// NewHandler wires the service layer: ledger repo, execution backend,
// ownership cache, and the two-tier owner lookup behind the enforcer.
func NewHandler(gdb *gorm.DB, cfg config.Config, cache gen.OwnershipCache, be gen.Backend, store storage.Storage) *Handler {
	repo := gen.NewRepo(gdb)

	cacheSource := auth.OwnerFunc(func(ctx context.Context, taskID string) (string, bool, error) {
		return cache.TaskOwner(ctx, taskID)
	})
	// Completed tasks keep the owner key in their durable result payload,
	// which outlives the cache TTL.
	resultSource := auth.OwnerFunc(func(ctx context.Context, taskID string) (string, bool, error) {
		state, err := be.Poll(ctx, taskID)
		if err != nil {
			// An unknown task holds no claim.
			return "", false, nil
		}
		if state.Status == gen.StatusSuccess && state.Result != nil && state.Result.AuthKey != "" {
			return state.Result.AuthKey, true, nil
		}
		return "", false, nil
	})

	enforcer := auth.NewEnforcer(cfg.APIEnableAuth, cacheSource, resultSource)
	svc := gen.NewService(repo, be, cache, enforcer, cfg.APIEnableAuth, cfg.APIAdminKey)

	return &Handler{
		Cfg:      cfg,
		Resolver: auth.NewResolver(cfg.APIEnableAuth, cfg.APIAdminKey, cfg.APIAllowedKeys),
		Svc:      svc,
		Store:    store,
	}
}
