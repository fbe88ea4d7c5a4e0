package auth

import "context"

// OwnerSource answers "who owns this task" from one backing store.
// found reports whether the source holds any ownership claim at all;
// an expired cache entry is simply not found, never an error.
type OwnerSource interface {
	Owner(ctx context.Context, taskID string) (owner string, found bool, err error)
}

// OwnerFunc adapts a plain function to an OwnerSource.
type OwnerFunc func(ctx context.Context, taskID string) (string, bool, error)

func (f OwnerFunc) Owner(ctx context.Context, taskID string) (string, bool, error) {
	return f(ctx, taskID)
}

// Enforcer authorizes a caller against a task by consulting owner sources in
// precedence order. The first source holding a claim decides; when no source
// holds any claim the task is treated as unclaimed and access is allowed.
//
// The usual composition is a fast TTL-bounded cache source followed by the
// durable result-payload source, so that cache expiry degrades to the
// permanent record instead of locking callers out (or letting strangers in).
type Enforcer struct {
	enabled bool
	sources []OwnerSource
}

func NewEnforcer(enabled bool, sources ...OwnerSource) *Enforcer {
	return &Enforcer{enabled: enabled, sources: sources}
}

func (e *Enforcer) Enforce(ctx context.Context, taskID string, id Context) error {
	if !e.enabled {
		return nil
	}
	if id.IsAdmin {
		return nil
	}
	if id.Key == "" {
		return ErrMissingKey
	}

	for _, src := range e.sources {
		owner, found, err := src.Owner(ctx, taskID)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if owner != id.Key {
			return ErrNotOwner
		}
		return nil
	}

	// No ownership claim anywhere: unclaimed tasks stay accessible.
	return nil
}
