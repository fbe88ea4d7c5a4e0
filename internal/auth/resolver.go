package auth

import "errors"

var (
	// ErrMissingKey means auth is enabled and the request carried no API key.
	ErrMissingKey = errors.New("missing API auth key")
	// ErrKeyNotAllowed means the key is not on the configured whitelist.
	ErrKeyNotAllowed = errors.New("API key not allowed")
	// ErrNotOwner means the key does not own the requested task.
	ErrNotOwner = errors.New("not allowed to access this task")
)

// Context is the resolved caller identity for one request.
//
//   - Key: raw API key provided by the client (empty for anonymous callers)
//   - IsAdmin: the key matches the configured admin key
type Context struct {
	Key     string
	IsAdmin bool
}

func (c Context) Anonymous() bool { return c.Key == "" }

// Resolver maps a raw request credential to a Context. It is a pure function
// of configuration plus input and has no side effects.
type Resolver struct {
	enabled  bool
	adminKey string
	allowed  map[string]struct{}
}

func NewResolver(enabled bool, adminKey string, allowedKeys []string) *Resolver {
	var allowed map[string]struct{}
	if len(allowedKeys) > 0 {
		allowed = make(map[string]struct{}, len(allowedKeys))
		for _, k := range allowedKeys {
			allowed[k] = struct{}{}
		}
	}
	return &Resolver{enabled: enabled, adminKey: adminKey, allowed: allowed}
}

// Resolve is the strict mode: when auth is enabled a non-empty key is
// required. Used by submit/poll/cancel/delete endpoints.
func (r *Resolver) Resolve(rawKey string) (Context, error) {
	if r.enabled && rawKey == "" {
		return Context{}, ErrMissingKey
	}
	return r.resolve(rawKey)
}

// ResolveLenient treats a missing key as anonymous when auth is disabled,
// for preview/history style endpoints. With auth enabled it behaves exactly
// like Resolve.
func (r *Resolver) ResolveLenient(rawKey string) (Context, error) {
	if r.enabled && rawKey == "" {
		return Context{}, ErrMissingKey
	}
	return r.resolve(rawKey)
}

func (r *Resolver) resolve(rawKey string) (Context, error) {
	isAdmin := r.adminKey != "" && rawKey == r.adminKey

	// Whitelist applies to non-admin keys only.
	if r.enabled && rawKey != "" && !isAdmin && len(r.allowed) > 0 {
		if _, ok := r.allowed[rawKey]; !ok {
			return Context{}, ErrKeyNotAllowed
		}
	}

	return Context{Key: rawKey, IsAdmin: isAdmin}, nil
}
