// Package credentials resolves connector secrets for a single request.
// Sealed field sets are stored per (owner, connector type); a Resolver
// decrypts one only when a tool first asks for it and forgets it when
// the request ends.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotConfigured is returned by Source.Lookup when the owner has no
// credentials for a connector type.
var ErrNotConfigured = errors.New("credentials: connector not configured")

// Fields is a decrypted connector field set. It renders as redacted in
// logs and format verbs.
type Fields map[string]string

func (f Fields) String() string { return "[REDACTED]" }

// LogValue implements slog.LogValuer.
func (f Fields) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// Source is the encrypted-at-rest store.
type Source interface {
	LookupCredential(ctx context.Context, ownerID, connectorType string) ([]byte, error)
	HasCredential(ctx context.Context, ownerID, connectorType string) (bool, error)
}

// Opener decrypts sealed field sets. *Keyring implements it.
type Opener interface {
	Open(ciphertext []byte) (Fields, error)
}

// AccessFunc is told about each first-access decrypt. It never sees the
// values.
type AccessFunc func(ownerID, connectorType string)

// Resolver is scoped to one owner for one request. It is safe for
// concurrent use by the tools of that request.
type Resolver struct {
	owner    string
	source   Source
	opener   Opener
	onAccess AccessFunc

	mu     sync.Mutex
	cache  map[string]Fields
	closed bool
}

// NewResolver builds a request-scoped resolver.
func NewResolver(ownerID string, source Source, opener Opener, onAccess AccessFunc) *Resolver {
	return &Resolver{
		owner:    ownerID,
		source:   source,
		opener:   opener,
		onAccess: onAccess,
		cache:    make(map[string]Fields),
	}
}

// Owner returns the owner the resolver is scoped to.
func (r *Resolver) Owner() string { return r.owner }

// Get returns the fields for connectorType, decrypting on first access.
// The boolean is false when the owner has none configured.
func (r *Resolver) Get(ctx context.Context, connectorType string) (Fields, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, errors.New("credentials: resolver closed")
	}
	if f, ok := r.cache[connectorType]; ok {
		return copyFields(f), true, nil
	}

	sealed, err := r.source.LookupCredential(ctx, r.owner, connectorType)
	if errors.Is(err, ErrNotConfigured) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s credentials: %w", connectorType, err)
	}
	fields, err := r.opener.Open(sealed)
	if err != nil {
		return nil, false, fmt.Errorf("open %s credentials: %w", connectorType, err)
	}
	r.cache[connectorType] = fields
	if r.onAccess != nil {
		r.onAccess(r.owner, connectorType)
	}
	return copyFields(fields), true, nil
}

// Has reports whether credentials exist without decrypting them.
func (r *Resolver) Has(ctx context.Context, connectorType string) bool {
	r.mu.Lock()
	_, cached := r.cache[connectorType]
	r.mu.Unlock()
	if cached {
		return true
	}
	ok, err := r.source.HasCredential(ctx, r.owner, connectorType)
	return err == nil && ok
}

// Close drops every decrypted value. Further Gets fail.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, f := range r.cache {
		for field := range f {
			delete(f, field)
		}
		delete(r.cache, k)
	}
	r.closed = true
}

func copyFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

type resolverKey struct{}

// WithResolver attaches r to ctx.
func WithResolver(ctx context.Context, r *Resolver) context.Context {
	return context.WithValue(ctx, resolverKey{}, r)
}

// FromContext returns the request's resolver, if any.
func FromContext(ctx context.Context) (*Resolver, bool) {
	r, ok := ctx.Value(resolverKey{}).(*Resolver)
	return r, ok && r != nil
}
