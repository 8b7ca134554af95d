// ABOUTME: Node identity resolved from priority-ordered providers
// ABOUTME: Providers may pass on a field so a lower priority provider answers

package identity

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// ErrPass is returned by a provider that declines to answer a field.
var ErrPass = errors.New("identity provider passed")

// Field names one identity attribute.
type Field string

// Identity fields.
const (
	FieldName       Field = "name"
	FieldQueueName  Field = "queue_name"
	FieldRoles      Field = "roles"
	FieldInstanceID Field = "instance_id"
	FieldServerID   Field = "server_id"
	FieldClusterID  Field = "cluster_id"
	FieldAccountID  Field = "account_id"
	FieldLocalIP    Field = "local_ip"
	FieldPublicIP   Field = "public_ip"
)

// DefaultLookupTimeout bounds a single field lookup across all providers.
const DefaultLookupTimeout = 5 * time.Second

// Provider answers identity fields. Higher priority providers are asked first.
type Provider interface {
	Name() string
	Priority() int
	Lookup(ctx context.Context, field Field) (string, error)
}

// Resolver answers identity questions by asking providers in priority order.
// Answers are cached for the life of the resolver.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[Field]string
}

// NewResolver orders providers by descending priority, dropping excluded names.
func NewResolver(providers []Provider, exclude []string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	kept := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if slices.Contains(exclude, p.Name()) {
			logger.Debug("excluding identity provider", "provider", p.Name())
			continue
		}
		kept = append(kept, p)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Priority() > kept[j].Priority()
	})

	return &Resolver{
		providers: kept,
		logger:    logger,
		cache:     make(map[Field]string),
	}
}

// Lookup resolves a field. It returns ErrPass when every provider declined.
func (r *Resolver) Lookup(ctx context.Context, field Field) (string, error) {
	r.mu.Lock()
	if v, ok := r.cache[field]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	for _, p := range r.providers {
		v, err := p.Lookup(ctx, field)
		if errors.Is(err, ErrPass) {
			continue
		}
		if err != nil {
			r.logger.Debug("identity provider failed", "provider", p.Name(), "field", field, "error", err)
			continue
		}

		r.mu.Lock()
		r.cache[field] = v
		r.mu.Unlock()
		return v, nil
	}
	return "", ErrPass
}

func (r *Resolver) get(field Field) string {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultLookupTimeout)
	defer cancel()

	v, err := r.Lookup(ctx, field)
	if err != nil {
		return ""
	}
	return v
}

// Name is the node name.
func (r *Resolver) Name() string { return r.get(FieldName) }

// QueueName is the name of this node's receive queue.
func (r *Resolver) QueueName() string { return r.get(FieldQueueName) }

// Roles is the comma separated role list.
func (r *Resolver) Roles() string { return r.get(FieldRoles) }

// InstanceID identifies the machine instance.
func (r *Resolver) InstanceID() string { return r.get(FieldInstanceID) }

// ServerID identifies the server record.
func (r *Resolver) ServerID() string { return r.get(FieldServerID) }

// ClusterID identifies the cluster.
func (r *Resolver) ClusterID() string { return r.get(FieldClusterID) }

// AccountID identifies the owning account.
func (r *Resolver) AccountID() string { return r.get(FieldAccountID) }

// LocalIP is the address used for outbound traffic.
func (r *Resolver) LocalIP() string { return r.get(FieldLocalIP) }

// PublicIP is the externally visible address.
func (r *Resolver) PublicIP() string { return r.get(FieldPublicIP) }

// Snapshot resolves every field, keyed by field name.
func (r *Resolver) Snapshot() map[Field]string {
	fields := []Field{
		FieldName, FieldQueueName, FieldRoles, FieldInstanceID, FieldServerID,
		FieldClusterID, FieldAccountID, FieldLocalIP, FieldPublicIP,
	}
	out := make(map[Field]string, len(fields))
	for _, f := range fields {
		out[f] = r.get(f)
	}
	return out
}

// Providers returns the active provider names in the order they are asked.
func (r *Resolver) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}
