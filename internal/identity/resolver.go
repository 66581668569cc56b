package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pkgerrors "github.com/assadOW2/grimoirelab-elk/pkg/errors"
	"github.com/assadOW2/grimoirelab-elk/pkg/metrics"
	pkgredis "github.com/assadOW2/grimoirelab-elk/pkg/redis"
	"golang.org/x/sync/singleflight"
)

// Store is the backing identity store. LookupOrCreate must be deterministic
// for a given (username, email, name) triple: repeated calls return the
// same canonical identity.
type Store interface {
	LookupOrCreate(ctx context.Context, d Descriptor) (Canonical, error)
	Organization(ctx context.Context, uuid string) (string, error)
}

const orgKeyPrefix = "identity:org:"

// Resolver resolves descriptors to canonical identities. All cache state is
// scoped to one pipeline run: build a fresh Resolver per run and never
// share one across concurrent runs.
type Resolver struct {
	store Store
	redis *pkgredis.Client

	mu    sync.Mutex
	cache map[string]Canonical
	orgs  map[string]string

	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewResolver creates a run-scoped resolver. store may be nil, in which
// case every descriptor resolves to an unmerged identity. redis may be nil;
// when set it backs the organization memo across runs.
func NewResolver(store Store, redis *pkgredis.Client, m *metrics.Metrics) *Resolver {
	return &Resolver{
		store:   store,
		redis:   redis,
		cache:   make(map[string]Canonical),
		orgs:    make(map[string]string),
		metrics: m,
		logger:  slog.Default().With("component", "identity-resolver"),
	}
}

// Enabled reports whether a backing store is configured.
func (r *Resolver) Enabled() bool {
	return r.store != nil
}

// Resolve returns the canonical identity for a descriptor. Identical
// triples always yield the same identity within a run. Store failures are
// reported as ResolutionErrors; the caller decides whether they are fatal.
func (r *Resolver) Resolve(ctx context.Context, d Descriptor) (Canonical, error) {
	if r.store == nil {
		return Unmerged(d), nil
	}

	key := tripleKey(d)
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.IdentityCacheHits.Inc()
		}
		return cached, nil
	}
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.IdentityCacheMisses.Inc()
	}

	// Concurrent lookups for the same triple within a batch collapse into
	// one store round trip.
	v, err, _ := r.group.Do(key, func() (any, error) {
		resolved, err := r.store.LookupOrCreate(ctx, d)
		if err != nil {
			if r.metrics != nil {
				r.metrics.IdentityLookups.WithLabelValues("error").Inc()
			}
			return Canonical{}, pkgerrors.Resolution(err)
		}
		if r.metrics != nil {
			r.metrics.IdentityLookups.WithLabelValues("resolved").Inc()
		}
		r.mu.Lock()
		r.cache[key] = resolved
		r.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		return Canonical{}, err
	}
	return v.(Canonical), nil
}

// Organization returns the organization affiliated with an identity,
// memoized for the remainder of the run and, when redis is configured,
// across runs. Lookup failures degrade to an empty organization.
func (r *Resolver) Organization(ctx context.Context, uuid string) string {
	if r.store == nil || uuid == "" {
		return ""
	}

	r.mu.Lock()
	if org, ok := r.orgs[uuid]; ok {
		r.mu.Unlock()
		return org
	}
	r.mu.Unlock()

	if r.redis != nil {
		if org, err := r.redis.Get(ctx, orgKeyPrefix+uuid); err == nil {
			r.memoizeOrg(uuid, org)
			return org
		} else if !pkgredis.IsNilError(err) {
			r.logger.Warn("org cache read failed", "uuid", uuid, "error", err)
		}
	}

	org, err := r.store.Organization(ctx, uuid)
	if err != nil {
		r.logger.Warn("organization lookup failed", "uuid", uuid, "error", err)
		r.memoizeOrg(uuid, "")
		return ""
	}

	r.memoizeOrg(uuid, org)
	if r.redis != nil {
		if err := r.redis.Set(ctx, orgKeyPrefix+uuid, org); err != nil {
			r.logger.Warn("org cache write failed", "uuid", uuid, "error", err)
		}
	}
	return org
}

// CacheLen returns the number of resolved triples held by the run cache.
func (r *Resolver) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *Resolver) memoizeOrg(uuid, org string) {
	r.mu.Lock()
	r.orgs[uuid] = org
	r.mu.Unlock()
}

func tripleKey(d Descriptor) string {
	var b strings.Builder
	for _, f := range []*string{d.Username, d.Email, d.Name} {
		if f != nil {
			b.WriteString(*f)
		}
		b.WriteByte(0)
	}
	return b.String()
}

// String renders a descriptor for log messages.
func (d Descriptor) String() string {
	return fmt.Sprintf("{username:%s email:%s name:%s}",
		deref(d.Username), deref(d.Email), deref(d.Name))
}
