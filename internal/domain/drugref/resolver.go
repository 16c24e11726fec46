package drugref

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phb-health/rxengine/pkg/circuitbreaker"
)

const (
	// cacheKeyPrefix carries a version so a deploy can invalidate every
	// cached entry at once by bumping it.
	cacheKeyPrefix = "drugref:v3:"
	cacheTTL       = 24 * time.Hour
)

// missSentinel is cached for names with no reference entry so repeated
// misses do not hammer the store.
var missSentinel = []byte("__MISS__")

// Resolver provides cache-aside resolution of drug reference data. Cache
// failures degrade to direct store lookups and are never surfaced to the
// caller; a circuit breaker keeps a dead cache from being polled on every
// request.
type Resolver struct {
	store   Store
	cache   Cache
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
	onMiss  func(count int)
}

// NewResolver creates a resolver. cache may be nil, in which case every
// lookup goes straight to the store.
func NewResolver(store Store, cache Cache, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cache != nil {
		cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("drugref-cache"), logger)
		if err != nil {
			logger.Warn("cache circuit breaker unavailable", zap.Error(err))
		} else {
			breaker = cb
		}
	}

	return &Resolver{
		store:   store,
		cache:   cache,
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("drugref-resolver"),
	}
}

// OnCacheMiss registers a callback invoked with the number of lookups
// that fell through to the store. Set it before the resolver is shared.
func (r *Resolver) OnCacheMiss(fn func(count int)) {
	r.onMiss = fn
}

func (r *Resolver) countMisses(n int) {
	if r.onMiss != nil && n > 0 {
		r.onMiss(n)
	}
}

// Resolve looks up a single medication name. Returns ErrNotFound for a
// clean miss.
func (r *Resolver) Resolve(ctx context.Context, name string) (*DrugReference, error) {
	ctx, span := r.tracer.Start(ctx, "drugref_resolve",
		trace.WithAttributes(attribute.String("name", name)))
	defer span.End()

	norm := Normalize(name)
	if norm == "" {
		return nil, ErrNotFound
	}

	if payload, ok := r.cacheGet(ctx, cacheKeyPrefix+norm); ok {
		if ref, miss := decodeCached(payload); miss {
			span.SetAttributes(attribute.Bool("negative_cache_hit", true))
			return nil, ErrNotFound
		} else if ref != nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return ref, nil
		}
		// Corrupt entry: fall through and overwrite below.
	}

	r.countMisses(1)
	ref, err := r.lookupDirect(ctx, norm)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.cachePut(ctx, map[string][]byte{cacheKeyPrefix + norm: missSentinel})
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, err
	}

	if buf, merr := json.Marshal(ref); merr == nil {
		r.cachePut(ctx, map[string][]byte{cacheKeyPrefix + norm: buf})
	}
	return ref, nil
}

// ResolveBatch resolves many names at once: one multi-get against the
// cache, one store pass for the misses only, one multi-put backfill. The
// result map is keyed by normalized name; unresolved names map to nil.
func (r *Resolver) ResolveBatch(ctx context.Context, names []string) (map[string]*DrugReference, error) {
	ctx, span := r.tracer.Start(ctx, "drugref_resolve_batch",
		trace.WithAttributes(attribute.Int("requested", len(names))))
	defer span.End()

	result := make(map[string]*DrugReference, len(names))

	var order []string
	for _, name := range names {
		norm := Normalize(name)
		if norm == "" {
			continue
		}
		if _, seen := result[norm]; seen {
			continue
		}
		result[norm] = nil
		order = append(order, norm)
	}
	if len(order) == 0 {
		return result, nil
	}

	keys := make([]string, len(order))
	for i, norm := range order {
		keys[i] = cacheKeyPrefix + norm
	}

	cached := r.cacheMGet(ctx, keys)

	var misses []string
	for _, norm := range order {
		payload, ok := cached[cacheKeyPrefix+norm]
		if !ok {
			misses = append(misses, norm)
			continue
		}
		ref, miss := decodeCached(payload)
		if miss {
			continue // negative entry, stays nil
		}
		if ref == nil {
			misses = append(misses, norm) // corrupt entry
			continue
		}
		result[norm] = ref
	}

	span.SetAttributes(attribute.Int("cache_misses", len(misses)))
	r.countMisses(len(misses))

	if len(misses) == 0 {
		return result, nil
	}

	found, err := r.store.LookupBatch(ctx, misses)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	backfill := make(map[string][]byte, len(misses))
	for _, norm := range misses {
		ref, ok := found[norm]
		if !ok {
			backfill[cacheKeyPrefix+norm] = missSentinel
			continue
		}
		result[norm] = ref
		if buf, merr := json.Marshal(ref); merr == nil {
			backfill[cacheKeyPrefix+norm] = buf
		}
	}
	r.cachePut(ctx, backfill)

	return result, nil
}

// lookupDirect applies the fixed precedence: exact generic name, then
// brand-name substring, then keyword substring. First match wins.
func (r *Resolver) lookupDirect(ctx context.Context, norm string) (*DrugReference, error) {
	ref, err := r.store.LookupByGenericName(ctx, norm)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ref, err = r.store.LookupByBrandNameContains(ctx, norm)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return r.store.LookupByKeywordContains(ctx, norm)
}

func (r *Resolver) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}

	fn := func() (interface{}, error) {
		payload, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return payload, nil
	}

	var res interface{}
	var err error
	if r.breaker != nil {
		res, err = r.breaker.Execute(ctx, fn)
	} else {
		res, err = fn()
	}
	if err != nil {
		r.logger.Warn("reference cache unavailable, using store",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if payload, ok := res.([]byte); ok {
		return payload, true
	}
	return nil, false
}

func (r *Resolver) cacheMGet(ctx context.Context, keys []string) map[string][]byte {
	if r.cache == nil {
		return map[string][]byte{}
	}

	fn := func() (interface{}, error) {
		return r.cache.MGet(ctx, keys)
	}

	var res interface{}
	var err error
	if r.breaker != nil {
		res, err = r.breaker.Execute(ctx, fn)
	} else {
		res, err = fn()
	}
	if err != nil {
		r.logger.Warn("reference cache unavailable, using store",
			zap.Int("keys", len(keys)), zap.Error(err))
		return map[string][]byte{}
	}
	if m, ok := res.(map[string][]byte); ok {
		return m
	}
	return map[string][]byte{}
}

func (r *Resolver) cachePut(ctx context.Context, entries map[string][]byte) {
	if r.cache == nil || len(entries) == 0 {
		return
	}

	fn := func() (interface{}, error) {
		return nil, r.cache.MSet(ctx, entries, cacheTTL)
	}

	var err error
	if r.breaker != nil {
		_, err = r.breaker.Execute(ctx, fn)
	} else {
		_, err = fn()
	}
	if err != nil {
		r.logger.Debug("reference cache backfill failed",
			zap.Int("entries", len(entries)), zap.Error(err))
	}
}

// decodeCached interprets a cached payload: (nil, true) for a negative
// entry, (ref, false) for a hit, (nil, false) for garbage.
func decodeCached(payload []byte) (*DrugReference, bool) {
	if bytes.Equal(payload, missSentinel) {
		return nil, true
	}
	var ref DrugReference
	if err := json.Unmarshal(payload, &ref); err != nil || ref.GenericName == "" {
		return nil, false
	}
	return &ref, false
}
