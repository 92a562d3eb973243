package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"permitline/internal/domain"
)

// Source fetches the live permit type catalog.
type Source interface {
	Fetch(ctx context.Context) ([]domain.PermitType, error)
}

// CacheStore persists the last successful fetch so a restart without
// connectivity still sees recent catalog data.
type CacheStore interface {
	CacheCatalog(ctx context.Context, types []domain.PermitType, fetchedAt time.Time) error
	CachedCatalog(ctx context.Context) ([]domain.PermitType, error)
}

// HTTPSource fetches the catalog from a remote endpoint.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s HTTPSource) Fetch(ctx context.Context) ([]domain.PermitType, error) {
	if s.URL == "" {
		return nil, fmt.Errorf("catalog url not configured")
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("catalog fetch status %d: %s", res.StatusCode, string(body))
	}
	var types []domain.PermitType
	if err := json.NewDecoder(res.Body).Decode(&types); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return types, nil
}

// Resolver looks up permit types, preferring the live catalog and
// degrading to the cached copy, then the bundled static table. The
// workflow proceeds in degraded mode rather than blocking; permit type
// definitions change rarely.
type Resolver struct {
	Source Source
	Cache  CacheStore
	Now    func() time.Time

	mu      sync.Mutex
	fetched []domain.PermitType
	valid   bool
}

// Resolve returns the permit type for id. degraded is true when the
// result did not come from a live fetch.
func (r *Resolver) Resolve(ctx context.Context, id int) (domain.PermitType, bool, error) {
	types, degraded := r.list(ctx)
	for _, pt := range types {
		if pt.ID == id {
			return pt, degraded, nil
		}
	}
	// an id missing from a degraded list may still exist in the
	// static table's identifier space
	if degraded {
		for _, pt := range Fallback() {
			if pt.ID == id {
				return pt, true, nil
			}
		}
	}
	return domain.PermitType{}, degraded, fmt.Errorf("permit type %d: %w", id, ErrUnknownType)
}

// List returns all permit types, live if possible.
func (r *Resolver) List(ctx context.Context) ([]domain.PermitType, bool) {
	return r.list(ctx)
}

// Invalidate drops the in-memory fetch so the next resolution hits the
// source again. Called on permit type change per session.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.fetched = nil
	r.valid = false
	r.mu.Unlock()
}

func (r *Resolver) list(ctx context.Context) ([]domain.PermitType, bool) {
	r.mu.Lock()
	if r.valid {
		types := r.fetched
		r.mu.Unlock()
		return types, false
	}
	r.mu.Unlock()

	if r.Source != nil {
		types, err := r.Source.Fetch(ctx)
		if err == nil && len(types) > 0 {
			r.mu.Lock()
			r.fetched = types
			r.valid = true
			r.mu.Unlock()
			if r.Cache != nil {
				now := time.Now
				if r.Now != nil {
					now = r.Now
				}
				if err := r.Cache.CacheCatalog(ctx, types, now()); err != nil {
					log.Printf("catalog: cache write failed: %v", err)
				}
			}
			return types, false
		}
		if err != nil && ctx.Err() == nil {
			log.Printf("catalog: live fetch failed, degrading: %v", err)
		}
	}
	if r.Cache != nil {
		if cached, err := r.Cache.CachedCatalog(ctx); err == nil && len(cached) > 0 {
			return cached, true
		}
	}
	return Fallback(), true
}

// Constraints are the catalog-derived minimums the draft's selections
// must satisfy. Extra user selections are never removed; a submission
// is only refused when a mandatory item is missing.
type Constraints struct {
	MandatoryPPE       []string `json:"mandatory_ppe"`
	SafetyChecklist    []string `json:"safety_checklist"`
	ForceIsolation     bool     `json:"force_isolation"`
	ForceTraining      bool     `json:"force_training"`
	MinPersonnel       int      `json:"min_personnel"`
	ValidityHours      int      `json:"validity_hours"`
	RequiresGasTesting bool     `json:"requires_gas_testing"`
	RequiresFireWatch  bool     `json:"requires_fire_watch"`
}

// DeriveConstraints computes the constraint set for a permit type.
func DeriveConstraints(pt domain.PermitType) Constraints {
	return Constraints{
		MandatoryPPE:       append([]string(nil), pt.MandatoryPPE...),
		SafetyChecklist:    append([]string(nil), pt.SafetyChecklist...),
		ForceIsolation:     pt.RequiresIsolation,
		ForceTraining:      pt.RequiresMedicalSurveillance,
		MinPersonnel:       pt.MinPersonnelRequired,
		ValidityHours:      pt.ValidityHours,
		RequiresGasTesting: pt.RequiresGasTesting,
		RequiresFireWatch:  pt.RequiresFireWatch,
	}
}
