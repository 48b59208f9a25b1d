// Package deploy triggers deployments and deduplicates repeated requests for
// the same repository, branch and project.
package deploy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/metrics"
)

// DefaultPersistedMaxAge is how old a persisted deployment may be and still
// count as current
const DefaultPersistedMaxAge = 24 * time.Hour

// Trigger starts a real deployment
type Trigger interface {
	Trigger(ctx context.Context, repo, ref string) (domain.Deployment, error)
}

// Store persists successful deployments
type Store interface {
	// FindSuccessfulDeployment returns the newest successful deployment for
	// repoURL and branch recorded at or after notBefore, or nil.
	FindSuccessfulDeployment(ctx context.Context, repoURL, branch string, notBefore time.Time) (*domain.Deployment, error)
	SaveDeployment(ctx context.Context, key string, target Target, d domain.Deployment) error
}

// Service deduplicates deployments through an in-process cache backed by
// persisted records
type Service struct {
	cache   Cache
	store   Store
	trigger Trigger
	maxAge  time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	locks   keyedMutex
	now     func() time.Time
}

// NewService creates a Service. store may be nil. maxAge <= 0 accepts
// persisted deployments of any age.
func NewService(cache Cache, store Store, trigger Trigger, maxAge time.Duration, logger *zap.Logger, m *metrics.Metrics) *Service {
	if cache == nil {
		cache = NewTTLCache(DefaultCacheTTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cache:   cache,
		store:   store,
		trigger: trigger,
		maxAge:  maxAge,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Deploy returns an existing deployment for t when one is still valid and
// otherwise triggers a new one. Calls for the same key are serialized.
func (s *Service) Deploy(ctx context.Context, t Target) (domain.Deployment, error) {
	key := t.Key()
	unlock := s.locks.Lock(key)
	defer unlock()

	if d, ok := s.FindExisting(ctx, t); ok {
		s.metrics.Deployment("cached")
		return d, nil
	}

	if s.trigger == nil {
		return domain.Deployment{Success: false, Error: "no deployment trigger configured"}, fmt.Errorf("no deployment trigger configured")
	}

	repo := t.RepoURL
	if owner, name, err := domain.ParseRepoURL(t.RepoURL); err == nil && owner != "" {
		repo = owner + "/" + name
	}

	d, err := s.trigger.Trigger(ctx, repo, t.Branch)
	if err != nil {
		s.metrics.Deployment("failed")
		d.Success = false
		d.Error = err.Error()
		return d, fmt.Errorf("deploy %s@%s: %w", repo, t.Branch, err)
	}
	if !d.Success {
		s.metrics.Deployment("failed")
		return d, nil
	}

	s.metrics.Deployment("triggered")
	s.cacheDeploymentResult(ctx, key, t, d)
	return d, nil
}

// FindExisting checks the in-process cache, then the persisted records.
// A persisted hit repopulates the cache.
func (s *Service) FindExisting(ctx context.Context, t Target) (domain.Deployment, bool) {
	key := t.Key()
	if d, ok := s.cache.Get(key); ok {
		d.Cached = true
		return d, true
	}
	if s.store == nil {
		return domain.Deployment{}, false
	}

	var notBefore time.Time
	if s.maxAge > 0 {
		notBefore = s.now().Add(-s.maxAge)
	}
	d, err := s.store.FindSuccessfulDeployment(ctx, t.RepoURL, t.Branch, notBefore)
	if err != nil {
		s.logger.Warn("persisted deployment lookup failed", zap.String("key", key), zap.Error(err))
		return domain.Deployment{}, false
	}
	if d == nil {
		return domain.Deployment{}, false
	}

	found := *d
	found.Cached = false
	s.cache.Set(key, found)
	found.Cached = true
	return found, true
}

func (s *Service) cacheDeploymentResult(ctx context.Context, key string, t Target, d domain.Deployment) {
	d.Cached = false
	s.cache.Set(key, d)
	if s.store == nil {
		return
	}
	if err := s.store.SaveDeployment(ctx, key, t, d); err != nil {
		s.logger.Warn("persisting deployment failed", zap.String("key", key), zap.Error(err))
	}
}
