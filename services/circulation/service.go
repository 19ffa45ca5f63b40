// Package circulation implements the library circulation service: the patron
// catalog, staff inventory, loans and members, served over HTTP.
package circulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/singleflight"

	"github.com/librarysingkat/circulation/internal/cache"
	"github.com/librarysingkat/circulation/internal/config"
	"github.com/librarysingkat/circulation/internal/domain/library"
	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/internal/metrics"
	"github.com/librarysingkat/circulation/services/circulation/supabase"
	"github.com/librarysingkat/circulation/supabase/client"
)

const (
	ServiceID   = "circulation"
	ServiceName = "Library Circulation Service"
	Version     = "1.0.0"

	catalogCacheName = "catalog"
	availableKey     = "available"
)

// CoverStore stores book cover images. *client.BucketClient implements it.
type CoverStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string, upsert bool) error
	PublicURL(path string) string
}

// Config configures the circulation service.
type Config struct {
	Repository supabase.Repository
	// Cache backs the catalog; nil uses an in-process store.
	Cache   cache.Store
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Policy  config.Policy
	// Covers is optional; cover uploads fail without it.
	Covers CoverStore
	// Realtime is optional; when set, database changes invalidate the caches.
	Realtime *client.RealtimeClient
	Now      func() time.Time
}

// Service implements the circulation operations.
type Service struct {
	repo     supabase.Repository
	catalog  *cache.Typed[[]library.Book]
	metrics  *metrics.Metrics
	logger   *logging.Logger
	policy   config.Policy
	covers   CoverStore
	realtime *client.RealtimeClient
	now      func() time.Time

	itemsMu    sync.RWMutex
	itemsCache map[string][]library.LoanItemWithBook
	itemsGen   uint64 // bumped whenever cached items are dropped
	itemsGroup singleflight.Group

	workers  []func(context.Context)
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new circulation service.
func New(cfg Config) (*Service, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("circulation service requires a repository")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(ServiceID, "info", "json")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemoryStore()
	}
	if cfg.Policy.LoanPeriodDays == 0 {
		cfg.Policy = config.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Service{
		repo:       cfg.Repository,
		catalog:    cache.NewTyped[[]library.Book](cfg.Cache, catalogCacheName, cfg.Policy.CatalogCacheTTL, cfg.Metrics),
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		policy:     cfg.Policy,
		covers:     cfg.Covers,
		realtime:   cfg.Realtime,
		now:        cfg.Now,
		itemsCache: make(map[string][]library.LoanItemWithBook),
		stopCh:     make(chan struct{}),
	}

	if cfg.Policy.OverdueSweepSchedule != "" {
		s.workers = append(s.workers, s.runOverdueSweeper)
	}
	if cfg.Realtime != nil {
		s.subscribeChanges()
		s.workers = append(s.workers, s.runRealtime)
	}
	return s, nil
}

// Policy returns the circulation policy in effect.
func (s *Service) Policy() config.Policy {
	return s.policy
}

// Today returns the current date as used for loan dates.
func (s *Service) Today() time.Time {
	return s.now()
}

// RegisterRoutes mounts the public and staff routes. staff wraps the staff subrouter
// with authentication and authorization.
func (s *Service) RegisterRoutes(router *mux.Router, staff ...mux.MiddlewareFunc) {
	s.registerRoutes(router, staff...)
}
