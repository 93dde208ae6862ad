package app

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	charmLog "github.com/charmbracelet/log"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/telemetry"
)

// stageCatalogKey is the cache key of the stage registry snapshot.
const stageCatalogKey = "stage-catalog"

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	DefaultPageSize int
	MaxPageSize     int
	StageCacheTTL   time.Duration
	Logger          *charmLog.Logger
	Tracer          trace.Tracer
	Metrics         *telemetry.Metrics
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Service orchestrates the workflow engine, stage registry and view projector.
type Service struct {
	repo      Repository
	authz     Authorizer
	snapshots SnapshotReader
	idGen     IDGenerator
	clock     Clock
	locks     *keyedLocks
	stages    *gocache.Cache
	stageMu   sync.Mutex
	stageGen  atomic.Uint64
	logger    *charmLog.Logger
	tracer    trace.Tracer
	metrics   *telemetry.Metrics

	defaultPageSize int
	maxPageSize     int
}

// NewService constructs a new value for this package.
func NewService(repo Repository, authz Authorizer, snapshots SnapshotReader, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = max(cfg.DefaultPageSize, 500)
	}
	if cfg.StageCacheTTL <= 0 {
		cfg.StageCacheTTL = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = charmLog.New(io.Discard)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("trellis")
	}

	return &Service{
		repo:            repo,
		authz:           authz,
		snapshots:       snapshots,
		idGen:           idGen,
		clock:           clock,
		locks:           newKeyedLocks(),
		stages:          gocache.New(cfg.StageCacheTTL, 2*cfg.StageCacheTTL),
		logger:          cfg.Logger,
		tracer:          cfg.Tracer,
		metrics:         cfg.Metrics,
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
	}
}

// stageCatalog is the cached stage registry.
type stageCatalog struct {
	stages []domain.SystemStage
	codes  []domain.DisplacementCode
}

// loadStageCatalog returns the stage registry, reading through the cache.
func (s *Service) loadStageCatalog(ctx context.Context) (stageCatalog, error) {
	if cached, ok := s.stages.Get(stageCatalogKey); ok {
		s.metrics.RecordStageCacheLookup(true)
		return cached.(stageCatalog), nil
	}
	s.metrics.RecordStageCacheLookup(false)
	gen := s.stageGen.Load()
	stages, err := s.repo.ListSystemStages(ctx)
	if err != nil {
		return stageCatalog{}, err
	}
	codes, err := s.repo.ListDisplacementCodes(ctx, "")
	if err != nil {
		return stageCatalog{}, err
	}
	catalog := stageCatalog{stages: stages, codes: codes}
	// A mutation that landed while the registry was read bumps the
	// generation; the snapshot is then returned but never cached.
	s.stageMu.Lock()
	if s.stageGen.Load() == gen {
		s.stages.SetDefault(stageCatalogKey, catalog)
	}
	s.stageMu.Unlock()
	return catalog, nil
}

// invalidateStages drops the cached stage registry after a mutation.
func (s *Service) invalidateStages() {
	s.stageMu.Lock()
	s.stageGen.Add(1)
	s.stages.Delete(stageCatalogKey)
	s.stageMu.Unlock()
}

// startSpan opens a span named after a service operation.
func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "app."+name)
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
