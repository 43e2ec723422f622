package search

import (
	"context"

	"go.uber.org/zap"

	"github.com/nic-152/uran/internal/store"
)

const (
	EngineMeili = "meilisearch"
	EngineStore = "store"
)

const reindexBatch = 500

// RunSource lists every stored run for a full reindex.
type RunSource interface {
	AllRuns(ctx context.Context) ([]store.Run, error)
}

// Service tries Meilisearch first and falls back to the store.
type Service struct {
	meili    *Meili
	fallback Searcher
	runs     RunSource
	log      *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured. When runs is set the index is rebuilt from it whenever
// Meilisearch recovers from an outage.
func NewService(meili *Meili, fallback Searcher, runs RunSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{meili: meili, fallback: fallback, runs: runs, log: logger.Named("search")}
	if meili != nil && runs != nil {
		meili.OnRecover(func() { s.Reindex(context.Background()) })
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		s.log.Warn("meilisearch error, falling back to store", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: EngineStore}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Warn("store search error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: EngineStore}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineStore}
}

// IndexRun pushes one run to Meilisearch. Failures are logged, never returned.
func (s *Service) IndexRun(run RunRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexRuns([]RunRecord{run}); err != nil {
		s.log.Warn("index run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Reindex pushes every run from the primary store to Meilisearch, picking up
// runs written while the index was unreachable.
func (s *Service) Reindex(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.runs == nil {
		return
	}
	runs, err := s.runs.AllRuns(ctx)
	if err != nil {
		s.log.Warn("reindex: load runs", zap.Error(err))
		return
	}
	for start := 0; start < len(runs); start += reindexBatch {
		end := min(start+reindexBatch, len(runs))
		records := make([]RunRecord, 0, end-start)
		for _, run := range runs[start:end] {
			records = append(records, RecordFromRun(run))
		}
		if err := s.meili.IndexRuns(records); err != nil {
			s.log.Warn("reindex runs", zap.Int("offset", start), zap.Error(err))
			return
		}
	}
	s.log.Info("reindexed runs", zap.Int("count", len(runs)))
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
