package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxRuns = "uran_runs"

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
	// onRecover runs after the index is reconfigured following an outage.
	onRecover atomic.Pointer[func()]
}

// NewMeili creates a Meilisearch client and configures the runs index.
// An unreachable server is not fatal; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    logger.Named("meili"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxRuns, PrimaryKey: "id"}); err != nil {
		m.log.Debug("create index (may already exist)", zap.String("index", idxRuns), zap.Error(err))
	}

	index := m.client.Index(idxRuns)
	filterable := []interface{}{"projectId", "status"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", zap.String("index", idxRuns), zap.Error(err))
	}
	searchable := []string{"title"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", zap.String("index", idxRuns), zap.Error(err))
	}
	sortable := []string{"updatedAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.log.Warn("update sortable attributes", zap.String("index", idxRuns), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Meili) checkHealth() {
	_, err := m.client.Health()
	wasHealthy := m.healthy.Load()
	m.healthy.Store(err == nil)
	if err != nil || wasHealthy {
		return
	}
	m.log.Info("meilisearch recovered, reconfiguring index")
	m.configureIndex()
	if fn := m.onRecover.Load(); fn != nil {
		(*fn)()
	}
}

// OnRecover registers fn to run each time Meilisearch comes back after being unreachable.
func (m *Meili) OnRecover(fn func()) {
	m.onRecover.Store(&fn)
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}
	if len(q.ProjectIDs) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxRuns,
			Query:                 q.Text,
			Limit:                 int64(clampLimit(q.Limit)),
			Filter:                runFilters(q),
			AttributesToHighlight: []string{"title"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// runFilters scopes a query to the caller's projects. Filters in the
// outer slice are AND-ed by Meilisearch.
func runFilters(q Query) []string {
	quoted := make([]string, 0, len(q.ProjectIDs))
	for _, id := range q.ProjectIDs {
		quoted = append(quoted, strconv.Quote(id))
	}
	filters := []string{"projectId IN [" + strings.Join(quoted, ", ") + "]"}
	if q.Status != "" {
		filters = append(filters, "status = "+strconv.Quote(q.Status))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	title := decodeString(hit, "title")
	return Result{
		ID:        decodeString(hit, "id"),
		ProjectID: decodeString(hit, "projectId"),
		Title:     title,
		Status:    decodeString(hit, "status"),
		Snippet:   decodeFormattedString(hit, "title"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// IndexRuns adds or replaces runs in the index.
func (m *Meili) IndexRuns(runs []RunRecord) error {
	if len(runs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRuns).AddDocuments(runs, nil)
	return err
}
