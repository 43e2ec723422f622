// Package search finds runs by title, through Meilisearch when it is
// reachable and through the primary store otherwise.
package search

import (
	"context"

	"github.com/nic-152/uran/internal/store"
)

// Result is a single run hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Snippet   string `json:"snippet,omitempty"`
}

// Query describes a search request. ProjectIDs bounds the result set and an
// empty list matches nothing.
type Query struct {
	Text       string
	ProjectIDs []string
	Status     string
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a title search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// RunRecord is the data we index for a run.
type RunRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updatedAt"`
}

// RecordFromRun converts a stored run into its index form.
func RecordFromRun(run store.Run) RunRecord {
	return RunRecord{
		ID:        run.ID,
		ProjectID: run.ProjectID,
		Title:     run.Title,
		Status:    string(run.Status),
		UpdatedAt: run.UpdatedAt.Unix(),
	}
}

const defaultLimit = 20

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > 100 {
		return 100
	}
	return limit
}
