package search

import (
	"context"
	"strings"

	"github.com/nic-152/uran/internal/lifecycle"
	"github.com/nic-152/uran/internal/store"
)

// TitleSearcher is implemented by both primary stores.
type TitleSearcher interface {
	SearchRunTitles(ctx context.Context, text string, filter store.RunFilter) ([]store.Run, error)
}

// StoreSearcher searches run titles in the primary store.
type StoreSearcher struct {
	titles TitleSearcher
}

func NewStoreSearcher(titles TitleSearcher) *StoreSearcher {
	return &StoreSearcher{titles: titles}
}

// Healthy is always true; the primary store is checked by /ready.
func (p *StoreSearcher) Healthy() bool {
	return true
}

// Search lets the store apply project, status and limit together, so a status
// filter never starves the page.
func (p *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.ProjectIDs) == 0 {
		return nil, 0, nil
	}
	runs, err := p.titles.SearchRunTitles(ctx, q.Text, store.RunFilter{
		ProjectIDs: q.ProjectIDs,
		Status:     lifecycle.RunStatus(q.Status),
		Limit:      clampLimit(q.Limit),
	})
	if err != nil {
		return nil, 0, err
	}

	results := make([]Result, 0, len(runs))
	for _, run := range runs {
		results = append(results, Result{
			ID:        run.ID,
			ProjectID: run.ProjectID,
			Title:     run.Title,
			Status:    string(run.Status),
		})
	}
	return results, len(results), nil
}
