package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nic-152/uran/internal/archive"
	"github.com/nic-152/uran/internal/lifecycle"
	"github.com/nic-152/uran/internal/rbac"
	"github.com/nic-152/uran/internal/search"
	"github.com/nic-152/uran/internal/store"
)

const (
	defaultRunTitle   = "New run"
	maxRunTitle       = 200
	maxComment        = 4000
	maxFailReasonCode = 64
	defaultRunLimit   = 50
	maxRunLimit       = 200
)

type CreateRunInput struct {
	ProjectID  string  `json:"projectId"`
	AssetID    *string `json:"assetId"`
	TemplateID *string `json:"templateId"`
	Title      string  `json:"title"`
}

func (s *Service) CreateRun(ctx context.Context, actorID string, input CreateRunInput) (store.Run, error) {
	projectID, err := parseID("projectId", input.ProjectID)
	if err != nil {
		return store.Run{}, err
	}
	assetID, err := parseOptionalID("assetId", input.AssetID)
	if err != nil {
		return store.Run{}, err
	}
	templateID, err := parseOptionalID("templateId", input.TemplateID)
	if err != nil {
		return store.Run{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = defaultRunTitle
	}
	if utf8.RuneCountInString(title) > maxRunTitle {
		return store.Run{}, validationError(fmt.Sprintf("Title must be at most %d characters", maxRunTitle), map[string]any{"field": "title"})
	}
	if _, _, err := s.authorizeProject(ctx, projectID, actorID, rbac.ActionWrite); err != nil {
		return store.Run{}, err
	}

	now := s.now()
	run := store.Run{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		AssetID:    assetID,
		TemplateID: templateID,
		Title:      title,
		Status:     lifecycle.RunDraft,
		ExecutorID: actorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return store.Run{}, fmt.Errorf("create run: %w", err)
	}
	s.search.IndexRun(search.RecordFromRun(run))
	s.log.Info("run created", zap.Bool("audit", true),
		zap.String("run_id", run.ID), zap.String("project_id", projectID), zap.String("actor_id", actorID))
	return run, nil
}

type ListRunsInput struct {
	ProjectID string
	Status    string
	Limit     int
}

// ListRuns returns runs newest first. Without a project filter only projects
// the caller holds a role in are searched.
func (s *Service) ListRuns(ctx context.Context, actorID string, input ListRunsInput) ([]store.Run, error) {
	filter := store.RunFilter{Limit: clampRunLimit(input.Limit)}
	if status := strings.TrimSpace(input.Status); status != "" {
		parsed, err := lifecycle.ParseRunStatus(status)
		if err != nil {
			return nil, validationError("Unknown run status", map[string]any{"field": "status"})
		}
		filter.Status = parsed
	}

	projectIDs, err := s.scopeProjects(ctx, actorID, input.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(projectIDs) == 0 {
		return []store.Run{}, nil
	}
	filter.ProjectIDs = projectIDs

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// scopeProjects resolves an optional project filter to the project ids a caller may read.
func (s *Service) scopeProjects(ctx context.Context, actorID, projectID string) ([]string, error) {
	if strings.TrimSpace(projectID) == "" {
		return s.readableProjectIDs(ctx, actorID)
	}
	id, err := parseID("projectId", projectID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeProject(ctx, id, actorID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return []string{id}, nil
}

func clampRunLimit(limit int) int {
	if limit <= 0 {
		return defaultRunLimit
	}
	if limit > maxRunLimit {
		return maxRunLimit
	}
	return limit
}

type RunDetails struct {
	Run   store.Run              `json:"run"`
	Items []store.ItemWithResult `json:"items"`
}

func (s *Service) GetRunDetails(ctx context.Context, actorID, runID string) (RunDetails, error) {
	runID, err := parseID("runId", runID)
	if err != nil {
		return RunDetails{}, err
	}
	run, err := s.authorizeRun(ctx, runID, actorID, rbac.ActionRead)
	if err != nil {
		return RunDetails{}, err
	}
	items, err := s.store.ListRunItems(ctx, run.ID)
	if err != nil {
		return RunDetails{}, fmt.Errorf("list run items: %w", err)
	}
	return RunDetails{Run: run, Items: items}, nil
}

// SetRunStatus moves a run through its lifecycle. Re-submitting the current
// status is accepted and only refreshes updatedAt.
func (s *Service) SetRunStatus(ctx context.Context, actorID, runID, status string) (store.Run, error) {
	runID, err := parseID("runId", runID)
	if err != nil {
		return store.Run{}, err
	}
	to, err := lifecycle.ParseRunStatus(strings.TrimSpace(status))
	if err != nil {
		return store.Run{}, validationError("Unknown run status", map[string]any{"field": "status"})
	}
	if _, err := s.authorizeRun(ctx, runID, actorID, rbac.ActionWrite); err != nil {
		return store.Run{}, err
	}

	now := s.now()
	var from lifecycle.RunStatus
	updated, err := s.store.TransitionRun(ctx, runID, func(current store.Run) (store.Run, error) {
		from = current.Status
		stamps, err := lifecycle.Transition(current.Status, to, current.Stamps(), now)
		if err != nil {
			return current, err
		}
		next := current.WithStamps(stamps)
		next.Status = to
		return next, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			return store.Run{}, conflict("INVALID_TRANSITION",
				fmt.Sprintf("Cannot change run status from %s to %s", from, to),
				map[string]any{"from": from, "to": to})
		case errors.Is(err, sql.ErrNoRows):
			return store.Run{}, notFound("Run not found")
		}
		return store.Run{}, fmt.Errorf("transition run: %w", err)
	}

	s.search.IndexRun(search.RecordFromRun(updated))
	s.log.Info("run status changed", zap.Bool("audit", true),
		zap.String("run_id", runID), zap.String("from", string(from)), zap.String("to", string(to)),
		zap.String("actor_id", actorID))
	return updated, nil
}

type AddRunItemInput struct {
	TestcaseVersionID string `json:"testcaseVersionId"`
	Position          *int   `json:"position"`
	IsRequired        *bool  `json:"isRequired"`
}

// AddRunItem attaches a test case version to a run together with its default na result.
func (s *Service) AddRunItem(ctx context.Context, actorID, runID string, input AddRunItemInput) (store.ItemWithResult, error) {
	runID, err := parseID("runId", runID)
	if err != nil {
		return store.ItemWithResult{}, err
	}
	versionID, err := parseID("testcaseVersionId", input.TestcaseVersionID)
	if err != nil {
		return store.ItemWithResult{}, err
	}
	run, err := s.authorizeLedgerWrite(ctx, runID, actorID)
	if err != nil {
		return store.ItemWithResult{}, err
	}

	now := s.now()
	item := store.RunItem{
		ID:                uuid.NewString(),
		RunID:             run.ID,
		TestcaseVersionID: versionID,
		IsRequired:        true,
		CreatedAt:         now,
	}
	if input.Position != nil {
		item.Position = *input.Position
	}
	if input.IsRequired != nil {
		item.IsRequired = *input.IsRequired
	}
	result := store.DefaultResult(item.ID, actorID, now)

	if err := s.store.AddRunItem(ctx, item, result); err != nil {
		switch {
		case errors.Is(err, store.ErrRunLocked):
			return store.ItemWithResult{}, errRunLocked
		case errors.Is(err, sql.ErrNoRows):
			return store.ItemWithResult{}, notFound("Run not found")
		}
		return store.ItemWithResult{}, fmt.Errorf("add run item: %w", err)
	}
	return store.ItemWithResult{Item: item, Result: result}, nil
}

// RecordResultInput is one result write. A nil Comment keeps the stored comment,
// an empty one clears it.
type RecordResultInput struct {
	Status         string  `json:"status"`
	FailReasonCode *string `json:"failReasonCode"`
	Comment        *string `json:"comment"`
}

func (s *Service) RecordRunResult(ctx context.Context, actorID, runID, itemID string, input RecordResultInput) (store.RunResult, error) {
	runID, err := parseID("runId", runID)
	if err != nil {
		return store.RunResult{}, err
	}
	itemID, err = parseID("itemId", itemID)
	if err != nil {
		return store.RunResult{}, err
	}
	status, err := lifecycle.ParseResultStatus(strings.ToLower(strings.TrimSpace(input.Status)))
	if err != nil {
		return store.RunResult{}, validationError("Status must be ok, fail or na", map[string]any{"field": "status"})
	}
	code := input.FailReasonCode
	if code != nil {
		trimmed := strings.TrimSpace(*code)
		if trimmed == "" {
			code = nil
		} else {
			code = &trimmed
		}
	}
	code = lifecycle.FailReason(status, code)
	if code != nil && utf8.RuneCountInString(*code) > maxFailReasonCode {
		return store.RunResult{}, validationError(fmt.Sprintf("Fail reason code must be at most %d characters", maxFailReasonCode), map[string]any{"field": "failReasonCode"})
	}
	if input.Comment != nil && utf8.RuneCountInString(*input.Comment) > maxComment {
		return store.RunResult{}, validationError(fmt.Sprintf("Comment must be at most %d characters", maxComment), map[string]any{"field": "comment"})
	}

	run, err := s.authorizeLedgerWrite(ctx, runID, actorID)
	if err != nil {
		return store.RunResult{}, err
	}

	result, err := s.store.UpsertRunResult(ctx, store.ResultWrite{
		RunID:          run.ID,
		RunItemID:      itemID,
		Status:         status,
		FailReasonCode: code,
		Comment:        input.Comment,
		UpdatedBy:      actorID,
		UpdatedAt:      s.now(),
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRunLocked):
			return store.RunResult{}, errRunLocked
		case errors.Is(err, sql.ErrNoRows):
			return store.RunResult{}, notFound("Run item not found")
		}
		return store.RunResult{}, fmt.Errorf("upsert run result: %w", err)
	}
	return result, nil
}

type SearchRunsInput struct {
	Query     string
	ProjectID string
	Status    string
	Limit     int
}

func (s *Service) SearchRuns(ctx context.Context, actorID string, input SearchRunsInput) (search.Response, error) {
	text := strings.TrimSpace(input.Query)
	if text == "" {
		return search.Response{}, validationError("Query is required", map[string]any{"field": "q"})
	}
	status := strings.TrimSpace(input.Status)
	if status != "" {
		if _, err := lifecycle.ParseRunStatus(status); err != nil {
			return search.Response{}, validationError("Unknown run status", map[string]any{"field": "status"})
		}
	}
	projectIDs, err := s.scopeProjects(ctx, actorID, input.ProjectID)
	if err != nil {
		return search.Response{}, err
	}
	return s.search.Search(ctx, search.Query{
		Text:       text,
		ProjectIDs: projectIDs,
		Status:     status,
		Limit:      input.Limit,
	}), nil
}

func (s *Service) RunReport(ctx context.Context, actorID, runID string) (archive.Report, error) {
	details, err := s.GetRunDetails(ctx, actorID, runID)
	if err != nil {
		return archive.Report{}, err
	}
	return archive.BuildReport(details.Run, details.Items, s.now()), nil
}

// ArchiveRunReport stores the report of a locked run and returns a download link.
func (s *Service) ArchiveRunReport(ctx context.Context, actorID, runID string) (archive.Stored, error) {
	runID, err := parseID("runId", runID)
	if err != nil {
		return archive.Stored{}, err
	}
	run, err := s.authorizeRun(ctx, runID, actorID, rbac.ActionWrite)
	if err != nil {
		return archive.Stored{}, err
	}
	if s.archive == nil {
		return archive.Stored{}, unavailable("Report storage is not configured")
	}
	if run.Status != lifecycle.RunLocked {
		return archive.Stored{}, conflict("CONFLICT", "Only locked runs can be archived", map[string]any{"status": run.Status})
	}

	items, err := s.store.ListRunItems(ctx, run.ID)
	if err != nil {
		return archive.Stored{}, fmt.Errorf("list run items: %w", err)
	}
	now := s.now()
	body, err := archive.Encode(archive.BuildReport(run, items, now))
	if err != nil {
		return archive.Stored{}, err
	}
	stored, err := s.archive.Store(ctx, archive.ObjectKey(run.ProjectID, run.ID), body, now)
	if err != nil {
		s.log.Warn("archive run report", zap.String("run_id", run.ID), zap.Error(err))
		return archive.Stored{}, unavailable("Report storage is unavailable")
	}
	s.log.Info("run report archived", zap.Bool("audit", true),
		zap.String("run_id", run.ID), zap.String("key", stored.Key), zap.String("actor_id", actorID))
	return stored, nil
}
