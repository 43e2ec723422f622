package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *HTTPServer) handleCreateRun(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateRunInput
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.service.CreateRun(r.Context(), session.UserID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run": run})
}

func (s *HTTPServer) handleListRuns(w http.ResponseWriter, r *http.Request, session Session) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	query := r.URL.Query()
	runs, err := s.service.ListRuns(r.Context(), session.UserID, ListRunsInput{
		ProjectID: query.Get("project_id"),
		Status:    query.Get("status"),
		Limit:     limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *HTTPServer) handleSearchRuns(w http.ResponseWriter, r *http.Request, session Session) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	query := r.URL.Query()
	resp, err := s.service.SearchRuns(r.Context(), session.UserID, SearchRunsInput{
		Query:     query.Get("q"),
		ProjectID: query.Get("project_id"),
		Status:    query.Get("status"),
		Limit:     limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetRun(w http.ResponseWriter, r *http.Request, session Session) {
	details, err := s.service.GetRunDetails(r.Context(), session.UserID, chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *HTTPServer) handleSetRunStatus(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.service.SetRunStatus(r.Context(), session.UserID, chi.URLParam(r, "runID"), body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *HTTPServer) handleAddRunItem(w http.ResponseWriter, r *http.Request, session Session) {
	var body AddRunItemInput
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	entry, err := s.service.AddRunItem(r.Context(), session.UserID, chi.URLParam(r, "runID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *HTTPServer) handleRecordResult(w http.ResponseWriter, r *http.Request, session Session) {
	var body RecordResultInput
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.RecordRunResult(r.Context(), session.UserID,
		chi.URLParam(r, "runID"), chi.URLParam(r, "itemID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updatedAt": result.UpdatedAt, "result": result})
}

func (s *HTTPServer) handleRunReport(w http.ResponseWriter, r *http.Request, session Session) {
	report, err := s.service.RunReport(r.Context(), session.UserID, chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleArchiveRun(w http.ResponseWriter, r *http.Request, session Session) {
	stored, err := s.service.ArchiveRunReport(r.Context(), session.UserID, chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"archive": stored})
}
