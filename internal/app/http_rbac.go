package app

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request, session Session) {
	projects, err := s.service.ListProjects(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	project, err := s.service.CreateProject(r.Context(), session.UserID, body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": project})
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request, session Session) {
	members, err := s.service.ListMembers(r.Context(), session.UserID, chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	member, err := s.service.AddMember(r.Context(), session.UserID, chi.URLParam(r, "projectID"), body.Email, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": member})
}

func (s *HTTPServer) handleUpdateMember(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	member, err := s.service.UpdateMemberRole(r.Context(), session.UserID,
		chi.URLParam(r, "projectID"), chi.URLParam(r, "userID"), body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": member})
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.RemoveMember(r.Context(), session.UserID, chi.URLParam(r, "projectID"), chi.URLParam(r, "userID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request, session Session) {
	project, doc, err := s.service.GetSession(r.Context(), session.UserID, chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(doc) == 0 {
		doc = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project, "session": doc})
}

func (s *HTTPServer) handleSaveSession(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Session json.RawMessage `json:"session"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	project, err := s.service.SaveSession(r.Context(), session.UserID, chi.URLParam(r, "projectID"), body.Session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "project": project})
}
