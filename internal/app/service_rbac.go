package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nic-152/uran/internal/authpw"
	"github.com/nic-152/uran/internal/rbac"
	"github.com/nic-152/uran/internal/store"
)

// ProjectForUser is a project as seen by one caller.
type ProjectForUser struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      rbac.Role `json:"role"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func projectForUser(project store.Project, role rbac.Role) ProjectForUser {
	return ProjectForUser{
		ID:        project.ID,
		Name:      project.Name,
		Role:      role,
		OwnerID:   project.OwnerID,
		CreatedAt: project.CreatedAt,
		UpdatedAt: project.UpdatedAt,
	}
}

func (s *Service) CreateProject(ctx context.Context, actorID, name string) (ProjectForUser, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < 3 {
		return ProjectForUser{}, validationError("Project name must be at least 3 characters", map[string]any{"field": "name"})
	}
	if utf8.RuneCountInString(name) > 200 {
		return ProjectForUser{}, validationError("Project name must be at most 200 characters", map[string]any{"field": "name"})
	}

	now := s.now()
	project := store.Project{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return ProjectForUser{}, fmt.Errorf("create project: %w", err)
	}
	s.log.Info("project created", zap.Bool("audit", true),
		zap.String("project_id", project.ID), zap.String("actor_id", actorID))
	return projectForUser(project, rbac.RoleOwner), nil
}

func (s *Service) ListProjects(ctx context.Context, actorID string) ([]ProjectForUser, error) {
	projects, err := s.store.ListProjectsForUser(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]ProjectForUser, 0, len(projects))
	for _, project := range projects {
		role, err := s.roleIn(ctx, project, actorID)
		if err != nil {
			return nil, err
		}
		if role == "" {
			continue
		}
		out = append(out, projectForUser(project, role))
	}
	return out, nil
}

// ListMembers returns the owner first, then stored memberships in the order they were added.
func (s *Service) ListMembers(ctx context.Context, actorID, projectID string) ([]store.Member, error) {
	projectID, err := parseID("projectId", projectID)
	if err != nil {
		return nil, err
	}
	project, _, err := s.authorizeProject(ctx, projectID, actorID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}

	ownerEntry := store.Member{
		ProjectID: project.ID,
		UserID:    project.OwnerID,
		Role:      rbac.RoleOwner,
		CreatedAt: project.CreatedAt,
	}
	owner, err := s.store.GetUserByID(ctx, project.OwnerID)
	switch {
	case err == nil:
		ownerEntry.Email = owner.Email
		ownerEntry.Name = owner.Name
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	stored, err := s.store.ListMembers(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := make([]store.Member, 0, len(stored)+1)
	members = append(members, ownerEntry)
	for _, member := range stored {
		if member.UserID == project.OwnerID {
			continue
		}
		members = append(members, member)
	}
	return members, nil
}

// AddMember grants role to the user registered under email, overwriting any existing role.
func (s *Service) AddMember(ctx context.Context, actorID, projectID, email, role string) (store.Member, error) {
	projectID, err := parseID("projectId", projectID)
	if err != nil {
		return store.Member{}, err
	}
	project, _, err := s.authorizeProject(ctx, projectID, actorID, rbac.ActionAdmin)
	if err != nil {
		return store.Member{}, err
	}
	grant, err := parseGrant(role)
	if err != nil {
		return store.Member{}, err
	}
	email = authpw.NormalizeEmail(email)
	if !strings.Contains(email, "@") {
		return store.Member{}, validationError("A valid email is required", map[string]any{"field": "email"})
	}

	target, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Member{}, notFound("User not found")
		}
		return store.Member{}, err
	}
	if target.ID == project.OwnerID {
		return store.Member{}, errOwnerImmutable
	}

	member, err := s.store.UpsertMember(ctx, project.ID, target.ID, grant, s.now())
	if err != nil {
		return store.Member{}, fmt.Errorf("upsert member: %w", err)
	}
	s.log.Info("member granted", zap.Bool("audit", true),
		zap.String("project_id", project.ID), zap.String("user_id", target.ID),
		zap.String("role", string(grant)), zap.String("actor_id", actorID))
	return member, nil
}

func (s *Service) UpdateMemberRole(ctx context.Context, actorID, projectID, targetUserID, role string) (store.Member, error) {
	projectID, err := parseID("projectId", projectID)
	if err != nil {
		return store.Member{}, err
	}
	targetUserID, err = parseID("userId", targetUserID)
	if err != nil {
		return store.Member{}, err
	}
	project, _, err := s.authorizeProject(ctx, projectID, actorID, rbac.ActionAdmin)
	if err != nil {
		return store.Member{}, err
	}
	if targetUserID == project.OwnerID {
		return store.Member{}, errOwnerImmutable
	}
	grant, err := parseGrant(role)
	if err != nil {
		return store.Member{}, err
	}

	member, err := s.store.UpdateMemberRole(ctx, project.ID, targetUserID, grant, s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Member{}, notFound("Member not found")
		}
		return store.Member{}, fmt.Errorf("update member role: %w", err)
	}
	s.log.Info("member role changed", zap.Bool("audit", true),
		zap.String("project_id", project.ID), zap.String("user_id", targetUserID),
		zap.String("role", string(grant)), zap.String("actor_id", actorID))
	return member, nil
}

func (s *Service) RemoveMember(ctx context.Context, actorID, projectID, targetUserID string) error {
	projectID, err := parseID("projectId", projectID)
	if err != nil {
		return err
	}
	targetUserID, err = parseID("userId", targetUserID)
	if err != nil {
		return err
	}
	project, _, err := s.authorizeProject(ctx, projectID, actorID, rbac.ActionAdmin)
	if err != nil {
		return err
	}
	if targetUserID == project.OwnerID {
		return errOwnerImmutable
	}

	if err := s.store.RemoveMember(ctx, project.ID, targetUserID, s.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Member not found")
		}
		return fmt.Errorf("remove member: %w", err)
	}
	s.log.Info("member removed", zap.Bool("audit", true),
		zap.String("project_id", project.ID), zap.String("user_id", targetUserID),
		zap.String("actor_id", actorID))
	return nil
}

// GetSession returns the project and its session document, nil when none was saved.
func (s *Service) GetSession(ctx context.Context, actorID, projectID string) (ProjectForUser, json.RawMessage, error) {
	projectID, err := parseID("projectId", projectID)
	if err != nil {
		return ProjectForUser{}, nil, err
	}
	project, role, err := s.authorizeProject(ctx, projectID, actorID, rbac.ActionRead)
	if err != nil {
		return ProjectForUser{}, nil, err
	}
	return projectForUser(project, role), project.Session, nil
}

// SaveSession replaces the session document wholesale.
func (s *Service) SaveSession(ctx context.Context, actorID, projectID string, doc json.RawMessage) (ProjectForUser, error) {
	projectID, err := parseID("projectId", projectID)
	if err != nil {
		return ProjectForUser{}, err
	}
	_, role, err := s.authorizeProject(ctx, projectID, actorID, rbac.ActionWrite)
	if err != nil {
		return ProjectForUser{}, err
	}
	trimmed := strings.TrimSpace(string(doc))
	if trimmed == "" || trimmed == "null" || !json.Valid(doc) {
		return ProjectForUser{}, validationError("Session document is required", map[string]any{"field": "session"})
	}

	project, err := s.store.SaveSession(ctx, projectID, json.RawMessage(trimmed), s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProjectForUser{}, notFound("Project not found")
		}
		return ProjectForUser{}, fmt.Errorf("save session: %w", err)
	}
	return projectForUser(project, role), nil
}

func parseGrant(role string) (rbac.Role, error) {
	grant, err := rbac.ParseGrantable(strings.ToLower(strings.TrimSpace(role)))
	if err != nil {
		return "", validationError("Role must be editor or viewer", map[string]any{"field": "role"})
	}
	return grant, nil
}
