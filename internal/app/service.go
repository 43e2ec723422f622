package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nic-152/uran/internal/archive"
	"github.com/nic-152/uran/internal/auth"
	"github.com/nic-152/uran/internal/authpw"
	"github.com/nic-152/uran/internal/config"
	"github.com/nic-152/uran/internal/lifecycle"
	"github.com/nic-152/uran/internal/rbac"
	"github.com/nic-152/uran/internal/search"
	"github.com/nic-152/uran/internal/session"
	"github.com/nic-152/uran/internal/store"
)

// Session is the authenticated caller of a request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	ExpiresAt    time.Time
}

// RefreshStore keeps hashed refresh tokens. Both data stores and the Redis
// session store implement it.
type RefreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// DataStore is the persistence the service runs on. Not-found is reported as sql.ErrNoRows.
type DataStore interface {
	RefreshStore
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)

	CreateProject(ctx context.Context, project store.Project) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error)
	SaveSession(ctx context.Context, projectID string, doc json.RawMessage, now time.Time) (store.Project, error)

	MemberRole(ctx context.Context, projectID, userID string) (rbac.Role, error)
	ListMembers(ctx context.Context, projectID string) ([]store.Member, error)
	UpsertMember(ctx context.Context, projectID, userID string, role rbac.Role, now time.Time) (store.Member, error)
	UpdateMemberRole(ctx context.Context, projectID, userID string, role rbac.Role, now time.Time) (store.Member, error)
	RemoveMember(ctx context.Context, projectID, userID string, now time.Time) error

	CreateRun(ctx context.Context, run store.Run) error
	GetRun(ctx context.Context, runID string) (store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error)
	AllRuns(ctx context.Context) ([]store.Run, error)
	SearchRunTitles(ctx context.Context, text string, filter store.RunFilter) ([]store.Run, error)
	TransitionRun(ctx context.Context, runID string, mutate store.RunMutation) (store.Run, error)
	AddRunItem(ctx context.Context, item store.RunItem, result store.RunResult) error
	UpsertRunResult(ctx context.Context, write store.ResultWrite) (store.RunResult, error)
	ListRunItems(ctx context.Context, runID string) ([]store.ItemWithResult, error)
}

// ReportArchive stores finalized run reports.
type ReportArchive interface {
	Store(ctx context.Context, key string, body []byte, now time.Time) (archive.Stored, error)
}

// Deps are the optional collaborators of a Service.
type Deps struct {
	// Refresh defaults to the data store.
	Refresh RefreshStore
	// Search defaults to a store-backed title search.
	Search *search.Service
	// Archive is nil when object storage is not configured.
	Archive    ReportArchive
	Logger     *zap.Logger
	BcryptCost int
}

type Service struct {
	cfg       config.Config
	store     DataStore
	refresh   RefreshStore
	passwords *authpw.Service
	search    *search.Service
	archive   ReportArchive
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, data DataStore, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	refresh := deps.Refresh
	if refresh == nil {
		refresh = data
	}
	searchSvc := deps.Search
	if searchSvc == nil {
		searchSvc = search.NewService(nil, search.NewStoreSearcher(data), data, logger)
	}
	passwords := authpw.NewService(data)
	if deps.BcryptCost > 0 {
		passwords = passwords.WithCost(deps.BcryptCost)
	}
	return &Service{
		cfg:       cfg,
		store:     data,
		refresh:   refresh,
		passwords: passwords,
		search:    searchSvc,
		archive:   deps.Archive,
		log:       logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ping reports whether the data store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// UserView is a user as returned to clients.
type UserView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func userView(user store.User) UserView {
	return UserView{ID: user.ID, Name: user.Name, Email: user.Email, CreatedAt: user.CreatedAt}
}

type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, UserView, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		Name:     input.Name,
		Email:    input.Email,
		Password: input.Password,
	})
	if err != nil {
		var inputErr *authpw.InputError
		switch {
		case errors.As(err, &inputErr):
			return Session{}, UserView{}, validationError(inputErr.Message, map[string]any{"field": inputErr.Field})
		case errors.Is(err, authpw.ErrEmailTaken):
			return Session{}, UserView{}, conflict("EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, UserView{}, err
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, UserView{}, err
	}
	s.log.Info("user registered", zap.Bool("audit", true), zap.String("user_id", user.ID))
	return session, userView(user), nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, UserView, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, UserView{}, unauthorized("Invalid email or password")
		}
		return Session{}, UserView{}, err
	}
	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, UserView{}, err
	}
	return session, userView(user), nil
}

// Refresh rotates refreshToken: the old token is revoked and a new pair issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, UserView, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Session{}, UserView{}, unauthorized("Refresh token is required")
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
			return Session{}, UserView{}, unauthorized("Refresh token is invalid or expired")
		}
		return Session{}, UserView{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, UserView{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, UserView{}, unauthorized("Refresh token is invalid or expired")
		}
		return Session{}, UserView{}, err
	}
	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, UserView{}, err
	}
	return session, userView(user), nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	token, expiresAt, err := auth.IssueToken([]byte(s.cfg.Secret()), user.ID, user.Name, s.cfg.AccessTTL, now)
	if err != nil {
		return Session{}, err
	}

	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken resolves a bearer token to its user. A token for a user
// that no longer exists is invalid.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.Secret()), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	session := Session{Token: token, UserID: user.ID, UserName: user.Name}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Logout revokes refreshToken. It never fails; a missing token is already revoked.
func (s *Service) Logout(ctx context.Context, refreshToken string) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return
	}
	if err := s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
		s.log.Warn("revoke refresh session", zap.Error(err))
	}
}

func (s *Service) Me(ctx context.Context, userID string) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return UserView{}, err
	}
	return userView(user), nil
}

// roleIn returns the caller's role in project, or "" when the caller has none.
// The owner is never stored as a membership row.
func (s *Service) roleIn(ctx context.Context, project store.Project, userID string) (rbac.Role, error) {
	if project.OwnerID == userID {
		return rbac.RoleOwner, nil
	}
	role, err := s.store.MemberRole(ctx, project.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("member role: %w", err)
	}
	return role, nil
}

// authorizeProject loads a project and checks that userID may perform action on it.
// Callers with no role get the same 404 as a missing project.
func (s *Service) authorizeProject(ctx context.Context, projectID, userID string, action rbac.Action) (store.Project, rbac.Role, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, "", notFound("Project not found")
		}
		return store.Project{}, "", err
	}
	role, err := s.roleIn(ctx, project, userID)
	if err != nil {
		return store.Project{}, "", err
	}
	if role == "" {
		return store.Project{}, "", notFound("Project not found")
	}
	if !rbac.Can(role, action) {
		return store.Project{}, "", forbidden(deniedMessage(action))
	}
	return project, role, nil
}

// authorizeRun resolves a run and checks access through its project.
func (s *Service) authorizeRun(ctx context.Context, runID, userID string, action rbac.Action) (store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Run{}, notFound("Run not found")
		}
		return store.Run{}, err
	}
	if _, _, err := s.authorizeProject(ctx, run.ProjectID, userID, action); err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) && domainErr.Code == "NOT_FOUND" {
			return store.Run{}, notFound("Run not found")
		}
		return store.Run{}, err
	}
	return run, nil
}

// authorizeLedgerWrite gates item and result writes. Any member sees a locked
// run as locked before their role is considered; non-members still get 404.
func (s *Service) authorizeLedgerWrite(ctx context.Context, runID, userID string) (store.Run, error) {
	run, err := s.authorizeRun(ctx, runID, userID, rbac.ActionRead)
	if err != nil {
		return store.Run{}, err
	}
	if run.Status == lifecycle.RunLocked {
		return store.Run{}, errRunLocked
	}
	project, err := s.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Run{}, notFound("Run not found")
		}
		return store.Run{}, err
	}
	role, err := s.roleIn(ctx, project, userID)
	if err != nil {
		return store.Run{}, err
	}
	if !rbac.Can(role, rbac.ActionWrite) {
		return store.Run{}, forbidden(deniedMessage(rbac.ActionWrite))
	}
	return run, nil
}

// readableProjectIDs lists every project userID holds a role in.
func (s *Service) readableProjectIDs(ctx context.Context, userID string) ([]string, error) {
	projects, err := s.store.ListProjectsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	ids := make([]string, 0, len(projects))
	for _, project := range projects {
		ids = append(ids, project.ID)
	}
	return ids, nil
}

func deniedMessage(action rbac.Action) string {
	switch action {
	case rbac.ActionAdmin:
		return "Only the project owner can manage members"
	case rbac.ActionWrite:
		return "Write access required"
	default:
		return "Forbidden"
	}
}

// parseID validates a path or body identifier and returns its canonical form.
func parseID(field, value string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return "", validationError(fmt.Sprintf("%s must be a UUID", field), map[string]any{"field": field})
	}
	return id.String(), nil
}

// parseOptionalID treats a blank value as absent.
func parseOptionalID(field string, value *string) (*string, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	id, err := parseID(field, *value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
