package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nic-152/uran/internal/lifecycle"
	"github.com/nic-152/uran/internal/rbac"
)

// FileStore keeps the whole data set in one JSON document. Every operation runs
// under a single mutex and each mutation rewrites the document through a temp
// file and rename, so readers never observe a partial write.
type FileStore struct {
	mu   sync.Mutex
	path string
	data fileData
	// last persisted encoding, used to roll back a failed write
	raw []byte
}

type fileData struct {
	Users    []User                   `json:"users"`
	Projects []Project                `json:"projects"`
	Members  []memberRow              `json:"members"`
	Runs     []Run                    `json:"runs"`
	Items    []RunItem                `json:"runItems"`
	Results  map[string]RunResult     `json:"runResults"`
	Refresh  map[string]refreshRecord `json:"refreshSessions"`
}

type memberRow struct {
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Role      rbac.Role `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type refreshRecord struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewFileStore loads path if it exists. An empty path keeps everything in memory.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read data file: %w", err)
		default:
			if err := json.Unmarshal(raw, &s.data); err != nil {
				return nil, fmt.Errorf("decode data file: %w", err)
			}
			s.raw = raw
		}
	}
	s.data.init()
	return s, nil
}

func (d *fileData) init() {
	if d.Results == nil {
		d.Results = map[string]RunResult{}
	}
	if d.Refresh == nil {
		d.Refresh = map[string]refreshRecord{}
	}
}

func (s *FileStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *FileStore) view(fn func(*fileData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.data)
}

// update runs fn and persists the result. fn must return before touching data
// when it fails; a failed write restores the last persisted state.
func (s *FileStore) update(fn func(*fileData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(&s.data); err != nil {
		return err
	}
	if s.path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err == nil {
		err = writeFileAtomic(s.path, raw)
	}
	if err != nil {
		var restored fileData
		if len(s.raw) > 0 {
			_ = json.Unmarshal(s.raw, &restored)
		}
		restored.init()
		s.data = restored
		return fmt.Errorf("persist data file: %w", err)
	}
	s.raw = raw
	return nil
}

func writeFileAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Users

func (s *FileStore) CreateUser(ctx context.Context, user User) error {
	return s.update(func(d *fileData) error {
		for _, existing := range d.Users {
			if strings.EqualFold(existing.Email, user.Email) {
				return ErrDuplicate
			}
		}
		d.Users = append(d.Users, user)
		return nil
	})
}

func (s *FileStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.view(func(d *fileData) error {
		found, ok := d.user(userID)
		if !ok {
			return sql.ErrNoRows
		}
		user = found
		return nil
	})
	return user, err
}

func (s *FileStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.view(func(d *fileData) error {
		for _, existing := range d.Users {
			if strings.EqualFold(existing.Email, email) {
				user = existing
				return nil
			}
		}
		return sql.ErrNoRows
	})
	return user, err
}

func (d *fileData) user(userID string) (User, bool) {
	for _, user := range d.Users {
		if user.ID == userID {
			return user, true
		}
	}
	return User{}, false
}

// Refresh sessions

func (s *FileStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	return s.update(func(d *fileData) error {
		now := time.Now()
		for hash, record := range d.Refresh {
			if !record.ExpiresAt.After(now) {
				delete(d.Refresh, hash)
			}
		}
		d.Refresh[tokenHash] = refreshRecord{UserID: userID, ExpiresAt: expiresAt}
		return nil
	})
}

func (s *FileStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.view(func(d *fileData) error {
		record, ok := d.Refresh[tokenHash]
		if !ok || !record.ExpiresAt.After(time.Now()) {
			return sql.ErrNoRows
		}
		userID = record.UserID
		return nil
	})
	return userID, err
}

func (s *FileStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return s.update(func(d *fileData) error {
		delete(d.Refresh, tokenHash)
		return nil
	})
}

// Projects

func (s *FileStore) CreateProject(ctx context.Context, project Project) error {
	project.Session = cloneJSON(project.Session)
	return s.update(func(d *fileData) error {
		d.Projects = append(d.Projects, project)
		return nil
	})
}

func (s *FileStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.view(func(d *fileData) error {
		index := d.projectIndex(projectID)
		if index < 0 {
			return sql.ErrNoRows
		}
		project = d.Projects[index]
		project.Session = cloneJSON(project.Session)
		return nil
	})
	return project, err
}

func (s *FileStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	projects := []Project{}
	err := s.view(func(d *fileData) error {
		for _, project := range d.Projects {
			if project.OwnerID == userID || d.memberIndex(project.ID, userID) >= 0 {
				project.Session = cloneJSON(project.Session)
				projects = append(projects, project)
			}
		}
		return nil
	})
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, err
}

func (s *FileStore) SaveSession(ctx context.Context, projectID string, doc json.RawMessage, now time.Time) (Project, error) {
	var project Project
	err := s.update(func(d *fileData) error {
		index := d.projectIndex(projectID)
		if index < 0 {
			return sql.ErrNoRows
		}
		d.Projects[index].Session = cloneJSON(doc)
		d.Projects[index].UpdatedAt = now
		project = d.Projects[index]
		project.Session = cloneJSON(project.Session)
		return nil
	})
	return project, err
}

func (d *fileData) projectIndex(projectID string) int {
	for i, project := range d.Projects {
		if project.ID == projectID {
			return i
		}
	}
	return -1
}

func cloneJSON(doc json.RawMessage) json.RawMessage {
	if doc == nil {
		return nil
	}
	return append(json.RawMessage(nil), doc...)
}

// Memberships

func (s *FileStore) MemberRole(ctx context.Context, projectID, userID string) (rbac.Role, error) {
	var role rbac.Role
	err := s.view(func(d *fileData) error {
		index := d.memberIndex(projectID, userID)
		if index < 0 {
			return sql.ErrNoRows
		}
		role = d.Members[index].Role
		return nil
	})
	return role, err
}

func (s *FileStore) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	members := []Member{}
	err := s.view(func(d *fileData) error {
		for _, row := range d.Members {
			if row.ProjectID == projectID {
				members = append(members, d.member(row))
			}
		}
		return nil
	})
	return members, err
}

func (s *FileStore) UpsertMember(ctx context.Context, projectID, userID string, role rbac.Role, now time.Time) (Member, error) {
	var member Member
	err := s.update(func(d *fileData) error {
		project := d.projectIndex(projectID)
		if project < 0 {
			return sql.ErrNoRows
		}
		if _, ok := d.user(userID); !ok {
			return sql.ErrNoRows
		}
		index := d.memberIndex(projectID, userID)
		if index < 0 {
			d.Members = append(d.Members, memberRow{ProjectID: projectID, UserID: userID, Role: role, CreatedAt: now})
			index = len(d.Members) - 1
		} else {
			d.Members[index].Role = role
		}
		d.Projects[project].UpdatedAt = now
		member = d.member(d.Members[index])
		return nil
	})
	return member, err
}

func (s *FileStore) UpdateMemberRole(ctx context.Context, projectID, userID string, role rbac.Role, now time.Time) (Member, error) {
	var member Member
	err := s.update(func(d *fileData) error {
		project := d.projectIndex(projectID)
		index := d.memberIndex(projectID, userID)
		if project < 0 || index < 0 {
			return sql.ErrNoRows
		}
		d.Members[index].Role = role
		d.Projects[project].UpdatedAt = now
		member = d.member(d.Members[index])
		return nil
	})
	return member, err
}

func (s *FileStore) RemoveMember(ctx context.Context, projectID, userID string, now time.Time) error {
	return s.update(func(d *fileData) error {
		project := d.projectIndex(projectID)
		index := d.memberIndex(projectID, userID)
		if project < 0 || index < 0 {
			return sql.ErrNoRows
		}
		d.Members = append(d.Members[:index], d.Members[index+1:]...)
		d.Projects[project].UpdatedAt = now
		return nil
	})
}

func (d *fileData) memberIndex(projectID, userID string) int {
	for i, row := range d.Members {
		if row.ProjectID == projectID && row.UserID == userID {
			return i
		}
	}
	return -1
}

func (d *fileData) member(row memberRow) Member {
	member := Member{ProjectID: row.ProjectID, UserID: row.UserID, Role: row.Role, CreatedAt: row.CreatedAt}
	if user, ok := d.user(row.UserID); ok {
		member.Email = user.Email
		member.Name = user.Name
	}
	return member
}

// Runs

func (s *FileStore) CreateRun(ctx context.Context, run Run) error {
	return s.update(func(d *fileData) error {
		if d.projectIndex(run.ProjectID) < 0 {
			return sql.ErrNoRows
		}
		d.Runs = append(d.Runs, run)
		return nil
	})
}

func (s *FileStore) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := s.view(func(d *fileData) error {
		index := d.runIndex(runID)
		if index < 0 {
			return sql.ErrNoRows
		}
		run = d.Runs[index]
		return nil
	})
	return run, err
}

// AllRuns returns every run in insertion order.
func (s *FileStore) AllRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := s.view(func(d *fileData) error {
		runs = append(make([]Run, 0, len(d.Runs)), d.Runs...)
		return nil
	})
	return runs, err
}

func (s *FileStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	return s.selectRuns(filter.ProjectIDs, filter.Limit, func(run Run) bool {
		return filter.Status == "" || run.Status == filter.Status
	})
}

// SearchRunTitles matches runs whose title contains every word of text, ignoring case.
// The status filter applies before the limit.
func (s *FileStore) SearchRunTitles(ctx context.Context, text string, filter RunFilter) ([]Run, error) {
	words := strings.Fields(strings.ToLower(text))
	return s.selectRuns(filter.ProjectIDs, filter.Limit, func(run Run) bool {
		if filter.Status != "" && run.Status != filter.Status {
			return false
		}
		title := strings.ToLower(run.Title)
		for _, word := range words {
			if !strings.Contains(title, word) {
				return false
			}
		}
		return len(words) > 0
	})
}

func (s *FileStore) selectRuns(projectIDs []string, limit int, match func(Run) bool) ([]Run, error) {
	allowed := make(map[string]struct{}, len(projectIDs))
	for _, id := range projectIDs {
		allowed[id] = struct{}{}
	}

	runs := []Run{}
	err := s.view(func(d *fileData) error {
		// newest first; equal timestamps keep the later insert first
		for i := len(d.Runs) - 1; i >= 0; i-- {
			run := d.Runs[i]
			if _, ok := allowed[run.ProjectID]; ok && match(run) {
				runs = append(runs, run)
			}
		}
		return nil
	})
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, err
}

func (s *FileStore) TransitionRun(ctx context.Context, runID string, mutate RunMutation) (Run, error) {
	var run Run
	err := s.update(func(d *fileData) error {
		index := d.runIndex(runID)
		if index < 0 {
			return sql.ErrNoRows
		}
		next, err := mutate(d.Runs[index])
		if err != nil {
			run = d.Runs[index]
			return err
		}
		d.Runs[index] = next
		run = next
		return nil
	})
	return run, err
}

func (s *FileStore) AddRunItem(ctx context.Context, item RunItem, result RunResult) error {
	return s.update(func(d *fileData) error {
		index := d.runIndex(item.RunID)
		if index < 0 {
			return sql.ErrNoRows
		}
		if d.Runs[index].Status == lifecycle.RunLocked {
			return ErrRunLocked
		}
		d.Items = append(d.Items, item)
		if _, exists := d.Results[item.ID]; !exists {
			d.Results[item.ID] = result
		}
		return nil
	})
}

func (s *FileStore) UpsertRunResult(ctx context.Context, write ResultWrite) (RunResult, error) {
	var result RunResult
	err := s.update(func(d *fileData) error {
		item := d.itemIndex(write.RunItemID)
		if item < 0 || d.Items[item].RunID != write.RunID {
			return sql.ErrNoRows
		}
		run := d.runIndex(write.RunID)
		if run < 0 {
			return sql.ErrNoRows
		}
		if d.Runs[run].Status == lifecycle.RunLocked {
			return ErrRunLocked
		}

		current, exists := d.Results[write.RunItemID]
		result = RunResult{
			RunItemID:      write.RunItemID,
			Status:         write.Status,
			FailReasonCode: write.FailReasonCode,
			UpdatedBy:      write.UpdatedBy,
			UpdatedAt:      write.UpdatedAt,
		}
		switch {
		case write.Comment != nil:
			result.Comment = *write.Comment
		case exists:
			result.Comment = current.Comment
		}
		d.Results[write.RunItemID] = result
		return nil
	})
	return result, err
}

func (s *FileStore) ListRunItems(ctx context.Context, runID string) ([]ItemWithResult, error) {
	items := []ItemWithResult{}
	err := s.view(func(d *fileData) error {
		for _, item := range d.Items {
			if item.RunID != runID {
				continue
			}
			result, ok := d.Results[item.ID]
			if !ok {
				result = RunResult{RunItemID: item.ID, Status: lifecycle.ResultNA, UpdatedAt: item.CreatedAt}
			}
			items = append(items, ItemWithResult{Item: item, Result: result})
		}
		return nil
	})
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Item.Position < items[j].Item.Position
	})
	return items, err
}

func (d *fileData) runIndex(runID string) int {
	for i, run := range d.Runs {
		if run.ID == runID {
			return i
		}
	}
	return -1
}

func (d *fileData) itemIndex(itemID string) int {
	for i, item := range d.Items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}
