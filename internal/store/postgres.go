package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nic-152/uran/internal/lifecycle"
	"github.com/nic-152/uran/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at FROM users WHERE LOWER(email)=LOWER($1)
	`, email))
}

func scanUser(row rowScanner) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}

// Refresh sessions, used when no Redis is configured.

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions WHERE token_hash=$1 AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE token_hash=$1`, tokenHash); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Projects

const projectColumns = `id, name, owner_id, session, created_at, updated_at`

func scanProject(row rowScanner) (Project, error) {
	var (
		project Project
		session []byte
	)
	if err := row.Scan(&project.ID, &project.Name, &project.OwnerID, &session, &project.CreatedAt, &project.UpdatedAt); err != nil {
		return Project{}, err
	}
	if len(session) > 0 {
		project.Session = json.RawMessage(session)
	}
	return project, nil
}

func jsonParam(doc json.RawMessage) any {
	if len(doc) == 0 {
		return nil
	}
	return string(doc)
}

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, owner_id, session, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, project.ID, project.Name, project.OwnerID, jsonParam(project.Session), project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID))
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		WHERE p.owner_id=$1
		   OR EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = $1)
		ORDER BY p.created_at ASC, p.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) SaveSession(ctx context.Context, projectID string, doc json.RawMessage, now time.Time) (Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `
		UPDATE projects SET session=$2::jsonb, updated_at=$3
		WHERE id=$1
		RETURNING `+projectColumns, projectID, jsonParam(doc), now))
}

// Memberships

func (s *PostgresStore) MemberRole(ctx context.Context, projectID, userID string) (rbac.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return rbac.Role(role), nil
}

const memberSelect = `
	SELECT m.project_id, m.user_id, m.role, u.email, u.name, m.created_at
	FROM project_members m
	JOIN users u ON u.id = m.user_id
`

func scanMember(row rowScanner) (Member, error) {
	var (
		member Member
		role   string
	)
	if err := row.Scan(&member.ProjectID, &member.UserID, &role, &member.Email, &member.Name, &member.CreatedAt); err != nil {
		return Member{}, err
	}
	member.Role = rbac.Role(role)
	return member, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, memberSelect+` WHERE m.project_id=$1 ORDER BY m.seq ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// UpsertMember appends a membership or overwrites the role of an existing one.
func (s *PostgresStore) UpsertMember(ctx context.Context, projectID, userID string, role rbac.Role, now time.Time) (Member, error) {
	return s.writeMember(ctx, projectID, userID, now, `
		INSERT INTO project_members (project_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, projectID, userID, string(role), now)
}

// UpdateMemberRole changes the role of an existing membership only.
func (s *PostgresStore) UpdateMemberRole(ctx context.Context, projectID, userID string, role rbac.Role, now time.Time) (Member, error) {
	return s.writeMember(ctx, projectID, userID, now, `
		UPDATE project_members SET role=$3 WHERE project_id=$1 AND user_id=$2
	`, projectID, userID, string(role))
}

func (s *PostgresStore) writeMember(ctx context.Context, projectID, userID string, now time.Time, statement string, args ...any) (Member, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Member{}, fmt.Errorf("begin member tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return Member{}, fmt.Errorf("write member: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return Member{}, sql.ErrNoRows
	}
	if err := touchProject(ctx, tx, projectID, now); err != nil {
		return Member{}, err
	}
	member, err := scanMember(tx.QueryRowContext(ctx, memberSelect+` WHERE m.project_id=$1 AND m.user_id=$2`, projectID, userID))
	if err != nil {
		return Member{}, fmt.Errorf("read member: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Member{}, fmt.Errorf("commit member tx: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, projectID, userID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin member tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=$1 AND user_id=$2`, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := touchProject(ctx, tx, projectID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit member tx: %w", err)
	}
	return nil
}

func touchProject(ctx context.Context, tx *sql.Tx, projectID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at=$2 WHERE id=$1`, projectID, now); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// Runs

const runColumns = `id, project_id, asset_id, template_id, title, status, executed_by_user_id,
	started_at, finished_at, locked_at, created_at, updated_at`

func scanRun(row rowScanner) (Run, error) {
	var (
		run                           Run
		status                        string
		assetID, templateID           sql.NullString
		startedAt, finishedAt, locked sql.NullTime
	)
	err := row.Scan(&run.ID, &run.ProjectID, &assetID, &templateID, &run.Title, &status, &run.ExecutorID,
		&startedAt, &finishedAt, &locked, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return Run{}, err
	}
	run.Status = lifecycle.RunStatus(status)
	run.AssetID = nullString(assetID)
	run.TemplateID = nullString(templateID)
	run.StartedAt = nullTime(startedAt)
	run.FinishedAt = nullTime(finishedAt)
	run.LockedAt = nullTime(locked)
	return run, nil
}

func nullString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func (s *PostgresStore) CreateRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, run.ID, run.ProjectID, run.AssetID, run.TemplateID, run.Title, string(run.Status), run.ExecutorID,
		run.StartedAt, run.FinishedAt, run.LockedAt, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, runID))
}

// AllRuns returns every run, oldest first. Used to rebuild the search index.
func (s *PostgresStore) AllRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("all runs: %w", err)
	}
	return collectRuns(rows)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	if len(filter.ProjectIDs) == 0 {
		return []Run{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE project_id = ANY($1::uuid[])
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, filter.ProjectIDs, string(filter.Status), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// SearchRunTitles matches runs by title inside the filter's projects and status.
func (s *PostgresStore) SearchRunTitles(ctx context.Context, text string, filter RunFilter) ([]Run, error) {
	if len(filter.ProjectIDs) == 0 {
		return []Run{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE project_id = ANY($2::uuid[])
		  AND ($4::text = '' OR status = $4::text)
		  AND (to_tsvector('simple', title) @@ plainto_tsquery('simple', $1) OR title ILIKE '%' || $1 || '%')
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, text, filter.ProjectIDs, filter.Limit, string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("search runs: %w", err)
	}
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()
	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TransitionRun applies mutate to the run under a row lock. When mutate fails the
// run is returned unchanged together with the error.
func (s *PostgresStore) TransitionRun(ctx context.Context, runID string, mutate RunMutation) (Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("begin run tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1 FOR UPDATE`, runID))
	if err != nil {
		return Run{}, err
	}
	next, err := mutate(current)
	if err != nil {
		return current, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs
		SET status=$2, started_at=$3, finished_at=$4, locked_at=$5, updated_at=$6
		WHERE id=$1
	`, runID, string(next.Status), next.StartedAt, next.FinishedAt, next.LockedAt, next.UpdatedAt)
	if err != nil {
		return Run{}, fmt.Errorf("update run status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("commit run tx: %w", err)
	}
	return next, nil
}

// AddRunItem inserts the item and its default result in one transaction,
// holding a share lock on the run so a concurrent lock cannot interleave.
func (s *PostgresStore) AddRunItem(ctx context.Context, item RunItem, result RunResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin item tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id=$1 FOR SHARE`, item.RunID).Scan(&status); err != nil {
		return err
	}
	if lifecycle.RunStatus(status) == lifecycle.RunLocked {
		return ErrRunLocked
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_items (id, run_id, testcase_version_id, position, is_required, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.RunID, item.TestcaseVersionID, item.Position, item.IsRequired, item.CreatedAt); err != nil {
		return fmt.Errorf("insert run item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_results (run_item_id, status, fail_reason_code, comment, updated_by, updated_at)
		VALUES ($1, $2, NULL, $3, $4, $5)
		ON CONFLICT (run_item_id) DO NOTHING
	`, item.ID, string(result.Status), result.Comment, result.UpdatedBy, result.UpdatedAt); err != nil {
		return fmt.Errorf("insert default result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit item tx: %w", err)
	}
	return nil
}

// UpsertRunResult writes a result in a single statement. The insert only
// selects a row when the item belongs to the run and the run is not locked.
func (s *PostgresStore) UpsertRunResult(ctx context.Context, write ResultWrite) (RunResult, error) {
	var (
		result     RunResult
		status     string
		failReason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO run_results (run_item_id, status, fail_reason_code, comment, updated_by, updated_at)
		SELECT i.id, $3, $4, COALESCE($5::text, ''), $6, $7
		FROM run_items i
		JOIN runs r ON r.id = i.run_id
		WHERE i.id = $2 AND i.run_id = $1 AND r.status <> 'locked'
		FOR SHARE OF r
		ON CONFLICT (run_item_id) DO UPDATE SET
			status = EXCLUDED.status,
			fail_reason_code = EXCLUDED.fail_reason_code,
			comment = CASE WHEN $5::text IS NULL THEN run_results.comment ELSE EXCLUDED.comment END,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
		RETURNING run_item_id, status, fail_reason_code, comment, updated_by, updated_at
	`, write.RunID, write.RunItemID, string(write.Status), write.FailReasonCode, write.Comment, write.UpdatedBy, write.UpdatedAt).
		Scan(&result.RunItemID, &status, &failReason, &result.Comment, &result.UpdatedBy, &result.UpdatedAt)
	if err == nil {
		result.Status = lifecycle.ResultStatus(status)
		result.FailReasonCode = nullString(failReason)
		return result, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return RunResult{}, fmt.Errorf("upsert run result: %w", err)
	}

	// Nothing was written: tell a locked run apart from an item outside the run.
	var runStatus string
	err = s.db.QueryRowContext(ctx, `
		SELECT r.status FROM run_items i JOIN runs r ON r.id = i.run_id
		WHERE i.id=$2 AND i.run_id=$1
	`, write.RunID, write.RunItemID).Scan(&runStatus)
	if err != nil {
		return RunResult{}, err
	}
	if lifecycle.RunStatus(runStatus) == lifecycle.RunLocked {
		return RunResult{}, ErrRunLocked
	}
	return RunResult{}, fmt.Errorf("upsert run result: no row written for item %s", write.RunItemID)
}

func (s *PostgresStore) ListRunItems(ctx context.Context, runID string) ([]ItemWithResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.run_id, i.testcase_version_id, i.position, i.is_required, i.created_at,
		       COALESCE(r.status, 'na'), r.fail_reason_code, COALESCE(r.comment, ''),
		       r.updated_by, r.updated_at
		FROM run_items i
		LEFT JOIN run_results r ON r.run_item_id = i.id
		WHERE i.run_id=$1
		ORDER BY i.position ASC, i.seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run items: %w", err)
	}
	defer rows.Close()

	items := []ItemWithResult{}
	for rows.Next() {
		var (
			entry      ItemWithResult
			status     string
			failReason sql.NullString
			updatedBy  sql.NullString
			updatedAt  sql.NullTime
		)
		if err := rows.Scan(&entry.Item.ID, &entry.Item.RunID, &entry.Item.TestcaseVersionID, &entry.Item.Position,
			&entry.Item.IsRequired, &entry.Item.CreatedAt, &status, &failReason, &entry.Result.Comment,
			&updatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan run item: %w", err)
		}
		entry.Result.RunItemID = entry.Item.ID
		entry.Result.Status = lifecycle.ResultStatus(status)
		entry.Result.FailReasonCode = nullString(failReason)
		entry.Result.UpdatedBy = updatedBy.String
		entry.Result.UpdatedAt = entry.Item.CreatedAt
		if updatedAt.Valid {
			entry.Result.UpdatedAt = updatedAt.Time
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}
