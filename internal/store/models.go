package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nic-152/uran/internal/lifecycle"
	"github.com/nic-152/uran/internal/rbac"
)

var (
	// ErrRunLocked is returned by item and result writes against a locked run.
	ErrRunLocked = errors.New("run is locked")
	// ErrDuplicate reports a unique constraint violation, e.g. a registered email.
	ErrDuplicate = errors.New("duplicate record")
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Project struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	OwnerID   string          `json:"ownerId"`
	Session   json.RawMessage `json:"session,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Member is a stored membership row joined with the user it points at.
type Member struct {
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Role      rbac.Role `json:"role"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Run struct {
	ID         string              `json:"id"`
	ProjectID  string              `json:"projectId"`
	AssetID    *string             `json:"assetId"`
	TemplateID *string             `json:"templateId"`
	Title      string              `json:"title"`
	Status     lifecycle.RunStatus `json:"status"`
	ExecutorID string              `json:"executedByUserId"`
	StartedAt  *time.Time          `json:"startedAt"`
	FinishedAt *time.Time          `json:"finishedAt"`
	LockedAt   *time.Time          `json:"lockedAt"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

func (r Run) Stamps() lifecycle.Stamps {
	return lifecycle.Stamps{
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		LockedAt:   r.LockedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (r Run) WithStamps(stamps lifecycle.Stamps) Run {
	r.StartedAt = stamps.StartedAt
	r.FinishedAt = stamps.FinishedAt
	r.LockedAt = stamps.LockedAt
	r.UpdatedAt = stamps.UpdatedAt
	return r
}

type RunItem struct {
	ID                string    `json:"id"`
	RunID             string    `json:"runId"`
	TestcaseVersionID string    `json:"testcaseVersionId"`
	Position          int       `json:"position"`
	IsRequired        bool      `json:"isRequired"`
	CreatedAt         time.Time `json:"createdAt"`
}

type RunResult struct {
	RunItemID      string                 `json:"runItemId"`
	Status         lifecycle.ResultStatus `json:"status"`
	FailReasonCode *string                `json:"failReasonCode"`
	Comment        string                 `json:"comment"`
	UpdatedBy      string                 `json:"updatedBy"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// DefaultResult is the result every item starts with.
func DefaultResult(itemID, actorID string, now time.Time) RunResult {
	return RunResult{
		RunItemID: itemID,
		Status:    lifecycle.ResultNA,
		UpdatedBy: actorID,
		UpdatedAt: now,
	}
}

type ItemWithResult struct {
	Item   RunItem   `json:"item"`
	Result RunResult `json:"result"`
}

// ResultWrite is one upsert of a run result. A nil Comment keeps the stored comment.
type ResultWrite struct {
	RunID          string
	RunItemID      string
	Status         lifecycle.ResultStatus
	FailReasonCode *string
	Comment        *string
	UpdatedBy      string
	UpdatedAt      time.Time
}

type RunFilter struct {
	ProjectIDs []string
	Status     lifecycle.RunStatus
	Limit      int
}

// RunMutation computes the next state of a run from the current one.
type RunMutation func(Run) (Run, error)
