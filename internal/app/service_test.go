package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nic-152/uran/internal/archive"
	"github.com/nic-152/uran/internal/config"
	"github.com/nic-152/uran/internal/lifecycle"
	"github.com/nic-152/uran/internal/store"
)

type testClock struct {
	now time.Time
}

// Now advances one second per call so consecutive writes get distinct stamps.
func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func testConfig() config.Config {
	return config.Config{
		Env:           "test",
		StorageDriver: config.DriverFile,
		JWTSecret:     "test-secret",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		CORSOrigin:    "*",
	}
}

func newTestService(t *testing.T, deps Deps) *Service {
	t.Helper()
	data, err := store.NewFileStore("")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	deps.BcryptCost = bcrypt.MinCost
	svc := New(testConfig(), data, deps)
	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	svc.now = clock.Now
	return svc
}

func registerUser(t *testing.T, svc *Service, name string) Session {
	t.Helper()
	session, _, err := svc.Register(context.Background(), RegisterInput{
		Name:     name,
		Email:    strings.ToLower(name) + "@example.com",
		Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	return session
}

func requireDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected %d %s, got %v", status, code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s (%s)", status, code, domainErr.Status, domainErr.Code, domainErr.Message)
	}
}

type fixture struct {
	svc     *Service
	owner   Session
	project ProjectForUser
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	svc := newTestService(t, Deps{})
	owner := registerUser(t, svc, "Alice")
	project, err := svc.CreateProject(context.Background(), owner.UserID, "Payments")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return fixture{svc: svc, owner: owner, project: project}
}

func (f fixture) newRun(t *testing.T) store.Run {
	t.Helper()
	run, err := f.svc.CreateRun(context.Background(), f.owner.UserID, CreateRunInput{ProjectID: f.project.ID, Title: "  Smoke  "})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func (f fixture) addItem(t *testing.T, runID string, position int) store.ItemWithResult {
	t.Helper()
	entry, err := f.svc.AddRunItem(context.Background(), f.owner.UserID, runID, AddRunItemInput{
		TestcaseVersionID: uuid.NewString(),
		Position:          &position,
	})
	if err != nil {
		t.Fatalf("AddRunItem: %v", err)
	}
	return entry
}

func (f fixture) setStatus(t *testing.T, runID string, status lifecycle.RunStatus) store.Run {
	t.Helper()
	run, err := f.svc.SetRunStatus(context.Background(), f.owner.UserID, runID, string(status))
	if err != nil {
		t.Fatalf("SetRunStatus(%s): %v", status, err)
	}
	return run
}

func TestRunLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.newRun(t)
	if run.Status != lifecycle.RunDraft || run.Title != "Smoke" {
		t.Fatalf("unexpected new run %+v", run)
	}

	second := f.addItem(t, run.ID, 1)
	first := f.addItem(t, run.ID, 0)
	if second.Result.Status != lifecycle.ResultNA || second.Result.Comment != "" || !second.Item.IsRequired {
		t.Fatalf("unexpected default item/result %+v", second)
	}

	details, err := f.svc.GetRunDetails(ctx, f.owner.UserID, run.ID)
	if err != nil {
		t.Fatalf("GetRunDetails: %v", err)
	}
	if len(details.Items) != 2 || details.Items[0].Item.ID != first.Item.ID || details.Items[1].Item.ID != second.Item.ID {
		t.Fatalf("expected position 0 item first, got %+v", details.Items)
	}

	started := f.setStatus(t, run.ID, lifecycle.RunInProgress)
	if started.StartedAt == nil {
		t.Fatal("expected startedAt after in_progress")
	}
	done := f.setStatus(t, run.ID, lifecycle.RunDone)
	if done.FinishedAt == nil || !done.StartedAt.Equal(*started.StartedAt) {
		t.Fatalf("done stamps = started %v finished %v", done.StartedAt, done.FinishedAt)
	}
	locked := f.setStatus(t, run.ID, lifecycle.RunLocked)
	if locked.LockedAt == nil || !locked.FinishedAt.Equal(*done.FinishedAt) {
		t.Fatalf("locked stamps = finished %v locked %v", locked.FinishedAt, locked.LockedAt)
	}

	_, err = f.svc.AddRunItem(ctx, f.owner.UserID, run.ID, AddRunItemInput{TestcaseVersionID: uuid.NewString()})
	requireDomainError(t, err, http.StatusConflict, "RUN_LOCKED")
	_, err = f.svc.RecordRunResult(ctx, f.owner.UserID, run.ID, first.Item.ID, RecordResultInput{Status: "ok"})
	requireDomainError(t, err, http.StatusConflict, "RUN_LOCKED")
}

func TestLockedRunRejectsLedgerWritesForEveryRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	editor := registerUser(t, f.svc, "Eddie")
	viewer := registerUser(t, f.svc, "Vera")
	outsider := registerUser(t, f.svc, "Oscar")
	for email, role := range map[string]string{"eddie@example.com": "editor", "vera@example.com": "viewer"} {
		if _, err := f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, email, role); err != nil {
			t.Fatalf("AddMember(%s): %v", role, err)
		}
	}
	run := f.newRun(t)
	entry := f.addItem(t, run.ID, 0)
	for _, status := range []lifecycle.RunStatus{lifecycle.RunInProgress, lifecycle.RunDone, lifecycle.RunLocked} {
		f.setStatus(t, run.ID, status)
	}

	for _, tc := range []struct {
		name   string
		actor  string
		status int
		code   string
	}{
		{"owner", f.owner.UserID, http.StatusConflict, "RUN_LOCKED"},
		{"editor", editor.UserID, http.StatusConflict, "RUN_LOCKED"},
		{"viewer", viewer.UserID, http.StatusConflict, "RUN_LOCKED"},
		{"outsider", outsider.UserID, http.StatusNotFound, "NOT_FOUND"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AddRunItem(ctx, tc.actor, run.ID, AddRunItemInput{TestcaseVersionID: uuid.NewString()})
			requireDomainError(t, err, tc.status, tc.code)
			_, err = f.svc.RecordRunResult(ctx, tc.actor, run.ID, entry.Item.ID, RecordResultInput{Status: "fail"})
			requireDomainError(t, err, tc.status, tc.code)
		})
	}

	details, err := f.svc.GetRunDetails(ctx, f.owner.UserID, run.ID)
	if err != nil {
		t.Fatalf("GetRunDetails: %v", err)
	}
	if len(details.Items) != 1 || details.Items[0].Result.Status != lifecycle.ResultNA {
		t.Fatalf("locked run ledger changed: %+v", details.Items)
	}
}

func TestSetRunStatusRejectsTransitionsOutsideTable(t *testing.T) {
	paths := map[lifecycle.RunStatus][]lifecycle.RunStatus{
		lifecycle.RunDraft:      nil,
		lifecycle.RunInProgress: {lifecycle.RunInProgress},
		lifecycle.RunDone:       {lifecycle.RunInProgress, lifecycle.RunDone},
		lifecycle.RunLocked:     {lifecycle.RunInProgress, lifecycle.RunDone, lifecycle.RunLocked},
	}
	all := []lifecycle.RunStatus{lifecycle.RunDraft, lifecycle.RunInProgress, lifecycle.RunDone, lifecycle.RunLocked}

	for _, from := range all {
		for _, to := range all {
			if lifecycle.CanTransition(from, to) {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				f := newFixture(t)
				run := f.newRun(t)
				for _, step := range paths[from] {
					run = f.setStatus(t, run.ID, step)
				}

				_, err := f.svc.SetRunStatus(context.Background(), f.owner.UserID, run.ID, string(to))
				requireDomainError(t, err, http.StatusConflict, "INVALID_TRANSITION")

				details, err := f.svc.GetRunDetails(context.Background(), f.owner.UserID, run.ID)
				if err != nil {
					t.Fatalf("GetRunDetails: %v", err)
				}
				if details.Run.Status != from || !details.Run.UpdatedAt.Equal(run.UpdatedAt) {
					t.Fatalf("run changed after rejected transition: %+v", details.Run)
				}
			})
		}
	}
}

func TestSetRunStatusTwiceOnlyRefreshesUpdatedAt(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t)

	for _, status := range []lifecycle.RunStatus{lifecycle.RunDraft, lifecycle.RunInProgress, lifecycle.RunDone, lifecycle.RunLocked} {
		first := f.setStatus(t, run.ID, status)
		again := f.setStatus(t, run.ID, status)
		if !again.UpdatedAt.After(first.UpdatedAt) {
			t.Fatalf("%s: updatedAt not refreshed (%v then %v)", status, first.UpdatedAt, again.UpdatedAt)
		}
		if !sameStamp(first.StartedAt, again.StartedAt) || !sameStamp(first.FinishedAt, again.FinishedAt) || !sameStamp(first.LockedAt, again.LockedAt) {
			t.Fatalf("%s: lifecycle stamps changed on repeat", status)
		}
	}
}

func sameStamp(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func TestRecordRunResultLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.newRun(t)
	entry := f.addItem(t, run.ID, 0)

	code, comment := "C1", "broke"
	failed, err := f.svc.RecordRunResult(ctx, f.owner.UserID, run.ID, entry.Item.ID, RecordResultInput{
		Status: "fail", FailReasonCode: &code, Comment: &comment,
	})
	if err != nil {
		t.Fatalf("RecordRunResult fail: %v", err)
	}
	if failed.FailReasonCode == nil || *failed.FailReasonCode != "C1" {
		t.Fatalf("expected fail reason C1, got %+v", failed)
	}

	ok, err := f.svc.RecordRunResult(ctx, f.owner.UserID, run.ID, entry.Item.ID, RecordResultInput{Status: "ok"})
	if err != nil {
		t.Fatalf("RecordRunResult ok: %v", err)
	}
	if ok.Status != lifecycle.ResultOK || ok.FailReasonCode != nil || ok.Comment != "broke" {
		t.Fatalf("unexpected result after ok: %+v", ok)
	}
	if !ok.UpdatedAt.After(failed.UpdatedAt) {
		t.Fatalf("updatedAt not refreshed")
	}

	empty := ""
	cleared, err := f.svc.RecordRunResult(ctx, f.owner.UserID, run.ID, entry.Item.ID, RecordResultInput{Status: "ok", Comment: &empty})
	if err != nil {
		t.Fatalf("RecordRunResult clear: %v", err)
	}
	if cleared.Comment != "" {
		t.Fatalf("expected cleared comment, got %q", cleared.Comment)
	}

	details, err := f.svc.GetRunDetails(ctx, f.owner.UserID, run.ID)
	if err != nil {
		t.Fatalf("GetRunDetails: %v", err)
	}
	if len(details.Items) != 1 || details.Items[0].Result.Status != lifecycle.ResultOK {
		t.Fatalf("expected one ok result, got %+v", details.Items)
	}
}

func TestRecordRunResultDropsFailReasonUnlessFail(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t)
	entry := f.addItem(t, run.ID, 0)

	for _, status := range []string{"ok", "na"} {
		code := "C9"
		result, err := f.svc.RecordRunResult(context.Background(), f.owner.UserID, run.ID, entry.Item.ID, RecordResultInput{
			Status: status, FailReasonCode: &code,
		})
		if err != nil {
			t.Fatalf("RecordRunResult(%s): %v", status, err)
		}
		if result.FailReasonCode != nil {
			t.Fatalf("%s: fail reason persisted: %q", status, *result.FailReasonCode)
		}
	}
}

func TestRecordRunResultItemMustBelongToRun(t *testing.T) {
	f := newFixture(t)
	runA := f.newRun(t)
	runB := f.newRun(t)
	entry := f.addItem(t, runB.ID, 0)

	_, err := f.svc.RecordRunResult(context.Background(), f.owner.UserID, runA.ID, entry.Item.ID, RecordResultInput{Status: "ok"})
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestRunInputValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.newRun(t)
	entry := f.addItem(t, run.ID, 0)
	badAsset := "not-a-uuid"
	longCode := strings.Repeat("x", maxFailReasonCode+1)
	longComment := strings.Repeat("y", maxComment+1)

	cases := []struct {
		name string
		call func() error
	}{
		{"bad project id", func() error {
			_, err := f.svc.CreateRun(ctx, f.owner.UserID, CreateRunInput{ProjectID: "nope"})
			return err
		}},
		{"bad asset id", func() error {
			_, err := f.svc.CreateRun(ctx, f.owner.UserID, CreateRunInput{ProjectID: f.project.ID, AssetID: &badAsset})
			return err
		}},
		{"long title", func() error {
			_, err := f.svc.CreateRun(ctx, f.owner.UserID, CreateRunInput{ProjectID: f.project.ID, Title: strings.Repeat("t", maxRunTitle+1)})
			return err
		}},
		{"unknown run status", func() error {
			_, err := f.svc.SetRunStatus(ctx, f.owner.UserID, run.ID, "archived")
			return err
		}},
		{"unknown result status", func() error {
			_, err := f.svc.RecordRunResult(ctx, f.owner.UserID, run.ID, entry.Item.ID, RecordResultInput{Status: "passed"})
			return err
		}},
		{"long fail reason", func() error {
			_, err := f.svc.RecordRunResult(ctx, f.owner.UserID, run.ID, entry.Item.ID, RecordResultInput{Status: "fail", FailReasonCode: &longCode})
			return err
		}},
		{"long comment", func() error {
			_, err := f.svc.RecordRunResult(ctx, f.owner.UserID, run.ID, entry.Item.ID, RecordResultInput{Status: "ok", Comment: &longComment})
			return err
		}},
		{"bad testcase version", func() error {
			_, err := f.svc.AddRunItem(ctx, f.owner.UserID, run.ID, AddRunItemInput{TestcaseVersionID: "tc-1"})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireDomainError(t, tc.call(), http.StatusBadRequest, "VALIDATION_ERROR")
		})
	}
}

func TestCreateRunDefaults(t *testing.T) {
	f := newFixture(t)
	blank := "  "
	run, err := f.svc.CreateRun(context.Background(), f.owner.UserID, CreateRunInput{ProjectID: f.project.ID, AssetID: &blank})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Title != "New run" || run.AssetID != nil || run.ExecutorID != f.owner.UserID {
		t.Fatalf("unexpected defaults %+v", run)
	}
}

func TestSessionAccessScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := registerUser(t, f.svc, "Bob")

	if _, err := f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, "BOB@example.com", "viewer"); err != nil {
		t.Fatalf("AddMember viewer: %v", err)
	}
	if _, _, err := f.svc.GetSession(ctx, bob.UserID, f.project.ID); err != nil {
		t.Fatalf("viewer GetSession: %v", err)
	}
	doc := json.RawMessage(`{"tab":"runs"}`)
	_, err := f.svc.SaveSession(ctx, bob.UserID, f.project.ID, doc)
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	if _, err := f.svc.UpdateMemberRole(ctx, f.owner.UserID, f.project.ID, bob.UserID, "editor"); err != nil {
		t.Fatalf("promote to editor: %v", err)
	}
	_, before, err := f.svc.GetSession(ctx, bob.UserID, f.project.ID)
	if err != nil || before != nil {
		t.Fatalf("expected empty session, got %s, %v", before, err)
	}
	projectBefore, _, _ := f.svc.GetSession(ctx, f.owner.UserID, f.project.ID)

	saved, err := f.svc.SaveSession(ctx, bob.UserID, f.project.ID, doc)
	if err != nil {
		t.Fatalf("editor SaveSession: %v", err)
	}
	if !saved.UpdatedAt.After(projectBefore.UpdatedAt) {
		t.Fatalf("updatedAt not advanced: %v -> %v", projectBefore.UpdatedAt, saved.UpdatedAt)
	}
	if saved.Role != "editor" {
		t.Fatalf("expected editor role, got %s", saved.Role)
	}
	_, after, err := f.svc.GetSession(ctx, f.owner.UserID, f.project.ID)
	if err != nil || string(after) != `{"tab":"runs"}` {
		t.Fatalf("GetSession after save = %s, %v", after, err)
	}

	_, err = f.svc.SaveSession(ctx, bob.UserID, f.project.ID, json.RawMessage(`null`))
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestOwnerMembershipIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := registerUser(t, f.svc, "Bob")
	carol := registerUser(t, f.svc, "Carol")
	if _, err := f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, "bob@example.com", "editor"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	t.Run("owner actor", func(t *testing.T) {
		_, err := f.svc.UpdateMemberRole(ctx, f.owner.UserID, f.project.ID, f.owner.UserID, "viewer")
		requireDomainError(t, err, http.StatusBadRequest, "OWNER_IMMUTABLE")
		err = f.svc.RemoveMember(ctx, f.owner.UserID, f.project.ID, f.owner.UserID)
		requireDomainError(t, err, http.StatusBadRequest, "OWNER_IMMUTABLE")
		_, err = f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, "alice@example.com", "editor")
		requireDomainError(t, err, http.StatusBadRequest, "OWNER_IMMUTABLE")
	})

	t.Run("editor actor", func(t *testing.T) {
		_, err := f.svc.UpdateMemberRole(ctx, bob.UserID, f.project.ID, f.owner.UserID, "viewer")
		requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
		err = f.svc.RemoveMember(ctx, bob.UserID, f.project.ID, f.owner.UserID)
		requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
		_, err = f.svc.AddMember(ctx, bob.UserID, f.project.ID, "carol@example.com", "viewer")
		requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
	})

	t.Run("outsider actor", func(t *testing.T) {
		err := f.svc.RemoveMember(ctx, carol.UserID, f.project.ID, f.owner.UserID)
		requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	})

	members, err := f.svc.ListMembers(ctx, f.owner.UserID, f.project.ID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 2 || members[0].UserID != f.owner.UserID || members[0].Role != "owner" || members[0].Email != "alice@example.com" {
		t.Fatalf("unexpected members %+v", members)
	}
}

func TestMemberAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := registerUser(t, f.svc, "Bob")

	_, err := f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, "ghost@example.com", "viewer")
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	_, err = f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, "bob@example.com", "owner")
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")

	if _, err := f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, "bob@example.com", "viewer"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	member, err := f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, "bob@example.com", "editor")
	if err != nil || member.Role != "editor" {
		t.Fatalf("re-adding overwrites role: %+v, %v", member, err)
	}
	members, _ := f.svc.ListMembers(ctx, bob.UserID, f.project.ID)
	if len(members) != 2 {
		t.Fatalf("expected owner + one member, got %+v", members)
	}

	if err := f.svc.RemoveMember(ctx, f.owner.UserID, f.project.ID, bob.UserID); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	err = f.svc.RemoveMember(ctx, f.owner.UserID, f.project.ID, bob.UserID)
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	_, err = f.svc.UpdateMemberRole(ctx, f.owner.UserID, f.project.ID, bob.UserID, "viewer")
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	_, _, err = f.svc.GetSession(ctx, bob.UserID, f.project.ID)
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestRunAccessByRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	viewer := registerUser(t, f.svc, "Vera")
	outsider := registerUser(t, f.svc, "Oscar")
	if _, err := f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, "vera@example.com", "viewer"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	run := f.newRun(t)
	entry := f.addItem(t, run.ID, 0)

	if _, err := f.svc.GetRunDetails(ctx, viewer.UserID, run.ID); err != nil {
		t.Fatalf("viewer GetRunDetails: %v", err)
	}
	_, err := f.svc.CreateRun(ctx, viewer.UserID, CreateRunInput{ProjectID: f.project.ID})
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
	_, err = f.svc.SetRunStatus(ctx, viewer.UserID, run.ID, "in_progress")
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
	_, err = f.svc.RecordRunResult(ctx, viewer.UserID, run.ID, entry.Item.ID, RecordResultInput{Status: "ok"})
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	_, err = f.svc.GetRunDetails(ctx, outsider.UserID, run.ID)
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	_, err = f.svc.GetRunDetails(ctx, f.owner.UserID, uuid.NewString())
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	_, err = f.svc.ListRuns(ctx, outsider.UserID, ListRunsInput{ProjectID: f.project.ID})
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestListRunsScopesAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.newRun(t)
	second := f.newRun(t)
	f.setStatus(t, second.ID, lifecycle.RunInProgress)

	other := registerUser(t, f.svc, "Olga")
	otherProject, err := f.svc.CreateProject(ctx, other.UserID, "Elsewhere")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := f.svc.CreateRun(ctx, other.UserID, CreateRunInput{ProjectID: otherProject.ID}); err != nil {
		t.Fatalf("CreateRun other: %v", err)
	}

	runs, err := f.svc.ListRuns(ctx, f.owner.UserID, ListRunsInput{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Fatalf("expected own runs newest first, got %+v", runs)
	}

	runs, err = f.svc.ListRuns(ctx, f.owner.UserID, ListRunsInput{ProjectID: f.project.ID, Status: "draft", Limit: 500})
	if err != nil || len(runs) != 1 || runs[0].ID != first.ID {
		t.Fatalf("status filter = %+v, %v", runs, err)
	}

	runs, err = f.svc.ListRuns(ctx, f.owner.UserID, ListRunsInput{Limit: 1})
	if err != nil || len(runs) != 1 {
		t.Fatalf("limit = %+v, %v", runs, err)
	}

	_, err = f.svc.ListRuns(ctx, f.owner.UserID, ListRunsInput{Status: "paused"})
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestClampRunLimit(t *testing.T) {
	cases := map[int]int{0: 50, -1: 50, 10: 10, 200: 200, 201: 200}
	for in, want := range cases {
		if got := clampRunLimit(in); got != want {
			t.Errorf("clampRunLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestListProjectsCarriesRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := registerUser(t, f.svc, "Bob")
	if _, err := f.svc.CreateProject(ctx, bob.UserID, "Bob's"); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := f.svc.AddMember(ctx, f.owner.UserID, f.project.ID, "bob@example.com", "viewer"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	projects, err := f.svc.ListProjects(ctx, bob.UserID)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 2 || projects[0].Role != "viewer" || projects[1].Role != "owner" {
		t.Fatalf("unexpected projects %+v", projects)
	}

	_, err = f.svc.CreateProject(ctx, bob.UserID, " ab ")
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestAuthFlow(t *testing.T) {
	svc := newTestService(t, Deps{})
	ctx := context.Background()

	session, user, err := svc.Register(ctx, RegisterInput{Name: "Dana", Email: " Dana@Example.com ", Password: "long enough"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "dana@example.com" || session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("unexpected register result %+v %+v", session, user)
	}

	_, _, err = svc.Register(ctx, RegisterInput{Name: "Dana", Email: "DANA@example.com", Password: "long enough"})
	requireDomainError(t, err, http.StatusConflict, "EMAIL_EXISTS")
	_, _, err = svc.Register(ctx, RegisterInput{Name: "Eve", Email: "eve@example.com", Password: "short"})
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")

	_, _, err = svc.Login(ctx, "dana@example.com", "wrong password")
	requireDomainError(t, err, http.StatusUnauthorized, "UNAUTHORIZED")
	login, _, err := svc.Login(ctx, "DANA@example.com", "long enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	resolved, err := svc.SessionFromToken(ctx, login.Token)
	if err != nil || resolved.UserID != user.ID {
		t.Fatalf("SessionFromToken = %+v, %v", resolved, err)
	}

	rotated, _, err := svc.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == login.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	_, _, err = svc.Refresh(ctx, login.RefreshToken)
	requireDomainError(t, err, http.StatusUnauthorized, "UNAUTHORIZED")

	svc.Logout(ctx, rotated.RefreshToken)
	_, _, err = svc.Refresh(ctx, rotated.RefreshToken)
	requireDomainError(t, err, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestSessionFromTokenRejectsUnknownUser(t *testing.T) {
	svc := newTestService(t, Deps{})
	other := newTestService(t, Deps{})
	session := registerUser(t, other, "Ghost")

	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatal("expected token for unknown user to be rejected")
	}
}

func TestSearchRunsUsesStoreFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.newRun(t)
	if _, err := f.svc.CreateRun(ctx, f.owner.UserID, CreateRunInput{ProjectID: f.project.ID, Title: "Checkout regression"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	resp, err := f.svc.SearchRuns(ctx, f.owner.UserID, SearchRunsInput{Query: "checkout"})
	if err != nil {
		t.Fatalf("SearchRuns: %v", err)
	}
	if resp.Engine != "store" || len(resp.Results) != 1 || resp.Results[0].Title != "Checkout regression" {
		t.Fatalf("unexpected search response %+v", resp)
	}

	outsider := registerUser(t, f.svc, "Oscar")
	resp, err = f.svc.SearchRuns(ctx, outsider.UserID, SearchRunsInput{Query: "checkout"})
	if err != nil || len(resp.Results) != 0 {
		t.Fatalf("outsider search = %+v, %v", resp, err)
	}

	_, err = f.svc.SearchRuns(ctx, f.owner.UserID, SearchRunsInput{Query: "  "})
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestSearchRunsStatusFilterSeesPastNewerMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alpha, err := f.svc.CreateRun(ctx, f.owner.UserID, CreateRunInput{ProjectID: f.project.ID, Title: "checkout alpha"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	f.setStatus(t, alpha.ID, lifecycle.RunInProgress)
	for i := 0; i < 3; i++ {
		if _, err := f.svc.CreateRun(ctx, f.owner.UserID, CreateRunInput{ProjectID: f.project.ID, Title: "checkout beta"}); err != nil {
			t.Fatalf("CreateRun beta: %v", err)
		}
	}

	resp, err := f.svc.SearchRuns(ctx, f.owner.UserID, SearchRunsInput{Query: "checkout", Status: "in_progress", Limit: 2})
	if err != nil {
		t.Fatalf("SearchRuns: %v", err)
	}
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].ID != alpha.ID {
		t.Fatalf("expected only %s, got %+v", alpha.ID, resp)
	}

	resp, err = f.svc.SearchRuns(ctx, f.owner.UserID, SearchRunsInput{Query: "checkout", Status: "draft", Limit: 2})
	if err != nil || resp.Total != 2 {
		t.Fatalf("draft search = %+v, %v", resp, err)
	}
	for _, hit := range resp.Results {
		if hit.Status != "draft" {
			t.Fatalf("draft search returned %+v", hit)
		}
	}
}

func TestRunReportCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.newRun(t)
	a := f.addItem(t, run.ID, 0)
	f.addItem(t, run.ID, 1)
	code := "C2"
	if _, err := f.svc.RecordRunResult(ctx, f.owner.UserID, run.ID, a.Item.ID, RecordResultInput{Status: "fail", FailReasonCode: &code}); err != nil {
		t.Fatalf("RecordRunResult: %v", err)
	}

	report, err := f.svc.RunReport(ctx, f.owner.UserID, run.ID)
	if err != nil {
		t.Fatalf("RunReport: %v", err)
	}
	want := archive.Summary{Total: 2, Fail: 1, NA: 1, RequiredPending: 1}
	if report.Summary != want {
		t.Fatalf("summary = %+v, want %+v", report.Summary, want)
	}
}

type fakeArchive struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakeArchive) Store(_ context.Context, key string, body []byte, now time.Time) (archive.Stored, error) {
	if f.err != nil {
		return archive.Stored{}, f.err
	}
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, body)
	return archive.Stored{Key: key, Size: int64(len(body)), URL: "https://storage.local/" + key, ExpiresAt: now.Add(archive.LinkTTL)}, nil
}

func TestArchiveRunReport(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t)
		run := f.newRun(t)
		_, err := f.svc.ArchiveRunReport(context.Background(), f.owner.UserID, run.ID)
		requireDomainError(t, err, http.StatusServiceUnavailable, "UNAVAILABLE")
	})

	t.Run("requires locked run", func(t *testing.T) {
		f := newFixture(t)
		f.svc.archive = &fakeArchive{}
		run := f.newRun(t)
		_, err := f.svc.ArchiveRunReport(context.Background(), f.owner.UserID, run.ID)
		requireDomainError(t, err, http.StatusConflict, "CONFLICT")
	})

	t.Run("stores locked run", func(t *testing.T) {
		f := newFixture(t)
		sink := &fakeArchive{}
		f.svc.archive = sink
		run := f.newRun(t)
		f.addItem(t, run.ID, 0)
		for _, status := range []lifecycle.RunStatus{lifecycle.RunInProgress, lifecycle.RunDone, lifecycle.RunLocked} {
			f.setStatus(t, run.ID, status)
		}

		stored, err := f.svc.ArchiveRunReport(context.Background(), f.owner.UserID, run.ID)
		if err != nil {
			t.Fatalf("ArchiveRunReport: %v", err)
		}
		wantKey := "projects/" + f.project.ID + "/runs/" + run.ID + ".json"
		if stored.Key != wantKey || len(sink.keys) != 1 || sink.keys[0] != wantKey {
			t.Fatalf("unexpected stored %+v (keys %v)", stored, sink.keys)
		}
		var decoded archive.Report
		if err := json.Unmarshal(sink.bodies[0], &decoded); err != nil {
			t.Fatalf("decode archived report: %v", err)
		}
		if decoded.Run.ID != run.ID || decoded.Summary.Total != 1 {
			t.Fatalf("unexpected archived report %+v", decoded)
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		f := newFixture(t)
		f.svc.archive = &fakeArchive{err: errors.New("bucket gone")}
		run := f.newRun(t)
		for _, status := range []lifecycle.RunStatus{lifecycle.RunInProgress, lifecycle.RunDone, lifecycle.RunLocked} {
			f.setStatus(t, run.ID, status)
		}
		_, err := f.svc.ArchiveRunReport(context.Background(), f.owner.UserID, run.ID)
		requireDomainError(t, err, http.StatusServiceUnavailable, "UNAVAILABLE")
	})
}
