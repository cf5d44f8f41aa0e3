package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"changeman/api/internal/config"
	"changeman/api/internal/rbac"
	"changeman/api/internal/store"
	"changeman/api/internal/workflow"
)

type fakeStore struct {
	getUserByIDFn          func(context.Context, string) (store.User, error)
	listUsersFn            func(context.Context) ([]store.User, error)
	getProjectFn           func(context.Context, string) (store.Project, error)
	projectRoleFn          func(context.Context, string, string) (string, bool, error)
	getChangeRequestFn     func(context.Context, string) (store.ChangeRequest, error)
	listChangeRequestsFn   func(context.Context, store.CRFilter) ([]store.ChangeRequest, error)
	insertChangeRequestFn  func(context.Context, store.ChangeRequest) error
	updateDraftFieldsFn    func(context.Context, store.ChangeRequest) error
	applyTransitionFn      func(context.Context, store.TransitionUpdate) error
	nextCRNumberFn         func(context.Context, time.Time) (string, error)
	insertCommentFn        func(context.Context, store.CRComment) error
	insertAuditEventFn     func(context.Context, store.AuditEvent) error
	listAuditEventsFn      func(context.Context, store.AuditFilter) ([]store.AuditEvent, error)
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
}

func (f *fakeStore) CreateUser(context.Context, store.User) error { return nil }
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, IsActive: true}, nil
}
func (f *fakeStore) GetUserByEmail(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	if f.listUsersFn != nil {
		return f.listUsersFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) UpdateUserRole(context.Context, string, string) error { return nil }
func (f *fakeStore) SetUserActive(context.Context, string, bool) error    { return nil }
func (f *fakeStore) ResetFailedLogins(context.Context, string) error      { return nil }

func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) InsertProject(context.Context, store.Project) error { return nil }
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{ID: projectID, IsActive: true}, nil
}
func (f *fakeStore) ListProjects(context.Context) ([]store.Project, error)          { return nil, nil }
func (f *fakeStore) SetProjectActive(context.Context, string, bool) error           { return nil }
func (f *fakeStore) UpsertProjectMember(context.Context, store.ProjectMember) error { return nil }
func (f *fakeStore) RemoveProjectMember(context.Context, string, string) error      { return nil }
func (f *fakeStore) ListProjectMembers(context.Context, string) ([]store.ProjectMember, error) {
	return nil, nil
}

// Tests run as project members by default; membership denial is exercised by
// overriding projectRoleFn.
func (f *fakeStore) ProjectRole(ctx context.Context, projectID, userID string) (string, bool, error) {
	if f.projectRoleFn != nil {
		return f.projectRoleFn(ctx, projectID, userID)
	}
	return "", true, nil
}
func (f *fakeStore) ProjectMemberEmails(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) NextCRNumber(ctx context.Context, now time.Time) (string, error) {
	if f.nextCRNumberFn != nil {
		return f.nextCRNumberFn(ctx, now)
	}
	return "CR-20260115-0001", nil
}
func (f *fakeStore) InsertChangeRequest(ctx context.Context, cr store.ChangeRequest) error {
	if f.insertChangeRequestFn != nil {
		return f.insertChangeRequestFn(ctx, cr)
	}
	return nil
}
func (f *fakeStore) GetChangeRequest(ctx context.Context, crID string) (store.ChangeRequest, error) {
	if f.getChangeRequestFn != nil {
		return f.getChangeRequestFn(ctx, crID)
	}
	return store.ChangeRequest{}, sql.ErrNoRows
}
func (f *fakeStore) ListChangeRequests(ctx context.Context, filter store.CRFilter) ([]store.ChangeRequest, error) {
	if f.listChangeRequestsFn != nil {
		return f.listChangeRequestsFn(ctx, filter)
	}
	return nil, nil
}
func (f *fakeStore) UpdateDraftFields(ctx context.Context, cr store.ChangeRequest) error {
	if f.updateDraftFieldsFn != nil {
		return f.updateDraftFieldsFn(ctx, cr)
	}
	return nil
}
func (f *fakeStore) ApplyTransition(ctx context.Context, tu store.TransitionUpdate) error {
	if f.applyTransitionFn != nil {
		return f.applyTransitionFn(ctx, tu)
	}
	return nil
}

func (f *fakeStore) InsertComment(ctx context.Context, c store.CRComment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, c)
	}
	return nil
}
func (f *fakeStore) ListComments(context.Context, string) ([]store.CRComment, error) {
	return nil, nil
}
func (f *fakeStore) InsertAttachment(context.Context, store.CRAttachment) error { return nil }
func (f *fakeStore) GetAttachment(context.Context, string, string) (store.CRAttachment, error) {
	return store.CRAttachment{}, sql.ErrNoRows
}
func (f *fakeStore) ListAttachments(context.Context, string) ([]store.CRAttachment, error) {
	return nil, nil
}

func (f *fakeStore) InsertAuditEvent(ctx context.Context, e store.AuditEvent) error {
	if f.insertAuditEventFn != nil {
		return f.insertAuditEventFn(ctx, e)
	}
	return nil
}
func (f *fakeStore) ListAuditEvents(ctx context.Context, filter store.AuditFilter) ([]store.AuditEvent, error) {
	if f.listAuditEventsFn != nil {
		return f.listAuditEventsFn(ctx, filter)
	}
	return nil, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fs,
		sessions: fs,
		now:      func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func draftCR() store.ChangeRequest {
	return store.ChangeRequest{
		ID:          "cr_1",
		Number:      "CR-20260115-0001",
		ProjectID:   "prj_1",
		Title:       "Upgrade DB cluster",
		Description: "Move the primary database cluster to the new hardware pool.",
		Priority:    "high",
		RiskLevel:   "high",
		Status:      workflow.StatusDraft,
		RequesterID: "usr_req",
	}
}

func requesterSession() Session {
	return Session{UserID: "usr_req", UserName: "Rae", Role: string(rbac.RoleRequester)}
}

func approverSession() Session {
	return Session{UserID: "usr_app", UserName: "Ana", Role: string(rbac.RoleApprover)}
}

func implementerSession() Session {
	return Session{UserID: "usr_imp", UserName: "Ivo", Role: string(rbac.RoleImplementer)}
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var derr *DomainError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return derr.Code
}

func TestSubmitHighRiskRequiresRollbackPlan(t *testing.T) {
	cr := draftCR()
	applied := false
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
		applyTransitionFn: func(_ context.Context, tu store.TransitionUpdate) error {
			applied = true
			return nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Transition(context.Background(), requesterSession(), cr.ID, workflow.EventSubmit, TransitionInput{})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
	if applied {
		t.Fatal("transition must not be applied when validation fails")
	}

	cr.RollbackPlan = "Restore the previous cluster from the pre-upgrade snapshot."
	if _, err := svc.Transition(context.Background(), requesterSession(), cr.ID, workflow.EventSubmit, TransitionInput{}); err != nil {
		t.Fatalf("submit with rollback plan failed: %v", err)
	}
	if !applied {
		t.Fatal("transition was not applied")
	}
}

func TestSubmitRecordsAuditEventAtomically(t *testing.T) {
	cr := draftCR()
	cr.RiskLevel = "low"
	var captured store.TransitionUpdate
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
		applyTransitionFn: func(_ context.Context, tu store.TransitionUpdate) error {
			captured = tu
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.Transition(context.Background(), requesterSession(), cr.ID, workflow.EventSubmit, TransitionInput{}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if captured.FromStatus != workflow.StatusDraft || captured.ToStatus != workflow.StatusPendingApproval {
		t.Fatalf("unexpected edge %s -> %s", captured.FromStatus, captured.ToStatus)
	}
	if captured.Audit.EventType != "cr.submit" || captured.Audit.ActorID != "usr_req" {
		t.Fatalf("unexpected audit event %+v", captured.Audit)
	}
	if captured.SubmittedAt == nil {
		t.Fatal("submitted_at not stamped")
	}
}

func TestPermissionCheckedBeforeState(t *testing.T) {
	// A requester approving a draft is a role failure, not a state failure,
	// even though approve is also illegal from draft.
	cr := draftCR()
	applied := false
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
		applyTransitionFn: func(context.Context, store.TransitionUpdate) error {
			applied = true
			return nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Transition(context.Background(), requesterSession(), cr.ID, workflow.EventApprove, TransitionInput{Comment: "ok"})
	if code := domainCode(t, err); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %s", code)
	}

	// The right role from the wrong state fails differently.
	_, err = svc.Transition(context.Background(), approverSession(), cr.ID, workflow.EventApprove, TransitionInput{Comment: "ok"})
	if code := domainCode(t, err); code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %s", code)
	}
	if applied {
		t.Fatal("no transition should have been applied")
	}
}

func TestApproveRequiresComment(t *testing.T) {
	cr := draftCR()
	cr.Status = workflow.StatusPendingApproval
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Transition(context.Background(), approverSession(), cr.ID, workflow.EventApprove, TransitionInput{})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
	if _, err := svc.Transition(context.Background(), approverSession(), cr.ID, workflow.EventApprove, TransitionInput{Comment: "reviewed, window agreed"}); err != nil {
		t.Fatalf("approve with comment failed: %v", err)
	}
}

func TestConcurrentApproveRejectLosesRace(t *testing.T) {
	cr := draftCR()
	cr.Status = workflow.StatusPendingApproval
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
		applyTransitionFn: func(context.Context, store.TransitionUpdate) error {
			return store.ErrStatusConflict
		},
	}
	svc := newTestService(fs)

	_, err := svc.Transition(context.Background(), approverSession(), cr.ID, workflow.EventReject, TransitionInput{Comment: "risk too high"})
	if code := domainCode(t, err); code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION after lost race, got %s", code)
	}
}

func TestStartImplementationRequiresAssignedImplementer(t *testing.T) {
	cr := draftCR()
	cr.Status = workflow.StatusApproved
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Transition(context.Background(), implementerSession(), cr.ID, workflow.EventStartImplementation, TransitionInput{})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR without implementer, got %s", code)
	}

	cr.ImplementerID = "usr_other"
	_, err = svc.Transition(context.Background(), implementerSession(), cr.ID, workflow.EventStartImplementation, TransitionInput{})
	if code := domainCode(t, err); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED for unassigned actor, got %s", code)
	}

	cr.ImplementerID = "usr_imp"
	if _, err := svc.Transition(context.Background(), implementerSession(), cr.ID, workflow.EventStartImplementation, TransitionInput{}); err != nil {
		t.Fatalf("start by assigned implementer failed: %v", err)
	}
}

func TestRollbackRequiresReason(t *testing.T) {
	cr := draftCR()
	cr.Status = workflow.StatusImplemented
	cr.ImplementerID = "usr_imp"
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Transition(context.Background(), implementerSession(), cr.ID, workflow.EventRollback, TransitionInput{})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
	if _, err := svc.Transition(context.Background(), implementerSession(), cr.ID, workflow.EventRollback, TransitionInput{Reason: "regression in prod"}); err != nil {
		t.Fatalf("rollback with reason failed: %v", err)
	}

	// Requesters cannot roll back at all.
	_, err = svc.Transition(context.Background(), requesterSession(), cr.ID, workflow.EventRollback, TransitionInput{Reason: "regression in prod"})
	if code := domainCode(t, err); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %s", code)
	}
}

func TestTerminalStateAcceptsNoTransitions(t *testing.T) {
	cr := draftCR()
	cr.Status = workflow.StatusRolledBack
	cr.ImplementerID = "usr_imp"
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
	}
	svc := newTestService(fs)

	events := []struct {
		session Session
		event   workflow.Event
		input   TransitionInput
	}{
		{requesterSession(), workflow.EventSubmit, TransitionInput{}},
		{approverSession(), workflow.EventApprove, TransitionInput{Comment: "x"}},
		{approverSession(), workflow.EventReject, TransitionInput{Comment: "x"}},
		{implementerSession(), workflow.EventStartImplementation, TransitionInput{}},
		{implementerSession(), workflow.EventMarkImplemented, TransitionInput{}},
		{approverSession(), workflow.EventClose, TransitionInput{}},
		{implementerSession(), workflow.EventRollback, TransitionInput{Reason: "x"}},
	}
	for _, tc := range events {
		_, err := svc.Transition(context.Background(), tc.session, cr.ID, tc.event, tc.input)
		if code := domainCode(t, err); code != "INVALID_TRANSITION" {
			t.Fatalf("%s from rolled_back: expected INVALID_TRANSITION, got %s", tc.event, code)
		}
	}
}

func TestSubmitOnlyByOwner(t *testing.T) {
	cr := draftCR()
	cr.RiskLevel = "low"
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
	}
	svc := newTestService(fs)

	other := Session{UserID: "usr_other", UserName: "Omar", Role: string(rbac.RoleRequester)}
	_, err := svc.Transition(context.Background(), other, cr.ID, workflow.EventSubmit, TransitionInput{})
	if code := domainCode(t, err); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %s", code)
	}
}

func TestNonMemberDenied(t *testing.T) {
	cr := draftCR()
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
		projectRoleFn: func(context.Context, string, string) (string, bool, error) {
			return "", false, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.GetCR(context.Background(), requesterSession(), cr.ID)
	if code := domainCode(t, err); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED for non-member, got %s", code)
	}
}

func TestMembershipRoleOverridesGlobal(t *testing.T) {
	// A global requester with an approver override in this project may approve.
	cr := draftCR()
	cr.Status = workflow.StatusPendingApproval
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
		projectRoleFn: func(context.Context, string, string) (string, bool, error) {
			return string(rbac.RoleApprover), true, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.Transition(context.Background(), requesterSession(), cr.ID, workflow.EventApprove, TransitionInput{Comment: "acting approver"}); err != nil {
		t.Fatalf("approve with membership override failed: %v", err)
	}
}

func TestUpdateDraft(t *testing.T) {
	base := draftCR()
	input := CRInput{
		Title:       base.Title,
		Description: base.Description,
		Priority:    "medium",
		RiskLevel:   "low",
	}

	t.Run("owner edits draft", func(t *testing.T) {
		cr := base
		updated := false
		fs := &fakeStore{
			getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
				return cr, nil
			},
			updateDraftFieldsFn: func(context.Context, store.ChangeRequest) error {
				updated = true
				return nil
			},
		}
		if _, err := newTestService(fs).UpdateDraft(context.Background(), requesterSession(), cr.ID, input); err != nil {
			t.Fatalf("owner draft edit failed: %v", err)
		}
		if !updated {
			t.Fatal("draft fields were not written")
		}
	})

	t.Run("non-owner denied", func(t *testing.T) {
		cr := base
		fs := &fakeStore{
			getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
				return cr, nil
			},
		}
		other := Session{UserID: "usr_other", Role: string(rbac.RoleRequester)}
		_, err := newTestService(fs).UpdateDraft(context.Background(), other, cr.ID, input)
		if code := domainCode(t, err); code != "PERMISSION_DENIED" {
			t.Fatalf("expected PERMISSION_DENIED, got %s", code)
		}
	})

	t.Run("owner cannot edit after submission", func(t *testing.T) {
		cr := base
		cr.Status = workflow.StatusPendingApproval
		fs := &fakeStore{
			getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
				return cr, nil
			},
		}
		_, err := newTestService(fs).UpdateDraft(context.Background(), requesterSession(), cr.ID, input)
		if code := domainCode(t, err); code != "INVALID_TRANSITION" {
			t.Fatalf("expected INVALID_TRANSITION, got %s", code)
		}
	})

	t.Run("admin edits non-terminal", func(t *testing.T) {
		cr := base
		cr.Status = workflow.StatusInProgress
		fs := &fakeStore{
			getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
				return cr, nil
			},
		}
		admin := Session{UserID: "usr_adm", Role: string(rbac.RoleAdmin)}
		if _, err := newTestService(fs).UpdateDraft(context.Background(), admin, cr.ID, input); err != nil {
			t.Fatalf("admin non-terminal edit failed: %v", err)
		}
	})

	t.Run("terminal immutable even for admin", func(t *testing.T) {
		cr := base
		cr.Status = workflow.StatusClosed
		fs := &fakeStore{
			getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
				return cr, nil
			},
		}
		admin := Session{UserID: "usr_adm", Role: string(rbac.RoleAdmin)}
		_, err := newTestService(fs).UpdateDraft(context.Background(), admin, cr.ID, input)
		if code := domainCode(t, err); code != "INVALID_TRANSITION" {
			t.Fatalf("expected INVALID_TRANSITION, got %s", code)
		}
	})
}

func TestCreateChangeRequest(t *testing.T) {
	var inserted store.ChangeRequest
	fs := &fakeStore{
		insertChangeRequestFn: func(_ context.Context, cr store.ChangeRequest) error {
			inserted = cr
			return nil
		},
	}
	fs.getChangeRequestFn = func(context.Context, string) (store.ChangeRequest, error) {
		return inserted, nil
	}
	svc := newTestService(fs)

	cr, err := svc.CreateChangeRequest(context.Background(), requesterSession(), CRInput{
		ProjectID:   "prj_1",
		Title:       "Upgrade DB cluster",
		Description: "Move the primary database cluster to the new hardware pool.",
		Priority:    "high",
		RiskLevel:   "high",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if cr.Status != workflow.StatusDraft {
		t.Fatalf("new change request should start as draft, got %s", cr.Status)
	}
	if cr.Number != "CR-20260115-0001" {
		t.Fatalf("unexpected number %s", cr.Number)
	}
	if cr.RequesterID != "usr_req" {
		t.Fatalf("requester not recorded: %s", cr.RequesterID)
	}
}

func TestCreateChangeRequestValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateChangeRequest(context.Background(), requesterSession(), CRInput{
		ProjectID:   "prj_1",
		Title:       "Upgrade DB cluster",
		Description: "x",
		Priority:    "urgent",
		RiskLevel:   "high",
	})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for bad priority, got %s", code)
	}

	inactive := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return store.Project{ID: "prj_1", IsActive: false}, nil
		},
	}
	_, err = newTestService(inactive).CreateChangeRequest(context.Background(), requesterSession(), CRInput{
		ProjectID:   "prj_1",
		Title:       "Upgrade DB cluster",
		Description: "Move the primary database cluster to the new hardware pool.",
		Priority:    "high",
		RiskLevel:   "high",
	})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for inactive project, got %s", code)
	}
}

func TestAdminStaysOutOfApprovalChain(t *testing.T) {
	cr := draftCR()
	cr.Status = workflow.StatusPendingApproval
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
	}
	svc := newTestService(fs)

	admin := Session{UserID: "usr_adm", UserName: "Ada", Role: string(rbac.RoleAdmin)}
	_, err := svc.Transition(context.Background(), admin, cr.ID, workflow.EventApprove, TransitionInput{Comment: "admin override"})
	if code := domainCode(t, err); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED for admin approve, got %s", code)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{
				ID:          userID,
				Email:       "rae@example.com",
				DisplayName: "Rae",
				Role:        string(rbac.RoleRequester),
				IsActive:    true,
			}, nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), "usr_req")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("session tokens missing")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("parse session failed: %v", err)
	}
	if parsed.UserID != "usr_req" || parsed.Role != string(rbac.RoleRequester) {
		t.Fatalf("unexpected session %+v", parsed)
	}
}

func TestSessionRejectsRevokedToken(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Email: "rae@example.com", IsActive: true}, nil
		},
		isAccessTokenRevokedFn: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), "usr_req")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatal("revoked token should not produce a session")
	}
}
