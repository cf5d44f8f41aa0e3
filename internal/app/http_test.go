package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"changeman/api/internal/auth"
	"changeman/api/internal/rbac"
	"changeman/api/internal/store"
	"changeman/api/internal/workflow"
)

func newServerAndToken(t *testing.T, role string, fs *fakeStore) (*HTTPServer, string) {
	t.Helper()
	if fs.getUserByIDFn == nil {
		fs.getUserByIDFn = func(_ context.Context, userID string) (store.User, error) {
			return store.User{
				ID:          userID,
				DisplayName: "Test User",
				Role:        role,
				IsActive:    true,
			}, nil
		}
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	token, err := auth.IssueToken([]byte(svc.cfg.JWTSecret), auth.Claims{
		Sub:   "usr_test",
		Email: "test@example.com",
		Name:  "Test User",
		Role:  role,
		JTI:   "jti-" + role,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return server, token
}

func doJSON(t *testing.T, server *HTTPServer, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	code, _ := payload["code"].(string)
	return code
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newServerAndToken(t, string(rbac.RoleRequester), &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpointDatabaseDown(t *testing.T) {
	fs := &fakeStoreForReady{err: errors.New("connection refused")}
	svc := newTestService(&fakeStore{})
	svc.store = fs
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

// fakeStoreForReady overrides Ping only.
type fakeStoreForReady struct {
	fakeStore
	err error
}

func (f *fakeStoreForReady) Ping(context.Context) error { return f.err }

func TestRequestsRequireToken(t *testing.T) {
	server, _ := newServerAndToken(t, string(rbac.RoleRequester), &fakeStore{})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/change-requests"},
		{http.MethodPost, "/api/change-requests"},
		{http.MethodGet, "/api/projects"},
		{http.MethodGet, "/api/audit-events"},
	}
	for _, tc := range paths {
		rr := doJSON(t, server, "", tc.method, tc.path, "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
		if code := errorCode(t, rr); code != "UNAUTHORIZED" {
			t.Fatalf("%s %s: expected UNAUTHORIZED, got %s", tc.method, tc.path, code)
		}
	}
}

func TestCreateCRValidationErrorShape(t *testing.T) {
	server, token := newServerAndToken(t, string(rbac.RoleRequester), &fakeStore{})

	rr := doJSON(t, server, token, http.MethodPost, "/api/change-requests",
		`{"projectId":"prj_1","title":"","priority":"urgent","riskLevel":"high"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	details, ok := payload["details"].(map[string]any)
	if !ok {
		t.Fatalf("expected field details, got %v", payload["details"])
	}
	if _, ok := details["title"]; !ok {
		t.Errorf("expected title in details, got %v", details)
	}
	if _, ok := details["priority"]; !ok {
		t.Errorf("expected priority in details, got %v", details)
	}
}

func TestTransitionWrongRoleIsForbidden(t *testing.T) {
	cr := draftCR()
	cr.Status = workflow.StatusPendingApproval
	cr.RequesterID = "usr_test"
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
	}
	server, token := newServerAndToken(t, string(rbac.RoleRequester), fs)

	rr := doJSON(t, server, token, http.MethodPost, "/api/change-requests/cr_1/approve", `{"comment":"ok"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %s", code)
	}
}

func TestTransitionWrongStateConflicts(t *testing.T) {
	cr := draftCR()
	cr.Status = workflow.StatusClosed
	cr.RequesterID = "usr_test"
	fs := &fakeStore{
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return cr, nil
		},
	}
	server, token := newServerAndToken(t, string(rbac.RoleRequester), fs)

	rr := doJSON(t, server, token, http.MethodPost, "/api/change-requests/cr_1/submit", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %s", code)
	}
}

func TestTransitionLostRaceConflicts(t *testing.T) {
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
	server, token := newServerAndToken(t, string(rbac.RoleApprover), fs)

	rr := doJSON(t, server, token, http.MethodPost, "/api/change-requests/cr_1/approve", `{"comment":"lgtm"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %s", code)
	}
}

func TestUnknownCRReturns404(t *testing.T) {
	server, token := newServerAndToken(t, string(rbac.RoleRequester), &fakeStore{})

	rr := doJSON(t, server, token, http.MethodGet, "/api/change-requests/cr_missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestListCRsRejectsUnknownStatusFilter(t *testing.T) {
	server, token := newServerAndToken(t, string(rbac.RoleRequester), &fakeStore{})

	rr := doJSON(t, server, token, http.MethodGet, "/api/change-requests?status=stuck", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	server, token := newServerAndToken(t, string(rbac.RoleApprover), &fakeStore{})

	rr := doJSON(t, server, token, http.MethodGet, "/api/admin/users", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %s", code)
	}
}

func TestAuditEventsRequireAuditRole(t *testing.T) {
	server, token := newServerAndToken(t, string(rbac.RoleRequester), &fakeStore{})

	rr := doJSON(t, server, token, http.MethodGet, "/api/audit-events", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestAuditEventsFiltered(t *testing.T) {
	var captured store.AuditFilter
	fs := &fakeStore{
		listAuditEventsFn: func(_ context.Context, filter store.AuditFilter) ([]store.AuditEvent, error) {
			captured = filter
			return []store.AuditEvent{{ID: 1, EventType: "cr.approve"}}, nil
		},
	}
	server, token := newServerAndToken(t, string(rbac.RoleAdmin), fs)

	rr := doJSON(t, server, token, http.MethodGet, "/api/audit-events?eventType=cr.approve&resourceType=change_request", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if captured.EventType != "cr.approve" || captured.ResourceType != "change_request" {
		t.Fatalf("unexpected filter %+v", captured)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server, token := newServerAndToken(t, string(rbac.RoleRequester), &fakeStore{})

	rr := doJSON(t, server, token, http.MethodGet, "/api/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
