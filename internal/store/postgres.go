package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"changeman/api/internal/workflow"
)

// ErrStatusConflict is returned when an optimistic transition loses the race:
// the row's status no longer matches the expected "from" status.
var ErrStatusConflict = errors.New("change request status changed concurrently")

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

// ---- users ----

const userColumns = `id, email, display_name, password_hash, role, is_active, is_email_verified,
	verification_token, verification_expires_at, failed_login_attempts, is_locked,
	last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &u.IsActive, &u.IsEmailVerified,
		&u.VerificationToken, &u.VerificationExpiresAt, &u.FailedLoginAttempts, &u.IsLocked,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role, is_active, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, u.Role, u.IsActive, u.IsEmailVerified, u.VerificationToken, u.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetUserActive(ctx context.Context, userID string, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_active=$2, updated_at=NOW() WHERE id=$1`, userID, active)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	return nil
}

// RecordFailedLogin bumps the failure counter and locks the account at the
// threshold. Returns whether the account is now locked.
func (s *PostgresStore) RecordFailedLogin(ctx context.Context, userID string, lockThreshold int) (bool, error) {
	var locked bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
			is_locked = (failed_login_attempts + 1 >= $2),
			updated_at = NOW()
		WHERE id=$1
		RETURNING is_locked
	`, userID, lockThreshold).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("record failed login: %w", err)
	}
	return locked, nil
}

func (s *PostgresStore) ResetFailedLogins(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts=0, is_locked=FALSE, last_login_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_token <> '' AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, used_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ---- sessions (postgres fallback when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+prefixColumns("u", userColumns)+`
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash)
	return scanUser(row)
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- projects ----

const projectColumns = `id, name, code, description, is_active, created_by, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Code, &p.Description, &p.IsActive, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) InsertProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, code, description, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, p.Code, p.Description, p.IsActive, p.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID)
	return scanProject(row)
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetProjectActive(ctx context.Context, projectID string, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET is_active=$2, updated_at=NOW() WHERE id=$1`, projectID, active)
	if err != nil {
		return fmt.Errorf("set project active: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertProjectMember(ctx context.Context, m ProjectMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role, is_active, added_by)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role, is_active=TRUE, added_by=EXCLUDED.added_by
	`, m.ProjectID, m.UserID, m.Role, m.AddedBy)
	if err != nil {
		return fmt.Errorf("upsert project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE project_members SET is_active=FALSE WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("remove project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.project_id, pm.user_id, pm.role, pm.is_active, pm.added_by, pm.created_at, u.email, u.display_name
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id=$1 AND pm.is_active
		ORDER BY u.display_name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectMember, 0)
	for rows.Next() {
		var m ProjectMember
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.IsActive, &m.AddedBy, &m.CreatedAt, &m.UserEmail, &m.UserName); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project members: %w", err)
	}
	return items, nil
}

// ProjectRole returns the user's effective role within a project: the
// membership override when present, otherwise the user's global role. The
// boolean reports membership.
func (s *PostgresStore) ProjectRole(ctx context.Context, projectID, userID string) (string, bool, error) {
	var memberRole, globalRole string
	err := s.db.QueryRowContext(ctx, `
		SELECT pm.role, u.role
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id=$1 AND pm.user_id=$2 AND pm.is_active
	`, projectID, userID).Scan(&memberRole, &globalRole)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("project role: %w", err)
	}
	if memberRole != "" {
		return memberRole, true, nil
	}
	return globalRole, true, nil
}

// ProjectMemberEmails returns the addresses of active members holding a role
// in a project, used to pick notification recipients.
func (s *PostgresStore) ProjectMemberEmails(ctx context.Context, projectID, role string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.email
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id=$1 AND pm.is_active AND u.is_active
			AND (pm.role = $2 OR (pm.role = '' AND u.role = $2))
		ORDER BY u.email
	`, projectID, role)
	if err != nil {
		return nil, fmt.Errorf("project member emails: %w", err)
	}
	defer rows.Close()

	emails := make([]string, 0)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan member email: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member emails: %w", err)
	}
	return emails, nil
}

// ---- change requests ----

const crColumns = `id, cr_number, project_id, title, description, justification, impact_assessment,
	priority, risk_level, status, rollback_plan, rollback_reason, approval_comment, rejection_reason,
	closure_notes, requester_id, approver_id, implementer_id, closed_by_id, rolled_back_by_id,
	created_at, updated_at, submitted_at, approved_at, implementation_started_at,
	implementation_deadline, closed_at, rolled_back_at, sla_warning_sent, sla_breached`

func scanChangeRequest(row interface{ Scan(...any) error }) (ChangeRequest, error) {
	var cr ChangeRequest
	err := row.Scan(
		&cr.ID, &cr.Number, &cr.ProjectID, &cr.Title, &cr.Description, &cr.Justification, &cr.ImpactAssessment,
		&cr.Priority, &cr.RiskLevel, &cr.Status, &cr.RollbackPlan, &cr.RollbackReason, &cr.ApprovalComment, &cr.RejectionReason,
		&cr.ClosureNotes, &cr.RequesterID, &cr.ApproverID, &cr.ImplementerID, &cr.ClosedByID, &cr.RolledBackByID,
		&cr.CreatedAt, &cr.UpdatedAt, &cr.SubmittedAt, &cr.ApprovedAt, &cr.ImplementationStartedAt,
		&cr.ImplementationDeadline, &cr.ClosedAt, &cr.RolledBackAt, &cr.SLAWarningSent, &cr.SLABreached,
	)
	return cr, err
}

// NextCRNumber allocates the next human-readable number, CR-YYYYMMDD-NNNN,
// counting within the UTC day. The upsert serializes concurrent allocations
// on the counter row; a create that later fails burns its number.
func (s *PostgresStore) NextCRNumber(ctx context.Context, now time.Time) (string, error) {
	day := now.UTC().Format("20060102")
	var n int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cr_counters (day, n) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET n = cr_counters.n + 1
		RETURNING n
	`, day).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("next cr number: %w", err)
	}
	return fmt.Sprintf("CR-%s-%04d", day, n), nil
}

func (s *PostgresStore) InsertChangeRequest(ctx context.Context, cr ChangeRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_requests (
			id, cr_number, project_id, title, description, justification, impact_assessment,
			priority, risk_level, status, rollback_plan, requester_id, implementation_deadline
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, cr.ID, cr.Number, cr.ProjectID, cr.Title, cr.Description, cr.Justification, cr.ImpactAssessment,
		cr.Priority, cr.RiskLevel, cr.Status, cr.RollbackPlan, cr.RequesterID, cr.ImplementationDeadline)
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChangeRequest(ctx context.Context, crID string) (ChangeRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+crColumns+` FROM change_requests WHERE id=$1`, crID)
	return scanChangeRequest(row)
}

func (s *PostgresStore) ListChangeRequests(ctx context.Context, filter CRFilter) ([]ChangeRequest, error) {
	query := `SELECT ` + crColumns + ` FROM change_requests WHERE 1=1`
	args := make([]any, 0, 4)
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		query += fmt.Sprintf(" AND project_id=$%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		query += fmt.Sprintf(" AND requester_id=$%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeRequest, 0)
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		items = append(items, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change requests: %w", err)
	}
	return items, nil
}

// UpdateDraftFields rewrites the editable fields. The status guard keeps the
// update from racing a concurrent submit.
func (s *PostgresStore) UpdateDraftFields(ctx context.Context, cr ChangeRequest) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_requests
		SET title=$2, description=$3, justification=$4, impact_assessment=$5,
			priority=$6, risk_level=$7, rollback_plan=$8, implementation_deadline=$9, updated_at=NOW()
		WHERE id=$1 AND status=$10
	`, cr.ID, cr.Title, cr.Description, cr.Justification, cr.ImpactAssessment,
		cr.Priority, cr.RiskLevel, cr.RollbackPlan, cr.ImplementationDeadline, cr.Status)
	if err != nil {
		return fmt.Errorf("update draft fields: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update draft rows: %w", err)
	}
	if affected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// TransitionUpdate carries everything a single workflow transition writes.
// Pointer timestamps and non-empty strings are applied; zero values leave the
// column untouched.
type TransitionUpdate struct {
	CRID       string
	FromStatus workflow.Status
	ToStatus   workflow.Status

	SubmittedAt             *time.Time
	ApprovedAt              *time.Time
	ImplementationStartedAt *time.Time
	ImplementationDeadline  *time.Time
	ClosedAt                *time.Time
	RolledBackAt            *time.Time

	ApproverID     string
	ImplementerID  string
	ClosedByID     string
	RolledBackByID string

	ApprovalComment string
	RejectionReason string
	RollbackReason  string
	ClosureNotes    string

	Audit AuditEvent
}

// ApplyTransition performs one atomic workflow step: the optimistic status
// update and the audit event commit together or not at all. An audit insert
// failure rolls the whole transition back. Zero rows on the update means the
// request was not in the expected status anymore (ErrStatusConflict).
func (s *PostgresStore) ApplyTransition(ctx context.Context, tu TransitionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE change_requests SET
			status=$3, updated_at=NOW(),
			submitted_at=COALESCE($4, submitted_at),
			approved_at=COALESCE($5, approved_at),
			implementation_started_at=COALESCE($6, implementation_started_at),
			implementation_deadline=COALESCE($7, implementation_deadline),
			closed_at=COALESCE($8, closed_at),
			rolled_back_at=COALESCE($9, rolled_back_at),
			approver_id=CASE WHEN $10 <> '' THEN $10 ELSE approver_id END,
			implementer_id=CASE WHEN $11 <> '' THEN $11 ELSE implementer_id END,
			closed_by_id=CASE WHEN $12 <> '' THEN $12 ELSE closed_by_id END,
			rolled_back_by_id=CASE WHEN $13 <> '' THEN $13 ELSE rolled_back_by_id END,
			approval_comment=CASE WHEN $14 <> '' THEN $14 ELSE approval_comment END,
			rejection_reason=CASE WHEN $15 <> '' THEN $15 ELSE rejection_reason END,
			rollback_reason=CASE WHEN $16 <> '' THEN $16 ELSE rollback_reason END,
			closure_notes=CASE WHEN $17 <> '' THEN $17 ELSE closure_notes END
		WHERE id=$1 AND status=$2
	`, tu.CRID, tu.FromStatus, tu.ToStatus,
		tu.SubmittedAt, tu.ApprovedAt, tu.ImplementationStartedAt, tu.ImplementationDeadline,
		tu.ClosedAt, tu.RolledBackAt,
		tu.ApproverID, tu.ImplementerID, tu.ClosedByID, tu.RolledBackByID,
		tu.ApprovalComment, tu.RejectionReason, tu.RollbackReason, tu.ClosureNotes)
	if err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows: %w", err)
	}
	if affected == 0 {
		return ErrStatusConflict
	}

	if err := insertAuditEventTx(ctx, tx, tu.Audit); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// ---- comments and attachments ----

func (s *PostgresStore) InsertComment(ctx context.Context, c CRComment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cr_comments (id, change_request_id, author_id, author_name, body)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.ChangeRequestID, c.AuthorID, c.AuthorName, c.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, crID string) ([]CRComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, change_request_id, author_id, author_name, body, created_at
		FROM cr_comments WHERE change_request_id=$1 ORDER BY created_at
	`, crID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]CRComment, 0)
	for rows.Next() {
		var c CRComment
		if err := rows.Scan(&c.ID, &c.ChangeRequestID, &c.AuthorID, &c.AuthorName, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, a CRAttachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cr_attachments (id, change_request_id, file_name, content_type, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.ChangeRequestID, a.FileName, a.ContentType, a.SizeBytes, a.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, crID, attachmentID string) (CRAttachment, error) {
	var a CRAttachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, change_request_id, file_name, content_type, size_bytes, uploaded_by, created_at
		FROM cr_attachments WHERE change_request_id=$1 AND id=$2
	`, crID, attachmentID).Scan(&a.ID, &a.ChangeRequestID, &a.FileName, &a.ContentType, &a.SizeBytes, &a.UploadedBy, &a.CreatedAt)
	if err != nil {
		return CRAttachment{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, crID string) ([]CRAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, change_request_id, file_name, content_type, size_bytes, uploaded_by, created_at
		FROM cr_attachments WHERE change_request_id=$1 ORDER BY created_at
	`, crID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]CRAttachment, 0)
	for rows.Next() {
		var a CRAttachment
		if err := rows.Scan(&a.ID, &a.ChangeRequestID, &a.FileName, &a.ContentType, &a.SizeBytes, &a.UploadedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

// ---- audit ----

func insertAuditEventTx(ctx context.Context, tx *sql.Tx, e AuditEvent) error {
	metadata, err := json.Marshal(orEmpty(e.Metadata))
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, event_category, actor_id, actor_name, resource_type, resource_id, success, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.EventType, e.EventCategory, e.ActorID, e.ActorName, e.ResourceType, e.ResourceID, e.Success, metadata)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, e AuditEvent) error {
	metadata, err := json.Marshal(orEmpty(e.Metadata))
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, event_category, actor_id, actor_name, resource_type, resource_id, success, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.EventType, e.EventCategory, e.ActorID, e.ActorName, e.ResourceType, e.ResourceID, e.Success, metadata)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, event_category, actor_id, actor_name, resource_type, resource_id, success, metadata, created_at
		FROM audit_events WHERE 1=1`
	args := make([]any, 0, 8)
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type=$%d", len(args))
	}
	if filter.EventCategory != "" {
		args = append(args, filter.EventCategory)
		query += fmt.Sprintf(" AND event_category=$%d", len(args))
	}
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		query += fmt.Sprintf(" AND actor_id=$%d", len(args))
	}
	if filter.ResourceType != "" {
		args = append(args, filter.ResourceType)
		query += fmt.Sprintf(" AND resource_type=$%d", len(args))
	}
	if filter.ResourceID != "" {
		args = append(args, filter.ResourceID)
		query += fmt.Sprintf(" AND resource_id=$%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var e AuditEvent
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.EventCategory, &e.ActorID, &e.ActorName,
			&e.ResourceType, &e.ResourceID, &e.Success, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

// ---- SLA ----

// ListSLACandidates returns open change requests with a deadline that still
// have a threshold notification outstanding.
func (s *PostgresStore) ListSLACandidates(ctx context.Context) ([]ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+crColumns+`
		FROM change_requests
		WHERE status IN ('approved', 'in_progress', 'implemented')
			AND implementation_deadline IS NOT NULL
			AND (NOT sla_warning_sent OR NOT sla_breached)
		ORDER BY implementation_deadline
	`)
	if err != nil {
		return nil, fmt.Errorf("list sla candidates: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeRequest, 0)
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sla candidate: %w", err)
		}
		items = append(items, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sla candidates: %w", err)
	}
	return items, nil
}

// MarkSLAWarned flips the warning flag. Returns false when the flag was
// already set or the request left the open statuses, which makes the
// notification at-most-once and a no-op on terminal requests.
func (s *PostgresStore) MarkSLAWarned(ctx context.Context, crID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_requests SET sla_warning_sent=TRUE, updated_at=NOW()
		WHERE id=$1 AND NOT sla_warning_sent
			AND status IN ('approved', 'in_progress', 'implemented')
	`, crID)
	if err != nil {
		return false, fmt.Errorf("mark sla warned: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sla warned rows: %w", err)
	}
	return affected > 0, nil
}

// MarkSLABreached flips the breach flag (and the warning flag, so a breach
// never triggers a late warning). Same at-most-once contract as MarkSLAWarned.
func (s *PostgresStore) MarkSLABreached(ctx context.Context, crID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_requests SET sla_breached=TRUE, sla_warning_sent=TRUE, updated_at=NOW()
		WHERE id=$1 AND NOT sla_breached
			AND status IN ('approved', 'in_progress', 'implemented')
	`, crID)
	if err != nil {
		return false, fmt.Errorf("mark sla breached: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sla breached rows: %w", err)
	}
	return affected > 0, nil
}

// ---- helpers ----

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
