package store

import (
	"time"

	"changeman/api/internal/workflow"
)

type User struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string
	Role                  string
	IsActive              bool
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	FailedLoginAttempts   int
	IsLocked              bool
	LastLoginAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Project struct {
	ID          string
	Name        string
	Code        string
	Description string
	IsActive    bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProjectMember links a user to a project. Role overrides the user's global
// role inside this project when set.
type ProjectMember struct {
	ProjectID   string
	UserID      string
	Role        string
	IsActive    bool
	AddedBy     string
	UserEmail   string
	UserName    string
	CreatedAt   time.Time
}

type ChangeRequest struct {
	ID               string
	Number           string
	ProjectID        string
	Title            string
	Description      string
	Justification    string
	ImpactAssessment string
	Priority         string
	RiskLevel        string
	Status           workflow.Status

	RollbackPlan    string
	RollbackReason  string
	ApprovalComment string
	RejectionReason string
	ClosureNotes    string

	RequesterID    string
	ApproverID     string
	ImplementerID  string
	ClosedByID     string
	RolledBackByID string

	CreatedAt               time.Time
	UpdatedAt               time.Time
	SubmittedAt             *time.Time
	ApprovedAt              *time.Time
	ImplementationStartedAt *time.Time
	ImplementationDeadline  *time.Time
	ClosedAt                *time.Time
	RolledBackAt            *time.Time

	SLAWarningSent bool
	SLABreached    bool
}

type CRComment struct {
	ID              string
	ChangeRequestID string
	AuthorID        string
	AuthorName      string
	Body            string
	CreatedAt       time.Time
}

type CRAttachment struct {
	ID              string
	ChangeRequestID string
	FileName        string
	ContentType     string
	SizeBytes       int64
	UploadedBy      string
	CreatedAt       time.Time
}

// AuditEvent rows are append-only; the actor name is denormalized so the
// record stays meaningful if the user row is later deactivated.
type AuditEvent struct {
	ID            int64
	EventType     string
	EventCategory string
	ActorID       string
	ActorName     string
	ResourceType  string
	ResourceID    string
	Success       bool
	Metadata      map[string]any
	CreatedAt     time.Time
}

// AuditFilter narrows ListAuditEvents. Zero values mean "any".
type AuditFilter struct {
	EventType     string
	EventCategory string
	ActorID       string
	ResourceType  string
	ResourceID    string
	Since         *time.Time
	Until         *time.Time
	Limit         int
}

// CRFilter narrows ListChangeRequests. Zero values mean "any".
type CRFilter struct {
	ProjectID   string
	Status      workflow.Status
	RequesterID string
	Limit       int
}
