// Package export renders change request reports and converts them to PDF.
package export

import (
	"errors"
	"time"
)

// Report is everything that goes into a change request report.
type Report struct {
	Number           string
	Title            string
	Description      string
	Justification    string
	ImpactAssessment string
	Priority         string
	RiskLevel        string
	Status           string
	ProjectName      string
	RollbackPlan     string
	RollbackReason   string
	ApprovalComment  string
	RejectionReason  string
	ClosureNotes     string

	Requester   string
	Approver    string
	Implementer string

	CreatedAt              time.Time
	SubmittedAt            *time.Time
	ApprovedAt             *time.Time
	ImplementationStarted  *time.Time
	ImplementationDeadline *time.Time
	ClosedAt               *time.Time
	RolledBackAt           *time.Time

	SLAWarningSent bool
	SLABreached    bool

	Comments []ReportComment
	Timeline []ReportEvent
}

// ReportComment is a discussion entry on the report.
type ReportComment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// ReportEvent is one audit trail row on the report.
type ReportEvent struct {
	Event     string
	Actor     string
	Detail    string
	CreatedAt time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
