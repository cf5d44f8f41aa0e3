package app

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"changeman/api/internal/blob"
	"changeman/api/internal/email"
	"changeman/api/internal/export"
	"changeman/api/internal/rbac"
	"changeman/api/internal/search"
	"changeman/api/internal/store"
	"changeman/api/internal/util"
	"changeman/api/internal/workflow"
)

type CRInput struct {
	ProjectID        string     `json:"projectId"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Justification    string     `json:"justification"`
	ImpactAssessment string     `json:"impactAssessment"`
	Priority         string     `json:"priority"`
	RiskLevel        string     `json:"riskLevel"`
	RollbackPlan     string     `json:"rollbackPlan"`
	Deadline         *time.Time `json:"deadline"`
}

// TransitionInput carries the per-event payload. Which fields matter depends
// on the event: comment for approve/reject, reason for rollback, notes for
// close, implementer and deadline for approve.
type TransitionInput struct {
	Comment       string     `json:"comment"`
	Reason        string     `json:"reason"`
	Notes         string     `json:"notes"`
	ImplementerID string     `json:"implementerId"`
	Deadline      *time.Time `json:"deadline"`
}

var priorities = map[string]struct{}{
	"low": {}, "medium": {}, "high": {}, "critical": {},
}

var riskLevels = map[string]struct{}{
	"low": {}, "medium": {}, "high": {},
}

var eventActions = map[workflow.Event]rbac.Action{
	workflow.EventSubmit:              rbac.ActionSubmit,
	workflow.EventApprove:             rbac.ActionApprove,
	workflow.EventReject:              rbac.ActionReject,
	workflow.EventStartImplementation: rbac.ActionStart,
	workflow.EventMarkImplemented:     rbac.ActionImplement,
	workflow.EventClose:               rbac.ActionClose,
	workflow.EventRollback:            rbac.ActionRollback,
}

// effectiveRole resolves the actor's role inside a project: the membership
// override wins, then the global role. Non-admins must be members of the
// project to act in it at all.
func (s *Service) effectiveRole(ctx context.Context, sess Session, projectID string) (rbac.Role, error) {
	global := rbac.Normalize(sess.Role)
	if global == rbac.RoleAdmin {
		return global, nil
	}
	role, member, err := s.store.ProjectRole(ctx, projectID, sess.UserID)
	if err != nil {
		return "", err
	}
	if !member {
		return "", permissionDenied("not a member of this project")
	}
	// An empty membership role means no per-project override.
	if role == "" {
		return global, nil
	}
	return rbac.Normalize(role), nil
}

func validateCRFields(in CRInput) map[string]string {
	problems := map[string]string{}
	if strings.TrimSpace(in.Title) == "" {
		problems["title"] = "title is required"
	}
	if _, ok := priorities[in.Priority]; !ok {
		problems["priority"] = "priority must be one of low, medium, high, critical"
	}
	if _, ok := riskLevels[in.RiskLevel]; !ok {
		problems["riskLevel"] = "risk level must be one of low, medium, high"
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

func (s *Service) CreateChangeRequest(ctx context.Context, sess Session, in CRInput) (store.ChangeRequest, error) {
	role, err := s.effectiveRole(ctx, sess, in.ProjectID)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	if !rbac.Can(role, rbac.ActionCreate) {
		return store.ChangeRequest{}, permissionDenied("role may not create change requests")
	}

	project, err := s.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	if !project.IsActive {
		return store.ChangeRequest{}, validationError("project is not active", nil)
	}
	if problems := validateCRFields(in); problems != nil {
		return store.ChangeRequest{}, validationError("invalid change request fields", problems)
	}

	number, err := s.store.NextCRNumber(ctx, s.now())
	if err != nil {
		return store.ChangeRequest{}, dependencyFailure("could not allocate change request number")
	}

	cr := store.ChangeRequest{
		ID:                     util.NewID("cr"),
		Number:                 number,
		ProjectID:              in.ProjectID,
		Title:                  in.Title,
		Description:            in.Description,
		Justification:          in.Justification,
		ImpactAssessment:       in.ImpactAssessment,
		Priority:               in.Priority,
		RiskLevel:              in.RiskLevel,
		Status:                 workflow.StatusDraft,
		RollbackPlan:           in.RollbackPlan,
		RequesterID:            sess.UserID,
		ImplementationDeadline: in.Deadline,
	}
	if err := s.store.InsertChangeRequest(ctx, cr); err != nil {
		return store.ChangeRequest{}, dependencyFailure("could not persist change request")
	}

	s.audit(ctx, store.AuditEvent{
		EventType:     "cr.created",
		EventCategory: "change_request",
		ActorID:       sess.UserID,
		ActorName:     sess.UserName,
		ResourceType:  "change_request",
		ResourceID:    cr.ID,
		Success:       true,
		Metadata:      map[string]any{"number": cr.Number, "projectId": cr.ProjectID},
	})
	s.indexCR(cr)

	return s.store.GetChangeRequest(ctx, cr.ID)
}

func (s *Service) GetCR(ctx context.Context, sess Session, crID string) (store.ChangeRequest, error) {
	cr, err := s.store.GetChangeRequest(ctx, crID)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	role, err := s.effectiveRole(ctx, sess, cr.ProjectID)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	if !rbac.Can(role, rbac.ActionView) {
		return store.ChangeRequest{}, permissionDenied("role may not view change requests")
	}
	return cr, nil
}

// ListCRs scopes the listing: admins see everything, members see the project
// they filter by, and without a project filter a user sees their own requests.
func (s *Service) ListCRs(ctx context.Context, sess Session, filter store.CRFilter) ([]store.ChangeRequest, error) {
	if rbac.Normalize(sess.Role) != rbac.RoleAdmin {
		if filter.ProjectID != "" {
			if _, err := s.effectiveRole(ctx, sess, filter.ProjectID); err != nil {
				return nil, err
			}
		} else {
			filter.RequesterID = sess.UserID
		}
	}
	return s.store.ListChangeRequests(ctx, filter)
}

// UpdateDraft edits the mutable fields. The owning requester may edit while
// the request is still a draft; an admin may edit any non-terminal request.
// Terminal requests are historical record and immutable for everyone.
func (s *Service) UpdateDraft(ctx context.Context, sess Session, crID string, in CRInput) (store.ChangeRequest, error) {
	cr, err := s.store.GetChangeRequest(ctx, crID)
	if err != nil {
		return store.ChangeRequest{}, err
	}

	isAdmin := rbac.Normalize(sess.Role) == rbac.RoleAdmin
	if !isAdmin {
		role, err := s.effectiveRole(ctx, sess, cr.ProjectID)
		if err != nil {
			return store.ChangeRequest{}, err
		}
		if !rbac.Can(role, rbac.ActionEdit) || cr.RequesterID != sess.UserID {
			return store.ChangeRequest{}, permissionDenied("only the requester may edit this change request")
		}
	}
	if workflow.Terminal(cr.Status) {
		return store.ChangeRequest{}, invalidTransition("change request is in a terminal state")
	}
	if !isAdmin && cr.Status != workflow.StatusDraft {
		return store.ChangeRequest{}, invalidTransition("change request is no longer a draft")
	}
	if problems := validateCRFields(in); problems != nil {
		return store.ChangeRequest{}, validationError("invalid change request fields", problems)
	}

	cr.Title = in.Title
	cr.Description = in.Description
	cr.Justification = in.Justification
	cr.ImpactAssessment = in.ImpactAssessment
	cr.Priority = in.Priority
	cr.RiskLevel = in.RiskLevel
	cr.RollbackPlan = in.RollbackPlan
	if in.Deadline != nil {
		cr.ImplementationDeadline = in.Deadline
	}

	if err := s.store.UpdateDraftFields(ctx, cr); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return store.ChangeRequest{}, invalidTransition("change request status changed concurrently")
		}
		return store.ChangeRequest{}, dependencyFailure("could not update change request")
	}

	s.audit(ctx, store.AuditEvent{
		EventType:     "cr.updated",
		EventCategory: "change_request",
		ActorID:       sess.UserID,
		ActorName:     sess.UserName,
		ResourceType:  "change_request",
		ResourceID:    cr.ID,
		Success:       true,
		Metadata:      map[string]any{"number": cr.Number},
	})

	updated, err := s.store.GetChangeRequest(ctx, cr.ID)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	s.indexCR(updated)
	return updated, nil
}

// Transition drives one workflow event. Permission is checked before the
// state precondition so a wrong-role attempt fails with PERMISSION_DENIED and
// a wrong-state attempt with INVALID_TRANSITION. The status update and the
// audit row commit atomically; notifications go out after the commit and
// never undo it.
func (s *Service) Transition(ctx context.Context, sess Session, crID string, event workflow.Event, in TransitionInput) (store.ChangeRequest, error) {
	cr, err := s.store.GetChangeRequest(ctx, crID)
	if err != nil {
		return store.ChangeRequest{}, err
	}

	role, err := s.effectiveRole(ctx, sess, cr.ProjectID)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	action, ok := eventActions[event]
	if !ok {
		return store.ChangeRequest{}, validationError("unknown workflow event", nil)
	}
	if !rbac.Can(role, action) || !workflow.RoleAllowed(event, role) {
		return store.ChangeRequest{}, permissionDenied("role may not perform this transition")
	}
	if event == workflow.EventSubmit && cr.RequesterID != sess.UserID {
		return store.ChangeRequest{}, permissionDenied("only the requester may submit this change request")
	}

	target, ok := workflow.Target(cr.Status, event)
	if !ok {
		return store.ChangeRequest{}, invalidTransition("transition not allowed from status " + string(cr.Status))
	}

	tu, err := s.buildTransition(cr, sess, event, target, in)
	if err != nil {
		return store.ChangeRequest{}, err
	}

	if err := s.store.ApplyTransition(ctx, tu); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return store.ChangeRequest{}, invalidTransition("change request status changed concurrently")
		}
		return store.ChangeRequest{}, dependencyFailure("could not apply transition")
	}

	updated, err := s.store.GetChangeRequest(ctx, crID)
	if err != nil {
		return store.ChangeRequest{}, err
	}

	s.indexCR(updated)
	go s.notifyTransition(updated, event, sess, in)

	return updated, nil
}

// buildTransition validates the per-event preconditions and assembles the
// atomic update. Validation failures leave the request untouched.
func (s *Service) buildTransition(cr store.ChangeRequest, sess Session, event workflow.Event, target workflow.Status, in TransitionInput) (store.TransitionUpdate, error) {
	now := s.now()
	tu := store.TransitionUpdate{
		CRID:       cr.ID,
		FromStatus: cr.Status,
		ToStatus:   target,
		Audit: store.AuditEvent{
			EventType:     "cr." + string(event),
			EventCategory: "workflow",
			ActorID:       sess.UserID,
			ActorName:     sess.UserName,
			ResourceType:  "change_request",
			ResourceID:    cr.ID,
			Success:       true,
			Metadata: map[string]any{
				"number": cr.Number,
				"from":   string(cr.Status),
				"to":     string(target),
			},
		},
	}

	switch event {
	case workflow.EventSubmit:
		problems := map[string]string{}
		if n := utf8.RuneCountInString(strings.TrimSpace(cr.Title)); n < 10 || n > 256 {
			problems["title"] = "title must be between 10 and 256 characters"
		}
		if utf8.RuneCountInString(strings.TrimSpace(cr.Description)) < 20 {
			problems["description"] = "description must be at least 20 characters"
		}
		if cr.RiskLevel == "high" && strings.TrimSpace(cr.RollbackPlan) == "" {
			problems["rollbackPlan"] = "rollback plan is required for high risk changes"
		}
		if len(problems) > 0 {
			return store.TransitionUpdate{}, validationError("change request is not ready for submission", problems)
		}
		tu.SubmittedAt = &now

	case workflow.EventApprove:
		if strings.TrimSpace(in.Comment) == "" {
			return store.TransitionUpdate{}, validationError("approval comment is required", nil)
		}
		tu.ApprovedAt = &now
		tu.ApproverID = sess.UserID
		tu.ApprovalComment = in.Comment
		tu.ImplementerID = in.ImplementerID
		tu.ImplementationDeadline = in.Deadline

	case workflow.EventReject:
		if strings.TrimSpace(in.Comment) == "" {
			return store.TransitionUpdate{}, validationError("rejection comment is required", nil)
		}
		tu.ApproverID = sess.UserID
		tu.RejectionReason = in.Comment

	case workflow.EventStartImplementation:
		implementer := cr.ImplementerID
		if implementer == "" {
			return store.TransitionUpdate{}, validationError("an implementer must be assigned before work starts", nil)
		}
		if sess.UserID != implementer && rbac.Normalize(sess.Role) != rbac.RoleAdmin {
			return store.TransitionUpdate{}, permissionDenied("only the assigned implementer may start implementation")
		}
		tu.ImplementationStartedAt = &now

	case workflow.EventMarkImplemented:
		if cr.ImplementerID != "" && sess.UserID != cr.ImplementerID {
			return store.TransitionUpdate{}, permissionDenied("only the assigned implementer may mark this implemented")
		}

	case workflow.EventClose:
		tu.ClosedAt = &now
		tu.ClosedByID = sess.UserID
		tu.ClosureNotes = in.Notes

	case workflow.EventRollback:
		if strings.TrimSpace(in.Reason) == "" {
			return store.TransitionUpdate{}, validationError("a rollback reason is required", nil)
		}
		tu.RolledBackAt = &now
		tu.RolledBackByID = sess.UserID
		tu.RollbackReason = in.Reason
	}

	return tu, nil
}

// ---- notifications ----

// notifyTransition runs after the transition committed. Failures are logged
// and never surfaced; a lost email does not make a transition invalid.
func (s *Service) notifyTransition(cr store.ChangeRequest, event workflow.Event, actor Session, in TransitionInput) {
	if !s.SMTPConfigured() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var err error
	switch event {
	case workflow.EventSubmit:
		to := s.roleRecipients(ctx, cr.ProjectID, string(rbac.RoleApprover))
		err = s.email.SendCRSubmitted(to, cr.Number, cr.Title, actor.UserName, cr.Priority, cr.RiskLevel)
	case workflow.EventApprove:
		to := s.roleRecipients(ctx, cr.ProjectID, string(rbac.RoleImplementer))
		to = append(to, s.userEmails(ctx, cr.RequesterID, cr.ImplementerID)...)
		err = s.email.SendCRApproved(dedupe(to), cr.Number, cr.Title, actor.UserName, in.Comment, cr.ImplementationDeadline)
	case workflow.EventReject:
		err = s.email.SendCRRejected(s.userEmails(ctx, cr.RequesterID), cr.Number, cr.Title, actor.UserName, in.Comment)
	case workflow.EventStartImplementation:
		err = s.email.SendCRImplementationStarted(s.userEmails(ctx, cr.RequesterID), cr.Number, cr.Title, actor.UserName)
	case workflow.EventMarkImplemented:
		to := s.roleRecipients(ctx, cr.ProjectID, string(rbac.RoleApprover))
		to = append(to, s.userEmails(ctx, cr.RequesterID)...)
		err = s.email.SendCRImplemented(dedupe(to), cr.Number, cr.Title, actor.UserName)
	case workflow.EventClose:
		err = s.email.SendCRClosed(s.userEmails(ctx, cr.RequesterID, cr.ImplementerID), cr.Number, cr.Title, actor.UserName, in.Notes, crTimeline(cr))
	case workflow.EventRollback:
		to := s.roleRecipients(ctx, cr.ProjectID, string(rbac.RoleApprover))
		to = append(to, s.userEmails(ctx, cr.RequesterID)...)
		err = s.email.SendCRRolledBack(dedupe(to), cr.Number, cr.Title, actor.UserName, in.Reason)
	}
	if err != nil {
		log.Printf("notification for %s %s failed: %v", cr.Number, event, err)
	}
}

func (s *Service) roleRecipients(ctx context.Context, projectID, role string) []string {
	emails, err := s.store.ProjectMemberEmails(ctx, projectID, role)
	if err != nil {
		log.Printf("recipient lookup for project %s role %s failed: %v", projectID, role, err)
		return nil
	}
	return emails
}

func (s *Service) userEmails(ctx context.Context, userIDs ...string) []string {
	emails := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		user, err := s.store.GetUserByID(ctx, id)
		if err != nil {
			log.Printf("recipient lookup for user %s failed: %v", id, err)
			continue
		}
		if user.IsActive {
			emails = append(emails, user.Email)
		}
	}
	return emails
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func crTimeline(cr store.ChangeRequest) []email.CRLine {
	lines := []email.CRLine{{Label: "Created", Value: cr.CreatedAt.UTC().Format(time.RFC1123)}}
	add := func(label string, ts *time.Time) {
		if ts != nil {
			lines = append(lines, email.CRLine{Label: label, Value: ts.UTC().Format(time.RFC1123)})
		}
	}
	add("Submitted", cr.SubmittedAt)
	add("Approved", cr.ApprovedAt)
	add("Implementation started", cr.ImplementationStartedAt)
	add("Closed", cr.ClosedAt)
	return lines
}

// NotifySLAWarning delivers a deadline warning for the SLA monitor.
func (s *Service) NotifySLAWarning(ctx context.Context, cr store.ChangeRequest, remaining time.Duration) error {
	if !s.SMTPConfigured() || cr.ImplementationDeadline == nil {
		return nil
	}
	to := s.userEmails(ctx, cr.ImplementerID, cr.RequesterID)
	return s.email.SendSLAWarning(dedupe(to), cr.Number, cr.Title, *cr.ImplementationDeadline, remaining)
}

// NotifySLABreach delivers a deadline breach notice for the SLA monitor.
func (s *Service) NotifySLABreach(ctx context.Context, cr store.ChangeRequest, overdue time.Duration) error {
	if !s.SMTPConfigured() || cr.ImplementationDeadline == nil {
		return nil
	}
	to := s.roleRecipients(ctx, cr.ProjectID, string(rbac.RoleApprover))
	to = append(to, s.userEmails(ctx, cr.ImplementerID, cr.RequesterID)...)
	return s.email.SendSLABreach(dedupe(to), cr.Number, cr.Title, *cr.ImplementationDeadline, overdue)
}

// ---- comments and attachments ----

func (s *Service) AddComment(ctx context.Context, sess Session, crID, body string) (store.CRComment, error) {
	cr, err := s.store.GetChangeRequest(ctx, crID)
	if err != nil {
		return store.CRComment{}, err
	}
	role, err := s.effectiveRole(ctx, sess, cr.ProjectID)
	if err != nil {
		return store.CRComment{}, err
	}
	if !rbac.Can(role, rbac.ActionComment) {
		return store.CRComment{}, permissionDenied("role may not comment")
	}
	if strings.TrimSpace(body) == "" {
		return store.CRComment{}, validationError("comment body is required", nil)
	}

	comment := store.CRComment{
		ID:              util.NewID("cmt"),
		ChangeRequestID: cr.ID,
		AuthorID:        sess.UserID,
		AuthorName:      sess.UserName,
		Body:            body,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.CRComment{}, dependencyFailure("could not persist comment")
	}
	s.audit(ctx, store.AuditEvent{
		EventType:     "cr.comment_added",
		EventCategory: "change_request",
		ActorID:       sess.UserID,
		ActorName:     sess.UserName,
		ResourceType:  "change_request",
		ResourceID:    cr.ID,
		Success:       true,
		Metadata:      map[string]any{"number": cr.Number},
	})
	return comment, nil
}

func (s *Service) ListCRComments(ctx context.Context, sess Session, crID string) ([]store.CRComment, error) {
	if _, err := s.GetCR(ctx, sess, crID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, crID)
}

func (s *Service) UploadAttachment(ctx context.Context, sess Session, crID, fileName, contentType string, size int64, r io.Reader) (store.CRAttachment, error) {
	cr, err := s.GetCR(ctx, sess, crID)
	if err != nil {
		return store.CRAttachment{}, err
	}
	if s.blobs == nil {
		return store.CRAttachment{}, dependencyFailure("attachment storage is not configured")
	}
	if strings.TrimSpace(fileName) == "" {
		return store.CRAttachment{}, validationError("file name is required", nil)
	}

	att := store.CRAttachment{
		ID:              util.NewID("att"),
		ChangeRequestID: cr.ID,
		FileName:        fileName,
		ContentType:     contentType,
		SizeBytes:       size,
		UploadedBy:      sess.UserID,
	}
	key := blob.AttachmentKey(cr.ID, att.ID, fileName)
	if err := s.blobs.Put(ctx, key, r, size, contentType); err != nil {
		return store.CRAttachment{}, dependencyFailure("could not store attachment")
	}
	if err := s.store.InsertAttachment(ctx, att); err != nil {
		return store.CRAttachment{}, dependencyFailure("could not persist attachment metadata")
	}
	s.audit(ctx, store.AuditEvent{
		EventType:     "cr.attachment_added",
		EventCategory: "change_request",
		ActorID:       sess.UserID,
		ActorName:     sess.UserName,
		ResourceType:  "change_request",
		ResourceID:    cr.ID,
		Success:       true,
		Metadata:      map[string]any{"number": cr.Number, "fileName": fileName},
	})
	return att, nil
}

func (s *Service) ListCRAttachments(ctx context.Context, sess Session, crID string) ([]store.CRAttachment, error) {
	if _, err := s.GetCR(ctx, sess, crID); err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, crID)
}

func (s *Service) DownloadAttachment(ctx context.Context, sess Session, crID, attachmentID string) (store.CRAttachment, io.ReadCloser, error) {
	cr, err := s.GetCR(ctx, sess, crID)
	if err != nil {
		return store.CRAttachment{}, nil, err
	}
	if s.blobs == nil {
		return store.CRAttachment{}, nil, dependencyFailure("attachment storage is not configured")
	}
	att, err := s.store.GetAttachment(ctx, crID, attachmentID)
	if err != nil {
		return store.CRAttachment{}, nil, err
	}
	body, err := s.blobs.Get(ctx, blob.AttachmentKey(cr.ID, att.ID, att.FileName))
	if err != nil {
		return store.CRAttachment{}, nil, dependencyFailure("could not fetch attachment")
	}
	return att, body, nil
}

// ---- search, audit and export ----

func (s *Service) indexCR(cr store.ChangeRequest) {
	if s.search == nil {
		return
	}
	s.search.IndexChangeRequest(search.CRRecord{
		ID:          cr.ID,
		Number:      cr.Number,
		Title:       cr.Title,
		Description: cr.Description,
		ProjectID:   cr.ProjectID,
		Status:      string(cr.Status),
		Priority:    cr.Priority,
		RiskLevel:   cr.RiskLevel,
	})
}

func (s *Service) SearchCRs(ctx context.Context, sess Session, q search.Query) (search.Response, error) {
	if !rbac.Can(rbac.Normalize(sess.Role), rbac.ActionView) {
		return search.Response{}, permissionDenied("role may not search")
	}
	if rbac.Normalize(sess.Role) != rbac.RoleAdmin && q.FilterProjectID != "" {
		if _, err := s.effectiveRole(ctx, sess, q.FilterProjectID); err != nil {
			return search.Response{}, err
		}
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

func (s *Service) QueryAuditEvents(ctx context.Context, sess Session, filter store.AuditFilter) ([]store.AuditEvent, error) {
	if !rbac.Can(rbac.Normalize(sess.Role), rbac.ActionReadAudit) {
		return nil, permissionDenied("role may not read the audit trail")
	}
	return s.store.ListAuditEvents(ctx, filter)
}

// ExportCR renders the full change request record, discussion and audit
// trail as a PDF report.
func (s *Service) ExportCR(ctx context.Context, sess Session, crID string) (*export.Result, error) {
	cr, err := s.GetCR(ctx, sess, crID)
	if err != nil {
		return nil, err
	}

	report := export.Report{
		Number:                 cr.Number,
		Title:                  cr.Title,
		Description:            cr.Description,
		Justification:          cr.Justification,
		ImpactAssessment:       cr.ImpactAssessment,
		Priority:               cr.Priority,
		RiskLevel:              cr.RiskLevel,
		Status:                 string(cr.Status),
		RollbackPlan:           cr.RollbackPlan,
		RollbackReason:         cr.RollbackReason,
		ApprovalComment:        cr.ApprovalComment,
		RejectionReason:        cr.RejectionReason,
		ClosureNotes:           cr.ClosureNotes,
		CreatedAt:              cr.CreatedAt,
		SubmittedAt:            cr.SubmittedAt,
		ApprovedAt:             cr.ApprovedAt,
		ImplementationStarted:  cr.ImplementationStartedAt,
		ImplementationDeadline: cr.ImplementationDeadline,
		ClosedAt:               cr.ClosedAt,
		RolledBackAt:           cr.RolledBackAt,
		SLAWarningSent:         cr.SLAWarningSent,
		SLABreached:            cr.SLABreached,
	}

	if project, err := s.store.GetProject(ctx, cr.ProjectID); err == nil {
		report.ProjectName = project.Name
	}
	report.Requester = s.userName(ctx, cr.RequesterID)
	report.Approver = s.userName(ctx, cr.ApproverID)
	report.Implementer = s.userName(ctx, cr.ImplementerID)

	comments, err := s.store.ListComments(ctx, cr.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range comments {
		report.Comments = append(report.Comments, export.ReportComment{
			Author:    c.AuthorName,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
		})
	}

	events, err := s.store.ListAuditEvents(ctx, store.AuditFilter{
		ResourceType: "change_request",
		ResourceID:   cr.ID,
		Limit:        200,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		detail := ""
		if from, ok := e.Metadata["from"].(string); ok {
			if to, ok := e.Metadata["to"].(string); ok {
				detail = from + " -> " + to
			}
		}
		report.Timeline = append(report.Timeline, export.ReportEvent{
			Event:     e.EventType,
			Actor:     e.ActorName,
			Detail:    detail,
			CreatedAt: e.CreatedAt,
		})
	}

	return export.ExportPDF(report)
}

func (s *Service) userName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return ""
	}
	return user.DisplayName
}
