package app

import (
	"time"

	"changeman/api/internal/store"
)

// Response serializers. Timestamps go out as RFC3339 UTC; nil pointer
// timestamps serialize as null.

func tsPayload(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UTC().Format(time.RFC3339)
}

func crPayload(cr store.ChangeRequest) map[string]any {
	return map[string]any{
		"id":                      cr.ID,
		"number":                  cr.Number,
		"projectId":               cr.ProjectID,
		"title":                   cr.Title,
		"description":             cr.Description,
		"justification":           cr.Justification,
		"impactAssessment":        cr.ImpactAssessment,
		"priority":                cr.Priority,
		"riskLevel":               cr.RiskLevel,
		"status":                  string(cr.Status),
		"rollbackPlan":            cr.RollbackPlan,
		"rollbackReason":          cr.RollbackReason,
		"approvalComment":         cr.ApprovalComment,
		"rejectionReason":         cr.RejectionReason,
		"closureNotes":            cr.ClosureNotes,
		"requesterId":             cr.RequesterID,
		"approverId":              cr.ApproverID,
		"implementerId":           cr.ImplementerID,
		"closedById":              cr.ClosedByID,
		"rolledBackById":          cr.RolledBackByID,
		"createdAt":               cr.CreatedAt.UTC().Format(time.RFC3339),
		"submittedAt":             tsPayload(cr.SubmittedAt),
		"approvedAt":              tsPayload(cr.ApprovedAt),
		"implementationStartedAt": tsPayload(cr.ImplementationStartedAt),
		"implementationDeadline":  tsPayload(cr.ImplementationDeadline),
		"closedAt":                tsPayload(cr.ClosedAt),
		"rolledBackAt":            tsPayload(cr.RolledBackAt),
		"slaWarningSent":          cr.SLAWarningSent,
		"slaBreached":             cr.SLABreached,
	}
}

func userPayload(u store.User) map[string]any {
	return map[string]any{
		"id":          u.ID,
		"email":       u.Email,
		"displayName": u.DisplayName,
		"role":        u.Role,
		"isActive":    u.IsActive,
		"isVerified":  u.IsEmailVerified,
		"isLocked":    u.IsLocked,
		"lastLoginAt": tsPayload(u.LastLoginAt),
		"createdAt":   u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"code":        p.Code,
		"description": p.Description,
		"isActive":    p.IsActive,
		"createdBy":   p.CreatedBy,
		"createdAt":   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func memberPayload(m store.ProjectMember) map[string]any {
	return map[string]any{
		"projectId": m.ProjectID,
		"userId":    m.UserID,
		"role":      m.Role,
		"email":     m.UserEmail,
		"name":      m.UserName,
		"addedBy":   m.AddedBy,
	}
}

func commentPayload(c store.CRComment) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"authorId":   c.AuthorID,
		"authorName": c.AuthorName,
		"body":       c.Body,
		"createdAt":  c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func attachmentPayload(a store.CRAttachment) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"fileName":    a.FileName,
		"contentType": a.ContentType,
		"sizeBytes":   a.SizeBytes,
		"uploadedBy":  a.UploadedBy,
		"createdAt":   a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func auditPayload(e store.AuditEvent) map[string]any {
	return map[string]any{
		"id":           e.ID,
		"eventType":    e.EventType,
		"category":     e.EventCategory,
		"actorId":      e.ActorID,
		"actorName":    e.ActorName,
		"resourceType": e.ResourceType,
		"resourceId":   e.ResourceID,
		"success":      e.Success,
		"metadata":     e.Metadata,
		"createdAt":    e.CreatedAt.UTC().Format(time.RFC3339),
	}
}
