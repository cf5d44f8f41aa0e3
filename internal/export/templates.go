package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time) string {
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
	"formatDatePtr": func(t *time.Time) string {
		if t == nil {
			return "—"
		}
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
}).Parse(reportTemplateHTML))

// RenderReportHTML renders the change request report template.
func RenderReportHTML(r Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Number}} {{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; border-bottom: 1px solid #ccc; padding-bottom: 0.25rem; }
    .number { font-family: monospace; color: #555; }
    .status { display: inline-block; padding: 2px 10px; border-radius: 10px; background: #eef; font-size: 0.85em; text-transform: uppercase; }
    .breached { background: #fdd; }
    table.fields td { padding: 4px 16px 4px 0; vertical-align: top; }
    table.fields td:first-child { color: #666; white-space: nowrap; }
    .comment { background: #f5f5f5; padding: 0.75rem 1rem; margin: 0.75rem 0; border-left: 3px solid #333; }
    .comment .meta { color: #666; font-size: 0.85em; }
    table.timeline { border-collapse: collapse; width: 100%; }
    table.timeline td { border-top: 1px solid #eee; padding: 6px 12px 6px 0; font-size: 0.9em; }
    .section-body { white-space: pre-wrap; }
  </style>
</head>
<body>
  <h1><span class="number">{{.Number}}</span> {{.Title}}</h1>
  <p>
    <span class="status{{if .SLABreached}} breached{{end}}">{{.Status}}</span>
    {{if .SLABreached}}<span class="status breached">deadline breached</span>{{end}}
  </p>

  <table class="fields">
    <tr><td>Project</td><td>{{.ProjectName}}</td></tr>
    <tr><td>Priority</td><td>{{.Priority}}</td></tr>
    <tr><td>Risk level</td><td>{{.RiskLevel}}</td></tr>
    <tr><td>Requested by</td><td>{{.Requester}}</td></tr>
    {{if .Approver}}<tr><td>Approved by</td><td>{{.Approver}}</td></tr>{{end}}
    {{if .Implementer}}<tr><td>Implementer</td><td>{{.Implementer}}</td></tr>{{end}}
    <tr><td>Created</td><td>{{formatDate .CreatedAt}}</td></tr>
    <tr><td>Submitted</td><td>{{formatDatePtr .SubmittedAt}}</td></tr>
    <tr><td>Approved</td><td>{{formatDatePtr .ApprovedAt}}</td></tr>
    <tr><td>Implementation started</td><td>{{formatDatePtr .ImplementationStarted}}</td></tr>
    <tr><td>Implementation deadline</td><td>{{formatDatePtr .ImplementationDeadline}}</td></tr>
    <tr><td>Closed</td><td>{{formatDatePtr .ClosedAt}}</td></tr>
    {{if .RolledBackAt}}<tr><td>Rolled back</td><td>{{formatDatePtr .RolledBackAt}}</td></tr>{{end}}
  </table>

  <h2>Description</h2>
  <div class="section-body">{{.Description}}</div>

  {{if .Justification}}
  <h2>Justification</h2>
  <div class="section-body">{{.Justification}}</div>
  {{end}}

  {{if .ImpactAssessment}}
  <h2>Impact Assessment</h2>
  <div class="section-body">{{.ImpactAssessment}}</div>
  {{end}}

  {{if .RollbackPlan}}
  <h2>Rollback Plan</h2>
  <div class="section-body">{{.RollbackPlan}}</div>
  {{end}}

  {{if .ApprovalComment}}
  <h2>Approval Comment</h2>
  <div class="section-body">{{.ApprovalComment}}</div>
  {{end}}

  {{if .RejectionReason}}
  <h2>Rejection Reason</h2>
  <div class="section-body">{{.RejectionReason}}</div>
  {{end}}

  {{if .RollbackReason}}
  <h2>Rollback Reason</h2>
  <div class="section-body">{{.RollbackReason}}</div>
  {{end}}

  {{if .ClosureNotes}}
  <h2>Closure Notes</h2>
  <div class="section-body">{{.ClosureNotes}}</div>
  {{end}}

  {{if .Comments}}
  <h2>Discussion</h2>
  {{range .Comments}}
  <div class="comment">
    <div class="meta">{{.Author}} · {{formatDate .CreatedAt}}</div>
    <div class="section-body">{{.Body}}</div>
  </div>
  {{end}}
  {{end}}

  {{if .Timeline}}
  <h2>Audit Trail</h2>
  <table class="timeline">
    {{range .Timeline}}
    <tr>
      <td>{{formatDate .CreatedAt}}</td>
      <td>{{.Event}}</td>
      <td>{{.Actor}}</td>
      <td>{{.Detail}}</td>
    </tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`
