// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	BaseURL   string
	EnableTLS bool
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-changeman"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

// SendVerificationEmail sends an email verification email
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	data := VerificationData{
		AppName:         "ChangeMan",
		UserName:        userName,
		VerificationURL: verificationURL,
	}

	subject := "Verify your ChangeMan account"
	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendPasswordResetEmail sends a password reset email
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := PasswordResetData{
		AppName:  "ChangeMan",
		UserName: userName,
		ResetURL: resetURL,
	}

	subject := "Reset your ChangeMan password"
	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// CREvent describes a change request lifecycle event for notification
// purposes. Lines are rendered in order as labelled rows.
type CREvent struct {
	Number   string
	Title    string
	Heading  string
	Intro    string
	Lines    []CRLine
	Severity string // "", "warning" or "breach"
}

type CRLine struct {
	Label string
	Value string
}

func (s *Service) sendCREvent(to []string, subject string, ev CREvent) error {
	if len(to) == 0 {
		return nil
	}
	data := struct {
		AppName string
		CREvent
		DetailURL string
	}{
		AppName:   "ChangeMan",
		CREvent:   ev,
		DetailURL: strings.TrimRight(s.config.BaseURL, "/") + "/change-requests/" + ev.Number,
	}
	html, err := renderTemplate(crEventTemplate, data)
	if err != nil {
		return fmt.Errorf("render cr event template: %w", err)
	}
	return s.SendHTMLEmail(to, subject, html)
}

// SendCRSubmitted notifies approvers that a change request awaits review.
func (s *Service) SendCRSubmitted(to []string, number, title, requester, priority, risk string) error {
	return s.sendCREvent(to, fmt.Sprintf("[%s] Change request awaiting approval", number), CREvent{
		Number:  number,
		Title:   title,
		Heading: "Change request awaiting approval",
		Intro:   "A change request has been submitted and needs your review.",
		Lines: []CRLine{
			{Label: "Requested by", Value: requester},
			{Label: "Priority", Value: priority},
			{Label: "Risk level", Value: risk},
		},
	})
}

// SendCRApproved notifies the requester and the assigned implementer.
func (s *Service) SendCRApproved(to []string, number, title, approver, comment string, deadline *time.Time) error {
	lines := []CRLine{
		{Label: "Approved by", Value: approver},
	}
	if comment != "" {
		lines = append(lines, CRLine{Label: "Comment", Value: comment})
	}
	if deadline != nil {
		lines = append(lines, CRLine{Label: "Implementation deadline", Value: deadline.UTC().Format(time.RFC1123)})
	}
	return s.sendCREvent(to, fmt.Sprintf("[%s] Change request approved", number), CREvent{
		Number:  number,
		Title:   title,
		Heading: "Change request approved",
		Intro:   "The change request has been approved and is ready for implementation.",
		Lines:   lines,
	})
}

// SendCRRejected notifies the requester of a rejection.
func (s *Service) SendCRRejected(to []string, number, title, approver, reason string) error {
	return s.sendCREvent(to, fmt.Sprintf("[%s] Change request rejected", number), CREvent{
		Number:  number,
		Title:   title,
		Heading: "Change request rejected",
		Intro:   "The change request was rejected during review.",
		Lines: []CRLine{
			{Label: "Rejected by", Value: approver},
			{Label: "Reason", Value: reason},
		},
	})
}

// SendCRImplementationStarted notifies the requester that work began.
func (s *Service) SendCRImplementationStarted(to []string, number, title, implementer string) error {
	return s.sendCREvent(to, fmt.Sprintf("[%s] Implementation started", number), CREvent{
		Number:  number,
		Title:   title,
		Heading: "Implementation started",
		Intro:   "Work on the change request has started.",
		Lines: []CRLine{
			{Label: "Implementer", Value: implementer},
		},
	})
}

// SendCRImplemented notifies the requester and approvers that work finished.
func (s *Service) SendCRImplemented(to []string, number, title, implementer string) error {
	return s.sendCREvent(to, fmt.Sprintf("[%s] Implementation complete", number), CREvent{
		Number:  number,
		Title:   title,
		Heading: "Implementation complete",
		Intro:   "The change has been implemented and awaits closure review.",
		Lines: []CRLine{
			{Label: "Implementer", Value: implementer},
		},
	})
}

// SendCRClosed sends the closure notification with the lifecycle timeline.
func (s *Service) SendCRClosed(to []string, number, title, closedBy, notes string, timeline []CRLine) error {
	lines := []CRLine{
		{Label: "Closed by", Value: closedBy},
	}
	if notes != "" {
		lines = append(lines, CRLine{Label: "Closure notes", Value: notes})
	}
	lines = append(lines, timeline...)
	return s.sendCREvent(to, fmt.Sprintf("[%s] Change request closed", number), CREvent{
		Number:  number,
		Title:   title,
		Heading: "Change request closed",
		Intro:   "The change request has been verified and closed.",
		Lines:   lines,
	})
}

// SendCRRolledBack notifies stakeholders that a change was rolled back.
func (s *Service) SendCRRolledBack(to []string, number, title, rolledBackBy, reason string) error {
	return s.sendCREvent(to, fmt.Sprintf("[%s] Change request rolled back", number), CREvent{
		Number:   number,
		Title:    title,
		Heading:  "Change request rolled back",
		Intro:    "The change has been rolled back.",
		Severity: "warning",
		Lines: []CRLine{
			{Label: "Rolled back by", Value: rolledBackBy},
			{Label: "Reason", Value: reason},
		},
	})
}

// SendSLAWarning warns that the implementation deadline is close.
func (s *Service) SendSLAWarning(to []string, number, title string, deadline time.Time, remaining time.Duration) error {
	return s.sendCREvent(to, fmt.Sprintf("[%s] Implementation deadline approaching", number), CREvent{
		Number:   number,
		Title:    title,
		Heading:  "Implementation deadline approaching",
		Intro:    "The change request is approaching its implementation deadline.",
		Severity: "warning",
		Lines: []CRLine{
			{Label: "Deadline", Value: deadline.UTC().Format(time.RFC1123)},
			{Label: "Time remaining", Value: remaining.Round(time.Minute).String()},
		},
	})
}

// SendSLABreach reports a missed implementation deadline.
func (s *Service) SendSLABreach(to []string, number, title string, deadline time.Time, overdue time.Duration) error {
	return s.sendCREvent(to, fmt.Sprintf("[%s] Implementation deadline breached", number), CREvent{
		Number:   number,
		Title:    title,
		Heading:  "Implementation deadline breached",
		Intro:    "The change request has missed its implementation deadline.",
		Severity: "breach",
		Lines: []CRLine{
			{Label: "Deadline", Value: deadline.UTC().Format(time.RFC1123)},
			{Label: "Overdue by", Value: overdue.Round(time.Minute).String()},
		},
	})
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const crEventTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Heading}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .cr { font-family: monospace; background: #f4f4f4; padding: 2px 6px; border-radius: 3px; }
        .rows td { padding: 4px 12px 4px 0; vertical-align: top; }
        .rows td:first-child { color: #666; white-space: nowrap; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .breach { background: #f8d7da; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.Heading}}</h2>

    {{if eq .Severity "warning"}}<div class="warning">{{.Intro}}</div>
    {{else if eq .Severity "breach"}}<div class="breach">{{.Intro}}</div>
    {{else}}<p>{{.Intro}}</p>{{end}}

    <p><span class="cr">{{.Number}}</span> {{.Title}}</p>

    <table class="rows">
    {{range .Lines}}<tr><td>{{.Label}}</td><td>{{.Value}}</td></tr>
    {{end}}</table>

    <p>
        <a href="{{.DetailURL}}" class="button">View change request</a>
    </p>

    <div class="footer">
        <p>You are receiving this email because you are a stakeholder on this change request.</p>
    </div>
</body>
</html>`

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>Thank you for signing up. Please verify your email address to activate your account.</p>

    <p>
        <a href="{{.VerificationURL}}" class="button">Verify Email Address</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>

    <p>This verification link will expire in 24 hours.</p>

    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Password Reset Request</h2>

    <p>Hi {{.UserName}},</p>

    <p>We received a request to reset your password. Click the button below to create a new password:</p>

    <p>
        <a href="{{.ResetURL}}" class="button">Reset Password</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>

    <div class="warning">
        <strong>Important:</strong> This reset link will expire in 1 hour.
    </div>

    <div class="footer">
        <p>If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    </div>
</body>
</html>`
