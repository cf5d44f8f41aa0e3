package email

import (
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderCREventTemplate(t *testing.T) {
	data := struct {
		AppName string
		CREvent
		DetailURL string
	}{
		AppName: "ChangeMan",
		CREvent: CREvent{
			Number:  "CR-20260115-0001",
			Title:   "Rotate database credentials",
			Heading: "Change request awaiting approval",
			Intro:   "A change request has been submitted and needs your review.",
			Lines: []CRLine{
				{Label: "Requested by", Value: "Jamie Doe"},
				{Label: "Priority", Value: "high"},
			},
		},
		DetailURL: "https://changeman.example.com/change-requests/CR-20260115-0001",
	}

	html, err := renderTemplate(crEventTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	for _, want := range []string{
		"CR-20260115-0001",
		"Rotate database credentials",
		"Change request awaiting approval",
		"Jamie Doe",
		"https://changeman.example.com/change-requests/CR-20260115-0001",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("template output missing %q", want)
		}
	}
}

func TestRenderCREventSeverity(t *testing.T) {
	data := struct {
		AppName string
		CREvent
		DetailURL string
	}{
		AppName: "ChangeMan",
		CREvent: CREvent{
			Number:   "CR-20260115-0002",
			Title:    "Upgrade payment gateway",
			Heading:  "Implementation deadline breached",
			Intro:    "The change request has missed its implementation deadline.",
			Severity: "breach",
			Lines: []CRLine{
				{Label: "Deadline", Value: time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC).Format(time.RFC1123)},
			},
		},
		DetailURL: "https://changeman.example.com/change-requests/CR-20260115-0002",
	}

	html, err := renderTemplate(crEventTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if !strings.Contains(html, `class="breach"`) {
		t.Error("breach severity should render the breach block")
	}
}

func TestSendCREventSkipsEmptyRecipients(t *testing.T) {
	// Not configured, so an actual send would error. An empty recipient
	// list must short-circuit before that.
	svc := NewService(Config{})
	if err := svc.SendCRSubmitted(nil, "CR-20260115-0003", "Title", "Someone", "low", "low"); err != nil {
		t.Errorf("expected nil error for empty recipients, got %v", err)
	}
}

func TestRenderVerificationTemplate(t *testing.T) {
	data := VerificationData{
		AppName:         "ChangeMan",
		UserName:        "Test User",
		VerificationURL: "https://example.com/verify?token=abc123",
	}

	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "ChangeMan") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Test User") {
		t.Error("template should contain user name")
	}
	if !strings.Contains(html, "https://example.com/verify?token=abc123") {
		t.Error("template should contain verification URL")
	}
}

func TestRenderPasswordResetTemplate(t *testing.T) {
	data := PasswordResetData{
		AppName:  "ChangeMan",
		UserName: "Test User",
		ResetURL: "https://example.com/reset?token=xyz789",
	}

	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "https://example.com/reset?token=xyz789") {
		t.Error("template should contain reset URL")
	}
	if !strings.Contains(html, "1 hour") {
		t.Error("template should mention expiration time")
	}
}
