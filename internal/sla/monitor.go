// Package sla tracks implementation deadlines on open change requests and
// drives warning and breach notifications.
package sla

import (
	"context"
	"log"
	"time"

	"changeman/api/internal/store"
)

// Notice classifies a deadline relative to the current time.
type Notice string

const (
	NoticeNone    Notice = "none"
	NoticeWarning Notice = "warning"
	NoticeBreach  Notice = "breach"
)

// Classify reports where a deadline sits: breached once the deadline has
// strictly passed, warning inside the warning window (deadline inclusive),
// none otherwise.
func Classify(deadline, now time.Time, warningWindow time.Duration) Notice {
	if now.After(deadline) {
		return NoticeBreach
	}
	if deadline.Sub(now) <= warningWindow {
		return NoticeWarning
	}
	return NoticeNone
}

// Store is the persistence surface the monitor needs. The Mark methods
// return false when the flag was already set, which keeps every
// notification at-most-once across scans and monitor instances.
type Store interface {
	ListSLACandidates(ctx context.Context) ([]store.ChangeRequest, error)
	MarkSLAWarned(ctx context.Context, crID string) (bool, error)
	MarkSLABreached(ctx context.Context, crID string) (bool, error)
}

// Notifier delivers deadline notifications. Failures are logged, never
// retried; the flag stays set.
type Notifier interface {
	NotifySLAWarning(ctx context.Context, cr store.ChangeRequest, remaining time.Duration) error
	NotifySLABreach(ctx context.Context, cr store.ChangeRequest, overdue time.Duration) error
}

// Stats summarizes one scan pass.
type Stats struct {
	Scanned  int
	Warnings int
	Breaches int
	Errors   int
}

// Monitor periodically scans open change requests against their deadlines.
type Monitor struct {
	store         Store
	notifier      Notifier
	interval      time.Duration
	warningWindow time.Duration
	now           func() time.Time
}

func NewMonitor(st Store, notifier Notifier, interval, warningWindow time.Duration) *Monitor {
	return &Monitor{
		store:         st,
		notifier:      notifier,
		interval:      interval,
		warningWindow: warningWindow,
		now:           time.Now,
	}
}

// Run scans on the configured interval until the context is cancelled. An
// initial scan happens immediately rather than one interval in.
func (m *Monitor) Run(ctx context.Context) {
	m.scanAndLog(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanAndLog(ctx)
		}
	}
}

func (m *Monitor) scanAndLog(ctx context.Context) {
	stats, err := m.ScanOnce(ctx)
	if err != nil {
		log.Printf("sla scan failed: %v", err)
		return
	}
	if stats.Warnings > 0 || stats.Breaches > 0 || stats.Errors > 0 {
		log.Printf("sla scan: scanned=%d warnings=%d breaches=%d errors=%d",
			stats.Scanned, stats.Warnings, stats.Breaches, stats.Errors)
	}
}

// ScanOnce runs a single pass. A failure on one change request is counted
// and skipped; the rest of the batch still gets processed. The returned
// error covers only the candidate listing itself.
func (m *Monitor) ScanOnce(ctx context.Context) (Stats, error) {
	candidates, err := m.store.ListSLACandidates(ctx)
	if err != nil {
		return Stats{}, err
	}

	now := m.now()
	stats := Stats{Scanned: len(candidates)}
	for _, cr := range candidates {
		if cr.ImplementationDeadline == nil {
			continue
		}
		deadline := *cr.ImplementationDeadline

		switch Classify(deadline, now, m.warningWindow) {
		case NoticeBreach:
			if cr.SLABreached {
				continue
			}
			changed, err := m.store.MarkSLABreached(ctx, cr.ID)
			if err != nil {
				log.Printf("sla mark breach %s: %v", cr.Number, err)
				stats.Errors++
				continue
			}
			if !changed {
				continue
			}
			stats.Breaches++
			if err := m.notifier.NotifySLABreach(ctx, cr, now.Sub(deadline)); err != nil {
				log.Printf("sla breach notify %s: %v", cr.Number, err)
				stats.Errors++
			}
		case NoticeWarning:
			if cr.SLAWarningSent {
				continue
			}
			changed, err := m.store.MarkSLAWarned(ctx, cr.ID)
			if err != nil {
				log.Printf("sla mark warning %s: %v", cr.Number, err)
				stats.Errors++
				continue
			}
			if !changed {
				continue
			}
			stats.Warnings++
			if err := m.notifier.NotifySLAWarning(ctx, cr, deadline.Sub(now)); err != nil {
				log.Printf("sla warning notify %s: %v", cr.Number, err)
				stats.Errors++
			}
		}
	}
	return stats, nil
}
