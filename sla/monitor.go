package sla

import (
	"context"
	"fmt"
	"log"
	"time"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Classify buckets an overdue duration into an urgency tier.
func Classify(hoursOverdue float64) Urgency {
	switch {
	case hoursOverdue >= 360:
		return UrgencyCritical
	case hoursOverdue >= 168:
		return UrgencyHigh
	case hoursOverdue >= 72:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Candidate is a document whose current status carries an SLA deadline.
type Candidate struct {
	DocumentID      string
	CompanyID       string
	Title           string
	Number          string
	StatusID        string
	Priority        string
	EnteredStatusAt time.Time
	SLAHours        int
}

// Overdue is one breach found by a scan.
type Overdue struct {
	DocumentID   string
	Title        string
	Number       string
	HoursOverdue float64
	Urgency      Urgency
	DedupKey     string
	Notified     bool
}

// Store defines the data access the monitor needs. EnqueueOverdue reports
// whether the event was actually inserted; a duplicate dedup key is dropped
// silently so repeated scans do not re-notify the same breach bucket.
type Store interface {
	ListOverdueCandidates(ctx context.Context) ([]Candidate, error)
	EnqueueOverdue(ctx context.Context, dedupKey string, payload map[string]any) (bool, error)
}

// Monitor periodically sweeps documents sitting past their status SLA and
// raises overdue events. It never mutates documents; escalation is the
// notifier's concern.
type Monitor struct {
	store        Store
	scanInterval time.Duration
	now          func() time.Time
}

func NewMonitor(store Store, scanInterval time.Duration) *Monitor {
	if scanInterval <= 0 {
		scanInterval = time.Hour
	}
	return &Monitor{store: store, scanInterval: scanInterval, now: time.Now}
}

// Run scans on a ticker until the context is cancelled. One pass fires
// immediately so a fresh deploy does not wait a full interval.
func (m *Monitor) Run(ctx context.Context) error {
	if _, err := m.Scan(ctx); err != nil {
		log.Printf("sla monitor: initial scan: %v", err)
	}

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				log.Printf("sla monitor: scan: %v", err)
			}
		}
	}
}

// Scan walks the candidates once and enqueues an overdue event per breached
// document. A failure on one document is logged and skipped; the scan only
// fails as a whole when the candidate query itself does.
func (m *Monitor) Scan(ctx context.Context) ([]Overdue, error) {
	candidates, err := m.store.ListOverdueCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("sla: list candidates: %w", err)
	}

	now := m.now()
	out := make([]Overdue, 0, len(candidates))
	for _, c := range candidates {
		elapsed := now.Sub(c.EnteredStatusAt).Hours()
		hoursOverdue := elapsed - float64(c.SLAHours)
		if hoursOverdue <= 0 {
			continue
		}

		breach := Overdue{
			DocumentID:   c.DocumentID,
			Title:        c.Title,
			Number:       c.Number,
			HoursOverdue: hoursOverdue,
			Urgency:      Classify(hoursOverdue),
			DedupKey:     dedupKey(c.DocumentID, hoursOverdue),
		}

		inserted, err := m.store.EnqueueOverdue(ctx, breach.DedupKey, map[string]any{
			"document_id":     c.DocumentID,
			"company_id":      c.CompanyID,
			"document_title":  c.Title,
			"document_number": c.Number,
			"status_id":       c.StatusID,
			"priority":        c.Priority,
			"hours_overdue":   breach.HoursOverdue,
			"urgency":         string(breach.Urgency),
			"dedup_key":       breach.DedupKey,
		})
		if err != nil {
			log.Printf("sla monitor: enqueue overdue for %s: %v", c.DocumentID, err)
			continue
		}
		breach.Notified = inserted
		out = append(out, breach)
	}
	return out, nil
}

// dedupKey buckets the breach by whole days overdue, so a document is
// re-notified at most once per day it keeps slipping.
func dedupKey(documentID string, hoursOverdue float64) string {
	return fmt.Sprintf("%s:overdue:%d", documentID, int(hoursOverdue/24))
}
