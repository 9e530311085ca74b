// Package journal provides the append-only audit event log. The default
// backend is in-memory and bounded; postgres is available for deployments
// that need durability.
package journal

import (
	"context"
	"time"
)

// Severity classifies journal entries.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RelatedIDs carries the cross-component identifiers an entry refers to.
// All references between components are by id only.
type RelatedIDs struct {
	RequestID      string `json:"request_id,omitempty" db:"request_id"`
	QuoteID        string `json:"quote_id,omitempty" db:"quote_id"`
	TradeID        string `json:"trade_id,omitempty" db:"trade_id"`
	SessionID      string `json:"session_id,omitempty" db:"session_id"`
	CounterpartyID string `json:"counterparty_id,omitempty" db:"counterparty_id"`
}

// Entry is a single append-only audit record. EventID values are strictly
// increasing within a process.
type Entry struct {
	EventID     uint64                 `json:"event_id" db:"event_id"`
	EventType   string                 `json:"event_type" db:"event_type"`
	Timestamp   time.Time              `json:"timestamp" db:"ts"`
	Actor       string                 `json:"actor" db:"actor"`
	Description string                 `json:"description" db:"description"`
	Related     RelatedIDs             `json:"related_ids"`
	Data        map[string]interface{} `json:"data,omitempty"`
	SourceIP    string                 `json:"source_ip,omitempty" db:"source_ip"`
	Severity    Severity               `json:"severity" db:"severity"`
}

// Filter selects entries on query. Zero values match everything.
type Filter struct {
	EventType      string
	RequestID      string
	QuoteID        string
	TradeID        string
	CounterpartyID string
	Severity       Severity
	Since          time.Time
	Until          time.Time
	Limit          int
}

// Journal is the pluggable append-only store.
type Journal interface {
	Write(ctx context.Context, entry Entry) error
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

func (f Filter) matches(e Entry) bool {
	if f.EventType != "" && f.EventType != e.EventType {
		return false
	}
	if f.RequestID != "" && f.RequestID != e.Related.RequestID {
		return false
	}
	if f.QuoteID != "" && f.QuoteID != e.Related.QuoteID {
		return false
	}
	if f.TradeID != "" && f.TradeID != e.Related.TradeID {
		return false
	}
	if f.CounterpartyID != "" && f.CounterpartyID != e.Related.CounterpartyID {
		return false
	}
	if f.Severity != "" && f.Severity != e.Severity {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
