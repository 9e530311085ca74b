// Package audit is a thin structured-logging facade over the journal.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deluthium/liquidity-bridge/internal/journal"
)

// Well-known event types emitted across the bridge.
const (
	EventRFQReceived    = "rfq.received"
	EventQuoteGenerated = "quote.generated"
	EventQuoteAccepted  = "quote.accepted"
	EventQuoteRejected  = "quote.rejected"
	EventQuoteExpired   = "quote.expired"
	EventQuoteCancelled = "quote.cancelled"
	EventQuoteFailed    = "quote.failed"
	EventTradeExecuted  = "trade.executed"
	EventTradeSettled   = "trade.settled"
	EventSessionLogon   = "session.logon"
	EventSessionLogout  = "session.logout"
	EventSessionReject  = "session.reject"
	EventBridgePlaced   = "bridge.placed"
	EventBridgeFilled   = "bridge.filled"
	EventBridgeError    = "bridge.error"
	EventSplitExecuted  = "split.executed"
)

// Trail assigns strictly-increasing event ids and mirrors every entry into
// the process log. Journal write failures are logged, never surfaced: audit
// must not break the calling flow.
type Trail struct {
	journal journal.Journal
	actor   string
	counter atomic.Uint64
}

// New creates a trail writing to the given journal under the given actor.
func New(j journal.Journal, actor string) *Trail {
	return &Trail{journal: j, actor: actor}
}

// Record appends one audit entry.
func (t *Trail) Record(ctx context.Context, eventType, description string, related journal.RelatedIDs, severity journal.Severity) {
	t.RecordData(ctx, eventType, description, related, severity, nil)
}

// RecordData appends one audit entry with attached structured data.
func (t *Trail) RecordData(ctx context.Context, eventType, description string, related journal.RelatedIDs, severity journal.Severity, data map[string]interface{}) {
	entry := journal.Entry{
		EventID:     t.counter.Add(1),
		EventType:   eventType,
		Timestamp:   time.Now().UTC(),
		Actor:       t.actor,
		Description: description,
		Related:     related,
		Data:        data,
		Severity:    severity,
	}

	evt := log.WithLevel(level(severity)).
		Str("event", eventType).
		Uint64("event_id", entry.EventID)
	if related.RequestID != "" {
		evt = evt.Str("request_id", related.RequestID)
	}
	if related.QuoteID != "" {
		evt = evt.Str("quote_id", related.QuoteID)
	}
	if related.TradeID != "" {
		evt = evt.Str("trade_id", related.TradeID)
	}
	if related.SessionID != "" {
		evt = evt.Str("session_id", related.SessionID)
	}
	evt.Msg(description)

	if err := t.journal.Write(ctx, entry); err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("journal write failed")
	}
}

// LastEventID returns the most recently assigned event id.
func (t *Trail) LastEventID() uint64 {
	return t.counter.Load()
}

func level(s journal.Severity) zerolog.Level {
	switch s {
	case journal.SeverityWarning:
		return zerolog.WarnLevel
	case journal.SeverityError:
		return zerolog.ErrorLevel
	case journal.SeverityCritical:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
