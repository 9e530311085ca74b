// Package postgres implements the journal on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/deluthium/liquidity-bridge/internal/journal"
)

// Journal is a durable journal backed by a single audit_events table.
type Journal struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New opens a postgres journal. The schema is created if missing.
func New(dsn string, timeout time.Duration) (*Journal, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	j := &Journal{db: db, timeout: timeout}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			event_id        BIGINT NOT NULL,
			event_type      TEXT   NOT NULL,
			ts              TIMESTAMPTZ NOT NULL,
			actor           TEXT   NOT NULL,
			description     TEXT   NOT NULL DEFAULT '',
			request_id      TEXT   NOT NULL DEFAULT '',
			quote_id        TEXT   NOT NULL DEFAULT '',
			trade_id        TEXT   NOT NULL DEFAULT '',
			session_id      TEXT   NOT NULL DEFAULT '',
			counterparty_id TEXT   NOT NULL DEFAULT '',
			data            JSONB,
			source_ip       TEXT   NOT NULL DEFAULT '',
			severity        TEXT   NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS audit_events_request_idx ON audit_events (request_id);
		CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts)`)
	if err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// Write appends one entry.
func (j *Journal) Write(ctx context.Context, e journal.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	var dataJSON []byte
	if e.Data != nil {
		var err error
		dataJSON, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal entry data: %w", err)
		}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(event_id, event_type, ts, actor, description, request_id, quote_id,
			 trade_id, session_id, counterparty_id, data, source_ip, severity)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.EventID, e.EventType, e.Timestamp, e.Actor, e.Description,
		e.Related.RequestID, e.Related.QuoteID, e.Related.TradeID,
		e.Related.SessionID, e.Related.CounterpartyID, dataJSON, e.SourceIP,
		string(e.Severity))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("failed to insert audit event (%s): %w", pqErr.Code, err)
		}
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Query returns matching entries ordered by event id.
func (j *Journal) Query(ctx context.Context, f journal.Filter) ([]journal.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	query := `
		SELECT event_id, event_type, ts, actor, description, request_id,
		       quote_id, trade_id, session_id, counterparty_id, data,
		       source_ip, severity
		FROM audit_events WHERE 1=1`
	args := []interface{}{}
	n := 0
	add := func(clause string, v interface{}) {
		n++
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}
	if f.EventType != "" {
		add("event_type", f.EventType)
	}
	if f.RequestID != "" {
		add("request_id", f.RequestID)
	}
	if f.QuoteID != "" {
		add("quote_id", f.QuoteID)
	}
	if f.TradeID != "" {
		add("trade_id", f.TradeID)
	}
	if f.CounterpartyID != "" {
		add("counterparty_id", f.CounterpartyID)
	}
	if f.Severity != "" {
		add("severity", string(f.Severity))
	}
	if !f.Since.IsZero() {
		n++
		query += fmt.Sprintf(" AND ts >= $%d", n)
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		n++
		query += fmt.Sprintf(" AND ts <= $%d", n)
		args = append(args, f.Until)
	}
	query += " ORDER BY event_id ASC"
	if f.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []journal.Entry
	for rows.Next() {
		var (
			e        journal.Entry
			dataJSON []byte
			severity string
		)
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Timestamp, &e.Actor,
			&e.Description, &e.Related.RequestID, &e.Related.QuoteID,
			&e.Related.TradeID, &e.Related.SessionID, &e.Related.CounterpartyID,
			&dataJSON, &e.SourceIP, &severity); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Severity = journal.Severity(severity)
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal entry data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (j *Journal) Close() error {
	return j.db.Close()
}
