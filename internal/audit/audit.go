// Package audit implements the append-only security event log: one
// AuditEvent row per mutating operation, dual-written to Postgres and the
// structured logger.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/repository"
)

// Log appends AuditEvents to Postgres and mirrors them to the structured
// logger, so operators without a DB query handy can still grep logs for
// security_violation / system_error events.
type Log struct {
	db  *repository.PostgresDB
	log zerolog.Logger
}

// New constructs a Log. db may be nil (used by tests), in which case
// Append only logs structurally and never errors.
func New(db *repository.PostgresDB, log zerolog.Logger) *Log {
	return &Log{db: db, log: log.With().Str("component", "audit").Logger()}
}

// Schema is the DDL this package expects.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         UUID PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	event_type TEXT NOT NULL,
	client_id  TEXT,
	actor      TEXT,
	ip         TEXT,
	status     TEXT NOT NULL,
	severity   TEXT NOT NULL,
	payload    JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_client_id ON audit_events(client_id);
`

// Append records one event. ts and id are stamped if zero.
func (l *Log) Append(ctx context.Context, ev domain.AuditEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	logEvt := l.log.Info()
	if ev.Severity == domain.SeverityHigh {
		logEvt = l.log.Warn()
	}
	logEvt.
		Str("event_type", string(ev.EventType)).
		Str("client_id", ev.ClientID).
		Str("actor", ev.Actor).
		Str("status", string(ev.Status)).
		Str("severity", string(ev.Severity)).
		Msg("audit")

	if l.db == nil {
		return nil
	}
	_, err := l.db.Pool().Exec(ctx, `
		INSERT INTO audit_events (id, ts, event_type, client_id, actor, ip, status, severity, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ev.ID, ev.Timestamp, ev.EventType, ev.ClientID, ev.Actor, ev.IP, ev.Status, ev.Severity, payloadJSON(ev.Payload))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func payloadJSON(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// Tail returns the most recent n events, newest first. Used at startup to
// replay the tail against live subscribers after a crash between commit
// and publish.
func (l *Log) Tail(ctx context.Context, n int) ([]domain.AuditEvent, error) {
	if l.db == nil {
		return nil, nil
	}
	rows, err := l.db.Pool().Query(ctx, `
		SELECT id, ts, event_type, client_id, actor, ip, status, severity, payload
		FROM audit_events ORDER BY ts DESC LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("tail audit log: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.EventType, &ev.ClientID, &ev.Actor, &ev.IP, &ev.Status, &ev.Severity, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
