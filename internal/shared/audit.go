package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// AuditEntry represents one row in audit_logs. Rows are append-only: the
// database role used by the application holds INSERT and SELECT privileges
// only, so no code path can rewrite history.
type AuditEntry struct {
	ActorID       *uuid.UUID
	ActorEmail    string
	Action        string
	EntityType    string
	EntityID      uuid.UUID
	Before        map[string]any
	After         map[string]any
	RuleVersionID *uuid.UUID
	IP            string
	Notes         string
	At            time.Time
}

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx, so audit rows can be
// written inside the transaction that mutates the target entity.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AppendAudit inserts one audit row. Callers inside a transaction pass the
// pgx.Tx so the audit write commits or rolls back with the mutation.
func AppendAudit(ctx context.Context, db Execer, e AuditEntry) error {
	if e.Action == "" || e.EntityType == "" {
		return errors.New("audit entry requires action and entity type")
	}
	beforeJSON, err := marshalSnapshot(e.Before)
	if err != nil {
		return err
	}
	afterJSON, err := marshalSnapshot(e.After)
	if err != nil {
		return err
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = db.Exec(ctx, `INSERT INTO audit_logs
		(actor_id, actor_email, action, entity_type, entity_id, before_state, after_state, rule_version_id, ip_address, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ActorID, nullIfEmpty(e.ActorEmail), e.Action, e.EntityType, e.EntityID,
		beforeJSON, afterJSON, e.RuleVersionID, nullIfEmpty(e.IP), nullIfEmpty(e.Notes), at)
	return err
}

func marshalSnapshot(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
