package exception

import (
	"context"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/shared"
)

// Upsert writes a record inside the caller's transaction. An existing
// open record for the same (invoice, code) pair is refreshed in place,
// so detectors that re-run never create duplicate rows. The conflict
// target matches the partial unique index on open records.
func Upsert(ctx context.Context, db shared.Execer, rec Record) error {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	severity := rec.Severity
	if severity == "" {
		severity = SeverityFor(rec.Code)
	}
	_, err := db.Exec(ctx, `INSERT INTO exception_records
		(id, invoice_id, code, description, severity, status, assignee_id, ai_root_cause, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'open', $6, $7, NOW(), NOW())
		ON CONFLICT (invoice_id, code) WHERE status = 'open'
		DO UPDATE SET description = EXCLUDED.description, severity = EXCLUDED.severity, updated_at = NOW()`,
		id, rec.InvoiceID, rec.Code, rec.Description, severity, rec.AssigneeID, rec.AIRootCause)
	return err
}
