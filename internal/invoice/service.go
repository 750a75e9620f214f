package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/platform/blob"
	"github.com/apflow/apflow/internal/shared"
)

var (
	// ErrNotApproved is returned when recording payment against an
	// invoice that is not in the approved state.
	ErrNotApproved = errors.New("invoice is not approved")
)

// Enqueuer submits pipeline jobs to the task broker.
type Enqueuer interface {
	EnqueueProcessInvoice(ctx context.Context, invoiceID uuid.UUID) error
}

// FeedbackRecorder captures human corrections of AI output.
type FeedbackRecorder interface {
	RecordCorrection(ctx context.Context, invoiceID uuid.UUID, field, oldValue, newValue string, actor shared.Actor) error
}

// Service owns invoice ingestion and admin mutations. Pipeline-internal
// mutations live with the pipeline orchestrator and matching engine.
type Service struct {
	repo     Repository
	store    blob.Store
	bucket   string
	queue    Enqueuer
	feedback FeedbackRecorder
	logger   *slog.Logger
}

// NewService constructs the invoice service.
func NewService(repo Repository, store blob.Store, bucket string, queue Enqueuer, feedback FeedbackRecorder, logger *slog.Logger) *Service {
	return &Service{repo: repo, store: store, bucket: bucket, queue: queue, feedback: feedback, logger: logger}
}

// IngestInput describes an uploaded invoice file.
type IngestInput struct {
	FileName    string
	Data        []byte
	MimeType    string
	Source      Source
	SourceEmail string
	Actor       shared.Actor
}

// Ingest stores the file, inserts the invoice in the ingested state, audits
// the upload and enqueues the processing job.
func (s *Service) Ingest(ctx context.Context, input IngestInput) (Invoice, error) {
	if len(input.Data) == 0 {
		return Invoice{}, errors.New("empty file")
	}
	id := uuid.New()
	objectName := fmt.Sprintf("invoices/%s/%s", id, input.FileName)

	if err := s.store.Upload(ctx, s.bucket, objectName, input.Data, input.MimeType); err != nil {
		return Invoice{}, fmt.Errorf("upload invoice file: %w", err)
	}

	inv := Invoice{
		ID:           id,
		Status:       StatusIngested,
		StoragePath:  objectName,
		OriginalName: input.FileName,
		FileSize:     int64(len(input.Data)),
		MimeType:     input.MimeType,
		Source:       input.Source,
		SourceEmail:  input.SourceEmail,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.Insert(ctx, inv); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			ActorID:    input.Actor.UUID(),
			ActorEmail: input.Actor.Email,
			Action:     "invoice.ingested",
			EntityType: "invoice",
			EntityID:   id,
			After: map[string]any{
				"status":       string(StatusIngested),
				"storage_path": objectName,
				"source":       string(input.Source),
			},
			IP: input.Actor.IP,
		})
	})
	if err != nil {
		return Invoice{}, err
	}

	if err := s.queue.EnqueueProcessInvoice(ctx, id); err != nil {
		// The invoice row exists; a replayed enqueue or the admin re-match
		// endpoint can recover it.
		s.logger.Error("enqueue pipeline job", slog.String("invoice_id", id.String()), slog.Any("error", err))
	}
	return s.repo.Get(ctx, id)
}

// Get returns one invoice.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.repo.Get(ctx, id)
}

// Lines returns the invoice's line items.
func (s *Service) Lines(ctx context.Context, id uuid.UUID) ([]LineItem, error) {
	return s.repo.ListLines(ctx, id)
}

// DocumentURL returns a short-lived download link for the stored file.
func (s *Service) DocumentURL(ctx context.Context, id uuid.UUID) (string, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.store.PresignedURL(ctx, s.bucket, inv.StoragePath, 15*time.Minute)
}

// Reprocess re-enqueues the pipeline job. Used by admins to recover an
// invoice left in extracted after a match failure.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID, actor shared.Actor) error {
	if actor.Role != shared.RoleAdmin {
		return shared.ErrForbidden
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.queue.EnqueueProcessInvoice(ctx, id)
}

// OverrideStatus is the admin-only manual transition. It validates against
// the state graph; nothing bypasses that validation.
func (s *Service) OverrideStatus(ctx context.Context, id uuid.UUID, to Status, reason string, actor shared.Actor) error {
	if actor.Role != shared.RoleAdmin {
		return shared.ErrForbidden
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := CheckTransition(inv.Status, to); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, id, to); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			ActorID:    actor.UUID(),
			ActorEmail: actor.Email,
			Action:     "invoice.status_overridden",
			EntityType: "invoice",
			EntityID:   id,
			Before:     map[string]any{"status": string(inv.Status)},
			After:      map[string]any{"status": string(to)},
			IP:         actor.IP,
			Notes:      reason,
		})
	})
}

// RecordPayment marks an approved invoice paid. Payment execution is out of
// scope; this is a state transition plus audit entry.
func (s *Service) RecordPayment(ctx context.Context, input PaymentInput, actor shared.Actor) error {
	if input.PaidAt.IsZero() {
		input.PaidAt = time.Now().UTC()
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != StatusApproved {
			return fmt.Errorf("%w: status=%s", ErrNotApproved, inv.Status)
		}
		if err := tx.RecordPayment(ctx, input); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			ActorID:    actor.UUID(),
			ActorEmail: actor.Email,
			Action:     "invoice.paid",
			EntityType: "invoice",
			EntityID:   input.InvoiceID,
			Before:     map[string]any{"status": string(StatusApproved)},
			After: map[string]any{
				"status":            string(StatusPaid),
				"payment_method":    input.Method,
				"payment_reference": input.Reference,
			},
			IP: actor.IP,
		})
	})
}

// CorrectField applies an admin correction to one extracted scalar and feeds
// the correction back for model-quality analysis.
func (s *Service) CorrectField(ctx context.Context, id uuid.UUID, field, oldValue, newValue string, actor shared.Actor) error {
	if actor.Role != shared.RoleAdmin {
		return shared.ErrForbidden
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetForUpdate(ctx, id); err != nil {
			return err
		}
		if err := tx.UpdateScalarField(ctx, id, field, newValue); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			ActorID:    actor.UUID(),
			ActorEmail: actor.Email,
			Action:     "invoice.field_corrected",
			EntityType: "invoice",
			EntityID:   id,
			Before:     map[string]any{field: oldValue},
			After:      map[string]any{field: newValue},
			IP:         actor.IP,
		})
	})
	if err != nil {
		return err
	}
	if s.feedback != nil {
		if err := s.feedback.RecordCorrection(ctx, id, field, oldValue, newValue, actor); err != nil {
			s.logger.Warn("record field correction feedback", slog.Any("error", err))
		}
	}
	return nil
}
