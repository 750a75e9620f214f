package exception

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/shared"
)

// ErrClosed is returned when a workflow action targets a record that is
// already resolved or waived.
var ErrClosed = errors.New("exception: record already closed")

// ChangeRecorder captures human status corrections for model tuning.
type ChangeRecorder interface {
	RecordExceptionChange(ctx context.Context, exceptionID uuid.UUID, invoiceID *uuid.UUID, oldStatus, newStatus string, actor shared.Actor) error
}

// Service owns the human resolution workflow over exception records.
type Service struct {
	repo     Repository
	feedback ChangeRecorder
	logger   *slog.Logger
}

// NewService wires the exception service.
func NewService(repo Repository, feedback ChangeRecorder, logger *slog.Logger) *Service {
	return &Service{repo: repo, feedback: feedback, logger: logger}
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	return s.repo.Get(ctx, id)
}

// ListForInvoice returns all records on an invoice, oldest first.
func (s *Service) ListForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Record, error) {
	return s.repo.ListForInvoice(ctx, invoiceID)
}

// Assign puts a record in progress under the given assignee.
func (s *Service) Assign(ctx context.Context, id uuid.UUID, assigneeID uuid.UUID, actor shared.Actor) error {
	return s.transition(ctx, id, actor, "exception.assigned", func(rec *Record) error {
		if rec.Status != StatusOpen && rec.Status != StatusEscalated && rec.Status != StatusInProgress {
			return ErrClosed
		}
		rec.Status = StatusInProgress
		rec.AssigneeID = &assigneeID
		return nil
	})
}

// Resolve closes a record with resolution notes.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, notes string, actor shared.Actor) error {
	if strings.TrimSpace(notes) == "" {
		return errors.New("exception: resolution notes required")
	}
	return s.transition(ctx, id, actor, "exception.resolved", func(rec *Record) error {
		if rec.Status == StatusResolved || rec.Status == StatusWaived {
			return ErrClosed
		}
		now := time.Now()
		rec.Status = StatusResolved
		rec.ResolverID = actor.UUID()
		rec.ResolvedAt = &now
		rec.ResolutionNotes = notes
		return nil
	})
}

// Waive closes a record without resolving the underlying issue. Only
// admins may waive.
func (s *Service) Waive(ctx context.Context, id uuid.UUID, notes string, actor shared.Actor) error {
	if actor.Role != shared.RoleAdmin {
		return shared.ErrForbidden
	}
	return s.transition(ctx, id, actor, "exception.waived", func(rec *Record) error {
		if rec.Status == StatusResolved || rec.Status == StatusWaived {
			return ErrClosed
		}
		now := time.Now()
		rec.Status = StatusWaived
		rec.ResolverID = actor.UUID()
		rec.ResolvedAt = &now
		rec.ResolutionNotes = notes
		return nil
	})
}

// Escalate flags a record for senior attention.
func (s *Service) Escalate(ctx context.Context, id uuid.UUID, actor shared.Actor) error {
	return s.transition(ctx, id, actor, "exception.escalated", func(rec *Record) error {
		if rec.Status == StatusResolved || rec.Status == StatusWaived {
			return ErrClosed
		}
		rec.Status = StatusEscalated
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, actor shared.Actor, action string, mutate func(*Record) error) error {
	var before string
	var after Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		before = string(rec.Status)
		if err := mutate(&rec); err != nil {
			return err
		}
		if err := tx.Update(ctx, rec); err != nil {
			return fmt.Errorf("exception: update record: %w", err)
		}
		after = rec
		return tx.AppendAudit(ctx, shared.AuditEntry{
			ActorID:    actor.UUID(),
			ActorEmail: actor.Email,
			Action:     action,
			EntityType: "exception_record",
			EntityID:   rec.ID,
			Before:     map[string]any{"status": before},
			After:      map[string]any{"status": string(rec.Status), "code": string(rec.Code)},
			IP:         actor.IP,
		})
	})
	if err != nil {
		return err
	}
	if s.feedback != nil && before != string(after.Status) {
		invoiceID := after.InvoiceID
		if err := s.feedback.RecordExceptionChange(ctx, after.ID, &invoiceID, before, string(after.Status), actor); err != nil {
			s.logger.Warn("record exception status feedback", "exception_id", after.ID, "error", err)
		}
	}
	return nil
}

// AddComment appends a comment to a record. Comments are never edited
// or deleted.
func (s *Service) AddComment(ctx context.Context, exceptionID uuid.UUID, body string, actor shared.Actor) (Comment, error) {
	if strings.TrimSpace(body) == "" {
		return Comment{}, errors.New("exception: comment body required")
	}
	comment := Comment{
		ID:          uuid.New(),
		ExceptionID: exceptionID,
		AuthorID:    actor.UUID(),
		AuthorEmail: actor.Email,
		Body:        body,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetForUpdate(ctx, exceptionID); err != nil {
			return err
		}
		return tx.InsertComment(ctx, comment)
	})
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// RouteAssignee resolves the default assignee for a new record from the
// routing table. Returns nil when no rule matches.
func (s *Service) RouteAssignee(ctx context.Context, code Code, severity Severity) *uuid.UUID {
	rule, err := s.repo.FindRouting(ctx, code, severity)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Warn("exception routing lookup failed", "code", code, "error", err)
		}
		return nil
	}
	id := rule.AssigneeID
	return &id
}
