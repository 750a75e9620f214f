package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/shared"
)

var (
	// ErrInvalidAction is returned for an action outside approve/reject.
	ErrInvalidAction = errors.New("invalid approval action")
	// ErrAlreadyDecided is returned when the task is past acting state.
	ErrAlreadyDecided = errors.New("approval task already decided")
	// ErrTokenInvalid is returned when no stored token matches.
	ErrTokenInvalid = errors.New("approval token invalid")
	// ErrTokenUsed is returned on token reuse.
	ErrTokenUsed = errors.New("approval token already used")
	// ErrTokenExpired is returned past the token expiry instant.
	ErrTokenExpired = errors.New("approval token expired")
	// ErrNotAssigned is returned when a web actor is neither the
	// assigned approver nor an admin.
	ErrNotAssigned = errors.New("actor is not assigned to this task")
	// ErrNoApprover is returned when no active approver user exists.
	ErrNoApprover = errors.New("no active approver available")
)

// Emailer delivers approval request notifications. Delivery failures
// never fail the surrounding operation.
type Emailer interface {
	SendApprovalRequest(ctx context.Context, task Task, inv invoice.Invoice, approveURL, rejectURL string) error
}

// Config carries approval workflow settings. TokenTTL bounds the
// one-click email tokens; DefaultDueHours is the task SLA used when a
// matrix rule does not set its own.
type Config struct {
	BaseURL            string
	TokenTTL           time.Duration
	DefaultDueHours    int
	CriticalFraudScore int
}

// DefaultConfig returns the shipped approval settings.
func DefaultConfig() Config {
	return Config{TokenTTL: 48 * time.Hour, DefaultDueHours: 72, CriticalFraudScore: 60}
}

// Service owns approval task creation and decision processing.
type Service struct {
	repo     Repository
	invoices invoice.Repository
	tokens   Tokens
	emailer  Emailer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the approval service.
func NewService(repo Repository, invoices invoice.Repository, tokens Tokens, emailer Emailer, cfg Config, logger *slog.Logger) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultConfig().TokenTTL
	}
	if cfg.DefaultDueHours <= 0 {
		cfg.DefaultDueHours = DefaultConfig().DefaultDueHours
	}
	if cfg.CriticalFraudScore <= 0 {
		cfg.CriticalFraudScore = DefaultConfig().CriticalFraudScore
	}
	return &Service{
		repo:     repo,
		invoices: invoices,
		tokens:   tokens,
		emailer:  emailer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateTask opens one approval step for an invoice. Delegation is
// resolved at creation time: when the assigned approver has an active
// delegation covering today, the delegate becomes the acting approver
// and the original assignment is kept on the task.
func (s *Service) CreateTask(ctx context.Context, invoiceID, approverID uuid.UUID, stepOrder, dueHours, requiredCount int) (Task, error) {
	now := s.now()
	actingApprover := approverID
	var delegatedTo *uuid.UUID
	deleg, err := s.repo.FindActiveDelegation(ctx, approverID, now)
	if err != nil {
		return Task{}, err
	}
	if deleg != nil && deleg.Covers(now) {
		actingApprover = deleg.DelegateID
		orig := approverID
		delegatedTo = &orig
	}

	if requiredCount < 1 {
		requiredCount = 1
	}
	if dueHours <= 0 {
		dueHours = s.cfg.DefaultDueHours
	}
	task := Task{
		ID:            uuid.New(),
		InvoiceID:     invoiceID,
		ApproverID:    actingApprover,
		StepOrder:     stepOrder,
		RequiredCount: requiredCount,
		Status:        TaskPending,
		DueAt:         now.Add(time.Duration(dueHours) * time.Hour),
		DelegatedTo:   delegatedTo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var approveRaw, rejectRaw string
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		for _, action := range []Action{ActionApprove, ActionReject} {
			raw, hash := s.tokens.Issue(task.ID, action)
			if action == ActionApprove {
				approveRaw = raw
			} else {
				rejectRaw = raw
			}
			if err := tx.InsertToken(ctx, Token{
				ID:        uuid.New(),
				TaskID:    task.ID,
				TokenHash: hash,
				Action:    action,
				ExpiresAt: now.Add(s.cfg.TokenTTL),
			}); err != nil {
				return err
			}
		}
		after := map[string]any{
			"approver_id":    task.ApproverID.String(),
			"step_order":     task.StepOrder,
			"required_count": task.RequiredCount,
			"due_at":         task.DueAt.UTC().Format(time.RFC3339),
		}
		if delegatedTo != nil {
			after["delegated_to"] = delegatedTo.String()
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			Action:     "approval.task_created",
			EntityType: "approval_task",
			EntityID:   task.ID,
			After:      after,
			Notes:      fmt.Sprintf("invoice %s step %d", invoiceID, stepOrder),
		})
	})
	if err != nil {
		return Task{}, err
	}

	s.notify(ctx, task, approveRaw, rejectRaw)
	return task, nil
}

// CreateForInvoice opens the approval chain for a matched invoice that
// exceeded the auto-approve threshold. The chain comes from the active
// approval matrix; a fraud score at or above the critical threshold
// raises the first step to dual authorization.
func (s *Service) CreateForInvoice(ctx context.Context, invoiceID uuid.UUID) error {
	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return err
	}

	requiredCount := 1
	if inv.FraudScore >= s.cfg.CriticalFraudScore {
		requiredCount = 2
		s.logger.Info("dual authorization required",
			"invoice_id", invoiceID, "fraud_score", inv.FraudScore)
	}

	matrix, err := s.repo.ListActiveMatrixRules(ctx)
	if err != nil {
		return err
	}
	total := 0.0
	if inv.TotalAmount != nil {
		total = *inv.TotalAmount
	}
	chain := BuildChain(matrix, total, inv.Department, inv.Category)
	if len(chain) == 0 {
		chain = []ChainStep{{StepOrder: 1, ApproverRole: shared.RoleApprover}}
	}

	for i, step := range chain {
		approverID, err := s.repo.FindActiveUserByRole(ctx, step.ApproverRole)
		if err != nil {
			return err
		}
		if approverID == nil {
			s.logger.Warn("no active user for approval step",
				"invoice_id", invoiceID, "role", step.ApproverRole, "step_order", step.StepOrder)
			if i == 0 {
				return ErrNoApprover
			}
			continue
		}
		count := 1
		if i == 0 {
			count = requiredCount
		}
		if _, err := s.CreateTask(ctx, invoiceID, *approverID, step.StepOrder, step.DueHours, count); err != nil {
			return err
		}
	}
	return nil
}

// DecisionInput carries one approval decision.
type DecisionInput struct {
	TaskID   uuid.UUID
	Action   Action
	Channel  Channel
	Actor    shared.Actor
	RawToken string
	Notes    string
}

// Decide processes one decision on a task. The task row is locked for
// the duration so concurrent decisions serialize; the loser of the race
// observes the new status and fails with ErrAlreadyDecided. Token
// consumption, task transition, invoice transition and audit commit
// atomically.
func (s *Service) Decide(ctx context.Context, input DecisionInput) (Task, error) {
	if !input.Action.Valid() {
		return Task{}, ErrInvalidAction
	}
	now := s.now()

	var decided Task
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		task, err := tx.GetTaskForUpdate(ctx, input.TaskID)
		if err != nil {
			return err
		}
		if task.Status != TaskPending && task.Status != TaskPartiallyApproved {
			return ErrAlreadyDecided
		}

		switch input.Channel {
		case ChannelEmail:
			if err := s.consumeToken(ctx, tx, task.ID, input, now); err != nil {
				return err
			}
		case ChannelWeb:
			actorID := input.Actor.UUID()
			if actorID == nil {
				return ErrNotAssigned
			}
			if *actorID != task.ApproverID && input.Actor.Role != shared.RoleAdmin {
				return ErrNotAssigned
			}
		default:
			return fmt.Errorf("unknown decision channel %q", input.Channel)
		}

		priorStatus := task.Status
		var nextTask TaskStatus
		var nextInvoice invoice.Status

		if input.Action == ActionReject {
			nextTask = TaskRejected
			nextInvoice = invoice.StatusRejected
		} else {
			approvedCount := 1
			if priorStatus == TaskPartiallyApproved {
				approvedCount = 2
			}
			if approvedCount < task.RequiredCount {
				nextTask = TaskPartiallyApproved
			} else {
				nextTask = TaskApproved
				nextInvoice = invoice.StatusApproved
			}
		}

		decidedAt := &now
		if nextTask == TaskPartiallyApproved {
			decidedAt = nil
		}
		if err := tx.UpdateDecision(ctx, task.ID, nextTask, input.Channel, input.Notes, decidedAt); err != nil {
			return err
		}
		if nextInvoice != "" {
			if err := tx.UpdateInvoiceStatus(ctx, task.InvoiceID, nextInvoice); err != nil {
				return err
			}
		}

		if err := tx.AppendAudit(ctx, shared.AuditEntry{
			ActorID:    input.Actor.UUID(),
			ActorEmail: input.Actor.Email,
			Action:     "approval.decided",
			EntityType: "approval_task",
			EntityID:   task.ID,
			Before:     map[string]any{"status": string(priorStatus)},
			After: map[string]any{
				"status":  string(nextTask),
				"action":  string(input.Action),
				"channel": string(input.Channel),
			},
			IP:    input.Actor.IP,
			Notes: input.Notes,
			At:    now,
		}); err != nil {
			return err
		}
		if nextInvoice != "" {
			if err := tx.AppendAudit(ctx, shared.AuditEntry{
				ActorID:    input.Actor.UUID(),
				ActorEmail: input.Actor.Email,
				Action:     "invoice.status_changed",
				EntityType: "invoice",
				EntityID:   task.InvoiceID,
				After:      map[string]any{"status": string(nextInvoice)},
				IP:         input.Actor.IP,
				At:         now,
			}); err != nil {
				return err
			}
		}

		task.Status = nextTask
		task.DecisionChannel = input.Channel
		task.Notes = input.Notes
		task.DecidedAt = decidedAt
		decided = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return decided, nil
}

// DecideByEmailToken resolves the task and action embedded in a raw
// email token and processes the decision over the email channel.
func (s *Service) DecideByEmailToken(ctx context.Context, rawToken string) (Task, error) {
	taskID, action, ok := ParseRawToken(rawToken)
	if !ok {
		return Task{}, ErrTokenInvalid
	}
	return s.Decide(ctx, DecisionInput{
		TaskID:   taskID,
		Action:   action,
		Channel:  ChannelEmail,
		RawToken: rawToken,
	})
}

// PendingForApprover lists open tasks assigned to the approver.
func (s *Service) PendingForApprover(ctx context.Context, approverID uuid.UUID) ([]Task, error) {
	return s.repo.ListPendingForApprover(ctx, approverID)
}

// ResolvedForApprover lists decided tasks for the approver.
func (s *Service) ResolvedForApprover(ctx context.Context, approverID uuid.UUID) ([]Task, error) {
	return s.repo.ListResolvedForApprover(ctx, approverID)
}

func (s *Service) consumeToken(ctx context.Context, tx TxRepository, taskID uuid.UUID, input DecisionInput, now time.Time) error {
	hash := s.tokens.Hash(input.RawToken)
	tok, err := tx.FindToken(ctx, taskID, hash, input.Action)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}
	if !s.tokens.Matches(input.RawToken, tok.TokenHash) {
		return ErrTokenInvalid
	}
	if tok.IsUsed {
		return ErrTokenUsed
	}
	if Expired(tok.ExpiresAt, now) {
		return ErrTokenExpired
	}
	return tx.MarkTokenUsed(ctx, tok.ID, now)
}

func (s *Service) notify(ctx context.Context, task Task, approveRaw, rejectRaw string) {
	if s.emailer == nil {
		return
	}
	inv, err := s.invoices.Get(ctx, task.InvoiceID)
	if err != nil {
		s.logger.Error("load invoice for approval email", "invoice_id", task.InvoiceID, "error", err)
		return
	}
	if err := s.emailer.SendApprovalRequest(ctx, task, inv,
		s.emailURL(approveRaw), s.emailURL(rejectRaw)); err != nil {
		s.logger.Error("send approval request", "task_id", task.ID, "error", err)
	}
}

func (s *Service) emailURL(rawToken string) string {
	return fmt.Sprintf("%s/api/v1/approvals/email?token=%s", s.cfg.BaseURL, url.QueryEscape(rawToken))
}
