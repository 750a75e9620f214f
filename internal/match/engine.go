package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/exception"
	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/procurement"
	"github.com/apflow/apflow/internal/rules"
	"github.com/apflow/apflow/internal/shared"
)

// RuleSource supplies the active matching tolerances.
type RuleSource interface {
	ActiveTolerance(ctx context.Context) (rules.Tolerance, *uuid.UUID, error)
}

// TaskCreator opens an approval workflow for an invoice that matched
// but exceeds the auto-approve threshold. Invoked after the match
// transaction commits.
type TaskCreator interface {
	CreateForInvoice(ctx context.Context, invoiceID uuid.UUID) error
}

// Engine runs the deterministic invoice match.
type Engine struct {
	invoices    invoice.Repository
	procurement procurement.Repository
	rules       RuleSource
	repo        Repository
	tasks       TaskCreator
	logger      *slog.Logger
}

// NewEngine wires the engine.
func NewEngine(invoices invoice.Repository, proc procurement.Repository, ruleSource RuleSource,
	repo Repository, tasks TaskCreator, logger *slog.Logger) *Engine {
	return &Engine{
		invoices:    invoices,
		procurement: proc,
		rules:       ruleSource,
		repo:        repo,
		tasks:       tasks,
		logger:      logger,
	}
}

// Run matches one invoice and commits the outcome atomically: the
// replaced MatchResult, its line matches, upserted exceptions, the
// invoice status advance, and audit entries.
func (e *Engine) Run(ctx context.Context, invoiceID uuid.UUID, strategy Strategy) (Result, error) {
	inv, err := e.invoices.Get(ctx, invoiceID)
	if err != nil {
		return Result{}, err
	}
	invLines, err := e.invoices.ListLines(ctx, invoiceID)
	if err != nil {
		return Result{}, err
	}
	tol, ruleVersionID, err := e.rules.ActiveTolerance(ctx)
	if err != nil {
		return Result{}, err
	}

	po, err := e.resolvePO(ctx, inv)
	if err != nil {
		return Result{}, err
	}

	var eval Evaluation
	var poID *uuid.UUID
	poNumber := ""
	if po == nil {
		eval = Evaluation{Type: TypeNonPO, Status: StatusException}
		eval.addFinding(exception.CodeMissingPO, exception.SeverityHigh,
			"no purchase order could be resolved for invoice %s", inv.InvoiceNumber)
	} else {
		poNumber = po.Number
		id := po.ID
		poID = &id
		poLines, err := e.procurement.ListPOLines(ctx, po.ID)
		if err != nil {
			return Result{}, err
		}
		threeWay, grLines, err := e.resolveReceipts(ctx, po.ID, strategy)
		if err != nil {
			return Result{}, err
		}
		eval = evaluate(inv, invLines, *po, poLines, grLines, threeWay, tol)
	}

	finalStatus, needTask := decide(eval.Status, inv.TotalAmount, tol)

	result := Result{
		ID:             uuid.New(),
		InvoiceID:      inv.ID,
		POID:           poID,
		Type:           eval.Type,
		Status:         eval.Status,
		RuleVersionID:  ruleVersionID,
		VarianceAmount: eval.VarianceAmount,
		VariancePct:    eval.VariancePct,
		MatchedAt:      time.Now(),
		Notes:          runNotes(eval, poNumber),
	}

	if err := e.persist(ctx, inv, result, eval, finalStatus); err != nil {
		return Result{}, err
	}

	if needTask {
		if err := e.tasks.CreateForInvoice(ctx, inv.ID); err != nil {
			// The match outcome is committed; a missing task is
			// recoverable by the SLA sweep or a manual re-route.
			e.logger.Error("approval task creation failed", "invoice_id", inv.ID, "error", err)
		}
	}
	return result, nil
}

// resolvePO tries the direct reference, then a PO-number token in the
// notes, then one in the invoice number.
func (e *Engine) resolvePO(ctx context.Context, inv invoice.Invoice) (*procurement.PurchaseOrder, error) {
	if inv.POID != nil {
		po, err := e.procurement.GetPO(ctx, *inv.POID)
		if err == nil {
			return &po, nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
	}
	for _, text := range []string{inv.Notes, inv.InvoiceNumber} {
		ref := ExtractPORef(text)
		if ref == "" {
			continue
		}
		po, err := e.procurement.FindPOByNumber(ctx, ref)
		if err == nil {
			return &po, nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (e *Engine) resolveReceipts(ctx context.Context, poID uuid.UUID, strategy Strategy) (bool, []procurement.GRLine, error) {
	if strategy == Strategy2Way {
		return false, nil, nil
	}
	receipts, err := e.procurement.ListReceipts(ctx, poID)
	if err != nil {
		return false, nil, err
	}
	if strategy == StrategyAuto && len(receipts) == 0 {
		return false, nil, nil
	}
	var grLines []procurement.GRLine
	for _, r := range receipts {
		lines, err := e.procurement.ListReceiptLines(ctx, r.ID)
		if err != nil {
			return false, nil, err
		}
		grLines = append(grLines, lines...)
	}
	return true, grLines, nil
}

// decide maps the match outcome onto the invoice's next status.
func decide(status ResultStatus, total *float64, tol rules.Tolerance) (invoice.Status, bool) {
	amount := 0.0
	if total != nil {
		amount = *total
	}
	autoEligible := status == StatusMatched || (!tol.AutoApproveRequiresMatch && status == StatusPartial)
	switch {
	case autoEligible && amount <= tol.AutoApproveThreshold:
		return invoice.StatusApproved, false
	case status == StatusMatched || status == StatusPartial:
		return invoice.StatusMatched, true
	default:
		return invoice.StatusException, false
	}
}

func runNotes(eval Evaluation, poNumber string) string {
	if eval.Type == TypeNonPO {
		return "no purchase order resolved"
	}
	return fmt.Sprintf("%s match against PO %s: %s", eval.Type, poNumber, eval.Status)
}

func (e *Engine) persist(ctx context.Context, inv invoice.Invoice, result Result, eval Evaluation, finalStatus invoice.Status) error {
	return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockInvoiceStatus(ctx, inv.ID)
		if err != nil {
			return err
		}
		path, err := statusPath(current, finalStatus)
		if err != nil {
			return err
		}

		if err := tx.DeleteResult(ctx, inv.ID); err != nil {
			return err
		}
		if err := tx.InsertResult(ctx, result); err != nil {
			return err
		}
		lines := make([]LineMatch, len(eval.Lines))
		for i, lm := range eval.Lines {
			lm.ID = uuid.New()
			lm.ResultID = result.ID
			lines[i] = lm
		}
		if err := tx.InsertLineMatches(ctx, lines); err != nil {
			return err
		}
		for _, f := range eval.Findings {
			if err := tx.UpsertException(ctx, exception.Record{
				InvoiceID:   inv.ID,
				Code:        f.Code,
				Severity:    f.Severity,
				Description: f.Description,
			}); err != nil {
				return err
			}
		}

		prev := current
		for _, next := range path {
			if err := tx.UpdateInvoiceStatus(ctx, inv.ID, next); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, shared.AuditEntry{
				Action:     "invoice.status_changed",
				EntityType: "invoice",
				EntityID:   inv.ID,
				Before:     map[string]any{"status": string(prev)},
				After:      map[string]any{"status": string(next)},
			}); err != nil {
				return err
			}
			prev = next
		}

		return tx.AppendAudit(ctx, shared.AuditEntry{
			Action:        "invoice.matched",
			EntityType:    "match_result",
			EntityID:      result.ID,
			RuleVersionID: result.RuleVersionID,
			After: map[string]any{
				"invoice_id":   inv.ID.String(),
				"match_type":   string(result.Type),
				"match_status": string(result.Status),
				"exceptions":   len(eval.Findings),
			},
			Notes: result.Notes,
		})
	})
}

// statusPath lists the transitions from the current status to the
// target, inserting the legal intermediate hops the state machine
// requires. An empty path means the invoice is already there.
func statusPath(current, final invoice.Status) ([]invoice.Status, error) {
	if current == final {
		return nil, nil
	}
	var path []invoice.Status
	cur := current
	if cur == invoice.StatusExtracted {
		path = append(path, invoice.StatusMatching)
		cur = invoice.StatusMatching
	}
	if cur == final {
		return path, nil
	}
	if invoice.CanTransition(cur, final) {
		return append(path, final), nil
	}
	if invoice.CanTransition(cur, invoice.StatusMatched) && invoice.CanTransition(invoice.StatusMatched, final) {
		return append(path, invoice.StatusMatched, final), nil
	}
	return nil, fmt.Errorf("%w: %s to %s", shared.ErrInvalidTransition, current, final)
}
