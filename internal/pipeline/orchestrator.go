package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/duplicate"
	"github.com/apflow/apflow/internal/exception"
	"github.com/apflow/apflow/internal/extraction"
	"github.com/apflow/apflow/internal/fraud"
	"github.com/apflow/apflow/internal/fx"
	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/match"
	"github.com/apflow/apflow/internal/platform/blob"
	"github.com/apflow/apflow/internal/shared"
)

// Extractor runs the dual-pass LLM extraction.
type Extractor interface {
	Extract(ctx context.Context, invoiceID uuid.UUID, rawText string) extraction.Output
	ModelName() string
}

// DuplicateChecker finds candidate duplicate invoices.
type DuplicateChecker interface {
	Check(ctx context.Context, inv invoice.Invoice) ([]duplicate.Hit, error)
}

// FraudScorer evaluates deterministic fraud signals.
type FraudScorer interface {
	Evaluate(ctx context.Context, inv invoice.Invoice) (fraud.Score, error)
}

// Matcher runs the matching engine.
type Matcher interface {
	Run(ctx context.Context, invoiceID uuid.UUID, strategy match.Strategy) (match.Result, error)
}

// Config carries pipeline settings.
type Config struct {
	Bucket                string
	OCRMinConfidence      float64
	DualPassMaxMismatches int
	FraudThresholds       fraud.Thresholds
}

// DefaultConfig returns the shipped pipeline settings.
func DefaultConfig() Config {
	return Config{
		OCRMinConfidence:      0.75,
		DualPassMaxMismatches: 1,
		FraudThresholds:       fraud.DefaultThresholds(),
	}
}

// Orchestrator drives one invoice through OCR, dual-pass extraction,
// normalization, duplicate and fraud checks, and into matching. The
// run is idempotent: each stage advances status only from its expected
// predecessor, so a retried job resumes where the last attempt ended.
type Orchestrator struct {
	invoices   invoice.Repository
	repo       Repository
	store      blob.Store
	ocr        extraction.OCR
	extractor  Extractor
	converter  fx.Converter
	duplicates DuplicateChecker
	fraud      FraudScorer
	matcher    Matcher
	cfg        Config
	logger     *slog.Logger
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(invoices invoice.Repository, repo Repository, store blob.Store, ocr extraction.OCR,
	extractor Extractor, converter fx.Converter, duplicates DuplicateChecker, scorer FraudScorer,
	matcher Matcher, cfg Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.OCRMinConfidence <= 0 {
		cfg.OCRMinConfidence = def.OCRMinConfidence
	}
	if cfg.DualPassMaxMismatches <= 0 {
		cfg.DualPassMaxMismatches = def.DualPassMaxMismatches
	}
	if cfg.FraudThresholds == (fraud.Thresholds{}) {
		cfg.FraudThresholds = def.FraudThresholds
	}
	return &Orchestrator{
		invoices:   invoices,
		repo:       repo,
		store:      store,
		ocr:        ocr,
		extractor:  extractor,
		converter:  converter,
		duplicates: duplicates,
		fraud:      scorer,
		matcher:    matcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Process runs the pipeline for one invoice. Returned errors are
// transient (blob or database failures) and safe to retry; every other
// failure is absorbed into the invoice's state.
func (o *Orchestrator) Process(ctx context.Context, invoiceID uuid.UUID) error {
	inv, err := o.invoices.Get(ctx, invoiceID)
	if err != nil {
		return err
	}

	switch inv.Status {
	case invoice.StatusIngested, invoice.StatusExtracting:
		if err := o.runExtraction(ctx, inv); err != nil {
			return err
		}
	case invoice.StatusExtracted:
		// A prior attempt got through extraction; resume downstream.
	default:
		o.logger.Info("pipeline skipped", "invoice_id", invoiceID, "status", inv.Status)
		return nil
	}

	// Reload: extraction rewrote the scalar fields.
	inv, err = o.invoices.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	o.normalizeAmount(ctx, &inv)
	o.detectDuplicates(ctx, inv)
	o.scoreFraud(ctx, inv)

	if inv.Status == invoice.StatusExtracted {
		o.runMatch(ctx, inv.ID)
	}
	return nil
}

func (o *Orchestrator) runExtraction(ctx context.Context, inv invoice.Invoice) error {
	if inv.Status == invoice.StatusIngested {
		err := o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			status, err := tx.LockInvoiceStatus(ctx, inv.ID)
			if err != nil {
				return err
			}
			if status != invoice.StatusIngested {
				return nil
			}
			if err := tx.UpdateStatus(ctx, inv.ID, invoice.StatusExtracting); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, statusAudit(inv.ID, status, invoice.StatusExtracting, "pipeline started"))
		})
		if err != nil {
			return err
		}
	}

	data, err := o.store.Download(ctx, o.cfg.Bucket, inv.StoragePath)
	if err != nil {
		return fmt.Errorf("download invoice file: %w", err)
	}

	rawText := ""
	ocrConfidence := 0.0
	if ocrRes, err := o.ocr.Recognize(ctx, data, inv.MimeType); err != nil {
		// Extraction still runs over the empty text and will fail the
		// invoice into exception if nothing can be recovered.
		o.logger.Warn("ocr failed", "invoice_id", inv.ID, "error", err)
	} else {
		rawText = ocrRes.Text
		ocrConfidence = ocrRes.Confidence
	}

	out := o.extractor.Extract(ctx, inv.ID, rawText)
	fields, lines := mapMerged(inv.ID, out.Merged)
	fields.OCRConfidence = ocrConfidence
	fields.ExtractionModel = o.extractor.ModelName()

	finalStatus := invoice.StatusExtracted
	if out.Failed() && rawText == "" {
		finalStatus = invoice.StatusException
	}

	return o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		status, err := tx.LockInvoiceStatus(ctx, inv.ID)
		if err != nil {
			return err
		}
		if status != invoice.StatusExtracting {
			return nil
		}
		for i, pass := range []extraction.PassResult{out.Pass1, out.Pass2} {
			passNumber := i + 1
			res := invoice.ExtractionResult{
				InvoiceID:  inv.ID,
				PassNumber: passNumber,
				ModelUsed:  fields.ExtractionModel,
				RawPayload: string(pass.RawPayload),
				TokensUsed: pass.PromptTokens + pass.CompletionTokens,
				LatencyMS:  int(pass.LatencyMS),
			}
			if passNumber == 1 {
				res.DiscrepancyFields = out.Discrepancies
			}
			if err := tx.InsertExtractionResult(ctx, res); err != nil {
				return err
			}
		}
		if err := tx.UpdateExtractedFields(ctx, inv.ID, fields); err != nil {
			return err
		}
		if err := tx.ReplaceLineItems(ctx, inv.ID, lines); err != nil {
			return err
		}

		if finalStatus == invoice.StatusException {
			if err := tx.UpsertException(ctx, exception.Record{
				InvoiceID:   inv.ID,
				Code:        exception.CodeLowConfidence,
				Description: "extraction produced no usable text from the document",
				Severity:    exception.SeverityHigh,
			}); err != nil {
				return err
			}
		} else {
			if ocrConfidence < o.cfg.OCRMinConfidence {
				if err := tx.UpsertException(ctx, exception.Record{
					InvoiceID:   inv.ID,
					Code:        exception.CodeLowConfidence,
					Description: fmt.Sprintf("OCR confidence %.2f below minimum %.2f", ocrConfidence, o.cfg.OCRMinConfidence),
				}); err != nil {
					return err
				}
			}
			if len(out.Discrepancies) > o.cfg.DualPassMaxMismatches {
				if err := tx.UpsertException(ctx, exception.Record{
					InvoiceID:   inv.ID,
					Code:        exception.CodeDiscrepancy,
					Description: fmt.Sprintf("dual-pass extraction disagreed on: %v", out.Discrepancies),
				}); err != nil {
					return err
				}
			}
		}

		if err := tx.UpdateStatus(ctx, inv.ID, finalStatus); err != nil {
			return err
		}
		audit := statusAudit(inv.ID, invoice.StatusExtracting, finalStatus, "dual-pass extraction complete")
		if len(out.Discrepancies) > 0 {
			audit.After["discrepancies"] = out.Discrepancies
		}
		return tx.AppendAudit(ctx, audit)
	})
}

// normalizeAmount converts the invoice total into the reference
// currency so cross-currency duplicate detection can compare amounts.
func (o *Orchestrator) normalizeAmount(ctx context.Context, inv *invoice.Invoice) {
	if inv.TotalAmount == nil || inv.Currency == "" {
		return
	}
	normalized, err := o.converter.Convert(*inv.TotalAmount, inv.Currency)
	if err != nil {
		o.logger.Warn("fx normalization failed", "invoice_id", inv.ID, "currency", inv.Currency, "error", err)
		return
	}
	err = o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetNormalizedAmount(ctx, inv.ID, normalized)
	})
	if err != nil {
		o.logger.Warn("fx persistence failed", "invoice_id", inv.ID, "error", err)
		return
	}
	inv.NormalizedAmountUSD = &normalized
}

func (o *Orchestrator) detectDuplicates(ctx context.Context, inv invoice.Invoice) {
	hits, err := o.duplicates.Check(ctx, inv)
	if err != nil {
		o.logger.Warn("duplicate detection failed", "invoice_id", inv.ID, "error", err)
		return
	}
	if len(hits) == 0 {
		return
	}
	err = o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.MarkDuplicate(ctx, inv.ID); err != nil {
			return err
		}
		for _, hit := range hits {
			if err := tx.UpsertException(ctx, exception.Record{
				InvoiceID:   inv.ID,
				Code:        exception.CodeDuplicateInvoice,
				Description: hit.Description,
				Severity:    hit.Severity,
			}); err != nil {
				return err
			}
		}
		matched := make([]string, 0, len(hits))
		for _, hit := range hits {
			matched = append(matched, hit.MatchedInvoiceID.String())
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			Action:     "invoice.duplicate_flagged",
			EntityType: "invoice",
			EntityID:   inv.ID,
			After:      map[string]any{"is_duplicate": true, "matched_invoices": matched},
		})
	})
	if err != nil {
		o.logger.Warn("duplicate persistence failed", "invoice_id", inv.ID, "error", err)
	}
}

func (o *Orchestrator) scoreFraud(ctx context.Context, inv invoice.Invoice) {
	score, err := o.fraud.Evaluate(ctx, inv)
	if err != nil {
		o.logger.Warn("fraud scoring failed", "invoice_id", inv.ID, "error", err)
		return
	}
	err = o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetFraudScore(ctx, inv.ID, score.Total, score.Signals); err != nil {
			return err
		}
		if score.Flagged(o.cfg.FraudThresholds) {
			if err := tx.UpsertException(ctx, exception.Record{
				InvoiceID:   inv.ID,
				Code:        exception.CodeFraudFlag,
				Description: fmt.Sprintf("fraud score %d, signals: %v", score.Total, score.Signals),
			}); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			Action:     "invoice.fraud_scored",
			EntityType: "invoice",
			EntityID:   inv.ID,
			Before:     map[string]any{"fraud_score": inv.FraudScore},
			After:      map[string]any{"fraud_score": score.Total, "signals": score.Signals, "band": string(score.Band)},
		})
	})
	if err != nil {
		o.logger.Warn("fraud persistence failed", "invoice_id", inv.ID, "error", err)
	}
}

// runMatch hands the invoice to the matching engine. Engine failures
// leave the invoice in extracted for a later manual re-match instead
// of failing the pipeline job.
func (o *Orchestrator) runMatch(ctx context.Context, invoiceID uuid.UUID) {
	err := o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		status, err := tx.LockInvoiceStatus(ctx, invoiceID)
		if err != nil {
			return err
		}
		if status != invoice.StatusExtracted {
			return errSkipMatch
		}
		if err := tx.UpdateStatus(ctx, invoiceID, invoice.StatusMatching); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, statusAudit(invoiceID, invoice.StatusExtracted, invoice.StatusMatching, "match started"))
	})
	if err != nil {
		if err != errSkipMatch {
			o.logger.Warn("match transition failed", "invoice_id", invoiceID, "error", err)
		}
		return
	}

	if _, err := o.matcher.Run(ctx, invoiceID, match.StrategyAuto); err != nil {
		o.logger.Error("match engine failed", "invoice_id", invoiceID, "error", err)
		revert := o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			status, err := tx.LockInvoiceStatus(ctx, invoiceID)
			if err != nil {
				return err
			}
			if status != invoice.StatusMatching {
				return nil
			}
			if err := tx.UpdateStatus(ctx, invoiceID, invoice.StatusExtracted); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, statusAudit(invoiceID, invoice.StatusMatching, invoice.StatusExtracted, "match failed, reverted for re-match"))
		})
		if revert != nil {
			o.logger.Error("match revert failed", "invoice_id", invoiceID, "error", revert)
		}
	}
}

var errSkipMatch = fmt.Errorf("match stage skipped")

func statusAudit(invoiceID uuid.UUID, from, to invoice.Status, notes string) shared.AuditEntry {
	return shared.AuditEntry{
		Action:     "invoice.status_changed",
		EntityType: "invoice",
		EntityID:   invoiceID,
		Before:     map[string]any{"status": string(from)},
		After:      map[string]any{"status": string(to)},
		Notes:      notes,
	}
}

// mapMerged converts a merged extraction payload to persistable
// invoice fields and line items. Dates arrive in whatever layout the
// document used, so several layouts are attempted.
func mapMerged(invoiceID uuid.UUID, merged extraction.Fields) (invoice.ExtractedFields, []invoice.LineItem) {
	fields := invoice.ExtractedFields{
		InvoiceNumber:    merged.InvoiceNumber,
		VendorNameRaw:    merged.VendorName,
		VendorAddressRaw: merged.VendorAddress,
		Currency:         merged.Currency,
		Subtotal:         merged.Subtotal,
		TaxAmount:        merged.TaxAmount,
		TotalAmount:      merged.TotalAmount,
		PaymentTerms:     merged.PaymentTerms,
		InvoiceDate:      parseLooseDate(merged.InvoiceDate),
		DueDate:          parseLooseDate(merged.DueDate),
	}

	lines := make([]invoice.LineItem, 0, len(merged.LineItems))
	for i, li := range merged.LineItems {
		lineNumber := li.LineNumber
		if lineNumber == 0 {
			lineNumber = i + 1
		}
		total := li.LineTotal
		lines = append(lines, invoice.LineItem{
			InvoiceID:   invoiceID,
			LineNumber:  lineNumber,
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			Unit:        li.Unit,
			LineTotal:   &total,
		})
	}
	return fields, lines
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", "02/01/2006", "January 2, 2006"}

func parseLooseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts
		}
	}
	return nil
}
