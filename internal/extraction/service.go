package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pass1System = "You are an accounts-payable data entry specialist. Extract invoice fields from the provided text. Respond with a single JSON object."
	pass2System = "You are an independent invoice auditor performing a second, blind read. Re-extract every field from scratch without assuming anything about prior reads. Respond with a single JSON object."
)

const extractionPrompt = `Extract the following from the invoice text below. Use null for anything absent.

{
  "invoice_number": string,
  "vendor_name": string,
  "vendor_address": string,
  "invoice_date": "YYYY-MM-DD",
  "due_date": "YYYY-MM-DD",
  "currency": "ISO 4217 code",
  "subtotal": number,
  "tax_amount": number,
  "total_amount": number,
  "payment_terms": string,
  "po_number": string,
  "remit_to": string,
  "notes": string,
  "line_items": [{"line_number": int, "description": string, "quantity": number, "unit_price": number, "unit": string, "line_total": number}]
}

Invoice text:
%s`

// CallLogger records every LLM invocation.
type CallLogger interface {
	LogCall(ctx context.Context, log AICallLog) error
}

// PGCallLogger writes AICallLog rows to Postgres outside any business
// transaction; a failed call must still leave its log row.
type PGCallLogger struct {
	pool *pgxpool.Pool
}

// NewPGCallLogger constructs the logger.
func NewPGCallLogger(pool *pgxpool.Pool) *PGCallLogger {
	return &PGCallLogger{pool: pool}
}

func (l *PGCallLogger) LogCall(ctx context.Context, log AICallLog) error {
	id := log.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO ai_call_logs
		(id, invoice_id, purpose, model, prompt_tokens, completion_tokens, latency_ms, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		id, log.InvoiceID, log.Purpose, log.Model, log.PromptTokens, log.CompletionTokens,
		log.LatencyMS, log.Success, log.ErrorMessage)
	return err
}

// Service runs the dual-pass extraction.
type Service struct {
	llm    LLM
	calls  CallLogger
	logger *slog.Logger
}

// NewService wires the extraction service.
func NewService(llm LLM, calls CallLogger, logger *slog.Logger) *Service {
	return &Service{llm: llm, calls: calls, logger: logger}
}

// Output is the result of a full dual-pass run.
type Output struct {
	Pass1         PassResult
	Pass2         PassResult
	Discrepancies []string
	Merged        Fields
}

// Failed reports whether both passes produced nothing.
func (o Output) Failed() bool {
	return o.Pass1.Fields.Empty() && o.Pass2.Fields.Empty()
}

// RunPass invokes the LLM once with the pass-specific system prompt.
// The call is logged whether it succeeds or not.
func (s *Service) RunPass(ctx context.Context, invoiceID uuid.UUID, rawText string, passNumber int) PassResult {
	system := pass1System
	if passNumber == 2 {
		system = pass2System
	}
	start := time.Now()
	completion, err := s.llm.Complete(ctx, system, fmt.Sprintf(extractionPrompt, rawText))
	latency := time.Since(start).Milliseconds()

	result := PassResult{
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		LatencyMS:        latency,
		Err:              err,
	}
	callLog := AICallLog{
		InvoiceID:    &invoiceID,
		Purpose:      fmt.Sprintf("extraction_pass_%d", passNumber),
		Model:        s.llm.Model(),
		PromptTokens: completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		LatencyMS:    latency,
		Success:      err == nil,
	}
	if err != nil {
		callLog.ErrorMessage = err.Error()
		s.logger.Warn("extraction pass failed", "invoice_id", invoiceID, "pass", passNumber, "error", err)
	} else {
		fields, ok := ParsePayload(completion.Content)
		if !ok {
			s.logger.Warn("extraction payload not parseable", "invoice_id", invoiceID, "pass", passNumber)
		}
		result.Fields = fields
		result.RawPayload = normalizePayload(completion.Content, fields, ok)
	}
	if logErr := s.calls.LogCall(ctx, callLog); logErr != nil {
		s.logger.Error("ai call log write failed", "invoice_id", invoiceID, "error", logErr)
	}
	return result
}

// normalizePayload stores the decoded form when parseable so readers
// of extraction_results get JSON, keeping the raw text otherwise.
func normalizePayload(content string, fields Fields, ok bool) json.RawMessage {
	if ok {
		if data, err := json.Marshal(fields); err == nil {
			return data
		}
	}
	data, _ := json.Marshal(map[string]string{"unparsed": content})
	return data
}

// ModelName reports which model the service extracts with.
func (s *Service) ModelName() string {
	return s.llm.Model()
}

// Extract runs both passes over the same text, compares, and merges.
func (s *Service) Extract(ctx context.Context, invoiceID uuid.UUID, rawText string) Output {
	p1 := s.RunPass(ctx, invoiceID, rawText, 1)
	p2 := s.RunPass(ctx, invoiceID, rawText, 2)
	discrepancies := ComparePasses(p1.Fields, p2.Fields)
	return Output{
		Pass1:         p1,
		Pass2:         p2,
		Discrepancies: discrepancies,
		Merged:        MergePasses(p1.Fields, p2.Fields),
	}
}
