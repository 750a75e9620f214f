// Package exception records issues on an invoice that need a human.
// Detectors upsert one open record per (invoice, code); analysts work
// the queue through the service.
package exception

import (
	"time"

	"github.com/google/uuid"
)

// Code enumerates the typed exception causes.
type Code string

const (
	CodePriceVariance     Code = "PRICE_VARIANCE"
	CodeQtyVariance       Code = "QTY_VARIANCE"
	CodeQtyOverReceipt    Code = "QTY_OVER_RECEIPT"
	CodeGRNNotFound       Code = "GRN_NOT_FOUND"
	CodeMissingPO         Code = "MISSING_PO"
	CodeVendorMismatch    Code = "VENDOR_MISMATCH"
	CodeDuplicateInvoice  Code = "DUPLICATE_INVOICE"
	CodeFraudFlag         Code = "FRAUD_FLAG"
	CodeLowConfidence     Code = "EXTRACTION_LOW_CONFIDENCE"
	CodeDiscrepancy       Code = "EXTRACTION_DISCREPANCY"
	CodeComplianceMissing Code = "COMPLIANCE_MISSING"
	CodeOverThreshold     Code = "AMOUNT_OVER_THRESHOLD"
	CodeVendorDispute     Code = "VENDOR_DISPUTE"
	CodeOther             Code = "OTHER"
)

// Severity ranks how urgently a record needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor returns the default severity for a code.
func SeverityFor(code Code) Severity {
	switch code {
	case CodeFraudFlag:
		return SeverityCritical
	case CodeMissingPO, CodeDuplicateInvoice, CodeGRNNotFound, CodeQtyOverReceipt:
		return SeverityHigh
	case CodePriceVariance, CodeQtyVariance, CodeVendorDispute:
		return SeverityMedium
	default:
		return SeverityMedium
	}
}

// Status is the workflow state of a record.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusEscalated  Status = "escalated"
	StatusWaived     Status = "waived"
)

// Record is one open issue on an invoice. At most one open record per
// (invoice, code) pair exists; detectors upsert.
type Record struct {
	ID              uuid.UUID
	InvoiceID       uuid.UUID
	Code            Code
	Description     string
	Severity        Severity
	Status          Status
	AssigneeID      *uuid.UUID
	ResolverID      *uuid.UUID
	ResolvedAt      *time.Time
	ResolutionNotes string
	AIRootCause     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Comment is an append-only note on a record.
type Comment struct {
	ID          uuid.UUID
	ExceptionID uuid.UUID
	AuthorID    *uuid.UUID
	AuthorEmail string
	Body        string
	CreatedAt   time.Time
}

// RoutingRule assigns new records of a given code (or, when Code is
// empty, severity) to a default assignee.
type RoutingRule struct {
	ID         uuid.UUID
	Code       Code
	Severity   Severity
	AssigneeID uuid.UUID
	Active     bool
}
