package invoice

import (
	"time"

	"github.com/google/uuid"
)

// Status enumerates invoice pipeline states.
type Status string

const (
	StatusIngested   Status = "ingested"
	StatusExtracting Status = "extracting"
	StatusExtracted  Status = "extracted"
	StatusMatching   Status = "matching"
	StatusMatched    Status = "matched"
	StatusException  Status = "exception"
	StatusApproved   Status = "approved"
	StatusPaid       Status = "paid"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// Source enumerates how an invoice entered the system.
type Source string

const (
	SourceUpload Source = "upload"
	SourceEmail  Source = "email"
	SourceAPI    Source = "api"
)

// PendingStatuses are the non-terminal states counted by SLA sweeps.
var PendingStatuses = []Status{
	StatusIngested, StatusExtracting, StatusExtracted,
	StatusMatching, StatusMatched, StatusException,
}

// Invoice is the pipeline's primary entity.
type Invoice struct {
	ID     uuid.UUID
	Status Status

	// File metadata. StoragePath is immutable after ingestion.
	StoragePath  string
	OriginalName string
	FileSize     int64
	MimeType     string
	Source       Source
	SourceEmail  string

	// Extracted fields.
	InvoiceNumber    string
	VendorID         *uuid.UUID
	POID             *uuid.UUID
	Currency         string
	Subtotal         *float64
	TaxAmount        *float64
	TotalAmount      *float64
	InvoiceDate      *time.Time
	DueDate          *time.Time
	PaymentTerms     string
	VendorNameRaw    string
	VendorAddressRaw string
	RemitTo          string
	Notes            string
	Department       string
	Category         string

	NormalizedAmountUSD *float64
	OCRConfidence       *float64
	ExtractionModel     string

	FraudScore         int
	FraudSignals       []string
	IsDuplicate        bool
	RecurringPatternID *uuid.UUID

	PaymentStatus    string
	PaymentDate      *time.Time
	PaymentMethod    string
	PaymentReference string

	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LineItem is one line on an invoice.
type LineItem struct {
	ID                 uuid.UUID
	InvoiceID          uuid.UUID
	LineNumber         int
	Description        string
	Quantity           float64
	UnitPrice          float64
	Unit               string
	LineTotal          *float64
	Category           string
	GLAccount          string
	SuggestedGLAccount string
	CostCenter         string
	POLineID           *uuid.UUID
	CreatedAt          time.Time
}

// ExtractionResult records one LLM extraction pass over an invoice.
// Rows are immutable after write.
type ExtractionResult struct {
	ID                uuid.UUID
	InvoiceID         uuid.UUID
	PassNumber        int
	ModelUsed         string
	RawPayload        string
	TokensUsed        int
	LatencyMS         int
	DiscrepancyFields []string
	CreatedAt         time.Time
}

// CreateInput describes a new invoice at ingestion time.
type CreateInput struct {
	StoragePath  string
	OriginalName string
	FileSize     int64
	MimeType     string
	Source       Source
	SourceEmail  string
}

// ExtractedFields carries the merged dual-pass scalars persisted after
// extraction.
type ExtractedFields struct {
	InvoiceNumber    string
	VendorNameRaw    string
	VendorAddressRaw string
	Currency         string
	Subtotal         *float64
	TaxAmount        *float64
	TotalAmount      *float64
	InvoiceDate      *time.Time
	DueDate          *time.Time
	PaymentTerms     string
	OCRConfidence    float64
	ExtractionModel  string
}

// PaymentInput records a payment against an approved invoice. Payment
// execution itself happens outside this system.
type PaymentInput struct {
	InvoiceID uuid.UUID
	PaidAt    time.Time
	Method    string
	Reference string
}
