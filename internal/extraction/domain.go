// Package extraction turns raw invoice text into structured fields via
// two independent LLM passes. Disagreements between passes are recorded
// so reviewers know which fields to distrust.
package extraction

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// Fields is the structured payload one extraction pass produces.
type Fields struct {
	InvoiceNumber string      `json:"invoice_number"`
	VendorName    string      `json:"vendor_name"`
	VendorAddress string      `json:"vendor_address"`
	InvoiceDate   string      `json:"invoice_date"`
	DueDate       string      `json:"due_date"`
	Currency      string      `json:"currency"`
	Subtotal      *float64    `json:"subtotal"`
	TaxAmount     *float64    `json:"tax_amount"`
	TotalAmount   *float64    `json:"total_amount"`
	PaymentTerms  string      `json:"payment_terms"`
	PONumber      string      `json:"po_number"`
	RemitTo       string      `json:"remit_to"`
	Notes         string      `json:"notes"`
	LineItems     []LineField `json:"line_items"`
}

// LineField is one extracted line item.
type LineField struct {
	LineNumber  int     `json:"line_number"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Unit        string  `json:"unit"`
	LineTotal   float64 `json:"line_total"`
}

// Empty reports whether the pass produced nothing usable.
func (f Fields) Empty() bool {
	return f.InvoiceNumber == "" && f.VendorName == "" && f.TotalAmount == nil && len(f.LineItems) == 0
}

// PassResult carries one pass's output plus its call accounting.
type PassResult struct {
	Fields           Fields
	RawPayload       json.RawMessage
	PromptTokens     int
	CompletionTokens int
	LatencyMS        int64
	Err              error
}

// AICallLog records every LLM invocation, successful or not.
type AICallLog struct {
	ID               uuid.UUID
	InvoiceID        *uuid.UUID
	Purpose          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMS        int64
	Success          bool
	ErrorMessage     string
	CreatedAt        time.Time
}

// ParsePayload decodes an LLM response into Fields. Markdown code
// fences around the JSON are tolerated; anything undecodable yields an
// empty payload and ok = false rather than an error.
func ParsePayload(raw string) (Fields, bool) {
	cleaned := stripFences(raw)
	var f Fields
	if err := json.Unmarshal([]byte(cleaned), &f); err != nil {
		return Fields{}, false
	}
	return f, true
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}
	// Some models wrap JSON in prose. Take the outermost object.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

var foldCaser = cases.Fold()

// scalarSet maps the compared field names to their string form.
func scalarSet(f Fields) map[string]string {
	return map[string]string{
		"invoice_number": f.InvoiceNumber,
		"vendor_name":    f.VendorName,
		"vendor_address": f.VendorAddress,
		"invoice_date":   f.InvoiceDate,
		"due_date":       f.DueDate,
		"currency":       f.Currency,
		"subtotal":       floatString(f.Subtotal),
		"tax_amount":     floatString(f.TaxAmount),
		"total_amount":   floatString(f.TotalAmount),
		"payment_terms":  f.PaymentTerms,
	}
}

func floatString(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// ComparePasses returns the scalar field names whose values differ
// after case folding and whitespace trimming, plus line_items_count
// when the passes disagree on line count.
func ComparePasses(p1, p2 Fields) []string {
	a, b := scalarSet(p1), scalarSet(p2)
	var diffs []string
	for _, name := range []string{
		"invoice_number", "vendor_name", "vendor_address", "invoice_date", "due_date",
		"currency", "subtotal", "tax_amount", "total_amount", "payment_terms",
	} {
		if foldCaser.String(strings.TrimSpace(a[name])) != foldCaser.String(strings.TrimSpace(b[name])) {
			diffs = append(diffs, name)
		}
	}
	if len(p1.LineItems) != len(p2.LineItems) {
		diffs = append(diffs, "line_items_count")
	}
	return diffs
}

// MergePasses keeps pass 1 as primary; line items fall back to pass 2
// when pass 1 extracted none.
func MergePasses(p1, p2 Fields) Fields {
	merged := p1
	if len(merged.LineItems) == 0 {
		merged.LineItems = p2.LineItems
	}
	return merged
}
