// Package match compares invoice lines against purchase orders and
// goods receipts under versioned tolerances, producing one MatchResult
// per invoice and typed exceptions for every deviation.
package match

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Strategy selects how an invoice is matched.
type Strategy string

const (
	Strategy2Way Strategy = "2way"
	Strategy3Way Strategy = "3way"
	// StrategyAuto picks 3way iff the resolved PO has any receipt.
	StrategyAuto Strategy = "auto"
)

// ResultType records which comparison was performed.
type ResultType string

const (
	Type2Way  ResultType = "2way"
	Type3Way  ResultType = "3way"
	TypeNonPO ResultType = "non_po"
)

// ResultStatus is the outcome of a run.
type ResultStatus string

const (
	StatusMatched   ResultStatus = "matched"
	StatusPartial   ResultStatus = "partial"
	StatusException ResultStatus = "exception"
	StatusPending   ResultStatus = "pending"
)

// LineStatus is the outcome for one invoice line.
type LineStatus string

const (
	LineMatched       LineStatus = "matched"
	LineQtyVariance   LineStatus = "qty_variance"
	LinePriceVariance LineStatus = "price_variance"
	LineUnmatched     LineStatus = "unmatched"
)

// Result is the single match outcome an invoice carries. Re-matching
// replaces it atomically together with its line matches.
type Result struct {
	ID             uuid.UUID
	InvoiceID      uuid.UUID
	POID           *uuid.UUID
	ReceiptID      *uuid.UUID
	Type           ResultType
	Status         ResultStatus
	RuleVersionID  *uuid.UUID
	VarianceAmount float64
	VariancePct    float64
	MatchedAt      time.Time
	Notes          string
}

// LineMatch pairs one invoice line with its PO (and receipt) line.
type LineMatch struct {
	ID               uuid.UUID
	ResultID         uuid.UUID
	InvoiceLineID    uuid.UUID
	POLineID         *uuid.UUID
	GRLineID         *uuid.UUID
	Status           LineStatus
	QtyVariance      float64
	PriceVariance    float64
	PriceVariancePct float64
}

var poRefPattern = regexp.MustCompile(`(?i)\bPO[-#:\s]?(\w+)\b`)

// ExtractPORef pulls the first PO-number token out of free text.
// Returns "" when none is present.
func ExtractPORef(text string) string {
	m := poRefPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Similarity is word-overlap over lowercase word sets,
// |A∩B| / max(|A|,|B|). Below MinSimilarity counts as no match.
const MinSimilarity = 0.1

// Similarity scores how alike two line descriptions are.
func Similarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	common := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			common++
		}
	}
	max := len(setA)
	if len(setB) > max {
		max = len(setB)
	}
	return float64(common) / float64(max)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}
