package match

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/exception"
	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/procurement"
	"github.com/apflow/apflow/internal/rules"
)

// Finding is one exception the evaluation produced.
type Finding struct {
	Code        exception.Code
	Severity    exception.Severity
	Description string
}

// Evaluation is the pure outcome of comparing an invoice against a PO.
type Evaluation struct {
	Type           ResultType
	Status         ResultStatus
	HeaderOK       bool
	VarianceAmount float64
	VariancePct    float64
	Lines          []LineMatch
	Findings       []Finding
}

func (e *Evaluation) addFinding(code exception.Code, severity exception.Severity, format string, args ...any) {
	e.Findings = append(e.Findings, Finding{
		Code:        code,
		Severity:    severity,
		Description: fmt.Sprintf(format, args...),
	})
}

// pairLines finds the best PO line for each invoice line, preferring
// exact line-number equality, then description similarity.
func pairLines(invLines []invoice.LineItem, poLines []procurement.POLine) map[uuid.UUID]*procurement.POLine {
	pairs := make(map[uuid.UUID]*procurement.POLine, len(invLines))
	for _, il := range invLines {
		var paired *procurement.POLine
		for i := range poLines {
			if poLines[i].LineNumber == il.LineNumber {
				paired = &poLines[i]
				break
			}
		}
		if paired == nil {
			bestScore := 0.0
			for i := range poLines {
				if score := Similarity(il.Description, poLines[i].Description); score > bestScore {
					bestScore = score
					paired = &poLines[i]
				}
			}
			if bestScore < MinSimilarity {
				paired = nil
			}
		}
		pairs[il.ID] = paired
	}
	return pairs
}

// receivedByPOLine sums receipt quantities per PO line across all
// receipts, pairing by the stored PO-line link when present and by
// description otherwise.
func receivedByPOLine(poLines []procurement.POLine, grLines []procurement.GRLine) map[uuid.UUID]float64 {
	totals := make(map[uuid.UUID]float64)
	for _, gl := range grLines {
		if gl.POLineID != nil {
			totals[*gl.POLineID] += gl.Quantity
			continue
		}
		var best *procurement.POLine
		bestScore := 0.0
		for i := range poLines {
			if score := Similarity(gl.Description, poLines[i].Description); score > bestScore {
				bestScore = score
				best = &poLines[i]
			}
		}
		if best != nil && bestScore >= MinSimilarity {
			totals[best.ID] += gl.Quantity
		}
	}
	return totals
}

func headerCheck(invTotal, poTotal float64, tol rules.Tolerance) (ok bool, variance, pct float64) {
	variance = invTotal - poTotal
	abs := math.Abs(variance)
	switch {
	case poTotal != 0:
		pct = abs / math.Abs(poTotal)
	case abs == 0:
		pct = 0
	default:
		pct = math.Inf(1)
	}
	return abs <= tol.AmountToleranceAbs || pct <= tol.AmountTolerancePct, variance, pct
}

// priceOK checks the unit-price delta relatively and the extended line
// amount absolutely, so a small per-unit drift on a large quantity
// still trips the absolute tolerance.
func priceOK(priceVariance, poPrice, qty float64, tol rules.Tolerance) (ok bool, pct float64) {
	abs := math.Abs(priceVariance)
	switch {
	case poPrice != 0:
		pct = abs / math.Abs(poPrice)
	case abs == 0:
		pct = 0
	default:
		pct = math.Inf(1)
	}
	extended := abs * math.Abs(qty)
	return pct <= tol.AmountTolerancePct || extended <= tol.AmountToleranceAbs, pct
}

func qtyOK2Way(qtyVariance, poQty float64, tol rules.Tolerance) bool {
	if poQty == 0 {
		return qtyVariance == 0
	}
	return math.Abs(qtyVariance)/math.Abs(poQty) <= tol.QtyTolerancePct
}

// evaluate runs the comparison. grLines is nil for a 2-way run; for a
// 3-way run an empty (non-nil caller intent) receipt set produces
// GRN_NOT_FOUND and skips the line check.
func evaluate(inv invoice.Invoice, invLines []invoice.LineItem, po procurement.PurchaseOrder,
	poLines []procurement.POLine, grLines []procurement.GRLine, threeWay bool, tol rules.Tolerance) Evaluation {

	eval := Evaluation{Type: Type2Way}
	if threeWay {
		eval.Type = Type3Way
	}

	invTotal := 0.0
	if inv.TotalAmount != nil {
		invTotal = *inv.TotalAmount
	}
	eval.HeaderOK, eval.VarianceAmount, eval.VariancePct = headerCheck(invTotal, po.Total, tol)

	if threeWay && len(grLines) == 0 {
		eval.addFinding(exception.CodeGRNNotFound, exception.SeverityHigh,
			"no goods receipt found for PO %s", po.Number)
		eval.Status = StatusException
		return eval
	}

	pairs := pairLines(invLines, poLines)
	received := map[uuid.UUID]float64{}
	if threeWay {
		received = receivedByPOLine(poLines, grLines)
	}

	outOfTolerance := 0
	unmatched := 0
	matched := 0
	for _, il := range invLines {
		lm := LineMatch{InvoiceLineID: il.ID, Status: LineMatched}
		pol := pairs[il.ID]
		if pol == nil {
			lm.Status = LineUnmatched
			unmatched++
			eval.addFinding(exception.CodeMissingPO, exception.SeverityHigh,
				"invoice line %d has no matching PO line", il.LineNumber)
			eval.Lines = append(eval.Lines, lm)
			continue
		}
		polID := pol.ID
		lm.POLineID = &polID

		lm.PriceVariance = il.UnitPrice - pol.UnitPrice
		pOK, pct := priceOK(lm.PriceVariance, pol.UnitPrice, il.Quantity, tol)
		lm.PriceVariancePct = pct

		var qOK bool
		if threeWay {
			totalReceived := received[pol.ID]
			lm.QtyVariance = il.Quantity - totalReceived
			qOK = il.Quantity <= totalReceived*(1+tol.QtyTolerancePct)
			if !qOK {
				eval.addFinding(exception.CodeQtyOverReceipt, exception.SeverityHigh,
					"invoice line %d bills %.2f against %.2f received", il.LineNumber, il.Quantity, totalReceived)
			}
		} else {
			lm.QtyVariance = il.Quantity - pol.Quantity
			qOK = qtyOK2Way(lm.QtyVariance, pol.Quantity, tol)
			if !qOK {
				eval.addFinding(exception.CodeQtyVariance, exception.SeverityMedium,
					"invoice line %d quantity off by %.2f", il.LineNumber, lm.QtyVariance)
			}
		}
		if !pOK {
			eval.addFinding(exception.CodePriceVariance, exception.SeverityMedium,
				"invoice line %d price off by %.2f (%.1f%%)", il.LineNumber, lm.PriceVariance, pct*100)
		}

		switch {
		case pOK && qOK:
			matched++
		case !qOK:
			// Quantity trouble dominates when both checks fail.
			lm.Status = LineQtyVariance
			outOfTolerance++
		default:
			lm.Status = LinePriceVariance
			outOfTolerance++
		}
		eval.Lines = append(eval.Lines, lm)
	}

	switch {
	case !eval.HeaderOK:
		eval.Status = StatusException
	case outOfTolerance == 0 && unmatched == 0:
		eval.Status = StatusMatched
	case matched == 0:
		eval.Status = StatusException
	default:
		eval.Status = StatusPartial
	}
	return eval
}
