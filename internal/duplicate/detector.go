// Package duplicate flags invoices that look like resubmissions of a
// bill already in the system.
package duplicate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/exception"
	"github.com/apflow/apflow/internal/invoice"
)

// Config tunes the fuzzy check.
type Config struct {
	AmountTolerancePct float64
	DateWindowDays     int
}

// Hit is one detected duplicate candidate.
type Hit struct {
	MatchedInvoiceID uuid.UUID
	Kind             string // exact | fuzzy
	Severity         exception.Severity
	Description      string
}

// Repository is the candidate lookup the detector needs.
type Repository interface {
	FindByVendorAndNumber(ctx context.Context, vendorID uuid.UUID, invoiceNumber string, excludeID uuid.UUID) ([]invoice.Invoice, error)
	FindByVendorAndAmount(ctx context.Context, vendorID uuid.UUID, minAmount, maxAmount float64, excludeID uuid.UUID) ([]invoice.Invoice, error)
}

// Detector runs the two-stage duplicate check.
type Detector struct {
	repo   Repository
	cfg    Config
	logger *slog.Logger
}

// NewDetector wires the detector.
func NewDetector(repo Repository, cfg Config, logger *slog.Logger) *Detector {
	return &Detector{repo: repo, cfg: cfg, logger: logger}
}

// Check returns duplicate hits for the invoice. The exact check needs
// vendor and invoice number; the fuzzy check needs vendor and a
// normalized amount. Either missing input skips that stage.
func (d *Detector) Check(ctx context.Context, inv invoice.Invoice) ([]Hit, error) {
	var hits []Hit

	if inv.VendorID != nil && inv.InvoiceNumber != "" {
		matches, err := d.repo.FindByVendorAndNumber(ctx, *inv.VendorID, inv.InvoiceNumber, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("duplicate: exact lookup: %w", err)
		}
		for _, m := range matches {
			hits = append(hits, Hit{
				MatchedInvoiceID: m.ID,
				Kind:             "exact",
				Severity:         exception.SeverityHigh,
				Description:      fmt.Sprintf("same vendor and invoice number as invoice %s", m.ID),
			})
		}
	}
	if len(hits) > 0 {
		// Exact hits make the fuzzy pass redundant.
		return hits, nil
	}

	if inv.VendorID != nil && inv.NormalizedAmountUSD != nil {
		amount := *inv.NormalizedAmountUSD
		tolerance := math.Abs(amount) * d.cfg.AmountTolerancePct
		candidates, err := d.repo.FindByVendorAndAmount(ctx, *inv.VendorID, amount-tolerance, amount+tolerance, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("duplicate: fuzzy lookup: %w", err)
		}
		target := effectiveDate(inv)
		window := time.Duration(d.cfg.DateWindowDays) * 24 * time.Hour
		for _, m := range candidates {
			delta := effectiveDate(m).Sub(target)
			if delta < 0 {
				delta = -delta
			}
			if delta > window {
				continue
			}
			hits = append(hits, Hit{
				MatchedInvoiceID: m.ID,
				Kind:             "fuzzy",
				Severity:         exception.SeverityMedium,
				Description:      fmt.Sprintf("amount within tolerance of invoice %s dated %s", m.ID, effectiveDate(m).Format("2006-01-02")),
			})
		}
	}
	return hits, nil
}

// effectiveDate prefers the stated invoice date, falling back to when
// the record entered the system.
func effectiveDate(inv invoice.Invoice) time.Time {
	if inv.InvoiceDate != nil {
		return *inv.InvoiceDate
	}
	return inv.CreatedAt
}
