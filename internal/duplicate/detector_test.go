package duplicate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apflow/apflow/internal/exception"
	"github.com/apflow/apflow/internal/invoice"
)

type memoryDupRepo struct {
	invoices []invoice.Invoice
}

func (r *memoryDupRepo) FindByVendorAndNumber(ctx context.Context, vendorID uuid.UUID, invoiceNumber string, excludeID uuid.UUID) ([]invoice.Invoice, error) {
	var out []invoice.Invoice
	for _, inv := range r.invoices {
		if inv.ID != excludeID && inv.VendorID != nil && *inv.VendorID == vendorID && inv.InvoiceNumber == invoiceNumber {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (r *memoryDupRepo) FindByVendorAndAmount(ctx context.Context, vendorID uuid.UUID, minAmount, maxAmount float64, excludeID uuid.UUID) ([]invoice.Invoice, error) {
	var out []invoice.Invoice
	for _, inv := range r.invoices {
		if inv.ID == excludeID || inv.VendorID == nil || *inv.VendorID != vendorID || inv.NormalizedAmountUSD == nil {
			continue
		}
		if *inv.NormalizedAmountUSD >= minAmount && *inv.NormalizedAmountUSD <= maxAmount {
			out = append(out, inv)
		}
	}
	return out, nil
}

func f64(v float64) *float64 { return &v }

func testDetector(repo Repository) *Detector {
	return NewDetector(repo, Config{AmountTolerancePct: 0.02, DateWindowDays: 7},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func datePtr(s string) *time.Time {
	d, _ := time.Parse("2006-01-02", s)
	return &d
}

func TestExactDuplicateHighSeverity(t *testing.T) {
	vendor := uuid.New()
	prior := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "INV-001"}
	repo := &memoryDupRepo{invoices: []invoice.Invoice{prior}}

	current := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "INV-001",
		NormalizedAmountUSD: f64(100)}
	hits, err := testDetector(repo).Check(context.Background(), current)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "exact", hits[0].Kind)
	require.Equal(t, exception.SeverityHigh, hits[0].Severity)
	require.Equal(t, prior.ID, hits[0].MatchedInvoiceID)
}

func TestFuzzyDuplicateWithinAmountAndDateWindow(t *testing.T) {
	vendor := uuid.New()
	prior := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "A-1",
		NormalizedAmountUSD: f64(1000), InvoiceDate: datePtr("2026-03-10")}
	repo := &memoryDupRepo{invoices: []invoice.Invoice{prior}}

	current := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "A-2",
		NormalizedAmountUSD: f64(1015), InvoiceDate: datePtr("2026-03-14")}
	hits, err := testDetector(repo).Check(context.Background(), current)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "fuzzy", hits[0].Kind)
	require.Equal(t, exception.SeverityMedium, hits[0].Severity)
}

func TestFuzzyDuplicateOutsideDateWindow(t *testing.T) {
	vendor := uuid.New()
	prior := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "A-1",
		NormalizedAmountUSD: f64(1000), InvoiceDate: datePtr("2026-03-01")}
	repo := &memoryDupRepo{invoices: []invoice.Invoice{prior}}

	current := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "A-2",
		NormalizedAmountUSD: f64(1000), InvoiceDate: datePtr("2026-03-20")}
	hits, err := testDetector(repo).Check(context.Background(), current)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestFuzzyFallsBackToCreationDate(t *testing.T) {
	vendor := uuid.New()
	now := time.Now()
	prior := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "A-1",
		NormalizedAmountUSD: f64(500), CreatedAt: now.Add(-48 * time.Hour)}
	repo := &memoryDupRepo{invoices: []invoice.Invoice{prior}}

	current := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "A-2",
		NormalizedAmountUSD: f64(500), CreatedAt: now}
	hits, err := testDetector(repo).Check(context.Background(), current)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestExactHitSkipsFuzzy(t *testing.T) {
	vendor := uuid.New()
	prior := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "INV-001",
		NormalizedAmountUSD: f64(100), InvoiceDate: datePtr("2026-03-10")}
	repo := &memoryDupRepo{invoices: []invoice.Invoice{prior}}

	current := invoice.Invoice{ID: uuid.New(), VendorID: &vendor, InvoiceNumber: "INV-001",
		NormalizedAmountUSD: f64(100), InvoiceDate: datePtr("2026-03-10")}
	hits, err := testDetector(repo).Check(context.Background(), current)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "exact", hits[0].Kind)
}

func TestMissingInputsSkipChecks(t *testing.T) {
	repo := &memoryDupRepo{}
	hits, err := testDetector(repo).Check(context.Background(), invoice.Invoice{ID: uuid.New()})
	require.NoError(t, err)
	require.Empty(t, hits)
}
