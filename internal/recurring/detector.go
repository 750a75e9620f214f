package recurring

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// LookbackDays bounds the invoice history the detector considers.
const LookbackDays = 365

// Detector runs the weekly recurring-pattern sweep.
type Detector struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector wires the detector.
func NewDetector(repo Repository, logger *slog.Logger) *Detector {
	return &Detector{repo: repo, logger: logger, now: time.Now}
}

// RunResult summarizes one detection run.
type RunResult struct {
	Vendors  int
	Updated  int
	Skipped  int
}

// Run groups approved invoices from the lookback window by vendor,
// looks for a canonical cadence in the gaps between invoice dates,
// and upserts one pattern row per matching vendor.
func (d *Detector) Run(ctx context.Context) (RunResult, error) {
	now := d.now().UTC()
	cutoff := now.AddDate(0, 0, -LookbackDays)

	invoices, err := d.repo.ListApprovedInvoices(ctx, cutoff)
	if err != nil {
		return RunResult{}, err
	}

	byVendor := map[uuid.UUID][]ApprovedInvoice{}
	for _, inv := range invoices {
		byVendor[inv.VendorID] = append(byVendor[inv.VendorID], inv)
	}

	res := RunResult{Vendors: len(byVendor)}
	for vendorID, history := range byVendor {
		if len(history) < MinInvoices {
			res.Skipped++
			continue
		}

		sort.Slice(history, func(i, j int) bool {
			return history[i].InvoiceDate.Before(history[j].InvoiceDate)
		})
		dates := make([]time.Time, len(history))
		var totalAmount float64
		for i, inv := range history {
			dates[i] = inv.InvoiceDate
			totalAmount += inv.Amount
		}

		freq, ok := DetectFrequency(DayIntervals(dates))
		if !ok {
			res.Skipped++
			continue
		}

		avgAmount := math.Round(totalAmount/float64(len(history))*10000) / 10000
		detectedAt := now
		if err := d.repo.UpsertPattern(ctx, Pattern{
			VendorID:       vendorID,
			FrequencyDays:  freq,
			AvgAmount:      avgAmount,
			TolerancePct:   DefaultTolerancePct,
			AutoFastTrack:  false,
			LastDetectedAt: &detectedAt,
		}); err != nil {
			d.logger.Error("recurring pattern upsert failed", "vendor_id", vendorID, "error", err)
			res.Skipped++
			continue
		}
		res.Updated++
	}

	d.logger.Info("recurring detection complete", "vendors", res.Vendors, "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}
