// Package fraud computes a deterministic risk score per invoice from a
// fixed signal set. No model output feeds the score.
package fraud

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/invoice"
)

// Signal names, in scoring order.
const (
	SignalRoundAmount        = "round_amount"
	SignalAmountSpike        = "amount_spike"
	SignalPotentialDuplicate = "potential_duplicate"
	SignalStaleInvoiceDate   = "stale_invoice_date"
	SignalNewVendor          = "new_vendor"
)

// Thresholds splits the summed score into risk bands.
type Thresholds struct {
	Medium   int
	High     int
	Critical int
}

// DefaultThresholds are the shipped band boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 20, High: 40, Critical: 60}
}

// Band is a risk classification.
type Band string

const (
	BandLow      Band = "low"
	BandMedium   Band = "medium"
	BandHigh     Band = "high"
	BandCritical Band = "critical"
)

// Classify maps a score onto its band.
func (t Thresholds) Classify(score int) Band {
	switch {
	case score >= t.Critical:
		return BandCritical
	case score >= t.High:
		return BandHigh
	case score >= t.Medium:
		return BandMedium
	default:
		return BandLow
	}
}

// Config tunes the scorer.
type Config struct {
	Thresholds          Thresholds
	DuplicateWindowDays int
	StaleAfterDays      int
}

// Repository is the vendor history lookup the scorer needs.
type Repository interface {
	ApprovedTotals(ctx context.Context, vendorID uuid.UUID, excludeID uuid.UUID) ([]float64, error)
	CountSameTotalWithin(ctx context.Context, vendorID uuid.UUID, total float64, since time.Time, excludeID uuid.UUID) (int, error)
}

// Score is the outcome of one evaluation.
type Score struct {
	Total   int
	Signals []string
	Band    Band
}

// Flagged reports whether the score warrants a FRAUD_FLAG exception.
func (s Score) Flagged(t Thresholds) bool {
	return s.Total >= t.High
}

// Scorer evaluates the signal set.
type Scorer struct {
	repo Repository
	cfg  Config
}

// NewScorer wires the scorer.
func NewScorer(repo Repository, cfg Config) *Scorer {
	if cfg.StaleAfterDays == 0 {
		cfg.StaleAfterDays = 90
	}
	return &Scorer{repo: repo, cfg: cfg}
}

// Evaluate sums the triggered signals for the invoice.
func (s *Scorer) Evaluate(ctx context.Context, inv invoice.Invoice) (Score, error) {
	var score Score
	add := func(name string, weight int) {
		score.Total += weight
		score.Signals = append(score.Signals, name)
	}

	if inv.TotalAmount != nil {
		total := *inv.TotalAmount
		if total > 1000 && total == math.Trunc(total) {
			add(SignalRoundAmount, 10)
		}
	}

	if inv.VendorID != nil {
		totals, err := s.repo.ApprovedTotals(ctx, *inv.VendorID, inv.ID)
		if err != nil {
			return Score{}, fmt.Errorf("fraud: vendor history: %w", err)
		}
		if inv.TotalAmount != nil && len(totals) >= 3 {
			var sum float64
			for _, t := range totals {
				sum += t
			}
			if *inv.TotalAmount > 2*(sum/float64(len(totals))) {
				add(SignalAmountSpike, 20)
			}
		}
		if inv.TotalAmount != nil {
			since := time.Now().AddDate(0, 0, -s.cfg.DuplicateWindowDays)
			n, err := s.repo.CountSameTotalWithin(ctx, *inv.VendorID, *inv.TotalAmount, since, inv.ID)
			if err != nil {
				return Score{}, fmt.Errorf("fraud: duplicate window: %w", err)
			}
			if n > 0 {
				add(SignalPotentialDuplicate, 30)
			}
		}
		if len(totals) < 3 {
			add(SignalNewVendor, 5)
		}
	}

	if inv.InvoiceDate != nil && time.Since(*inv.InvoiceDate) > time.Duration(s.cfg.StaleAfterDays)*24*time.Hour {
		add(SignalStaleInvoiceDate, 10)
	}

	score.Band = s.cfg.Thresholds.Classify(score.Total)
	return score, nil
}
