package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apflow/apflow/internal/invoice"
)

// AlertNotifier delivers an SLA alert to the AP team. Optional.
type AlertNotifier interface {
	SendSLAAlert(ctx context.Context, to []string, inv invoice.Invoice, alertType string, daysUntilDue int) error
}

// Config carries sweep settings.
type Config struct {
	WarningDays int
	Recipients  []string
}

// DefaultConfig returns the shipped sweep settings.
func DefaultConfig() Config {
	return Config{WarningDays: 2}
}

// Sweeper runs the daily deadline check over pending invoices.
type Sweeper struct {
	invoices invoice.Repository
	repo     Repository
	notifier AlertNotifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper wires the sweeper.
func NewSweeper(invoices invoice.Repository, repo Repository, notifier AlertNotifier, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.WarningDays <= 0 {
		cfg.WarningDays = DefaultConfig().WarningDays
	}
	return &Sweeper{
		invoices: invoices,
		repo:     repo,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SweepResult summarizes one run.
type SweepResult struct {
	Checked  int
	Critical int
	Warning  int
}

// Sweep evaluates every pending invoice with a due date. An overdue
// invoice gets a critical alert, one inside the warning window a
// warning alert, deduplicated to one alert per invoice and type per
// day. Per-invoice failures are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	pending, err := s.invoices.ListPendingWithDueDate(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	now := s.now().UTC()
	startOfDay := now.Truncate(24 * time.Hour)
	res := SweepResult{Checked: len(pending)}

	for _, inv := range pending {
		if inv.DueDate == nil {
			continue
		}
		daysUntilDue := int(inv.DueDate.UTC().Truncate(24 * time.Hour).Sub(startOfDay) / (24 * time.Hour))

		var alertType AlertType
		var description string
		switch {
		case daysUntilDue < 0:
			alertType = AlertCritical
			description = fmt.Sprintf("invoice %s is overdue by %d day(s), due %s",
				displayNumber(inv), -daysUntilDue, inv.DueDate.Format("2006-01-02"))
		case daysUntilDue <= s.cfg.WarningDays:
			alertType = AlertWarning
			description = fmt.Sprintf("invoice %s is due in %d day(s), due %s",
				displayNumber(inv), daysUntilDue, inv.DueDate.Format("2006-01-02"))
		default:
			continue
		}

		exists, err := s.repo.AlertExistsSince(ctx, inv.ID, alertType, startOfDay)
		if err != nil {
			s.logger.Error("sla alert lookup failed", "invoice_id", inv.ID, "error", err)
			continue
		}
		if exists {
			continue
		}
		if err := s.repo.InsertAlert(ctx, Alert{
			InvoiceID:   inv.ID,
			Type:        alertType,
			Description: description,
		}); err != nil {
			s.logger.Error("sla alert insert failed", "invoice_id", inv.ID, "error", err)
			continue
		}

		switch alertType {
		case AlertCritical:
			res.Critical++
		case AlertWarning:
			res.Warning++
		}

		if s.notifier != nil && len(s.cfg.Recipients) > 0 {
			if err := s.notifier.SendSLAAlert(ctx, s.cfg.Recipients, inv, string(alertType), daysUntilDue); err != nil {
				s.logger.Warn("sla alert email failed", "invoice_id", inv.ID, "error", err)
			}
		}
	}

	s.logger.Info("sla sweep complete", "checked", res.Checked, "critical", res.Critical, "warning", res.Warning)
	return res, nil
}

// ExpireComplianceDocs flips vendor compliance documents past their
// expiry date into the expired state.
func (s *Sweeper) ExpireComplianceDocs(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireComplianceDocs(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("compliance docs expired", "count", n)
	}
	return n, nil
}

func displayNumber(inv invoice.Invoice) string {
	if inv.InvoiceNumber != "" {
		return inv.InvoiceNumber
	}
	return inv.ID.String()
}
