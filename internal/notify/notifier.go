package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/approval"
	"github.com/apflow/apflow/internal/invoice"
)

// Directory resolves a user identifier to an email address.
type Directory interface {
	EmailForUser(ctx context.Context, id uuid.UUID) (string, error)
}

// Notifier renders and sends workflow notifications.
type Notifier struct {
	sender    Sender
	directory Directory
	logger    *slog.Logger
}

// NewNotifier wires the notifier.
func NewNotifier(sender Sender, directory Directory, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, directory: directory, logger: logger}
}

var _ approval.Emailer = (*Notifier)(nil)

// SendApprovalRequest emails the approver a one-click approve and
// reject link for a pending task.
func (n *Notifier) SendApprovalRequest(ctx context.Context, task approval.Task, inv invoice.Invoice, approveURL, rejectURL string) error {
	to, err := n.directory.EmailForUser(ctx, task.ApproverID)
	if err != nil {
		return fmt.Errorf("resolve approver email: %w", err)
	}

	vendor := inv.VendorNameRaw
	if vendor == "" {
		vendor = "Unknown Vendor"
	}
	number := inv.InvoiceNumber
	if number == "" {
		number = inv.ID.String()
	}
	amount := "N/A"
	if inv.TotalAmount != nil {
		amount = fmt.Sprintf("%s %.2f", orDefault(inv.Currency, "USD"), *inv.TotalAmount)
	}

	body := fmt.Sprintf(`An invoice is waiting for your approval.

Invoice:  %s
Vendor:   %s
Amount:   %s
Due:      decide by %s

Approve:  %s
Reject:   %s

Links are single-use and expire. You can also decide from the dashboard.
`, number, vendor, amount, task.DueAt.Format("Jan 2, 2006 15:04 MST"), approveURL, rejectURL)

	return n.sender.Send(ctx, Email{
		To:      []string{to},
		Subject: fmt.Sprintf("Action required: invoice %s from %s (%s)", number, vendor, amount),
		Body:    body,
	})
}

// SendSLAAlert emails the AP team about an invoice at risk of missing
// its payment deadline.
func (n *Notifier) SendSLAAlert(ctx context.Context, to []string, inv invoice.Invoice, alertType string, daysUntilDue int) error {
	number := inv.InvoiceNumber
	if number == "" {
		number = inv.ID.String()
	}
	subject := fmt.Sprintf("SLA %s: invoice %s due in %d day(s)", alertType, number, daysUntilDue)
	if daysUntilDue < 0 {
		subject = fmt.Sprintf("SLA %s: invoice %s overdue by %d day(s)", alertType, number, -daysUntilDue)
	}
	body := fmt.Sprintf("Invoice %s (status %s) has a due date of %s and is not yet resolved.\n",
		number, inv.Status, inv.DueDate.Format("2006-01-02"))
	return n.sender.Send(ctx, Email{To: to, Subject: subject, Body: body})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
