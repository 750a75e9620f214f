package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apflow/apflow/internal/approval"
	"github.com/apflow/apflow/internal/invoice"
)

type memSender struct {
	sent []Email
}

func (m *memSender) Send(ctx context.Context, msg Email) error {
	m.sent = append(m.sent, msg)
	return nil
}

type memDirectory struct {
	emails map[uuid.UUID]string
}

func (m *memDirectory) EmailForUser(ctx context.Context, id uuid.UUID) (string, error) {
	return m.emails[id], nil
}

func TestSendApprovalRequest(t *testing.T) {
	sender := &memSender{}
	approverID := uuid.New()
	dir := &memDirectory{emails: map[uuid.UUID]string{approverID: "approver@apflow.example.com"}}
	n := NewNotifier(sender, dir, slog.New(slog.NewTextHandler(io.Discard, nil)))

	total := 12000.0
	inv := invoice.Invoice{
		ID:            uuid.New(),
		InvoiceNumber: "INV-900",
		VendorNameRaw: "Acme Corp",
		Currency:      "USD",
		TotalAmount:   &total,
	}
	task := approval.Task{
		ID:         uuid.New(),
		ApproverID: approverID,
		DueAt:      time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC),
	}

	err := n.SendApprovalRequest(context.Background(), task, inv,
		"https://ap.example.com/api/v1/approvals/email?token=abc",
		"https://ap.example.com/api/v1/approvals/email?token=def")
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	require.Equal(t, []string{"approver@apflow.example.com"}, msg.To)
	require.Contains(t, msg.Subject, "INV-900")
	require.Contains(t, msg.Subject, "Acme Corp")
	require.Contains(t, msg.Body, "token=abc")
	require.Contains(t, msg.Body, "token=def")
	require.Contains(t, msg.Body, "USD 12000.00")
}

func TestSendSLAAlertOverdueSubject(t *testing.T) {
	sender := &memSender{}
	n := NewNotifier(sender, &memDirectory{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	due := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	inv := invoice.Invoice{ID: uuid.New(), InvoiceNumber: "INV-7", Status: invoice.StatusMatched, DueDate: &due}

	require.NoError(t, n.SendSLAAlert(context.Background(), []string{"ap@apflow.example.com"}, inv, "critical", -3))
	require.Len(t, sender.sent, 1)
	require.Contains(t, sender.sent[0].Subject, "overdue by 3")
}
