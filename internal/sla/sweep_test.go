package sla

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apflow/apflow/internal/invoice"
)

type memInvoiceRepo struct {
	pending []invoice.Invoice
}

func (m *memInvoiceRepo) WithTx(ctx context.Context, fn func(context.Context, invoice.TxRepository) error) error {
	return nil
}

func (m *memInvoiceRepo) Get(ctx context.Context, id uuid.UUID) (invoice.Invoice, error) {
	return invoice.Invoice{}, nil
}

func (m *memInvoiceRepo) ListLines(ctx context.Context, invoiceID uuid.UUID) ([]invoice.LineItem, error) {
	return nil, nil
}

func (m *memInvoiceRepo) ListPendingWithDueDate(ctx context.Context) ([]invoice.Invoice, error) {
	return m.pending, nil
}

type alertKey struct {
	invoiceID uuid.UUID
	alertType AlertType
}

type memSLARepo struct {
	alerts  []Alert
	byKey   map[alertKey]time.Time
	expired int64
}

func newMemSLARepo() *memSLARepo {
	return &memSLARepo{byKey: map[alertKey]time.Time{}}
}

func (m *memSLARepo) AlertExistsSince(ctx context.Context, invoiceID uuid.UUID, alertType AlertType, since time.Time) (bool, error) {
	at, ok := m.byKey[alertKey{invoiceID, alertType}]
	return ok && !at.Before(since), nil
}

func (m *memSLARepo) InsertAlert(ctx context.Context, a Alert) error {
	a.CreatedAt = time.Now().UTC()
	m.alerts = append(m.alerts, a)
	m.byKey[alertKey{a.InvoiceID, a.Type}] = a.CreatedAt
	return nil
}

func (m *memSLARepo) ExpireComplianceDocs(ctx context.Context, asOf time.Time) (int64, error) {
	return m.expired, nil
}

type memAlertNotifier struct {
	sent []string
}

func (m *memAlertNotifier) SendSLAAlert(ctx context.Context, to []string, inv invoice.Invoice, alertType string, daysUntilDue int) error {
	m.sent = append(m.sent, alertType)
	return nil
}

func pendingInvoice(number string, due time.Time) invoice.Invoice {
	d := due
	return invoice.Invoice{
		ID:            uuid.New(),
		InvoiceNumber: number,
		Status:        invoice.StatusMatched,
		DueDate:       &d,
	}
}

func TestSweepClassifiesByDueDate(t *testing.T) {
	now := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	invoices := &memInvoiceRepo{pending: []invoice.Invoice{
		pendingInvoice("INV-OVERDUE", now.AddDate(0, 0, -3)),
		pendingInvoice("INV-SOON", now.AddDate(0, 0, 1)),
		pendingInvoice("INV-FAR", now.AddDate(0, 0, 30)),
	}}
	repo := newMemSLARepo()
	notifier := &memAlertNotifier{}

	s := NewSweeper(invoices, repo, notifier, Config{WarningDays: 2, Recipients: []string{"ap@example.com"}}, slog.Default())
	s.now = func() time.Time { return now }

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Checked)
	require.Equal(t, 1, res.Critical)
	require.Equal(t, 1, res.Warning)

	require.Len(t, repo.alerts, 2)
	require.Equal(t, AlertCritical, repo.alerts[0].Type)
	require.Contains(t, repo.alerts[0].Description, "INV-OVERDUE")
	require.Contains(t, repo.alerts[0].Description, "overdue by 3 day(s)")
	require.Equal(t, AlertWarning, repo.alerts[1].Type)
	require.Contains(t, repo.alerts[1].Description, "due in 1 day(s)")

	require.Equal(t, []string{"critical", "warning"}, notifier.sent)
}

func TestSweepDueTodayIsWarning(t *testing.T) {
	now := time.Date(2026, 8, 26, 23, 30, 0, 0, time.UTC)
	invoices := &memInvoiceRepo{pending: []invoice.Invoice{
		pendingInvoice("INV-TODAY", time.Date(2026, 8, 26, 1, 0, 0, 0, time.UTC)),
	}}
	repo := newMemSLARepo()

	s := NewSweeper(invoices, repo, nil, Config{WarningDays: 2}, slog.Default())
	s.now = func() time.Time { return now }

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Warning)
	require.Equal(t, 0, res.Critical)
	require.Contains(t, repo.alerts[0].Description, "due in 0 day(s)")
}

func TestSweepDeduplicatesSameDay(t *testing.T) {
	now := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	invoices := &memInvoiceRepo{pending: []invoice.Invoice{
		pendingInvoice("INV-OVERDUE", now.AddDate(0, 0, -1)),
	}}
	repo := newMemSLARepo()

	s := NewSweeper(invoices, repo, nil, Config{WarningDays: 2}, slog.Default())
	s.now = func() time.Time { return now }

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	require.Equal(t, 0, res.Critical)
	require.Len(t, repo.alerts, 1)
}

func TestSweepSkipsNotifierWithoutRecipients(t *testing.T) {
	now := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	invoices := &memInvoiceRepo{pending: []invoice.Invoice{
		pendingInvoice("INV-OVERDUE", now.AddDate(0, 0, -1)),
	}}
	repo := newMemSLARepo()
	notifier := &memAlertNotifier{}

	s := NewSweeper(invoices, repo, notifier, Config{WarningDays: 2}, slog.Default())
	s.now = func() time.Time { return now }

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Empty(t, notifier.sent)
	require.Len(t, repo.alerts, 1)
}

func TestExpireComplianceDocs(t *testing.T) {
	repo := newMemSLARepo()
	repo.expired = 4

	s := NewSweeper(&memInvoiceRepo{}, repo, nil, Config{}, slog.Default())

	n, err := s.ExpireComplianceDocs(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
}
