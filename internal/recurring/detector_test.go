package recurring

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	invoices []ApprovedInvoice
	patterns map[uuid.UUID]Pattern
}

func newMemRepo() *memRepo {
	return &memRepo{patterns: map[uuid.UUID]Pattern{}}
}

func (m *memRepo) ListApprovedInvoices(ctx context.Context, since time.Time) ([]ApprovedInvoice, error) {
	var out []ApprovedInvoice
	for _, inv := range m.invoices {
		if !inv.InvoiceDate.Before(since) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memRepo) UpsertPattern(ctx context.Context, p Pattern) error {
	m.patterns[p.VendorID] = p
	return nil
}

func seedHistory(repo *memRepo, vendorID uuid.UUID, start time.Time, stepDays int, count int, amount float64) {
	for i := 0; i < count; i++ {
		repo.invoices = append(repo.invoices, ApprovedInvoice{
			VendorID:    vendorID,
			InvoiceDate: start.AddDate(0, 0, i*stepDays),
			Amount:      amount,
		})
	}
}

func TestDetectFrequency(t *testing.T) {
	tests := []struct {
		name      string
		intervals []int
		wantFreq  int
		wantOK    bool
	}{
		{"exact monthly", []int{30, 30, 30}, 30, true},
		{"monthly with jitter", []int{28, 31, 33}, 30, true},
		{"weekly", []int{7, 7, 8}, 7, true},
		{"too scattered", []int{5, 40, 100}, 0, false},
		{"minority cluster", []int{30, 30, 5, 80, 120}, 0, false},
		{"empty", nil, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			freq, ok := DetectFrequency(tc.intervals)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.wantFreq, freq)
		})
	}
}

func TestDayIntervalsIgnoresTimeOfDay(t *testing.T) {
	dates := []time.Time{
		time.Date(2026, 6, 1, 23, 0, 0, 0, time.UTC),
		time.Date(2026, 6, 8, 1, 0, 0, 0, time.UTC),
	}
	require.Equal(t, []int{7}, DayIntervals(dates))
}

func TestRunDetectsMonthlyVendor(t *testing.T) {
	now := time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	vendorID := uuid.New()
	seedHistory(repo, vendorID, now.AddDate(0, -4, 0), 30, 4, 1250.0)

	d := NewDetector(repo, slog.Default())
	d.now = func() time.Time { return now }

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 0, res.Skipped)

	p, ok := repo.patterns[vendorID]
	require.True(t, ok)
	require.Equal(t, 30, p.FrequencyDays)
	require.InDelta(t, 1250.0, p.AvgAmount, 0.0001)
	require.Equal(t, DefaultTolerancePct, p.TolerancePct)
	require.False(t, p.AutoFastTrack)
	require.NotNil(t, p.LastDetectedAt)
}

func TestRunSkipsThinHistory(t *testing.T) {
	now := time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	seedHistory(repo, uuid.New(), now.AddDate(0, -2, 0), 30, 2, 500.0)

	d := NewDetector(repo, slog.Default())
	d.now = func() time.Time { return now }

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.Updated)
	require.Equal(t, 1, res.Skipped)
	require.Empty(t, repo.patterns)
}

func TestRunSkipsIrregularVendor(t *testing.T) {
	now := time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	vendorID := uuid.New()
	for _, offset := range []int{-300, -180, -40, -3} {
		repo.invoices = append(repo.invoices, ApprovedInvoice{
			VendorID:    vendorID,
			InvoiceDate: now.AddDate(0, 0, offset),
			Amount:      900,
		})
	}

	d := NewDetector(repo, slog.Default())
	d.now = func() time.Time { return now }

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.Updated)
	require.Equal(t, 1, res.Skipped)
}

func TestRunAveragesAmounts(t *testing.T) {
	now := time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	vendorID := uuid.New()
	start := now.AddDate(0, 0, -21)
	for i, amount := range []float64{100, 110, 120, 130} {
		repo.invoices = append(repo.invoices, ApprovedInvoice{
			VendorID:    vendorID,
			InvoiceDate: start.AddDate(0, 0, i*7),
			Amount:      amount,
		})
	}

	d := NewDetector(repo, slog.Default())
	d.now = func() time.Time { return now }

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	p := repo.patterns[vendorID]
	require.Equal(t, 7, p.FrequencyDays)
	require.InDelta(t, 115.0, p.AvgAmount, 0.0001)
}
