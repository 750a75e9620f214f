package extraction

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryCallLogger struct {
	logs []AICallLog
}

func (m *memoryCallLogger) LogCall(ctx context.Context, log AICallLog) error {
	m.logs = append(m.logs, log)
	return nil
}

func TestExtractLogsBothPasses(t *testing.T) {
	llm := &StubLLM{ByPass: map[int]Fields{
		1: {InvoiceNumber: "INV-001", VendorName: "Acme", TotalAmount: f64(4800)},
		2: {InvoiceNumber: "INV-001", VendorName: "Acme", TotalAmount: f64(4800)},
	}}
	calls := &memoryCallLogger{}
	svc := NewService(llm, calls, slog.New(slog.NewTextHandler(io.Discard, nil)))

	out := svc.Extract(context.Background(), uuid.New(), "invoice text")
	require.False(t, out.Failed())
	require.Empty(t, out.Discrepancies)
	require.Equal(t, "INV-001", out.Merged.InvoiceNumber)

	require.Len(t, calls.logs, 2)
	require.Equal(t, "extraction_pass_1", calls.logs[0].Purpose)
	require.Equal(t, "extraction_pass_2", calls.logs[1].Purpose)
	require.True(t, calls.logs[0].Success)
}

func TestExtractRecordsDiscrepancies(t *testing.T) {
	llm := &StubLLM{ByPass: map[int]Fields{
		1: {InvoiceNumber: "INV-001", TotalAmount: f64(4800)},
		2: {InvoiceNumber: "INV-001", TotalAmount: f64(4900)},
	}}
	calls := &memoryCallLogger{}
	svc := NewService(llm, calls, slog.New(slog.NewTextHandler(io.Discard, nil)))

	out := svc.Extract(context.Background(), uuid.New(), "invoice text")
	require.Equal(t, []string{"total_amount"}, out.Discrepancies)
}

func TestExtractFailedWhenBothPassesEmpty(t *testing.T) {
	llm := &StubLLM{ByPass: map[int]Fields{}}
	calls := &memoryCallLogger{}
	svc := NewService(llm, calls, slog.New(slog.NewTextHandler(io.Discard, nil)))

	out := svc.Extract(context.Background(), uuid.New(), "")
	require.True(t, out.Failed())
	require.Len(t, calls.logs, 2)
}
