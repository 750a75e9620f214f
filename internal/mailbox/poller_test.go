package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apflow/apflow/internal/invoice"
)

type memIngestor struct {
	inputs  []invoice.IngestInput
	failOn  string
	failErr error
}

func (m *memIngestor) Ingest(ctx context.Context, input invoice.IngestInput) (invoice.Invoice, error) {
	if m.failOn != "" && input.FileName == m.failOn {
		return invoice.Invoice{}, m.failErr
	}
	m.inputs = append(m.inputs, input)
	return invoice.Invoice{ID: uuid.New(), Status: invoice.StatusIngested}, nil
}

func wrapBase64(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	return b.String()
}

func buildEML(from string, attachments map[string][]byte) string {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: ap@apflow.example.com\r\n")
	b.WriteString("Subject: Invoice attached\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"frontier\"\r\n")
	b.WriteString("\r\n")
	b.WriteString("--frontier\r\n")
	b.WriteString("Content-Type: text/plain\r\n\r\n")
	b.WriteString("Please find the invoice attached.\r\n")
	for name, data := range attachments {
		b.WriteString("--frontier\r\n")
		b.WriteString("Content-Type: application/octet-stream\r\n")
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		b.WriteString("Content-Disposition: attachment; filename=\"" + name + "\"\r\n")
		b.WriteString("\r\n")
		b.WriteString(wrapBase64(data))
		b.WriteString("\r\n")
	}
	b.WriteString("--frontier--\r\n")
	return b.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseMessageExtractsInvoiceAttachments(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake invoice body")
	eml := buildEML("Billing Dept <billing@acme.example.com>", map[string][]byte{
		"invoice-100.pdf": pdf,
	})

	msg, err := ParseMessage(strings.NewReader(eml))
	require.NoError(t, err)
	require.Equal(t, "billing@acme.example.com", msg.From)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "invoice-100.pdf", msg.Attachments[0].Filename)
	require.Equal(t, "application/pdf", msg.Attachments[0].MimeType)
	require.Equal(t, pdf, msg.Attachments[0].Data)
}

func TestParseMessageSkipsNonInvoiceAttachments(t *testing.T) {
	eml := buildEML("billing@acme.example.com", map[string][]byte{
		"notes.txt":   []byte("not an invoice"),
		"invoice.png": []byte("png-bytes"),
	})

	msg, err := ParseMessage(strings.NewReader(eml))
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "invoice.png", msg.Attachments[0].Filename)
	require.Equal(t, "image/png", msg.Attachments[0].MimeType)
}

func TestParseMessageSinglePartHasNoAttachments(t *testing.T) {
	eml := "From: a@example.com\r\nSubject: hi\r\n\r\nplain body\r\n"
	msg, err := ParseMessage(strings.NewReader(eml))
	require.NoError(t, err)
	require.Empty(t, msg.Attachments)
	require.Equal(t, "a@example.com", msg.From)
}

func TestPollIngestsAndRenames(t *testing.T) {
	dir := t.TempDir()
	eml := buildEML("billing@acme.example.com", map[string][]byte{
		"invoice-100.pdf": []byte("%PDF-1.4 body"),
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "msg1.eml"), []byte(eml), 0o644))

	ingestor := &memIngestor{}
	poller := NewPoller(dir, ingestor, 2, testLogger())

	res, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Files: 1, Ingested: 1, Errors: 0}, res)

	require.Len(t, ingestor.inputs, 1)
	in := ingestor.inputs[0]
	require.Equal(t, "invoice-100.pdf", in.FileName)
	require.Equal(t, invoice.SourceEmail, in.Source)
	require.Equal(t, "billing@acme.example.com", in.SourceEmail)

	_, err = os.Stat(filepath.Join(dir, "msg1.eml"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "msg1.eml"+processedSuffix))
	require.NoError(t, err)

	// A second poll sees nothing pending.
	res, err = poller.Poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Files)
}

func TestPollContinuesPastFailedFile(t *testing.T) {
	dir := t.TempDir()
	bad := buildEML("bad@acme.example.com", map[string][]byte{"broken.pdf": []byte("x")})
	good := buildEML("good@acme.example.com", map[string][]byte{"fine.pdf": []byte("%PDF-")})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.eml"), []byte(bad), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.eml"), []byte(good), 0o644))

	ingestor := &memIngestor{failOn: "broken.pdf", failErr: errors.New("blob store down")}
	poller := NewPoller(dir, ingestor, 1, testLogger())

	res, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Files)
	require.Equal(t, 1, res.Ingested)
	require.Equal(t, 1, res.Errors)

	// The failed file stays pending for the next run.
	_, err = os.Stat(filepath.Join(dir, "a.eml"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "b.eml"+processedSuffix))
	require.NoError(t, err)
}

func TestPollUnconfiguredDirSkips(t *testing.T) {
	poller := NewPoller("", &memIngestor{}, 1, testLogger())
	res, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Files)
}
