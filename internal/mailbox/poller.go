package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/apflow/apflow/internal/invoice"
)

const processedSuffix = ".processed"

// Ingestor stores an attachment as a new invoice and starts its
// pipeline run.
type Ingestor interface {
	Ingest(ctx context.Context, input invoice.IngestInput) (invoice.Invoice, error)
}

// Poller scans a drop directory for .eml files and ingests every
// invoice-capable attachment. Processed files are renamed in place so
// a crashed run re-reads at most the files it had not finished.
type Poller struct {
	dir         string
	ingestor    Ingestor
	concurrency int
	logger      *slog.Logger
}

// NewPoller builds the poller over the inbox directory.
func NewPoller(dir string, ingestor Ingestor, concurrency int, logger *slog.Logger) *Poller {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Poller{dir: dir, ingestor: ingestor, concurrency: concurrency, logger: logger}
}

// Result summarizes one poll run.
type Result struct {
	Files    int
	Ingested int
	Errors   int
}

// Poll processes every pending .eml file once. Per-file failures are
// counted and logged; they do not stop the run.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	if p.dir == "" {
		p.logger.Info("mailbox polling not configured")
		return Result{}, nil
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("ensure inbox dir: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(p.dir, "*.eml"))
	if err != nil {
		return Result{}, err
	}
	if len(files) == 0 {
		return Result{}, nil
	}

	type outcome struct {
		ingested int
		failed   bool
	}
	outcomes := make([]outcome, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, path := range files {
		g.Go(func() error {
			n, err := p.processFile(ctx, path)
			outcomes[i] = outcome{ingested: n, failed: err != nil}
			if err != nil {
				p.logger.Error("mailbox file failed", "file", filepath.Base(path), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Files: len(files)}
	for _, o := range outcomes {
		res.Ingested += o.ingested
		if o.failed {
			res.Errors++
		}
	}
	p.logger.Info("mailbox poll complete", "files", res.Files, "ingested", res.Ingested, "errors", res.Errors)
	return res, nil
}

func (p *Poller) processFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	msg, err := ParseMessage(f)
	closeErr := f.Close()
	if err != nil {
		return 0, err
	}
	if closeErr != nil {
		return 0, closeErr
	}

	ingested := 0
	for _, att := range msg.Attachments {
		_, err := p.ingestor.Ingest(ctx, invoice.IngestInput{
			FileName:    att.Filename,
			Data:        att.Data,
			MimeType:    att.MimeType,
			Source:      invoice.SourceEmail,
			SourceEmail: msg.From,
		})
		if err != nil {
			return ingested, fmt.Errorf("ingest %s: %w", att.Filename, err)
		}
		ingested++
		p.logger.Info("ingested email attachment", "file", att.Filename, "from", msg.From)
	}

	if err := os.Rename(path, path+processedSuffix); err != nil {
		return ingested, fmt.Errorf("mark processed: %w", err)
	}
	return ingested, nil
}
