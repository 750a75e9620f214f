package audit

import (
	"bytes"
	"encoding/csv"
	"time"
)

// CSVExporter renders timeline rows for download.
type CSVExporter struct{}

// WriteCSV serializes rows with a header line.
func (CSVExporter) WriteCSV(rows []TimelineRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"at", "actor_email", "action", "entity_type", "entity_id", "notes"}); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := []string{
			row.At.UTC().Format(time.RFC3339),
			row.ActorEmail,
			row.Action,
			row.EntityType,
			row.EntityID.String(),
			row.Notes,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
