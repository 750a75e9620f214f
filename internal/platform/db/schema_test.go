package db

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

// The repositories rely on these uniqueness guarantees: exception
// upserts conflict on the open partial index, a re-match keeps one
// result per invoice, and publishing keeps one live version per rule.
func TestSchemaUniquenessGuarantees(t *testing.T) {
	path := filepath.Join("..", "..", "..", "scripts", "schema.sql")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}
	schema := regexp.MustCompile(`\s+`).ReplaceAllString(string(data), " ")

	wanted := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_match_results_invoice ON match_results \(invoice_id\)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_rule_versions_published ON rule_versions \(rule_id\) WHERE status = 'published'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_exception_records_open ON exception_records \(invoice_id, code\) WHERE status = 'open'`,
	}
	for _, pattern := range wanted {
		if !regexp.MustCompile(pattern).MatchString(schema) {
			t.Fatalf("schema missing statement matching %q", pattern)
		}
	}
}
