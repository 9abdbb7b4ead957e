package exporter

import (
	"encoding/csv"
	"fmt"
	"io"

	"hostelpro/internal/license"
)

// WriteCSV writes recs as CSV with a UTF-8 BOM
func (l *Ledger) WriteCSV(w io.Writer, recs []license.Record) error {
	// BOM helps Excel recognize UTF-8
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(ledgerHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, rec := range recs {
		if err := writer.Write(l.row(rec)); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}
