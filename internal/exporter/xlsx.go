package exporter

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"hostelpro/internal/license"
)

const sheetName = "Licenses"

// WriteXLSX writes recs as an Excel workbook
func (l *Ledger) WriteXLSX(w io.Writer, recs []license.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"1F4E78"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetRow(sheetName, "A1", &ledgerHeaders); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	last, _ := excelize.ColumnNumberToName(len(ledgerHeaders))
	if err := f.SetCellStyle(sheetName, "A1", last+"1", header); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, rec := range recs {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := l.row(rec)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 48)
	_ = f.SetColWidth(sheetName, "B", "C", 28)
	_ = f.SetColWidth(sheetName, "D", "I", 12)
	_ = f.SetColWidth(sheetName, "J", "J", 40)
	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
