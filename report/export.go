package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary   = "Summary"
	sheetScheduled = "Scheduled"
	sheetRepaid    = "Repayments"
)

// RenderXLSX writes the portfolio as a workbook with one sheet per section.
func RenderXLSX(p Portfolio) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, fmt.Errorf("report: rename sheet: %w", err)
	}
	summary := [][]any{
		{"As of", p.AsOf.Format(time.DateOnly)},
		{"Active contracts", p.ActiveContracts},
		{"Active principal", p.ActivePrincipal.InexactFloat64()},
		{"Outstanding balance", p.OutstandingBalance.InexactFloat64()},
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheetSummary, cell, &row); err != nil {
			return nil, fmt.Errorf("report: write summary: %w", err)
		}
	}

	if err := writeMonthly(f, sheetScheduled, "Scheduled", p.Scheduled); err != nil {
		return nil, err
	}
	if err := writeMonthly(f, sheetRepaid, "Repaid", p.Repaid); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("report: write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeMonthly(f *excelize.File, sheet, label string, rows []MonthlyAmount) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("report: new sheet %s: %w", sheet, err)
	}
	header := []any{"Month", label}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("report: write %s header: %w", sheet, err)
	}
	for i, m := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{m.Month, m.Amount.InexactFloat64()}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("report: write %s row: %w", sheet, err)
		}
	}
	return nil
}
