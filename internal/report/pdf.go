// Package report renders a downloadable PDF summary of a dataset: a title,
// the aggregate statistics, and a table of the first records.
package report

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"

	"github.com/equipdash/server/internal/domain"
)

// MaxTableRows caps how many equipment records the report table includes.
const MaxTableRows = 20

// Build renders the report for an already-loaded dataset. It is a pure
// formatting step: nothing is queried or recomputed here.
func Build(ds domain.Dataset) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, fmt.Sprintf("Equipment Report: %s", ds.Filename), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 11)
	summaryLines := []string{
		fmt.Sprintf("Upload Date: %s", ds.UploadedAt.Format("2006-01-02 15:04")),
		fmt.Sprintf("Total Records: %d", ds.RowCount),
		fmt.Sprintf("Average Flowrate: %.2f", ds.Summary.AvgFlowrate),
		fmt.Sprintf("Average Pressure: %.2f", ds.Summary.AvgPressure),
		fmt.Sprintf("Average Temperature: %.2f", ds.Summary.AvgTemperature),
	}
	for _, line := range summaryLines {
		pdf.CellFormat(0, 6, line, "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	records := ds.Records
	if len(records) > MaxTableRows {
		records = records[:MaxTableRows]
	}
	writeTable(pdf, records)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTable(pdf *fpdf.Fpdf, records []domain.EquipmentRecord) {
	widths := []float64{55, 35, 30, 30, 30}
	headers := []string{"Name", "Type", "Flowrate", "Pressure", "Temperature"}

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(128, 128, 128)
	pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetFillColor(245, 245, 220)
	pdf.SetTextColor(0, 0, 0)
	for _, rec := range records {
		cells := []string{
			rec.EquipmentName,
			rec.EquipmentType,
			fmt.Sprintf("%.2f", rec.Flowrate),
			fmt.Sprintf("%.2f", rec.Pressure),
			fmt.Sprintf("%.2f", rec.Temperature),
		}
		for i, c := range cells {
			pdf.CellFormat(widths[i], 7, c, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
	}
}
