package interfaces

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"scada-core/internal/cache"
)

// Formats accepted by WriteConsistencyReport.
const (
	FormatText = "text"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

// ConsistencyReport is the outcome of one startup consistency check.
type ConsistencyReport struct {
	Generated time.Time
	Results   []cache.ConsistencyResult
}

// Mismatches counts caches whose size differs from their store.
func (r ConsistencyReport) Mismatches() int {
	n := 0
	for _, res := range r.Results {
		if !res.Consistent() {
			n++
		}
	}
	return n
}

func resultState(res cache.ConsistencyResult) string {
	switch {
	case res.Err != nil:
		return "ERROR: " + res.Err.Error()
	case res.Consistent():
		return "OK"
	default:
		return "MISMATCH"
	}
}

// WriteConsistencyReport renders the report in the given format.
func WriteConsistencyReport(w io.Writer, format string, report ConsistencyReport) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatXLSX:
		data, err = BuildConsistencyXLSX(report)
	case FormatPDF:
		data, err = BuildConsistencyPDF(report)
	case FormatText, "":
		data = buildConsistencyText(report)
	default:
		return fmt.Errorf("consistency report: unknown format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func buildConsistencyText(report ConsistencyReport) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "consistency check %s\n", report.Generated.UTC().Format(time.RFC3339))
	for _, res := range report.Results {
		fmt.Fprintf(&buf, "%-20s memory=%-8d store=%-8d %s\n", res.Cache, res.MemoryCount, res.StoreCount, resultState(res))
	}
	fmt.Fprintf(&buf, "mismatches: %d\n", report.Mismatches())
	return buf.Bytes()
}

// BuildConsistencyPDF renders a one page PDF table.
func BuildConsistencyPDF(report ConsistencyReport) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Cache Consistency Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.Generated.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Mismatches: %d", report.Mismatches()))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 6, "Cache", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Memory", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Store", "1", 0, "C", false, 0, "")
	pdf.CellFormat(70, 6, "State", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, res := range report.Results {
		pdf.CellFormat(50, 6, res.Cache, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", res.MemoryCount), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", res.StoreCount), "1", 0, "R", false, 0, "")
		pdf.CellFormat(70, 6, resultState(res), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildConsistencyXLSX renders a workbook with a summary and a results sheet.
func BuildConsistencyXLSX(report ConsistencyReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	resultsSheet := "caches"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(resultsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Cache Consistency Report")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", report.Generated.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Caches")
	_ = f.SetCellValue(summarySheet, "B4", len(report.Results))
	_ = f.SetCellValue(summarySheet, "A5", "Mismatches")
	_ = f.SetCellValue(summarySheet, "B5", report.Mismatches())

	_ = f.SetCellValue(resultsSheet, "A1", "Cache")
	_ = f.SetCellValue(resultsSheet, "B1", "Memory")
	_ = f.SetCellValue(resultsSheet, "C1", "Store")
	_ = f.SetCellValue(resultsSheet, "D1", "State")
	for i, res := range report.Results {
		row := i + 2
		_ = f.SetCellValue(resultsSheet, fmt.Sprintf("A%d", row), res.Cache)
		_ = f.SetCellValue(resultsSheet, fmt.Sprintf("B%d", row), res.MemoryCount)
		_ = f.SetCellValue(resultsSheet, fmt.Sprintf("C%d", row), res.StoreCount)
		_ = f.SetCellValue(resultsSheet, fmt.Sprintf("D%d", row), resultState(res))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
