package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	commands "mowerlink/internal/commands/domain"
)

// HistoryReport is the exported slice of command history.
type HistoryReport struct {
	DeviceID string
	From     time.Time
	To       time.Time
	Records  []commands.HistoryRecord
}

func (r HistoryReport) counts() (succeeded, failed, timedOut int) {
	for _, rec := range r.Records {
		switch rec.Status {
		case commands.OutcomeSuccess:
			succeeded++
		case commands.OutcomeTimeout:
			timedOut++
		default:
			failed++
		}
	}
	return succeeded, failed, timedOut
}

func errorColumn(rec commands.HistoryRecord) string {
	if rec.ErrorKind == "" {
		return ""
	}
	if rec.LastErrorKind != "" && rec.LastErrorKind != rec.ErrorKind {
		return fmt.Sprintf("%s (%s)", rec.ErrorKind, rec.LastErrorKind)
	}
	return string(rec.ErrorKind)
}

// BuildHistoryPDF renders a minimal PDF of the command history.
func BuildHistoryPDF(report HistoryReport) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Mower Command History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", report.DeviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("From: %s", report.From.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("To: %s", report.To.Format(time.RFC3339)))
	pdf.Ln(5)
	succeeded, failed, timedOut := report.counts()
	pdf.Cell(0, 6, fmt.Sprintf("Commands: %d (succeeded %d, failed %d, timed out %d)", len(report.Records), succeeded, failed, timedOut))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(45, 6, "Completed", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Kind", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Attempts", "1", 0, "C", false, 0, "")
	pdf.CellFormat(70, 6, "Error", "1", 0, "C", false, 0, "")
	pdf.CellFormat(80, 6, "Command ID", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, rec := range report.Records {
		pdf.CellFormat(45, 6, rec.CompletedAt.Format("2006-01-02 15:04:05"), "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 6, string(rec.Kind), "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, rec.Status, "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", rec.Attempts), "1", 0, "R", false, 0, "")
		pdf.CellFormat(70, 6, errorColumn(rec), "1", 0, "L", false, 0, "")
		pdf.CellFormat(80, 6, rec.CommandID, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryXLSX renders the command history as a workbook.
func BuildHistoryXLSX(report HistoryReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	commandsSheet := "commands"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(commandsSheet); err != nil {
		return nil, err
	}

	succeeded, failed, timedOut := report.counts()
	_ = f.SetCellValue(summarySheet, "A1", "Mower Command History")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", report.DeviceID)
	_ = f.SetCellValue(summarySheet, "A4", "From")
	_ = f.SetCellValue(summarySheet, "B4", report.From.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "To")
	_ = f.SetCellValue(summarySheet, "B5", report.To.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Commands")
	_ = f.SetCellValue(summarySheet, "B6", len(report.Records))
	_ = f.SetCellValue(summarySheet, "A7", "Succeeded")
	_ = f.SetCellValue(summarySheet, "B7", succeeded)
	_ = f.SetCellValue(summarySheet, "A8", "Failed")
	_ = f.SetCellValue(summarySheet, "B8", failed)
	_ = f.SetCellValue(summarySheet, "A9", "Timed out")
	_ = f.SetCellValue(summarySheet, "B9", timedOut)

	headers := []string{"Command ID", "Kind", "Status", "Error", "Last Error", "Detail", "Attempts", "Params", "Created", "Completed"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(commandsSheet, cell, h)
	}
	for i, rec := range report.Records {
		row := i + 2
		values := []any{
			rec.CommandID,
			string(rec.Kind),
			rec.Status,
			string(rec.ErrorKind),
			string(rec.LastErrorKind),
			rec.Detail,
			rec.Attempts,
			string(rec.Params),
			rec.CreatedAt.Format(time.RFC3339),
			rec.CompletedAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(commandsSheet, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
