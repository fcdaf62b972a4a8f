package export

import (
	"bytes"
	"io"
	"strings"

	"claimdesk.org/internal/expense"
)

// Header is the first line of every export.
var Header = []string{
	"ID", "Employee Name", "Employee ID", "Date", "Title", "Category",
	"Amount", "Currency", "Status", "Description", "Receipt URL",
}

// alwaysQuoted marks the free-text columns that are quoted even when they need not be.
var alwaysQuoted = map[int]bool{1: true, 4: true, 9: true}

// CSV renders rows in the order given.
func CSV(rows []expense.Expense) []byte {
	var buf bytes.Buffer
	_ = Write(&buf, rows)
	return buf.Bytes()
}

// Write streams the export to w.
func Write(w io.Writer, rows []expense.Expense) error {
	if err := writeRecord(w, Header, nil); err != nil {
		return err
	}
	for _, e := range rows {
		rec := []string{
			e.ID,
			e.EmployeeName,
			e.EmployeeID,
			e.Date.String(),
			e.Title,
			string(e.Category),
			e.Amount.String(),
			e.Currency,
			string(e.Status),
			e.Description,
			e.ReceiptURL,
		}
		if err := writeRecord(w, rec, alwaysQuoted); err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(w io.Writer, fields []string, quoted map[int]bool) error {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		if quoted[i] || needsQuotes(f) {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(f, `"`, `""`))
			b.WriteByte('"')
			continue
		}
		b.WriteString(f)
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func needsQuotes(f string) bool {
	return strings.ContainsAny(f, ",\"\r\n") || strings.HasPrefix(f, " ")
}
