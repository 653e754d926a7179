package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"

	"voicebridge/internal/domain"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format: use .csv, .xls or .xlsx")
	ErrNoPhoneColumn     = errors.New("file must have a 'phone_number' column (or equivalent)")
)

var phoneAliases = []string{"telefono", "teléfono", "numero", "número", "phone"}

// ParseRecipients reads a recipient sheet. Fully blank rows are skipped;
// rows with a blank phone are kept so the dispatcher can report them.
func ParseRecipients(filename string, r io.Reader) ([]domain.Recipient, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		rows, err = readCSV(r)
	case ".xlsx", ".xls":
		rows, err = readSheet(r)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNoRecipients
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = normalizeHeader(h)
	}
	phoneCol := phoneColumn(header)
	if phoneCol < 0 {
		return nil, ErrNoPhoneColumn
	}

	var out []domain.Recipient
	for _, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		rec := domain.Recipient{Fields: map[string]string{}}
		for i, key := range header {
			val := ""
			if i < len(row) {
				val = strings.TrimSpace(row[i])
			}
			if i == phoneCol {
				rec.PhoneNumber = val
				continue
			}
			if val == "" || key == "" {
				continue
			}
			rec.Fields[fieldKey(key)] = val
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, domain.ErrNoRecipients
	}
	return out, nil
}

// encoding/csv covers the format fully; no pack library reads CSV.
func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}

// readSheet reads the first sheet. Legacy binary .xls workbooks are not
// readable by excelize and fail with a descriptive error.
func readSheet(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("read spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("read spreadsheet: workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read spreadsheet: %w", err)
	}
	return rows, nil
}

// normalizeHeader drops punctuation, turns whitespace runs into "_" and
// lowercases.
func normalizeHeader(h string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			if space && b.Len() > 0 {
				b.WriteByte('_')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func phoneColumn(header []string) int {
	for i, h := range header {
		if h == "phone_number" {
			return i
		}
	}
	for _, alias := range phoneAliases {
		for i, h := range header {
			if h == alias {
				return i
			}
		}
	}
	return -1
}

func fieldKey(header string) string {
	k := strings.ReplaceAll(header, "_", "")
	switch k {
	case "name":
		return "name"
	case "lastname":
		return "last_name"
	}
	return k
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
