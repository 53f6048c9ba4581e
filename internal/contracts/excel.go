package contracts

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

// headerAliases maps spreadsheet column headers onto contract fields
var headerAliases = map[string]string{
	"id":              "id",
	"operation_id":    "id",
	"method":          "method",
	"verb":            "method",
	"http_method":     "method",
	"path":            "path",
	"endpoint":        "path",
	"url":             "path",
	"service":         "service",
	"version":         "version",
	"auth":            "auth",
	"owner":           "owner",
	"request":         "request",
	"request_schema":  "request",
	"response":        "response",
	"response_schema": "response",
	"errors":          "errors",
	"error_codes":     "errors",
	"rate_limit":      "rate_limit",
	"tests":           "tests",
}

// ExcelOptions selects the sheet to read and renames columns before the
// header aliases apply
type ExcelOptions struct {
	Sheet     string
	ColumnMap map[string]string
}

// LoadExcel reads one contract per row of an API sheet. The first row
// names the columns; unknown columns are ignored and blank rows skipped.
func LoadExcel(path string, opts ExcelOptions) ([]models.Contract, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.FileSystemErrorf(err, "open workbook %s", path)
	}
	defer f.Close()

	sheet := opts.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.ValidationErrorf("workbook %s has no sheets", path)
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, errors.SeverityHigh, "read sheet %q of %s", sheet, path)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	columns := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		columns[i] = columnField(h, opts.ColumnMap)
	}

	var out []models.Contract
	for _, row := range rows[1:] {
		c, ok := rowContract(columns, row)
		if !ok {
			continue
		}
		out = append(out, c)
	}

	out, err = normalize(out)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, errors.SeverityHigh, "parse contracts %s", path)
	}
	for i := range out {
		out[i].Source = path
	}
	return out, nil
}

func columnField(header string, rename map[string]string) string {
	h := strings.TrimSpace(header)
	if to, ok := rename[h]; ok {
		h = to
	}
	key := strings.ToLower(strings.Join(strings.Fields(h), "_"))
	key = strings.ReplaceAll(key, "-", "_")
	return headerAliases[key]
}

func rowContract(columns []string, row []string) (models.Contract, bool) {
	var c models.Contract
	blank := true
	for i, cell := range row {
		if i >= len(columns) || columns[i] == "" {
			continue
		}
		v := strings.TrimSpace(cell)
		if v == "" {
			continue
		}
		blank = false
		switch columns[i] {
		case "id":
			c.ID = v
		case "method":
			c.Method = v
		case "path":
			c.Path = v
		case "service":
			c.Service = v
		case "version":
			c.Version = v
		case "auth":
			c.Auth = v
		case "owner":
			c.Owner = v
		case "request":
			c.Request = compactJSON(v)
		case "response":
			c.Response = compactJSON(v)
		case "errors":
			c.Errors = splitList(v)
		case "rate_limit":
			c.RateLimit = v
		case "tests":
			c.Tests = splitList(v)
		}
	}
	return c, !blank
}

// compactJSON rewrites JSON schema cells on one line and leaves anything
// else untouched
func compactJSON(v string) string {
	if !strings.HasPrefix(v, "{") && !strings.HasPrefix(v, "[") {
		return v
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(v)); err != nil {
		return v
	}
	return buf.String()
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
