// Package bulk implements the file-driven pipeline: parse, resolve, expand,
// deduplicate, preview, execute.
package bulk

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vikyol/awsideman/internal/core"
)

// Record is one parsed input row before resolution. The optional identifier
// fields let callers pre-resolve and skip the lookup.
type Record struct {
	PrincipalName     string `json:"principal_name" validate:"required"`
	PrincipalType     string `json:"principal_type,omitempty" validate:"omitempty,oneof=USER GROUP"`
	PermissionSetName string `json:"permission_set_name" validate:"required"`
	AccountName       string `json:"account_name" validate:"required"`

	PrincipalID      string `json:"principal_id,omitempty"`
	PermissionSetArn string `json:"permission_set_arn,omitempty"`
	AccountID        string `json:"account_id,omitempty" validate:"omitempty,len=12,numeric"`

	// Row is the 1-based source position for error reporting.
	Row int `json:"-"`
}

// Type returns the principal type, defaulting to USER.
func (r *Record) Type() core.PrincipalType {
	if strings.EqualFold(r.PrincipalType, string(core.PrincipalGroup)) {
		return core.PrincipalGroup
	}
	return core.PrincipalUser
}

// RowError ties a validation failure to its source row.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

// ParseError aggregates every row-level problem in a file, so the operator
// fixes the whole file in one pass instead of one error at a time.
type ParseError struct {
	File string
	Rows []RowError
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %d invalid rows (first: %v)", e.File, len(e.Rows), e.Rows[0])
}

var validate = validator.New()

// ParseFile reads a bulk input file, detecting the format from the extension.
// All row-level errors are collected before the file is rejected.
func ParseFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input file: %w", err)
	}
	defer f.Close()

	var records []Record
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		records, err = parseCSV(f)
	case ".json":
		records, err = parseJSON(f)
	default:
		return nil, core.NewValidationError("file", "unsupported input format %q (expected .csv or .json)", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	var rowErrs []RowError
	for i := range records {
		if err := validate.Struct(&records[i]); err != nil {
			rowErrs = append(rowErrs, RowError{Row: records[i].Row, Err: simplifyValidation(err)})
		}
	}
	if len(rowErrs) > 0 {
		return nil, &ParseError{File: path, Rows: rowErrs}
	}
	return records, nil
}

// canonical header names: snake_case and kebab-case are both accepted.
func canonicalHeader(h string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), "-", "_")
}

func parseCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, core.NewValidationError("file", "input file is empty")
		}
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[canonicalHeader(h)] = i
	}
	for _, required := range []string{"principal_name", "permission_set_name", "account_name"} {
		if _, ok := cols[required]; !ok {
			return nil, core.NewValidationError("header", "missing required column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []Record
	line := 1
	for {
		row, err := reader.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row %d: %w", line, err)
		}
		if isBlank(row) {
			continue
		}
		records = append(records, Record{
			PrincipalName:     field(row, "principal_name"),
			PrincipalType:     strings.ToUpper(field(row, "principal_type")),
			PermissionSetName: field(row, "permission_set_name"),
			AccountName:       field(row, "account_name"),
			PrincipalID:       field(row, "principal_id"),
			PermissionSetArn:  field(row, "permission_set_arn"),
			AccountID:         field(row, "account_id"),
			Row:               line,
		})
	}
	return records, nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// jsonDocument is the wrapper object bulk JSON files use.
type jsonDocument struct {
	Assignments []Record `json:"assignments"`
}

func parseJSON(r io.Reader) ([]Record, error) {
	var doc jsonDocument
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, core.NewValidationError("file", "invalid JSON input: %v", err)
	}
	for i := range doc.Assignments {
		doc.Assignments[i].Row = i + 1
		doc.Assignments[i].PrincipalType = strings.ToUpper(doc.Assignments[i].PrincipalType)
	}
	return doc.Assignments, nil
}

// simplifyValidation converts validator's error chain into a short message.
func simplifyValidation(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return fmt.Errorf("missing %s", snakeField(fe.Field()))
		case "oneof":
			return fmt.Errorf("%s must be one of %s", snakeField(fe.Field()), fe.Param())
		case "len", "numeric":
			return fmt.Errorf("%s must be a 12-digit account id", snakeField(fe.Field()))
		}
		return fmt.Errorf("invalid %s", snakeField(fe.Field()))
	}
	return err
}

func snakeField(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
