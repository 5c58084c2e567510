// Package dataset parses and validates uploaded RAG evaluation CSV files.
package dataset

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is returned by ValidationResult.Err when a file has blocking issues.
var ErrInvalid = errors.New("dataset is invalid")

// Severity classifies an Issue.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Issue codes of severity ERROR.
const (
	CodeEmptyFile       = "EMPTY_FILE"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeInvalidEncoding = "INVALID_ENCODING"
	CodeMalformedCSV    = "MALFORMED_CSV"
	CodeDuplicateColumn = "DUPLICATE_COLUMN"
	CodeMissingColumn   = "MISSING_COLUMN"
	CodeNoDataRows      = "NO_DATA_ROWS"
	CodeTooManyRows     = "TOO_MANY_ROWS"
	CodeEmptyValue      = "EMPTY_VALUE"
	CodeValueTooLong    = "VALUE_TOO_LONG"
)

// Issue codes of severity WARNING.
const (
	CodeUnmappedColumn = "UNMAPPED_COLUMN"
	CodeDuplicateRow   = "DUPLICATE_ROW"
	CodeBOMStripped    = "BOM_STRIPPED"
)

// Issue is a single validation finding. RowIndex is 1-based over data
// rows and zero for file-level issues.
type Issue struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	RowIndex   int      `json:"rowIndex,omitempty"`
	ColumnName string   `json:"columnName,omitempty"`
}

// ColumnMapping names the CSV columns that hold each field.
// Query, Response and GroundTruth are required.
type ColumnMapping struct {
	Query             string `json:"query"`
	Response          string `json:"response"`
	GroundTruth       string `json:"groundTruth"`
	RetrievedContexts string `json:"retrievedContexts,omitempty"`
	RelevantContexts  string `json:"relevantContexts,omitempty"`

	// Metadata maps a metadata key to its source column.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HasRetrieval reports whether both retrieval columns are mapped.
func (m *ColumnMapping) HasRetrieval() bool {
	return m != nil && m.RetrievedContexts != "" && m.RelevantContexts != ""
}

// DataRow is one evaluation case.
type DataRow struct {
	RowIndex    int               `json:"rowIndex"`
	Query       string            `json:"query"`
	Response    string            `json:"response"`
	GroundTruth string            `json:"groundTruth"`
	Retrieved   []string          `json:"retrieved,omitempty"`
	Relevant    []string          `json:"relevant,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Metadata describes the uploaded file.
type Metadata struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	Encoding    string `json:"encoding"`
	Delimiter   string `json:"delimiter"`
	HasHeader   bool   `json:"hasHeader"`
	ColumnCount int    `json:"columnCount"`
}

// ValidationResult reports what was found in a file.
type ValidationResult struct {
	Valid            bool                `json:"valid"`
	RowCount         int                 `json:"rowCount"`
	Columns          []string            `json:"columns"`
	DetectedMappings *ColumnMapping      `json:"detectedMappings,omitempty"`
	Preview          []map[string]string `json:"preview"`
	Warnings         []Issue             `json:"warnings"`
	Errors           []Issue             `json:"errors"`
	Metadata         *Metadata           `json:"metadata,omitempty"`
}

func newValidationResult() *ValidationResult {
	return &ValidationResult{
		Columns:  []string{},
		Preview:  []map[string]string{},
		Warnings: []Issue{},
		Errors:   []Issue{},
	}
}

func (r *ValidationResult) addError(code, column string, row int, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Severity:   SeverityError,
		RowIndex:   row,
		ColumnName: column,
	})
}

func (r *ValidationResult) addWarning(code, column string, row int, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Severity:   SeverityWarning,
		RowIndex:   row,
		ColumnName: column,
	})
}

// HasError reports whether an error with the given code was recorded.
func (r *ValidationResult) HasError(code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// Err returns nil for a valid result, otherwise an error wrapping
// ErrInvalid that describes the first problem.
func (r *ValidationResult) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	first := r.Errors[0]
	if len(r.Errors) == 1 {
		return fmt.Errorf("%w: %s: %s", ErrInvalid, first.Code, first.Message)
	}
	return fmt.Errorf("%w: %s: %s (and %d more)", ErrInvalid, first.Code, first.Message, len(r.Errors)-1)
}

// Dataset is a validated upload ready for calculation.
type Dataset struct {
	ID         string         `json:"id"`
	FileName   string         `json:"fileName"`
	UploadedAt time.Time      `json:"uploadedAt"`
	RowCount   int            `json:"rowCount"`
	Mappings   *ColumnMapping `json:"mappings"`
	Rows       []DataRow      `json:"rows"`
	Metadata   Metadata       `json:"metadata"`
}

// Limits bounds what a parser accepts.
type Limits struct {
	MaxFileBytes  int64
	MaxRows       int
	MaxFieldChars int
	PreviewRows   int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxFileBytes:  50 << 20,
		MaxRows:       10000,
		MaxFieldChars: 10000,
		PreviewRows:   10,
	}
}
