package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ctxCheckEvery is how many records are read between context checks.
const ctxCheckEvery = 500

// Parser validates and parses CSV uploads. It is safe for concurrent use.
type Parser struct {
	limits Limits
	now    func() time.Time
}

// NewParser creates a parser. Zero-valued limits fall back to DefaultLimits.
func NewParser(limits Limits) *Parser {
	def := DefaultLimits()
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = def.MaxFileBytes
	}
	if limits.MaxRows <= 0 {
		limits.MaxRows = def.MaxRows
	}
	if limits.MaxFieldChars <= 0 {
		limits.MaxFieldChars = def.MaxFieldChars
	}
	if limits.PreviewRows <= 0 {
		limits.PreviewRows = def.PreviewRows
	}
	return &Parser{limits: limits, now: time.Now}
}

// Limits returns the parser's effective limits.
func (p *Parser) Limits() Limits {
	return p.limits
}

// Validate checks the file without building a Dataset.
func (p *Parser) Validate(ctx context.Context, name string, r io.Reader) (*ValidationResult, error) {
	_, result, err := p.Parse(ctx, name, r, nil)
	return result, err
}

// Parse validates the file and, when it is valid, returns the parsed Dataset.
// A nil mapping is detected from the header. The returned error is only
// set for read failures and context cancellation; content problems are
// reported through the ValidationResult.
func (p *Parser) Parse(ctx context.Context, name string, r io.Reader, mapping *ColumnMapping) (*Dataset, *ValidationResult, error) {
	result := newValidationResult()

	data, err := io.ReadAll(io.LimitReader(r, p.limits.MaxFileBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", name, err)
	}
	meta := &Metadata{
		FileName:  name,
		FileSize:  int64(len(data)),
		Encoding:  "UTF-8",
		Delimiter: ",",
		HasHeader: true,
	}
	result.Metadata = meta

	if int64(len(data)) > p.limits.MaxFileBytes {
		result.addError(CodeFileTooLarge, "", 0, "file exceeds the maximum size of %d bytes", p.limits.MaxFileBytes)
		return nil, result, nil
	}
	if bytes.HasPrefix(data, utf8BOM) {
		data = data[len(utf8BOM):]
		result.addWarning(CodeBOMStripped, "", 0, "a UTF-8 byte order mark was removed")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		result.addError(CodeEmptyFile, "", 0, "file is empty")
		return nil, result, nil
	}
	if !utf8.Valid(data) {
		result.addError(CodeInvalidEncoding, "", 0, "file is not valid UTF-8")
		return nil, result, nil
	}

	delim := Sniff(data)
	meta.Delimiter = string(delim)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delim
	reader.FieldsPerRecord = 0

	var records [][]string
	for {
		if len(records)%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			row := 0
			if errors.As(err, &perr) && len(records) > 0 {
				row = len(records)
			}
			result.addError(CodeMalformedCSV, "", row, "%v", err)
			return nil, result, nil
		}
		records = append(records, record)
	}

	header := make([]string, len(records[0]))
	for i, col := range records[0] {
		header[i] = strings.TrimSpace(col)
	}
	return p.build(ctx, result, name, header, records[1:], mapping)
}

// FromRows builds a Dataset from already-split rows keyed by column name,
// as submitted to the JSON API. The column set is the union of all keys.
func (p *Parser) FromRows(ctx context.Context, name string, rows []map[string]string, mapping *ColumnMapping) (*Dataset, *ValidationResult, error) {
	result := newValidationResult()
	result.Metadata = &Metadata{FileName: name, Encoding: "UTF-8", HasHeader: true}
	if len(rows) == 0 {
		result.addError(CodeNoDataRows, "", 0, "no data rows were provided")
		return nil, result, nil
	}

	seen := map[string]bool{}
	var header []string
	for _, row := range rows {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				header = append(header, col)
			}
		}
	}
	sort.Strings(header)

	records := make([][]string, len(rows))
	for i, row := range rows {
		record := make([]string, len(header))
		for j, col := range header {
			record[j] = row[col]
		}
		records[i] = record
	}
	return p.build(ctx, result, name, header, records, mapping)
}

func (p *Parser) build(ctx context.Context, result *ValidationResult, name string, header []string, records [][]string, mapping *ColumnMapping) (*Dataset, *ValidationResult, error) {
	result.Columns = header
	result.Metadata.ColumnCount = len(header)

	index := make(map[string]int, len(header))
	seenNorm := map[string]string{}
	for i, col := range header {
		if col == "" {
			result.addError(CodeMalformedCSV, "", 0, "header column %d has no name", i+1)
			continue
		}
		norm := normalizeColumn(col)
		if prev, dup := seenNorm[norm]; dup {
			result.addError(CodeDuplicateColumn, col, 0, "column %q duplicates %q", col, prev)
			continue
		}
		seenNorm[norm] = col
		index[col] = i
	}

	if mapping == nil {
		mapping = detect(header)
		for _, r := range missingRoles(mapping) {
			result.addError(CodeMissingColumn, "", 0, "no column found for %s", roleNames[r])
		}
	} else {
		for _, r := range missingRoles(mapping) {
			result.addError(CodeMissingColumn, "", 0, "mapping does not name a %s column", roleNames[r])
		}
		for _, r := range allRoles {
			col := mapping.get(r)
			if _, ok := index[col]; col != "" && !ok {
				result.addError(CodeMissingColumn, col, 0, "mapped %s column %q is not in the file", roleNames[r], col)
			}
		}
		for key, col := range mapping.Metadata {
			if _, ok := index[col]; !ok {
				result.addError(CodeMissingColumn, col, 0, "metadata column %q for key %q is not in the file", col, key)
			}
		}
	}
	result.DetectedMappings = mapping
	result.RowCount = len(records)

	if len(records) == 0 {
		result.addError(CodeNoDataRows, "", 0, "file has a header but no data rows")
	}
	if len(records) > p.limits.MaxRows {
		result.addError(CodeTooManyRows, "", 0, "file has %d data rows, the maximum is %d", len(records), p.limits.MaxRows)
	}

	for i := 0; i < len(records) && i < p.limits.PreviewRows; i++ {
		preview := make(map[string]string, len(header))
		for j, col := range header {
			if j < len(records[i]) {
				preview[col] = records[i][j]
			}
		}
		result.Preview = append(result.Preview, preview)
	}

	// Structural problems make row checks meaningless.
	if len(result.Errors) > 0 {
		result.Valid = false
		return nil, result, nil
	}

	roleColumns := map[string]bool{}
	for _, r := range allRoles {
		if col := mapping.get(r); col != "" {
			roleColumns[col] = true
		}
	}
	metaKeys := map[string]string{}
	for key, col := range mapping.Metadata {
		metaKeys[col] = key
	}
	for _, col := range header {
		if roleColumns[col] {
			continue
		}
		if _, ok := metaKeys[col]; !ok {
			metaKeys[col] = col
		}
		result.addWarning(CodeUnmappedColumn, col, 0, "column %q is not used for metrics and is kept as metadata", col)
	}

	cell := func(record []string, col string) string {
		if col == "" {
			return ""
		}
		if i, ok := index[col]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}

	rows := make([]DataRow, 0, len(records))
	seenRows := map[string]int{}
	for i, record := range records {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		rowIndex := i + 1
		row := DataRow{
			RowIndex:    rowIndex,
			Query:       strings.TrimSpace(cell(record, mapping.Query)),
			Response:    strings.TrimSpace(cell(record, mapping.Response)),
			GroundTruth: strings.TrimSpace(cell(record, mapping.GroundTruth)),
			Retrieved:   splitContexts(cell(record, mapping.RetrievedContexts)),
			Relevant:    splitContexts(cell(record, mapping.RelevantContexts)),
		}

		for _, field := range []struct {
			col   string
			value string
		}{
			{mapping.Query, row.Query},
			{mapping.Response, row.Response},
			{mapping.GroundTruth, row.GroundTruth},
		} {
			switch n := utf8.RuneCountInString(field.value); {
			case n == 0:
				result.addError(CodeEmptyValue, field.col, rowIndex, "row %d has an empty %q value", rowIndex, field.col)
			case n > p.limits.MaxFieldChars:
				result.addError(CodeValueTooLong, field.col, rowIndex, "row %d %q is %d characters, the maximum is %d", rowIndex, field.col, n, p.limits.MaxFieldChars)
			}
		}

		for col, key := range metaKeys {
			if v := cell(record, col); v != "" {
				if row.Metadata == nil {
					row.Metadata = map[string]string{}
				}
				row.Metadata[key] = v
			}
		}

		dupKey := row.Query + "\x00" + row.Response + "\x00" + row.GroundTruth
		if first, dup := seenRows[dupKey]; dup {
			result.addWarning(CodeDuplicateRow, "", rowIndex, "row %d duplicates row %d", rowIndex, first)
		} else {
			seenRows[dupKey] = rowIndex
		}
		rows = append(rows, row)
	}

	result.Valid = len(result.Errors) == 0
	if !result.Valid {
		return nil, result, nil
	}

	return &Dataset{
		ID:         uuid.NewString(),
		FileName:   name,
		UploadedAt: p.now().UTC(),
		RowCount:   len(rows),
		Mappings:   mapping,
		Rows:       rows,
		Metadata:   *result.Metadata,
	}, result, nil
}

// splitContexts reads a retrieval cell. A JSON array of strings is
// accepted; otherwise the cell is split on '|'.
func splitContexts(cell string) []string {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	var parts []string
	if strings.HasPrefix(cell, "[") {
		var list []string
		if err := json.Unmarshal([]byte(cell), &list); err == nil {
			parts = list
		}
	}
	if parts == nil {
		parts = strings.Split(cell, "|")
	}

	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
