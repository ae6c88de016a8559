// Package unified implements the versioned columnar "stocks" table: payload
// reshaping, the columnar frame with its dtype rules, and a single-writer
// table engine over the object store.
package unified

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DType is a column data type. The frame knows exactly two: numeric columns
// are Float64, everything else is Utf8.
type DType string

// Column data types.
const (
	DTypeFloat64 DType = "float64"
	DTypeUtf8    DType = "utf8"
)

// Key column names. They form the composite key of the unified table and
// always keep their string type, even when all values are null.
const (
	ColTicker        = "ticker"
	ColRecordType    = "record_type"
	ColPeriodEndDate = "period_end_date"
)

// Record types distinguishing row shapes within the table.
const (
	RecordTypeFinancials = "financials"
	RecordTypeMetadata   = "metadata"
	RecordTypeTTM        = "ttm"
)

// nullStrings are payload values treated as true nulls, compared
// case-insensitively after trimming.
var nullStrings = map[string]bool{
	"N/A":  true,
	"NA":   true,
	"NULL": true,
	"NONE": true,
	"-":    true,
}

// ErrEmptyFrame indicates a frame with no rows where rows were required.
var ErrEmptyFrame = errors.New("frame has no rows")

type (
	// Row is one record keyed by column name. Values are nil, float64, or
	// string after normalization.
	Row map[string]any

	// Column pairs a name with its inferred dtype.
	Column struct {
		Name  string `json:"name"`
		DType DType  `json:"dtype"`
	}

	// Frame is an immutable columnar container. Columns are ordered: the three
	// key columns first, then the remaining names sorted, so serialized frames
	// are deterministic.
	Frame struct {
		columns []Column
		index   map[string]int
		rows    [][]any
	}

	// frameDocument is the serialized form stored in the table snapshots.
	frameDocument struct {
		Columns []Column `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}
)

// NormalizeNull maps null-marker strings to nil and leaves every other value
// untouched. Applied during row construction, before any dtype inference.
func NormalizeNull(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}

	if nullStrings[strings.ToUpper(strings.TrimSpace(s))] {
		return nil
	}

	return value
}

// NewFrame builds a frame from rows, inferring column dtypes.
//
// Inference rules: a column whose non-null values are all numeric becomes
// Float64 (integers are coerced); any string value makes it Utf8 with numbers
// reformatted; an all-null column becomes Utf8. Key columns are always Utf8.
func NewFrame(rows []Row) (*Frame, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyFrame
	}

	names := collectColumnNames(rows)

	f := &Frame{
		columns: make([]Column, 0, len(names)),
		index:   make(map[string]int, len(names)),
	}

	for _, name := range names {
		f.index[name] = len(f.columns)
		f.columns = append(f.columns, Column{Name: name, DType: inferDType(name, rows)})
	}

	f.rows = make([][]any, 0, len(rows))
	for _, row := range rows {
		values := make([]any, len(f.columns))
		for i, col := range f.columns {
			value, err := coerceValue(row[col.Name], col.DType)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			values[i] = value
		}
		f.rows = append(f.rows, values)
	}

	return f, nil
}

// collectColumnNames returns key columns first, then the rest sorted.
func collectColumnNames(rows []Row) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		for name := range row {
			seen[name] = true
		}
	}

	keys := []string{ColTicker, ColRecordType, ColPeriodEndDate}

	var rest []string
	for name := range seen {
		if name != ColTicker && name != ColRecordType && name != ColPeriodEndDate {
			rest = append(rest, name)
		}
	}

	sort.Strings(rest)

	return append(keys, rest...)
}

// inferDType applies the dtype rules to one column across all rows.
func inferDType(name string, rows []Row) DType {
	if name == ColTicker || name == ColRecordType || name == ColPeriodEndDate {
		return DTypeUtf8
	}

	sawValue := false
	numeric := true

	for _, row := range rows {
		value, ok := row[name]
		if !ok || value == nil {
			continue
		}

		sawValue = true

		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			numeric = false
		}
	}

	// All-null columns get Utf8 so the schema stays stable across merges.
	if !sawValue || !numeric {
		return DTypeUtf8
	}

	return DTypeFloat64
}

// coerceValue converts one raw value to the column dtype. Nil passes through.
func coerceValue(value any, dtype DType) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch dtype {
	case DTypeFloat64:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to float64", value)
		}
	case DTypeUtf8:
		switch v := value.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(v), 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case bool:
			return strconv.FormatBool(v), nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to utf8", value)
		}
	default:
		return nil, fmt.Errorf("unknown dtype %q", dtype)
	}
}

// NumRows returns the row count.
func (f *Frame) NumRows() int {
	return len(f.rows)
}

// Columns returns the ordered column schema.
func (f *Frame) Columns() []Column {
	out := make([]Column, len(f.columns))
	copy(out, f.columns)

	return out
}

// HasColumn reports whether the frame contains the named column.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.index[name]

	return ok
}

// Value returns the value at (row, column name); nil for unknown columns.
func (f *Frame) Value(row int, name string) any {
	i, ok := f.index[name]
	if !ok {
		return nil
	}

	return f.rows[row][i]
}

// Row materializes one row as a map. Nil values are included so callers can
// distinguish null from absent columns.
func (f *Frame) Row(i int) Row {
	row := make(Row, len(f.columns))
	for j, col := range f.columns {
		row[col.Name] = f.rows[i][j]
	}

	return row
}

// Rows materializes every row.
func (f *Frame) Rows() []Row {
	rows := make([]Row, f.NumRows())
	for i := range rows {
		rows[i] = f.Row(i)
	}

	return rows
}

// Select returns the rows matching the predicate, in frame order.
func (f *Frame) Select(match func(Row) bool) []Row {
	var out []Row
	for i := 0; i < f.NumRows(); i++ {
		row := f.Row(i)
		if match(row) {
			out = append(out, row)
		}
	}

	return out
}

// mergeKey identifies a row for the merge predicate. Nil period_end_date
// matches nil (NULL = NULL semantics).
type mergeKey struct {
	ticker     string
	recordType string
	periodEnd  string
	periodNull bool
}

func rowMergeKey(row Row) mergeKey {
	key := mergeKey{}

	if v, ok := row[ColTicker].(string); ok {
		key.ticker = v
	}
	if v, ok := row[ColRecordType].(string); ok {
		key.recordType = v
	}

	if v, ok := row[ColPeriodEndDate].(string); ok {
		key.periodEnd = v
	} else {
		key.periodNull = true
	}

	return key
}

// Merge applies source rows onto the frame with keyed upsert semantics:
// matched rows take every source column's value, unmatched source rows are
// appended. Target-only columns keep their values on matched rows. The result
// is a new frame with the union schema and re-inferred dtypes.
func (f *Frame) Merge(source *Frame) (*Frame, error) {
	targetRows := f.Rows()

	byKey := make(map[mergeKey]int, len(targetRows))
	for i, row := range targetRows {
		byKey[rowMergeKey(row)] = i
	}

	for _, srcRow := range source.Rows() {
		key := rowMergeKey(srcRow)

		if i, ok := byKey[key]; ok {
			for name, value := range srcRow {
				targetRows[i][name] = value
			}

			continue
		}

		byKey[key] = len(targetRows)
		targetRows = append(targetRows, srcRow)
	}

	return NewFrame(targetRows)
}

// MarshalJSON serializes the frame as a column schema plus row tuples.
func (f *Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(frameDocument{Columns: f.columns, Rows: f.rows})
}

// UnmarshalJSON restores a frame from its serialized form. Float64 columns
// are re-coerced because JSON decoding yields float64 for all numbers anyway;
// dtypes are taken from the document, not re-inferred.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var doc frameDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	f.columns = doc.Columns
	f.index = make(map[string]int, len(doc.Columns))
	for i, col := range doc.Columns {
		f.index[col.Name] = i
	}

	f.rows = doc.Rows

	return nil
}
