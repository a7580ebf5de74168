package sqlhost

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Kind tags the variant carried by a Value, per §4.3's row model.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
	KindDate
	KindBigInt
)

// Value is one cell of a result row: an ordered tagged value as
// described in §4.3 ("a row is an ordered tuple of tagged values").
type Value struct {
	Kind    Kind
	Integer int64
	Real    float64
	Text    string
	Blob    []byte
	Date    int64  // milliseconds since epoch
	BigInt  string // decimal string, for values outside int64 range
}

// Null is the zero Value with KindNull made explicit.
func Null() Value { return Value{Kind: KindNull} }

func IntegerValue(v int64) Value { return Value{Kind: KindInteger, Integer: v} }
func RealValue(v float64) Value  { return Value{Kind: KindReal, Real: v} }
func TextValue(v string) Value   { return Value{Kind: KindText, Text: v} }
func BlobValue(v []byte) Value   { return Value{Kind: KindBlob, Blob: v} }
func DateValue(t time.Time) Value {
	return Value{Kind: KindDate, Date: t.UnixMilli()}
}
func BigIntValue(decimal string) Value { return Value{Kind: KindBigInt, BigInt: decimal} }

// fromDriverValue converts a value produced by database/sql scanning
// into our tagged Value. database/sql already narrows driver.Value to
// {nil, int64, float64, bool, []byte, string, time.Time}.
func fromDriverValue(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case int64:
		return IntegerValue(t)
	case float64:
		return RealValue(t)
	case bool:
		if t {
			return IntegerValue(1)
		}
		return IntegerValue(0)
	case []byte:
		return BlobValue(append([]byte(nil), t...))
	case string:
		return TextValue(t)
	case time.Time:
		return DateValue(t)
	default:
		return TextValue(fmt.Sprintf("%v", t))
	}
}

// toDriverValue converts a bound parameter Value into the subset of
// types database/sql accepts for positional binding.
func toDriverValue(v Value) (driver.Value, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindInteger:
		return v.Integer, nil
	case KindReal:
		return v.Real, nil
	case KindText:
		return v.Text, nil
	case KindBlob:
		return v.Blob, nil
	case KindDate:
		return time.UnixMilli(v.Date).UTC(), nil
	case KindBigInt:
		// SQLite has no native decimal type; §4.3 carries BigInt as a
		// decimal string end to end, so it is bound and stored as text.
		return v.BigInt, nil
	default:
		return nil, fmt.Errorf("sqlhost: unknown value kind %d", v.Kind)
	}
}

// Row is one result row, ordered per the statement's column list.
type Row []Value

// QueryResult is the return shape of execute/execute_with_params/
// execute_statement (§4.3).
type QueryResult struct {
	Columns      []string
	Rows         []Row
	RowsAffected int64
	LastInsertID int64
	Elapsed      time.Duration
}
