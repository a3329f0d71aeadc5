package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind discriminates the insight value union.
type ValueKind string

const (
	ValueEmpty  ValueKind = ""
	ValueNumber ValueKind = "number"
	ValueText   ValueKind = "text"
	ValueBool   ValueKind = "bool"
	ValueJSON   ValueKind = "json"
)

// InsightValue is the typed union an atom carries: a scalar (number, text,
// bool) or an opaque structured JSON document. Aggregations coerce
// non-numeric kinds to 0 explicitly via Float.
type InsightValue struct {
	Kind   ValueKind
	Number float64
	Text   string
	Bool   bool
	Raw    json.RawMessage
}

func NumberValue(f float64) InsightValue { return InsightValue{Kind: ValueNumber, Number: f} }
func TextValue(s string) InsightValue    { return InsightValue{Kind: ValueText, Text: s} }
func BoolValue(b bool) InsightValue      { return InsightValue{Kind: ValueBool, Bool: b} }

// JSONValue wraps an already-serialized document. The bytes are kept as-is.
func JSONValue(raw json.RawMessage) InsightValue {
	return InsightValue{Kind: ValueJSON, Raw: raw}
}

// ValueOf builds an InsightValue from an arbitrary scalar or structure,
// e.g. a value scanned out of a warehouse row.
func ValueOf(x any) InsightValue {
	switch t := x.(type) {
	case nil:
		return InsightValue{}
	case InsightValue:
		return t
	case float64:
		return NumberValue(t)
	case float32:
		return NumberValue(float64(t))
	case int:
		return NumberValue(float64(t))
	case int32:
		return NumberValue(float64(t))
	case int64:
		return NumberValue(float64(t))
	case string:
		return TextValue(t)
	case bool:
		return BoolValue(t)
	case json.RawMessage:
		return JSONValue(append(json.RawMessage(nil), t...))
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return TextValue(fmt.Sprint(t))
		}
		return JSONValue(raw)
	}
}

// Float returns the numeric reading of the value. Non-numeric kinds report
// ok=false and coerce to 0.
func (v InsightValue) Float() (f float64, ok bool) {
	if v.Kind == ValueNumber {
		return v.Number, true
	}
	return 0, false
}

// IsZero reports whether the value is the empty union member.
func (v InsightValue) IsZero() bool { return v.Kind == ValueEmpty }

// MarshalJSON emits the underlying value, not the union envelope.
func (v InsightValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNumber:
		return json.Marshal(v.Number)
	case ValueText:
		return json.Marshal(v.Text)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueJSON:
		if len(v.Raw) == 0 {
			return []byte("null"), nil
		}
		return v.Raw, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON sniffs the JSON token type to rebuild the union member.
func (v *InsightValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("op=domain.InsightValue.UnmarshalJSON: empty input: %w", ErrInvalidArgument)
	}
	switch trimmed[0] {
	case 'n':
		*v = InsightValue{}
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("op=domain.InsightValue.UnmarshalJSON: %w", err)
		}
		*v = TextValue(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return fmt.Errorf("op=domain.InsightValue.UnmarshalJSON: %w", err)
		}
		*v = BoolValue(b)
		return nil
	case '{', '[':
		*v = JSONValue(append(json.RawMessage(nil), trimmed...))
		return nil
	default:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return fmt.Errorf("op=domain.InsightValue.UnmarshalJSON: %w", err)
		}
		*v = NumberValue(f)
		return nil
	}
}
