package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize serializes a payload into the stable byte form used as hash
// input. Logically identical payloads always produce identical bytes:
//
//   - keys are sorted lexicographically,
//   - strings are JSON-escaped,
//   - every numeric value is normalized through float64 and rendered with
//     the shortest round-trip decimal representation (no exponent form),
//   - nil values are encoded as the explicit `null` sentinel.
//
// The float64 normalization means integers above 2^53 lose precision, but it
// guarantees that a payload read back from a JSON store re-canonicalizes to
// the same bytes regardless of how the store rendered the number.
//
// Nested maps and slices are rejected: ingestion flattens structures before
// they reach the ledger.
func Canonicalize(payload FieldMap) ([]byte, error) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, k)
		b.WriteByte(':')
		if err := writeValue(&b, k, payload[k]); err != nil {
			return nil, err
		}
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func writeValue(b *strings.Builder, field string, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		writeJSONString(b, val)
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case float64:
		return writeNumber(b, field, val)
	case float32:
		return writeNumber(b, field, float64(val))
	case int:
		return writeNumber(b, field, float64(val))
	case int32:
		return writeNumber(b, field, float64(val))
	case int64:
		return writeNumber(b, field, float64(val))
	case uint:
		return writeNumber(b, field, float64(val))
	case uint32:
		return writeNumber(b, field, float64(val))
	case uint64:
		return writeNumber(b, field, float64(val))
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return &CanonicalizationError{Field: field, Detail: fmt.Sprintf("invalid number %q", val.String())}
		}
		return writeNumber(b, field, f)
	default:
		return &CanonicalizationError{
			Field:  field,
			Detail: fmt.Sprintf("unsupported type %T; flatten nested structures before ingestion", v),
		}
	}
	return nil
}

func writeNumber(b *strings.Builder, field string, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &CanonicalizationError{Field: field, Detail: "non-finite number"}
	}
	b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

func writeJSONString(b *strings.Builder, s string) {
	enc, _ := json.Marshal(s) // marshalling a string cannot fail
	b.Write(enc)
}
