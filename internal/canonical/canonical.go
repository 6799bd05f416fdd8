// Package canonical produces a deterministic, key-sorted JSON encoding of a
// payload so that HMAC signing is order-independent and reproducible.
//
// Both the signer and the verifier MUST go through this package - any
// divergence in encoding breaks every signature in flight.
package canonical

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// Canonicalize encodes v deterministically:
//   - object keys sorted lexicographically (byte order), recursively
//   - arrays keep their order
//   - strings escaped as JSON string literals
//   - NaN and +/-Inf render as null
//   - nil renders as null
//
// Structs and other marshalable values are routed through encoding/json
// first so map iteration order never leaks into the output.
func Canonicalize(v any) (string, error) {
	var buf bytes.Buffer
	if err := appendValue(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func appendValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		appendNumberString(buf, t.String())
	case float64:
		appendFloat(buf, t)
	case float32:
		appendFloat(buf, float64(t))
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		buf.WriteByte('{')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := appendValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// anything else (structs, typed slices/maps, integer aliases) goes
		// through encoding/json and back so we only ever walk plain values
		decoded, err := roundTrip(v)
		if err != nil {
			return err
		}
		return appendValue(buf, decoded)
	}
	return nil
}

// appendFloat matches the serializer contract: non-finite values map to null,
// finite values render exactly as encoding/json would. Plain decimal for the
// range standard JSON encoders keep in decimal, exponent form outside it, so
// a float64 handed to Canonicalize directly produces the same bytes as one
// that arrived through a JSON body.
func appendFloat(buf *bytes.Buffer, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		buf.WriteString("null")
		return
	}
	format := byte('f')
	if abs := math.Abs(f); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	out := strconv.AppendFloat(nil, f, format, -1, 64)
	if format == 'e' {
		// strconv pads small exponents (1e-07); encoding/json emits 1e-7
		if n := len(out); n >= 4 && out[n-4] == 'e' && out[n-3] == '-' && out[n-2] == '0' {
			out[n-2] = out[n-1]
			out = out[:n-1]
		}
	}
	buf.Write(out)
}

func appendNumberString(buf *bytes.Buffer, s string) {
	// json.Number preserves the literal token; pass it through untouched so
	// large integers never lose precision via float64
	if s == "" {
		buf.WriteString("null")
		return
	}
	buf.WriteString(s)
}

func roundTrip(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(err, "canonicalize: marshal payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, xerrors.Wrap(err, "canonicalize: decode payload")
	}
	return out, nil
}

// FromJSON canonicalizes raw JSON text (e.g. a request body) without the
// caller having to decode it first.
func FromJSON(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", xerrors.Wrap(err, "canonicalize: invalid json")
	}
	// reject trailing garbage after the first value
	if dec.More() {
		return "", xerrors.New("canonicalize: trailing data after json value")
	}
	return Canonicalize(v)
}
