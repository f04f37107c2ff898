package querykey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"time"
)

type undefined struct{}

// Undefined marks a map entry as absent. Entries holding it are dropped from the
// canonical form, so {"a": Undefined} and {} are the same arguments.
var Undefined = undefined{}

// Canonical encodes v as canonical JSON: object keys sorted at every level, no
// insignificant whitespace, no HTML escaping, numbers in a single form (1 and 1.0 are
// equal), and wrapper types (time, big numbers, json.Number, raw JSON) reduced to
// primitives.
func Canonical(v any) ([]byte, error) {
	n, keep, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if !keep {
		buf.WriteString("null")
		return buf.Bytes(), nil
	}
	if err := write(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize reduces v to nil, bool, string, json.Number, []any and map[string]any. keep
// is false for Undefined.
func normalize(v any) (any, bool, error) {
	switch x := v.(type) {
	case nil:
		return nil, true, nil
	case undefined:
		return nil, false, nil
	case bool, string:
		return x, true, nil
	case json.Number:
		n, err := number(x)
		return n, true, err
	case int:
		return json.Number(strconv.FormatInt(int64(x), 10)), true, nil
	case int8:
		return json.Number(strconv.FormatInt(int64(x), 10)), true, nil
	case int16:
		return json.Number(strconv.FormatInt(int64(x), 10)), true, nil
	case int32:
		return json.Number(strconv.FormatInt(int64(x), 10)), true, nil
	case int64:
		return json.Number(strconv.FormatInt(x, 10)), true, nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(x), 10)), true, nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(x), 10)), true, nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(x), 10)), true, nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(x), 10)), true, nil
	case uint64:
		return json.Number(strconv.FormatUint(x, 10)), true, nil
	case float32:
		return float(float64(x)), true, nil
	case float64:
		return float(x), true, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true, nil
	case *time.Time:
		if x == nil {
			return nil, true, nil
		}
		return x.UTC().Format(time.RFC3339Nano), true, nil
	case *big.Int:
		if x == nil {
			return nil, true, nil
		}
		return x.String(), true, nil
	case *big.Float:
		if x == nil {
			return nil, true, nil
		}
		return x.Text('g', -1), true, nil
	case *big.Rat:
		if x == nil {
			return nil, true, nil
		}
		return x.RatString(), true, nil
	case json.RawMessage:
		return normalizeJSON(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			n, keep, err := normalize(elem)
			if err != nil {
				return nil, false, fmt.Errorf("object[%q]: %w", k, err)
			}
			if keep {
				out[k] = n
			}
		}
		return out, true, nil
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			n, _, err := normalize(elem)
			if err != nil {
				return nil, false, fmt.Errorf("array[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, true, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("unsupported argument of type %T: %w", v, err)
	}
	return normalizeJSON(b)
}

func normalizeJSON(b []byte) (any, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, false, err
	}
	return normalize(decoded)
}

// number returns the single canonical spelling of a JSON number.
func number(n json.Number) (any, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", n)
	}
	return float(f), nil
}

// float spells integral floats like integers and non-finite floats as strings, since
// JSON has no literal for them.
func float(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == math.Trunc(f) && math.Abs(f) < 1<<53:
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

func write(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case json.Number:
		buf.WriteString(string(x))
	case string:
		return writeString(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, elem := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := write(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unexpected normalized value %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
