package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// MarshalCanonical returns deterministic JSON bytes for an arbitrary JSON-like value.
// Rules:
//   - Objects: keys NFC-normalized and sorted bytewise; duplicate keys after normalization fail.
//   - Arrays: order preserved.
//   - Strings: NFC-normalized, no HTML escaping.
//   - Numbers: integers in base 10, other values in shortest round-trip form, so 1, 1.0
//     and json.Number("1.0") all encode as 1. float32 keeps the digits encoding/json
//     prints for it. NaN and Inf are rejected.
//   - time.Time: the RFC3339Nano string encoding/json writes, offset preserved.
//   - Anything else goes through encoding/json and is re-decoded with UseNumber.
//
// Every failure wraps models.ErrSerialization.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	e := &encoder{buf: &buf, active: make(map[uintptr]struct{})}
	if err := e.encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

type encoder struct {
	buf *bytes.Buffer
	// active holds the maps and slices on the current descent path.
	active map[uintptr]struct{}
}

func (e *encoder) encode(v any) error {
	switch vv := v.(type) {
	case nil:
		e.buf.WriteString("null")
	case bool:
		if vv {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
	case string:
		e.writeString(vv)
	case json.Number:
		s, err := normalizeNumber(vv.String())
		if err != nil {
			return err
		}
		e.buf.WriteString(s)
	case float64:
		return e.writeFloat(vv)
	case float32:
		// encoding/json prints float32 at 32-bit precision; hash what it writes.
		if math.IsNaN(float64(vv)) || math.IsInf(float64(vv), 0) {
			return fmt.Errorf("unsupported number %v", vv)
		}
		b, err := json.Marshal(vv)
		if err != nil {
			return err
		}
		n, err := normalizeNumber(string(b))
		if err != nil {
			return err
		}
		e.buf.WriteString(n)
	case int:
		e.buf.WriteString(strconv.FormatInt(int64(vv), 10))
	case int8:
		e.buf.WriteString(strconv.FormatInt(int64(vv), 10))
	case int16:
		e.buf.WriteString(strconv.FormatInt(int64(vv), 10))
	case int32:
		e.buf.WriteString(strconv.FormatInt(int64(vv), 10))
	case int64:
		e.buf.WriteString(strconv.FormatInt(vv, 10))
	case uint:
		e.buf.WriteString(strconv.FormatUint(uint64(vv), 10))
	case uint8:
		e.buf.WriteString(strconv.FormatUint(uint64(vv), 10))
	case uint16:
		e.buf.WriteString(strconv.FormatUint(uint64(vv), 10))
	case uint32:
		e.buf.WriteString(strconv.FormatUint(uint64(vv), 10))
	case uint64:
		e.buf.WriteString(strconv.FormatUint(vv, 10))
	case time.Time:
		// Same text encoding/json writes, offset included, so a decoded copy hashes equal.
		b, err := vv.MarshalText()
		if err != nil {
			return err
		}
		e.writeString(string(b))
	case []any:
		if err := e.enter(vv); err != nil {
			return err
		}
		defer e.leave(vv)

		e.buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				e.buf.WriteByte(',')
			}
			if err := e.encode(elem); err != nil {
				return err
			}
		}
		e.buf.WriteByte(']')
	case map[string]any:
		if err := e.enter(vv); err != nil {
			return err
		}
		defer e.leave(vv)

		keys := make([]string, 0, len(vv))
		normalized := make(map[string]string, len(vv))
		for k := range vv {
			nk := norm.NFC.String(k)
			if _, dup := normalized[nk]; dup {
				return fmt.Errorf("duplicate object key %q after normalization", nk)
			}
			normalized[nk] = k
			keys = append(keys, nk)
		}
		sort.Strings(keys)

		e.buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				e.buf.WriteByte(',')
			}
			e.writeString(k)
			e.buf.WriteByte(':')
			if err := e.encode(vv[normalized[k]]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		e.buf.WriteByte('}')
	default:
		return e.encodeFallback(v)
	}
	return nil
}

// encodeFallback marshals through encoding/json, re-decodes into generic values with
// UseNumber, then encodes recursively. encoding/json rejects funcs, channels, complex
// numbers and pointer cycles for us.
func (e *encoder) encodeFallback(v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return fmt.Errorf("unsupported value of type %T", v)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	var tmp any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&tmp); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return e.encode(tmp)
}

func (e *encoder) enter(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Len() == 0 {
		return nil
	}
	p := rv.Pointer()
	if _, seen := e.active[p]; seen {
		return errors.New("circular reference")
	}
	e.active[p] = struct{}{}
	return nil
}

func (e *encoder) leave(v any) {
	rv := reflect.ValueOf(v)
	if rv.Len() == 0 {
		return
	}
	delete(e.active, rv.Pointer())
}

func (e *encoder) writeString(s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(norm.NFC.String(s))
	e.buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}

func (e *encoder) writeFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("unsupported number %v", f)
	}
	e.buf.WriteString(formatFloat(f))
	return nil
}

// formatFloat uses the same shortest round-trip rules as encoding/json (ES6 number
// formatting), which prints integral values without a fraction.
func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	b, _ := json.Marshal(f)
	return string(b)
}

// normalizeNumber maps a JSON number literal onto the form a float64 or integer of the
// same value would produce, so numbers survive round-trips through databases that
// rewrite them (e.g. jsonb turning 1 into 1.0).
func normalizeNumber(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty number")
	}
	if !strings.ContainsAny(s, ".eE") {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return "", fmt.Errorf("invalid number %q", s)
		}
		return n.String(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("invalid number %q: %w", s, err)
	}
	if math.IsInf(f, 0) {
		return "", fmt.Errorf("number %q out of range", s)
	}
	return formatFloat(f), nil
}
