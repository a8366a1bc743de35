/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package canonical produces the deterministic byte encoding that terminals and the
// relay both hash to build payload checksums and idempotency keys.
//
// Encoding rules:
//   - objects are written with keys sorted by byte order, arrays keep element order
//   - numbers are written as plain decimals: no exponent, no trailing fractional zeros,
//     no leading plus sign, and negative zero collapses to 0
//   - numbers whose plain form would exceed MaxNumberDigits digits are rejected
//   - strings use JSON escaping without HTML escaping
//   - no insignificant whitespace
//   - any key named in ChecksumFields is dropped at every depth
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnsupportedType is returned when a value has no canonical form.
var ErrUnsupportedType = errors.New("canonical: unsupported type")

// MaxNumberDigits bounds the plain decimal form of a number. A short exponent literal
// such as 1e50000000 would otherwise expand to millions of digits.
const MaxNumberDigits = 100

// maxNumberLength bounds the JSON text of a single number.
const maxNumberLength = 2 * MaxNumberDigits

// ChecksumFields lists the keys that never take part in a checksum.
var ChecksumFields = map[string]struct{}{
	"payload_checksum":     {},
	"checksum":             {},
	"submission_checksum":  {},
	"transaction_checksum": {},
}

// Canonical is implemented by typed records that know how to present themselves as a
// tree of maps, slices and scalars.
type Canonical interface {
	CanonicalValue() any
}

// Canonicalize returns the canonical encoding of v.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Checksum returns the lowercase hex SHA-256 of the canonical encoding of v.
func Checksum(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the checksum of v, ignoring checksum fields, and compares it with
// expected case-insensitively. An empty expected value never verifies.
func Verify(v any, expected string) (bool, error) {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false, nil
	}
	actual, err := Checksum(v)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

// Decode parses JSON into the generic tree Canonicalize accepts, keeping numbers as
// json.Number so that no float rounding happens before encoding. Numbers without a
// bounded canonical form are rejected here, before anything parses them further.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("canonical: trailing data after JSON value")
	}
	if err := checkNumbers(v); err != nil {
		return nil, err
	}
	return v, nil
}

func checkNumbers(v any) error {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if err := checkNumbers(child); err != nil {
				return fmt.Errorf("field %q: %w", k, err)
			}
		}
	case []any:
		for i, child := range t {
			if err := checkNumbers(child); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	case json.Number:
		_, err := parseNumber(t.String())
		return err
	}
	return nil
}

func write(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case Canonical:
		return write(buf, t.CanonicalValue())
	case map[string]any:
		return writeObject(buf, t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return writeObject(buf, m)
	case []any:
		return writeArray(buf, len(t), func(i int) any { return t[i] })
	case []string:
		return writeArray(buf, len(t), func(i int) any { return t[i] })
	case []map[string]any:
		return writeArray(buf, len(t), func(i int) any { return t[i] })
	case string:
		return writeString(buf, t)
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return writeNumber(buf, t.String())
	case decimal.Decimal:
		return writeDecimal(buf, t)
	case *decimal.Decimal:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		return writeDecimal(buf, *t)
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case float32:
		return writeFloat(buf, float64(t))
	case float64:
		return writeFloat(buf, t)
	case time.Time:
		return writeString(buf, t.UTC().Format(time.RFC3339Nano))
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		if _, skip := ChecksumFields[k]; skip {
			continue
		}
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
		if err := write(buf, m[k]); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, n int, at func(int) any) error {
	buf.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := write(buf, at(i)); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

func parseNumber(raw string) (decimal.Decimal, error) {
	if len(raw) > maxNumberLength {
		return decimal.Decimal{}, fmt.Errorf("%w: number literal longer than %d characters", ErrUnsupportedType, maxNumberLength)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("canonical: invalid number %q: %w", raw, err)
	}
	if err := checkDigits(d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

// checkDigits estimates the width of d's plain form from the coefficient's bit length
// and the exponent, without rendering it.
func checkDigits(d decimal.Decimal) error {
	digits := int64(float64(d.Coefficient().BitLen())*math.Log10(2)) + 1
	width := digits
	if exp := int64(d.Exponent()); exp > 0 {
		width += exp
	} else if -exp > width {
		width = -exp
	}
	if width > MaxNumberDigits {
		return fmt.Errorf("%w: number has more than %d digits", ErrUnsupportedType, MaxNumberDigits)
	}
	return nil
}

func writeNumber(buf *bytes.Buffer, raw string) error {
	d, err := parseNumber(raw)
	if err != nil {
		return err
	}
	buf.WriteString(normalizeDecimal(d))
	return nil
}

func writeDecimal(buf *bytes.Buffer, d decimal.Decimal) error {
	if err := checkDigits(d); err != nil {
		return err
	}
	buf.WriteString(normalizeDecimal(d))
	return nil
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrUnsupportedType)
	}
	return writeDecimal(buf, decimal.NewFromFloat(f))
}

// normalizeDecimal renders d without exponent and without trailing fractional zeros.
func normalizeDecimal(d decimal.Decimal) string {
	if d.IsZero() {
		return "0"
	}
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}
