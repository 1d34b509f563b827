package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrBadArgs is returned when external data (message ids, response
// fields) does not have the expected shape.
var ErrBadArgs = errors.New("bad args")

// IDType discriminates the three JSON-RPC id variants
type IDType uint8

const (
	IDNull IDType = iota
	IDInteger
	IDString
)

// MsgID is a constrained variant for a JSON-RPC 2.0 "id": null, an
// integer, or a string. The zero value is the null id. MsgID is
// comparable and can be used directly as a map key.
type MsgID struct {
	typ IDType
	i   int64
	s   string
}

// NewIntID creates an integer-typed message id
func NewIntID(i int64) MsgID { return MsgID{typ: IDInteger, i: i} }

// NewStringID creates a string-typed message id
func NewStringID(s string) MsgID { return MsgID{typ: IDString, s: s} }

// Type returns the id variant
func (id MsgID) Type() IDType { return id.typ }

// IsNull reports whether the id is the null id
func (id MsgID) IsNull() bool { return id.typ == IDNull }

// Int returns the integer value if the id is an integer, attempts to
// parse the string if it is a string, and returns 0 otherwise.
func (id MsgID) Int() int64 {
	switch id.typ {
	case IDInteger:
		return id.i
	case IDString:
		if v, err := strconv.ParseInt(id.s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// String renders the id for logging. Integers render as their decimal
// form, the null id renders as "null".
func (id MsgID) String() string {
	switch id.typ {
	case IDInteger:
		return strconv.FormatInt(id.i, 10)
	case IDString:
		return id.s
	}
	return "null"
}

// Cmp imposes a total order across variants: Null < Integer < String.
// Integers order numerically, strings lexicographically.
func (id MsgID) Cmp(o MsgID) int {
	if id.typ != o.typ {
		if id.typ < o.typ {
			return -1
		}
		return 1
	}
	switch id.typ {
	case IDInteger:
		switch {
		case id.i < o.i:
			return -1
		case id.i > o.i:
			return 1
		}
	case IDString:
		switch {
		case id.s < o.s:
			return -1
		case id.s > o.s:
			return 1
		}
	}
	return 0
}

// FromAny converts a decoded JSON value to a MsgID. Only null, strings
// and integral numbers are acceptable ids; anything else fails with
// ErrBadArgs.
func FromAny(v any) (MsgID, error) {
	switch x := v.(type) {
	case nil:
		return MsgID{}, nil
	case string:
		return NewStringID(x), nil
	case int:
		return NewIntID(int64(x)), nil
	case int64:
		return NewIntID(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return MsgID{}, fmt.Errorf("%w: id %d overflows int64", ErrBadArgs, x)
		}
		return NewIntID(int64(x)), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return MsgID{}, fmt.Errorf("%w: id %v is not an integral number", ErrBadArgs, x)
		}
		return NewIntID(int64(x)), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return NewIntID(i), nil
		}
		return MsgID{}, fmt.Errorf("%w: id %q is not an integral number", ErrBadArgs, x.String())
	}
	return MsgID{}, fmt.Errorf("%w: unsupported id type %T", ErrBadArgs, v)
}

// ToAny converts the id back to a generic JSON value
func (id MsgID) ToAny() any {
	switch id.typ {
	case IDInteger:
		return id.i
	case IDString:
		return id.s
	}
	return nil
}

// MarshalJSON implements json.Marshaler
func (id MsgID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.ToAny())
}

// UnmarshalJSON implements json.Unmarshaler, enforcing the same
// constraints as FromAny
func (id *MsgID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	parsed, err := FromAny(v)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
