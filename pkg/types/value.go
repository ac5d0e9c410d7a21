package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

type ValueKind uint8

const (
	KindAbsent ValueKind = iota
	KindFloat
	KindInt
	KindFlags
)

func (k ValueKind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindFlags:
		return "flags"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a decoded register value. The zero value is absent,
// which is what a register that failed to read holds in a snapshot.
type Value struct {
	Kind  ValueKind
	Float float64
	Int   int64
	Flags map[string]bool
}

func Absent() Value { return Value{} }

func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

func Flags(flags map[string]bool) Value {
	return Value{Kind: KindFlags, Flags: maps.Clone(flags)}
}

func (v Value) IsAbsent() bool {
	return v.Kind == KindAbsent
}

// Number returns the numeric value, promoting integers to float64.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case KindFloat:
		return v.Float, true
	case KindInt:
		return float64(v.Int), true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.Kind {
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFlags:
		return fmt.Sprint(v.Flags)
	}
	return "<absent>"
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindFloat:
		return json.Marshal(v.Float)
	case KindInt:
		return json.Marshal(v.Int)
	case KindFlags:
		return json.Marshal(v.Flags)
	}
	return []byte("null"), nil
}
