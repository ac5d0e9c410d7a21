package decoder

import (
	"errors"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/types"
)

var ErrDecode = errors.New("decode failed")

const (
	TypeFloat32 = "float32"
	TypeUint32  = "uint32"
	TypeInt16   = "int16"
	TypeBitmask = "bitmask"
	TypeError   = "error"
)

// Func turns the raw words of one register into a value.
// raw always holds exactly the declared word count.
type Func func(raw []uint16, reg profile.Register, p *profile.Profile) (types.Value, error)

type entry struct {
	words  int
	decode Func
}

// Error register flags, fixed bit positions.
var errorFlagBits = []struct {
	bit   uint
	label string
}{
	{0, "sensor_fault"},
	{1, "over_range"},
	{2, "empty_pipe"},
}

// ErrorFlagBits returns the bit index of each error register flag.
func ErrorFlagBits() map[string]int {
	out := make(map[string]int, len(errorFlagBits))
	for _, f := range errorFlagBits {
		out[f.label] = int(f.bit)
	}
	return out
}
