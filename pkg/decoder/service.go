package decoder

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/types"
)

// Registry maps data type names to decoders. A new meter data type is
// supported by registering it, without touching existing decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]entry
}

// NewRegistry returns a registry holding the built-in data types.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]entry)}
	r.Register(TypeFloat32, 2, decodeFloat32)
	r.Register(TypeUint32, 2, decodeUint32)
	r.Register(TypeInt16, 1, decodeInt16)
	r.Register(TypeBitmask, 1, decodeBitmask)
	r.Register(TypeError, 1, decodeErrorFlags)
	return r
}

// Register adds or replaces the decoder for dataType.
func (r *Registry) Register(dataType string, words int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[dataType] = entry{words: words, decode: fn}
}

func (r *Registry) WordCount(dataType string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.decoders[dataType]
	return e.words, ok
}

func (r *Registry) Decode(raw []uint16, reg profile.Register, p *profile.Profile) (types.Value, error) {
	r.mu.RLock()
	e, ok := r.decoders[reg.DataType]
	r.mu.RUnlock()
	if !ok {
		return types.Absent(), fmt.Errorf("%w: unknown data type %q for %s", ErrDecode, reg.DataType, reg.Name)
	}
	if len(raw) != e.words {
		return types.Absent(), fmt.Errorf("%w: %s needs %d words for %s, got %d",
			ErrDecode, reg.DataType, e.words, reg.Name, len(raw))
	}
	v, err := e.decode(raw, reg, p)
	if err != nil {
		return types.Absent(), fmt.Errorf("%w: %s: %w", ErrDecode, reg.Name, err)
	}
	return v, nil
}

// Assemble32 joins two words into a 32-bit value honoring the
// profile byte order (within each word) and word order.
func Assemble32(raw []uint16, endianness, wordOrder string) uint32 {
	hi, lo := raw[0], raw[1]
	if wordOrder == profile.OrderLittle {
		hi, lo = lo, hi
	}
	if endianness == profile.OrderLittle {
		hi, lo = swapBytes(hi), swapBytes(lo)
	}
	return uint32(hi)<<16 | uint32(lo)
}

// Split32 is the inverse of Assemble32.
func Split32(v uint32, endianness, wordOrder string) []uint16 {
	hi, lo := uint16(v>>16), uint16(v)
	if endianness == profile.OrderLittle {
		hi, lo = swapBytes(hi), swapBytes(lo)
	}
	if wordOrder == profile.OrderLittle {
		hi, lo = lo, hi
	}
	return []uint16{hi, lo}
}

// EncodeFloat32 returns the words a device with the given layout
// would hold for f.
func EncodeFloat32(f float32, endianness, wordOrder string) []uint16 {
	return Split32(math.Float32bits(f), endianness, wordOrder)
}

func swapBytes(w uint16) uint16 {
	return w<<8 | w>>8
}

func decodeFloat32(raw []uint16, reg profile.Register, p *profile.Profile) (types.Value, error) {
	f := math.Float32frombits(Assemble32(raw, p.Endianness, p.WordOrder))
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return types.Absent(), fmt.Errorf("non-finite float %v", f)
	}
	return types.Float(float64(f) * reg.Scale), nil
}

func decodeUint32(raw []uint16, reg profile.Register, p *profile.Profile) (types.Value, error) {
	v := Assemble32(raw, p.Endianness, p.WordOrder)
	if reg.NoScale || reg.Scale == 1 {
		return types.Int(int64(v)), nil
	}
	return types.Float(float64(v) * reg.Scale), nil
}

func decodeInt16(raw []uint16, reg profile.Register, _ *profile.Profile) (types.Value, error) {
	v := int16(raw[0])
	if reg.NoScale || reg.Scale == 1 {
		return types.Int(int64(v)), nil
	}
	return types.Float(float64(v) * reg.Scale), nil
}

func decodeBitmask(raw []uint16, reg profile.Register, _ *profile.Profile) (types.Value, error) {
	flags := make(map[string]bool, len(reg.BitMap))
	for key, label := range reg.BitMap {
		bit, err := strconv.Atoi(key)
		if err != nil || bit < 0 || bit > 15 {
			return types.Absent(), fmt.Errorf("bit_map key %q is not a bit index", key)
		}
		flags[label] = raw[0]&(1<<uint(bit)) != 0
	}
	return types.Flags(flags), nil
}

func decodeErrorFlags(raw []uint16, _ profile.Register, _ *profile.Profile) (types.Value, error) {
	flags := make(map[string]bool, len(errorFlagBits))
	for _, f := range errorFlagBits {
		flags[f.label] = raw[0]&(1<<f.bit) != 0
	}
	return types.Flags(flags), nil
}
