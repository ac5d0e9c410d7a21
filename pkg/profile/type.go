package profile

import "time"

const (
	FuncReadHolding uint8 = 3
	FuncReadInput   uint8 = 4
)

const (
	OrderBig    = "big"
	OrderLittle = "little"
)

const (
	DriverGoburrow = "goburrow"
	DriverNative   = "native"
)

// Profile describes one meter model: how to reach it on the bus and
// which registers to read, in declared order.
type Profile struct {
	Name         string        `toml:"name" yaml:"name"`
	Port         string        `toml:"port" yaml:"port"`
	BaudRate     uint          `toml:"baud_rate" yaml:"baud_rate"`
	Parity       string        `toml:"parity" yaml:"parity"`
	StopBits     uint          `toml:"stop_bits" yaml:"stop_bits"`
	DataBits     uint          `toml:"data_bits" yaml:"data_bits"`
	SlaveID      int           `toml:"slave_id" yaml:"slave_id"`
	Timeout      float64       `toml:"timeout" yaml:"timeout"` // seconds
	FunctionCode uint8         `toml:"function_code" yaml:"function_code"`
	Endianness   string        `toml:"endianness" yaml:"endianness"`
	WordOrder    string        `toml:"word_order" yaml:"word_order"`
	Driver       string        `toml:"driver" yaml:"driver"`
	Output       OutputMapping `toml:"output_mapping" yaml:"output_mapping"`
	Registers    []Register    `toml:"registers" yaml:"registers"`
}

type Register struct {
	Name     string  `toml:"name" yaml:"name"`
	Address  uint16  `toml:"address" yaml:"address"`
	Count    uint16  `toml:"count" yaml:"count"`
	DataType string  `toml:"data_type" yaml:"data_type"`
	Scale    float64 `toml:"scale" yaml:"scale"`
	// Function overrides the profile function code when non-zero.
	Function uint8 `toml:"function" yaml:"function"`
	NoScale  bool  `toml:"no_scale" yaml:"no_scale"`
	// Unit of the decoded value, e.g. "m³/s"; informational.
	Unit string `toml:"unit" yaml:"unit"`
	// BitMap maps a bit index ("0".."15") to a flag label.
	BitMap map[string]string `toml:"bit_map" yaml:"bit_map"`
}

// Register names used when the output mapping leaves a field empty.
const (
	DefaultInstantFlow     = "Q"
	DefaultAccumulatedFlow = "Vol"
	DefaultFlags           = "direccion_flujo"
)

// OutputMapping names the registers that feed each record field.
// Empty entries fall back to the Default* register names.
type OutputMapping struct {
	InstantFlow     string `toml:"instant_flow" yaml:"instant_flow"`
	AccumulatedFlow string `toml:"accumulated_flow" yaml:"accumulated_flow"`
	Flags           string `toml:"flags" yaml:"flags"`
}

// Resolved returns the mapping with empty entries replaced by their
// default register names.
func (o OutputMapping) Resolved() OutputMapping {
	if o.InstantFlow == "" {
		o.InstantFlow = DefaultInstantFlow
	}
	if o.AccumulatedFlow == "" {
		o.AccumulatedFlow = DefaultAccumulatedFlow
	}
	if o.Flags == "" {
		o.Flags = DefaultFlags
	}
	return o
}

func (p *Profile) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout * float64(time.Second))
}

// FunctionFor returns the function code used to read reg.
func (p *Profile) FunctionFor(reg Register) uint8 {
	if reg.Function != 0 {
		return reg.Function
	}
	return p.FunctionCode
}

func (p *Profile) Register(name string) (Register, bool) {
	for _, r := range p.Registers {
		if r.Name == name {
			return r, true
		}
	}
	return Register{}, false
}
