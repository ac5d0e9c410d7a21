package profile

import (
	"errors"
	"fmt"
	"strconv"
)

// WordCounter reports how many 16-bit words a data type occupies.
type WordCounter interface {
	WordCount(dataType string) (int, bool)
}

// Validate checks the profile against the decoders in wc. Every
// problem found is returned, joined.
func (p *Profile) Validate(wc WordCounter) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if p.Port == "" {
		add("port is required")
	}
	if p.SlaveID < 1 || p.SlaveID > 247 {
		add("slave_id %d out of range 1..247", p.SlaveID)
	}
	switch p.Parity {
	case "N", "E", "O":
	default:
		add("parity %q must be N, E or O", p.Parity)
	}
	if p.DataBits != 7 && p.DataBits != 8 {
		add("data_bits %d must be 7 or 8", p.DataBits)
	}
	if p.StopBits != 1 && p.StopBits != 2 {
		add("stop_bits %d must be 1 or 2", p.StopBits)
	}
	if !validFunction(p.FunctionCode) {
		add("function_code %d must be 3 or 4", p.FunctionCode)
	}
	if !validOrder(p.Endianness) {
		add("endianness %q must be big or little", p.Endianness)
	}
	if !validOrder(p.WordOrder) {
		add("word_order %q must be big or little", p.WordOrder)
	}
	if p.Driver != DriverGoburrow && p.Driver != DriverNative {
		add("driver %q must be %s or %s", p.Driver, DriverGoburrow, DriverNative)
	}
	if len(p.Registers) == 0 {
		add("no registers declared")
	}

	seen := make(map[string]bool, len(p.Registers))
	for _, r := range p.Registers {
		if r.Name == "" {
			add("register at address %d has no name", r.Address)
			continue
		}
		if seen[r.Name] {
			add("register %q declared twice", r.Name)
		}
		seen[r.Name] = true

		want, ok := wc.WordCount(r.DataType)
		if !ok {
			add("register %q: unknown data_type %q", r.Name, r.DataType)
		} else if int(r.Count) != want {
			add("register %q: data_type %s needs count %d, got %d", r.Name, r.DataType, want, r.Count)
		}
		if r.Count == 0 {
			add("register %q: count must be positive", r.Name)
		} else if int(r.Address)+int(r.Count)-1 > 0xFFFF {
			add("register %q: address %d + count %d exceeds 65535", r.Name, r.Address, r.Count)
		}
		if r.Function != 0 && !validFunction(r.Function) {
			add("register %q: function %d must be 3 or 4", r.Name, r.Function)
		}
		if r.DataType == "bitmask" && len(r.BitMap) == 0 {
			add("register %q: bitmask requires bit_map", r.Name)
		}
		for key := range r.BitMap {
			bit, err := strconv.Atoi(key)
			if err != nil || bit < 0 || bit > 15 {
				add("register %q: bit_map key %q is not a bit index 0..15", r.Name, key)
			}
		}
	}

	// Accumulated flow is carried by every record kind, so its register
	// must exist even when the mapping relies on the default name.
	// Instant flow and flags are checked only when named explicitly.
	out := p.Output.Resolved()
	if !seen[out.AccumulatedFlow] {
		add("output_mapping.accumulated_flow references unknown register %q", out.AccumulatedFlow)
	}
	for field, name := range map[string]string{
		"instant_flow": p.Output.InstantFlow,
		"flags":        p.Output.Flags,
	} {
		if name != "" && !seen[name] {
			add("output_mapping.%s references unknown register %q", field, name)
		}
	}

	return errors.Join(errs...)
}

// RequireInstantFlow reports an error unless the register feeding the
// instant-flow field is declared. Measurement-system records need it.
func (p *Profile) RequireInstantFlow() error {
	name := p.Output.Resolved().InstantFlow
	if _, ok := p.Register(name); !ok {
		return fmt.Errorf("output_mapping.instant_flow references unknown register %q", name)
	}
	return nil
}

func validFunction(fc uint8) bool {
	return fc == FuncReadHolding || fc == FuncReadInput
}

func validOrder(o string) bool {
	return o == OrderBig || o == OrderLittle
}
