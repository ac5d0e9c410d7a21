package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads a profile from a .toml, .yaml or .yml file and fills
// protocol defaults. Call Validate before using it.
func Load(path string) (*Profile, error) {
	var p Profile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &p); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported profile format %q", filepath.Ext(path))
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	p.Normalize()
	return &p, nil
}

// Normalize fills unset protocol fields with the usual RTU defaults.
func (p *Profile) Normalize() {
	if p.BaudRate == 0 {
		p.BaudRate = 9600
	}
	if p.Parity == "" {
		p.Parity = "N"
	}
	p.Parity = strings.ToUpper(p.Parity)
	if p.StopBits == 0 {
		p.StopBits = 1
	}
	if p.DataBits == 0 {
		p.DataBits = 8
	}
	if p.Timeout <= 0 {
		p.Timeout = 1
	}
	if p.FunctionCode == 0 {
		p.FunctionCode = FuncReadHolding
	}
	if p.Endianness == "" {
		p.Endianness = OrderBig
	}
	if p.WordOrder == "" {
		p.WordOrder = OrderBig
	}
	p.Endianness = strings.ToLower(p.Endianness)
	p.WordOrder = strings.ToLower(p.WordOrder)
	if p.Driver == "" {
		p.Driver = DriverGoburrow
	}
	for i := range p.Registers {
		if p.Registers[i].Scale == 0 {
			p.Registers[i].Scale = 1
		}
	}
}
