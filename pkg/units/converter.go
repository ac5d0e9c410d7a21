package units

import "fmt"

type pair struct{ from, to string }

var conversions = map[pair]func(float64) float64{
	// Temperature
	{"°C", "°F"}: func(v float64) float64 { return v*9/5 + 32 },
	{"°F", "°C"}: func(v float64) float64 { return (v - 32) * 5 / 9 },

	// Volume
	{"ml", "l"}:  func(v float64) float64 { return v * 0.001 },
	{"ml", "m³"}: func(v float64) float64 { return v * 0.000001 },
	{"l", "m³"}:  func(v float64) float64 { return v * 0.001 },
	{"gal", "l"}: func(v float64) float64 { return v * 3.78541 },

	// Flow
	{"m³/s", "L/s"}:     func(v float64) float64 { return v * 1000 },
	{"m³/s", "gal/min"}: func(v float64) float64 { return v * 15850.3 },
	{"m³/s", "m³/h"}:    func(v float64) float64 { return v * 3600 },
	{"m³/h", "L/s"}:     func(v float64) float64 { return v * 0.2778 },
	{"gal/min", "L/s"}:  func(v float64) float64 { return v * 0.0630902 },
	{"m³/h", "gal/min"}: func(v float64) float64 { return v * 4.40287 },
}

// Convert converts v between units. Pairs only listed one way are
// inverted through their factor, which is exact for linear units.
func Convert(v float64, from, to string) (float64, error) {
	if from == to {
		return v, nil
	}
	if fn, ok := conversions[pair{from, to}]; ok {
		return fn(v), nil
	}
	if fn, ok := conversions[pair{to, from}]; ok {
		if factor := fn(1); factor != 0 {
			return v / factor, nil
		}
	}
	return 0, fmt.Errorf("unsupported conversion %s -> %s", from, to)
}
