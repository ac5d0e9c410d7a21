package units

import (
	"math"
	"testing"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		v        float64
		from, to string
		want     float64
	}{
		{12.345, "m³/s", "m³/s", 12.345},
		{1, "m³/s", "L/s", 1000},
		{2, "m³/s", "m³/h", 7200},
		{3600, "m³/h", "m³/s", 1},
		{1000, "L/s", "m³/s", 1},
		{100, "°C", "°F", 212},
		{32, "°F", "°C", 0},
		{1, "gal", "l", 3.78541},
		{1500, "ml", "l", 1.5},
	}
	for _, tt := range tests {
		got, err := Convert(tt.v, tt.from, tt.to)
		if err != nil {
			t.Fatalf("%s->%s: %v", tt.from, tt.to, err)
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%v %s->%s = %v, want %v", tt.v, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestConvertUnsupported(t *testing.T) {
	if _, err := Convert(1, "m³/s", "°C"); err == nil {
		t.Error("expected error")
	}
}
