package formatter

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/decoder"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/types"
)

type Formatter struct {
	site     Site
	mapping  profile.OutputMapping
	flagBits map[string]int
	now      func() time.Time
}

// New builds a formatter for site using the output mapping of p. Flag
// labels of the mapped flags register are packed by their bit index.
func New(site Site, p *profile.Profile) *Formatter {
	mapping := p.Output.Resolved()

	bits := make(map[string]int)
	if reg, ok := p.Register(mapping.Flags); ok {
		for key, label := range reg.BitMap {
			if bit, err := strconv.Atoi(key); err == nil {
				bits[label] = bit
			}
		}
		if reg.DataType == decoder.TypeError {
			bits = decoder.ErrorFlagBits()
		}
	}
	return &Formatter{site: site, mapping: mapping, flagBits: bits, now: time.Now}
}

// Format renders one record line. It never fails: when a field cannot
// be produced the result is an ERR| sentinel line instead.
func (f *Formatter) Format(kind Kind, snap *types.Snapshot) string {
	return f.FormatAt(kind, snap, f.now())
}

// FormatAt is Format with the record timestamp supplied by the caller.
func (f *Formatter) FormatAt(kind Kind, snap *types.Snapshot, now time.Time) string {
	line, err := f.format(kind, snap, now)
	if err != nil {
		return ErrorRecord(now, err)
	}
	return line
}

// IsErrorRecord reports whether line is an ERR| sentinel.
func IsErrorRecord(line string) bool {
	return strings.HasPrefix(line, ErrorPrefix)
}

// ErrorRecord renders ERR|YYYYMMDD|HHMMSS|kind|message for err. The
// kind is the innermost sentinel name when one is wrapped.
func ErrorRecord(now time.Time, err error) string {
	kind := "FormatError"
	for _, k := range []error{ErrMissingValue, ErrUnknownKind} {
		if errors.Is(err, k) {
			kind = k.Error()
		}
	}
	msg := strings.NewReplacer("|", "/", "\n", " ").Replace(err.Error())
	return fmt.Sprintf("ERR|%s|%s|%s|%s", now.Format("20060102"), now.Format("150405"), kind, msg)
}

func (f *Formatter) format(kind Kind, snap *types.Snapshot, now time.Time) (string, error) {
	if snap == nil {
		return "", fmt.Errorf("%w: no snapshot", ErrMissingValue)
	}
	date, clock := now.Format("20060102"), now.Format("150405")

	acc, err := numberField(snap, f.mapping.AccumulatedFlow)
	if err != nil {
		return "", err
	}
	flags := FlagsToInt(lookup(snap, f.mapping.Flags), f.flagBits)
	lat, long := coord(f.site.Lat), coord(f.site.Long)

	switch kind {
	case KindMedidor:
		return fmt.Sprintf("M|%s|%s|%s|%s|%s|%.3f|%s|%s|%03d",
			date, clock, f.site.RFC, f.site.NSM, f.site.NSUE, acc, lat, long, flags), nil
	case KindSistemaMedicion:
		inst, err := numberField(snap, f.mapping.InstantFlow)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("QA|%s|%s|%s|%.3f|%.3f|%s|%s|%03d",
			date, clock, f.site.RFC, inst, acc, lat, long, flags), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// FileName is the delivery file name for a record of kind written at now.
func (f *Formatter) FileName(kind Kind, now time.Time) string {
	date := now.Format("20060102")
	switch {
	case f.site.RFC == "":
		return "EMG_" + now.Format("20060102_150405") + ".txt"
	case kind == KindSistemaMedicion:
		return fmt.Sprintf("%s_QA_%s.txt", f.site.RFC, date)
	}
	return fmt.Sprintf("%s_%s_%s.txt", f.site.RFC, f.site.NSM, date)
}

// coord renders a coordinate with at least one decimal, so 19 is "19.0".
func coord(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// numberField returns 0 for a name the snapshot never saw and fails
// for a register that was read but came back absent.
func numberField(snap *types.Snapshot, name string) (float64, error) {
	v, ok := snap.Get(name)
	if !ok {
		return 0, nil
	}
	n, ok := v.Number()
	if !ok {
		return 0, fmt.Errorf("%w: %s is %s", ErrMissingValue, name, v.Kind)
	}
	return n, nil
}

func lookup(snap *types.Snapshot, name string) types.Value {
	v, _ := snap.Get(name)
	return v
}

// FlagsToInt packs a flags value into an integer. A set flag keyed by a
// bit index, or by a label found in labelBits, sets that bit; numeric
// values pass through truncated. Anything else is 0.
func FlagsToInt(v types.Value, labelBits map[string]int) int {
	switch v.Kind {
	case types.KindInt:
		return int(v.Int)
	case types.KindFloat:
		return int(v.Float)
	case types.KindFlags:
		out := 0
		for k, set := range v.Flags {
			if !set {
				continue
			}
			bit, err := strconv.Atoi(k)
			if err != nil {
				var ok bool
				if bit, ok = labelBits[k]; !ok {
					continue
				}
			}
			if bit >= 0 && bit <= 30 {
				out |= 1 << bit
			}
		}
		return out
	}
	return 0
}
