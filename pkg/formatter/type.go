package formatter

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindMedidor         Kind = "Medidor"
	KindSistemaMedicion Kind = "SistemaMedicion"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMedidor, KindSistemaMedicion:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// ErrorPrefix starts every sentinel record produced when formatting fails.
const ErrorPrefix = "ERR|"

var (
	ErrMissingValue = errors.New("MissingValue")
	ErrUnknownKind  = errors.New("UnknownKind")
)

// Site identifies the reporting site in every record.
type Site struct {
	RFC  string
	NSM  string // meter serial number
	NSUE string // measurement-system serial number
	Lat  float64
	Long float64
}
