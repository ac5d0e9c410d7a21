package rtu

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

var (
	ErrTimeout     = errors.New("rtu: response timeout")
	ErrCRC         = errors.New("rtu: crc mismatch")
	ErrBadResponse = errors.New("rtu: malformed response")
	ErrNotOpen     = errors.New("rtu: port not open")
)

// ExceptionError is a Modbus exception answered by the device.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("rtu: exception %d for function %d", e.Code, e.Function)
}

type Config struct {
	Port     string
	BaudRate uint
	DataBits uint
	StopBits uint
	Parity   string // N, E or O
	Timeout  time.Duration
}

type opener func(serial.OpenOptions) (io.ReadWriteCloser, error)
