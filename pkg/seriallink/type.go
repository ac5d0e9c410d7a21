package seriallink

import "errors"

var (
	// ErrPortUnavailable means the OS could not open the serial port:
	// missing, unplugged, busy or not permitted.
	ErrPortUnavailable = errors.New("serial port unavailable")
	// ErrLink is a protocol level failure on an open port, e.g. the
	// device does not answer or answers with an exception.
	ErrLink = errors.New("modbus link error")
	// ErrUnknownConnection covers any other connect failure.
	ErrUnknownConnection = errors.New("unknown connection error")
)

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Transport is a Modbus RTU master able to read holding (3) and
// input (4) registers.
type Transport interface {
	Connect() error
	Close() error
	ReadRegisters(slave, fc byte, addr, qty uint16) ([]uint16, error)
}
