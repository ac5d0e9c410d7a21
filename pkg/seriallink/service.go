package seriallink

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"syscall"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/errlog"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/rtu"
	"github.com/goburrow/modbus"
	"github.com/sirupsen/logrus"
)

// Link owns the serial port for one meter. Every operation holds the
// link mutex; helpers suffixed Locked expect it held, so a read that
// needs to reconnect does so without re-acquiring.
type Link struct {
	transport Transport
	port      string
	slave     byte
	log       *logrus.Entry
	errs      errlog.Reporter

	mu    sync.Mutex
	state State
}

// New builds a link using the transport named by the profile driver.
func New(p *profile.Profile, log *logrus.Entry, errs errlog.Reporter) *Link {
	var t Transport
	switch p.Driver {
	case profile.DriverNative:
		t = rtu.NewClient(rtu.Config{
			Port:     p.Port,
			BaudRate: p.BaudRate,
			DataBits: p.DataBits,
			StopBits: p.StopBits,
			Parity:   p.Parity,
			Timeout:  p.TimeoutDuration(),
		})
	default:
		t = newGoburrowTransport(p)
	}
	return NewWithTransport(t, p.Port, byte(p.SlaveID), log, errs)
}

func NewWithTransport(t Transport, port string, slave byte, log *logrus.Entry, errs errlog.Reporter) *Link {
	return &Link{
		transport: t,
		port:      port,
		slave:     slave,
		log:       log.WithField("port", port),
		errs:      errs,
	}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Port() string {
	return l.port
}

// Connect opens the port if it is not open yet.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked()
}

func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnectLocked()
}

// Reconnect closes and reopens the port.
func (l *Link) Reconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.disconnectLocked(); err != nil {
		l.log.WithError(err).Warn("Close before reconnect failed")
	}
	return l.connectLocked()
}

// ReadRegisters reads count words with function fc starting at addr,
// connecting first when needed. An I/O failure drops the link to
// Disconnected; a device exception leaves it connected.
func (l *Link) ReadRegisters(fc uint8, addr, count uint16) ([]uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.connectLocked(); err != nil {
		return nil, err
	}

	words, err := l.transport.ReadRegisters(l.slave, fc, addr, count)
	if err == nil {
		return words, nil
	}
	if !isDeviceException(err) {
		if cerr := l.disconnectLocked(); cerr != nil {
			l.log.WithError(cerr).Debug("Close after failed read")
		}
	}
	return nil, fmt.Errorf("%w: fc %d addr %d count %d: %w", ErrLink, fc, addr, count, err)
}

func (l *Link) connectLocked() error {
	if l.state == Connected {
		return nil
	}
	if err := l.transport.Connect(); err != nil {
		cerr := classifyConnectError(err)
		switch {
		case errors.Is(cerr, ErrPortUnavailable):
			l.errs.LogError(errlog.CodePort, fmt.Sprintf("port %s not available: %v", l.port, err))
		case errors.Is(cerr, ErrLink):
			l.errs.LogError(errlog.CodeModbus, fmt.Sprintf("port %s: %v", l.port, err))
		default:
			l.errs.LogError(errlog.CodeGeneral, fmt.Sprintf("connect %s: %T: %v", l.port, err, err))
		}
		return cerr
	}
	l.state = Connected
	l.log.Info("Connected to meter")
	return nil
}

func (l *Link) disconnectLocked() error {
	if l.state == Disconnected {
		return nil
	}
	l.state = Disconnected
	if err := l.transport.Close(); err != nil {
		l.errs.LogError(errlog.CodeDisconnect, fmt.Sprintf("close %s: %v", l.port, err))
		return err
	}
	l.log.Info("Disconnected from meter")
	return nil
}

func classifyConnectError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENXIO),
		errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %w", ErrPortUnavailable, err)
	case isDeviceException(err):
		return fmt.Errorf("%w: %w", ErrLink, err)
	}
	return fmt.Errorf("%w: %w", ErrUnknownConnection, err)
}

func isDeviceException(err error) bool {
	var mbErr *modbus.ModbusError
	var rtuErr *rtu.ExceptionError
	return errors.As(err, &mbErr) || errors.As(err, &rtuErr)
}
