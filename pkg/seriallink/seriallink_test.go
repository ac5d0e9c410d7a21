package seriallink

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/errlog"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/rtu"
	"github.com/goburrow/modbus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeTransport struct {
	connectErr error
	readErr    error
	words      []uint16

	connects, closes, reads int
	lastSlave, lastFC       byte
}

func (f *fakeTransport) Connect() error {
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	f.closes++
	return nil
}

func (f *fakeTransport) ReadRegisters(slave, fc byte, addr, qty uint16) ([]uint16, error) {
	f.reads++
	f.lastSlave, f.lastFC = slave, fc
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.words, nil
}

type codeRecorder struct{ codes []errlog.Code }

func (c *codeRecorder) LogError(code errlog.Code, _ string) { c.codes = append(c.codes, code) }

func newTestLink(t *fakeTransport) (*Link, *codeRecorder) {
	logger, _ := test.NewNullLogger()
	rec := &codeRecorder{}
	return NewWithTransport(t, "/dev/ttyTEST", 7, logrus.NewEntry(logger), rec), rec
}

func TestConnectAndDisconnect(t *testing.T) {
	ft := &fakeTransport{}
	l, _ := newTestLink(ft)

	if l.State() != Disconnected {
		t.Fatal("new link should be disconnected")
	}
	if err := l.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := l.Connect(); err != nil {
		t.Fatal(err)
	}
	if ft.connects != 1 {
		t.Errorf("connects = %d, want 1 for an already open link", ft.connects)
	}
	if l.State() != Connected {
		t.Fatal("want connected")
	}
	if err := l.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if l.State() != Disconnected || ft.closes != 1 {
		t.Errorf("state %v closes %d", l.State(), ft.closes)
	}
}

func TestReadConnectsWhenNeeded(t *testing.T) {
	ft := &fakeTransport{words: []uint16{1, 2}}
	l, _ := newTestLink(ft)

	words, err := l.ReadRegisters(4, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 2 || ft.connects != 1 || ft.lastSlave != 7 || ft.lastFC != 4 {
		t.Errorf("words %v connects %d slave %d fc %d", words, ft.connects, ft.lastSlave, ft.lastFC)
	}
}

func TestConnectErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
		code errlog.Code
	}{
		{"missing port", fmt.Errorf("open: %w", fs.ErrNotExist), ErrPortUnavailable, errlog.CodePort},
		{"permission", fs.ErrPermission, ErrPortUnavailable, errlog.CodePort},
		{"exception", &modbus.ModbusError{FunctionCode: 3, ExceptionCode: 4}, ErrLink, errlog.CodeModbus},
		{"other", errors.New("weird"), ErrUnknownConnection, errlog.CodeGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, rec := newTestLink(&fakeTransport{connectErr: tt.err})
			err := l.Connect()
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if l.State() != Disconnected {
				t.Error("failed connect must stay disconnected")
			}
			if len(rec.codes) != 1 || rec.codes[0] != tt.code {
				t.Errorf("codes = %v, want %s", rec.codes, tt.code)
			}
		})
	}
}

func TestIOFailureDropsLink(t *testing.T) {
	ft := &fakeTransport{readErr: errors.New("serial: timeout")}
	l, _ := newTestLink(ft)

	_, err := l.ReadRegisters(3, 0, 2)
	if !errors.Is(err, ErrLink) {
		t.Fatalf("err = %v, want ErrLink", err)
	}
	if l.State() != Disconnected || ft.closes != 1 {
		t.Errorf("state %v closes %d", l.State(), ft.closes)
	}
}

func TestDeviceExceptionKeepsLink(t *testing.T) {
	ft := &fakeTransport{readErr: &rtu.ExceptionError{Function: 3, Code: 2}}
	l, _ := newTestLink(ft)

	if _, err := l.ReadRegisters(3, 0, 2); !errors.Is(err, ErrLink) {
		t.Fatalf("err = %v", err)
	}
	if l.State() != Connected {
		t.Error("exception should keep the link connected")
	}
}

func TestReconnect(t *testing.T) {
	ft := &fakeTransport{}
	l, _ := newTestLink(ft)
	if err := l.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := l.Reconnect(); err != nil {
		t.Fatal(err)
	}
	if ft.connects != 2 || ft.closes != 1 || l.State() != Connected {
		t.Errorf("connects %d closes %d state %v", ft.connects, ft.closes, l.State())
	}
}

func TestBytesToWords(t *testing.T) {
	words, err := bytesToWords([]byte{0x41, 0x45, 0x85, 0x1F}, 2)
	if err != nil || words[0] != 0x4145 || words[1] != 0x851F {
		t.Errorf("got %04X, %v", words, err)
	}
	if _, err := bytesToWords([]byte{1}, 1); err == nil {
		t.Error("short payload should fail")
	}
}
