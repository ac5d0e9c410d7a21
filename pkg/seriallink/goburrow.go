package seriallink

import (
	"fmt"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/goburrow/modbus"
)

type goburrowTransport struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

func newGoburrowTransport(p *profile.Profile) *goburrowTransport {
	handler := modbus.NewRTUClientHandler(p.Port)
	handler.BaudRate = int(p.BaudRate)
	handler.DataBits = int(p.DataBits)
	handler.Parity = p.Parity
	handler.StopBits = int(p.StopBits)
	handler.SlaveId = byte(p.SlaveID)
	handler.Timeout = p.TimeoutDuration()

	return &goburrowTransport{
		handler: handler,
		client:  modbus.NewClient(handler),
	}
}

func (t *goburrowTransport) Connect() error {
	return t.handler.Connect()
}

func (t *goburrowTransport) Close() error {
	return t.handler.Close()
}

func (t *goburrowTransport) ReadRegisters(slave, fc byte, addr, qty uint16) ([]uint16, error) {
	t.handler.SlaveId = slave

	var (
		data []byte
		err  error
	)
	switch fc {
	case profile.FuncReadHolding:
		data, err = t.client.ReadHoldingRegisters(addr, qty)
	case profile.FuncReadInput:
		data, err = t.client.ReadInputRegisters(addr, qty)
	default:
		return nil, fmt.Errorf("unsupported function code %d", fc)
	}
	if err != nil {
		return nil, err
	}
	return bytesToWords(data, qty)
}

func bytesToWords(data []byte, qty uint16) ([]uint16, error) {
	if len(data) != int(qty)*2 {
		return nil, fmt.Errorf("expected %d bytes, got %d", int(qty)*2, len(data))
	}
	words := make([]uint16, qty)
	for i := range words {
		words[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return words, nil
}
