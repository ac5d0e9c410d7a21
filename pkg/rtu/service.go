// Package rtu is a minimal Modbus RTU master speaking only the two
// register read functions over a raw serial port.
package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

type Client struct {
	cfg  Config
	open opener

	mu   sync.Mutex
	port io.ReadWriteCloser
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Client{cfg: cfg, open: serial.Open}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}

	options := serial.OpenOptions{
		PortName:              c.cfg.Port,
		BaudRate:              c.cfg.BaudRate,
		DataBits:              c.cfg.DataBits,
		StopBits:              c.cfg.StopBits,
		ParityMode:            parityMode(c.cfg.Parity),
		InterCharacterTimeout: 100,
		MinimumReadSize:       0,
	}
	port, err := c.open(options)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", c.cfg.Port, err)
	}
	c.port = port
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

// ReadRegisters issues function fc (3 or 4) and returns qty words.
func (c *Client) ReadRegisters(slave, fc byte, addr, qty uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil, ErrNotOpen
	}

	if _, err := c.port.Write(BuildReadRequest(slave, fc, addr, qty)); err != nil {
		return nil, fmt.Errorf("rtu: write request: %w", err)
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	head := make([]byte, 3)
	if err := readFull(c.port, head, deadline); err != nil {
		return nil, err
	}

	var frame []byte
	if head[1]&0x80 != 0 {
		rest := make([]byte, 2)
		if err := readFull(c.port, rest, deadline); err != nil {
			return nil, err
		}
		frame = append(head, rest...)
	} else {
		rest := make([]byte, int(head[2])+2)
		if err := readFull(c.port, rest, deadline); err != nil {
			return nil, err
		}
		frame = append(head, rest...)
	}
	return ParseReadResponse(frame, slave, fc, qty)
}

// BuildReadRequest encodes a read request frame, CRC low byte first.
func BuildReadRequest(slave, fc byte, addr, qty uint16) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = slave
	frame[1] = fc
	binary.BigEndian.PutUint16(frame[2:], addr)
	binary.BigEndian.PutUint16(frame[4:], qty)
	return appendCRC(frame)
}

// ParseReadResponse validates a full response frame and extracts the words.
func ParseReadResponse(frame []byte, slave, fc byte, qty uint16) ([]uint16, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadResponse, len(frame))
	}
	body, sum := frame[:len(frame)-2], binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if crc16.Checksum(body, crcTable) != sum {
		return nil, ErrCRC
	}
	if body[0] != slave {
		return nil, fmt.Errorf("%w: slave %d answered, expected %d", ErrBadResponse, body[0], slave)
	}
	if body[1] == fc|0x80 {
		return nil, &ExceptionError{Function: fc, Code: body[2]}
	}
	if body[1] != fc {
		return nil, fmt.Errorf("%w: function %d, expected %d", ErrBadResponse, body[1], fc)
	}
	if int(body[2]) != int(qty)*2 || len(body) != 3+int(qty)*2 {
		return nil, fmt.Errorf("%w: byte count %d for %d registers", ErrBadResponse, body[2], qty)
	}

	words := make([]uint16, qty)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(body[3+2*i:])
	}
	return words, nil
}

func appendCRC(frame []byte) []byte {
	sum := crc16.Checksum(frame, crcTable)
	return append(frame, byte(sum), byte(sum>>8))
}

func readFull(r io.Reader, buf []byte, deadline time.Time) error {
	for n := 0; n < len(buf); {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("rtu: read response: %w", err)
		}
		if n < len(buf) && m == 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
	}
	return nil
}

func parityMode(p string) serial.ParityMode {
	switch p {
	case "E":
		return serial.PARITY_EVEN
	case "O":
		return serial.PARITY_ODD
	}
	return serial.PARITY_NONE
}
