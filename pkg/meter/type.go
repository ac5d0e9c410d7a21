package meter

import (
	"errors"
	"time"
)

const (
	MaxAttempts    = 3
	baseRetryDelay = 500 * time.Millisecond
)

var ErrReadFailed = errors.New("register read failed")

// Link is the part of seriallink.Link the reader drives.
type Link interface {
	Connect() error
	Reconnect() error
	ReadRegisters(fc uint8, addr, count uint16) ([]uint16, error)
}

// RetryDelay is the pause after failed attempt n (0-based): 0.5s, 1s, 2s.
func RetryDelay(attempt int) time.Duration {
	return time.Duration(1<<attempt) * baseRetryDelay
}
