package transfer

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTemporary marks a failed delivery worth retrying later.
	ErrTemporary = errors.New("temporary delivery failure")
	// ErrPermanent marks a delivery that will not succeed by retrying
	// with the same configuration.
	ErrPermanent = errors.New("permanent delivery failure")
)

// Channel delivers a named file to a remote or local destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, name string, content []byte) error
	Verify(ctx context.Context) error
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
