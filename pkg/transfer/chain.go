package transfer

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// Chain delivers through a primary channel and, once that succeeds,
// copies the record to followers. Follower failures are only logged.
type Chain struct {
	primary   Channel
	followers []Channel
	log       *logrus.Entry
}

func NewChain(primary Channel, log *logrus.Entry, followers ...Channel) *Chain {
	return &Chain{primary: primary, followers: followers, log: log}
}

func (c *Chain) Name() string {
	names := []string{c.primary.Name()}
	for _, f := range c.followers {
		names = append(names, f.Name())
	}
	return strings.Join(names, "+")
}

func (c *Chain) Send(ctx context.Context, name string, content []byte) error {
	if err := c.primary.Send(ctx, name, content); err != nil {
		return err
	}
	for _, f := range c.followers {
		if err := f.Send(ctx, name, content); err != nil {
			c.log.WithError(err).WithField("channel", f.Name()).Warnf("Follower delivery of %s failed", name)
		}
	}
	return nil
}

func (c *Chain) Verify(ctx context.Context) error {
	return c.primary.Verify(ctx)
}
