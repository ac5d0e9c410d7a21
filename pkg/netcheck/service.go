package netcheck

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/sirupsen/logrus"
)

const (
	baseWait = 3 * time.Second
	maxWait  = 60 * time.Second
)

// Checker decides whether the uplink is usable by pinging well known hosts.
type Checker struct {
	hosts   []string
	timeout time.Duration
	log     *logrus.Entry

	ping  func(ctx context.Context, host string, timeout time.Duration) error
	sleep func(ctx context.Context, d time.Duration) error
}

func New(hosts []string, timeout time.Duration, log *logrus.Entry) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		hosts:   hosts,
		timeout: timeout,
		log:     log.WithField("component", "netcheck"),
		ping:    ping,
		sleep:   sleepCtx,
	}
}

// Backoff is the wait after failed check n: 3s doubling, capped at 60s.
func Backoff(n int) time.Duration {
	if n > 5 {
		return maxWait
	}
	return min(time.Duration(1<<n)*baseWait, maxWait)
}

// IsConnected reports whether any host answers.
func (c *Checker) IsConnected(ctx context.Context) bool {
	for _, host := range c.hosts {
		err := c.ping(ctx, host, c.timeout)
		if err == nil {
			return true
		}
		c.log.WithError(err).Debugf("No reply from %s", host)
	}
	return false
}

// WaitForConnection checks up to attempts times with growing pauses.
// It always checks at least once.
func (c *Checker) WaitForConnection(ctx context.Context, attempts int) bool {
	attempts = max(attempts, 1)
	for n := 0; n < attempts; n++ {
		if c.IsConnected(ctx) {
			return true
		}
		if n == attempts-1 {
			break
		}
		wait := Backoff(n)
		c.log.Infof("No connectivity, checking again in %v (%d/%d)", wait, n+1, attempts)
		if err := c.sleep(ctx, wait); err != nil {
			return false
		}
	}
	return false
}

func ping(ctx context.Context, host string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return err
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(false) // UDP-based, no root needed

	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv > 0 {
		return nil
	}
	return fmt.Errorf("no response from %s", host)
}

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
