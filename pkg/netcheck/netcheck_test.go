package netcheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestChecker(up func(host string, call int) bool) (*Checker, *[]time.Duration) {
	logger, _ := test.NewNullLogger()
	c := New([]string{"1.1.1.1", "8.8.8.8"}, time.Second, logrus.NewEntry(logger))
	calls := 0
	c.ping = func(_ context.Context, host string, _ time.Duration) error {
		calls++
		if up(host, calls) {
			return nil
		}
		return errors.New("timeout")
	}
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second, 48 * time.Second, 60 * time.Second, 60 * time.Second}
	for n, w := range want {
		if got := Backoff(n); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", n, got, w)
		}
	}
	if Backoff(40) != 60*time.Second {
		t.Error("large n must stay capped")
	}
}

func TestIsConnectedTriesEveryHost(t *testing.T) {
	c, _ := newTestChecker(func(host string, _ int) bool { return host == "8.8.8.8" })
	if !c.IsConnected(context.Background()) {
		t.Error("second host answered")
	}
}

func TestWaitForConnection(t *testing.T) {
	// Hosts come back on the fifth ping, i.e. the third round.
	c, slept := newTestChecker(func(_ string, call int) bool { return call >= 5 })
	if !c.WaitForConnection(context.Background(), 10) {
		t.Fatal("expected connectivity")
	}
	if len(*slept) != 2 || (*slept)[0] != 3*time.Second || (*slept)[1] != 6*time.Second {
		t.Errorf("slept %v", *slept)
	}
}

func TestWaitForConnectionGivesUp(t *testing.T) {
	c, slept := newTestChecker(func(string, int) bool { return false })
	if c.WaitForConnection(context.Background(), 3) {
		t.Fatal("expected no connectivity")
	}
	if len(*slept) != 2 {
		t.Errorf("slept %v, no pause after the last check", *slept)
	}
}

func TestWaitForConnectionChecksAtLeastOnce(t *testing.T) {
	pings := 0
	c, slept := newTestChecker(func(string, int) bool {
		pings++
		return true
	})
	if !c.WaitForConnection(context.Background(), 0) {
		t.Fatal("reachable host reported offline")
	}
	if pings != 1 || len(*slept) != 0 {
		t.Errorf("pings %d, slept %v", pings, *slept)
	}
}
