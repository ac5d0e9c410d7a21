// Package statusclient follows the agent's websocket event stream and
// reconnects with exponential backoff when it drops.
package statusclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/statusapi"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	maxRetries     = 10
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 60 * time.Second
	readTimeout    = 90 * time.Second
)

var ErrGaveUp = errors.New("gave up reconnecting")

type Listener struct {
	url    url.URL
	handle func(statusapi.Message)
	log    *logrus.Entry
	dialer *websocket.Dialer
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(host string, tlsEnabled bool, handle func(statusapi.Message), log *logrus.Entry) *Listener {
	scheme := "ws"
	if tlsEnabled {
		scheme = "wss"
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	return &Listener{
		url:    url.URL{Scheme: scheme, Host: host, Path: "/ws"},
		handle: handle,
		log:    log.WithField("component", "statusclient"),
		dialer: &dialer,
		sleep:  sleepCtx,
	}
}

// RetryDelay is the wait before reconnect attempt n: 2s doubling,
// capped at a minute.
func RetryDelay(n int) time.Duration {
	if n > 5 {
		return maxRetryDelay
	}
	return min(time.Duration(1<<n)*baseRetryDelay, maxRetryDelay)
}

// Run streams messages until ctx is done. It returns ErrGaveUp after
// maxRetries consecutive failed connection attempts.
func (l *Listener) Run(ctx context.Context) error {
	retryCount := 0
	for {
		if retryCount > 0 {
			delay := RetryDelay(retryCount)
			l.log.Infof("Retrying connection in %v... (attempt %d/%d)", delay, retryCount+1, maxRetries)
			if err := l.sleep(ctx, delay); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		l.log.Infof("Connecting to %s", l.url.String())
		c, _, err := l.dialer.DialContext(ctx, l.url.String(), nil)
		if err != nil {
			l.log.WithError(err).Warn("Connection failed")
			retryCount++
			if retryCount >= maxRetries {
				l.log.Errorf("Max retries (%d) reached. Giving up.", maxRetries)
				return ErrGaveUp
			}
			continue
		}

		l.log.Info("Connected, following agent events")
		retryCount = 0
		broken := l.handleConnection(ctx, c)
		c.Close()
		if !broken {
			return nil
		}
		l.log.Info("Connection lost, will retry...")
		retryCount = 1
	}
}

// handleConnection returns true when the connection broke and false
// when ctx asked for a clean shutdown.
func (l *Listener) handleConnection(ctx context.Context, c *websocket.Conn) bool {
	done := make(chan struct{})

	c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPingHandler(func(data string) error {
		c.SetReadDeadline(time.Now().Add(readTimeout))
		return c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	go func() {
		defer close(done)
		for {
			messageType, payload, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					l.log.WithError(err).Warn("WebSocket error")
				} else {
					l.log.Debugf("Connection closed: %v", err)
				}
				return
			}
			c.SetReadDeadline(time.Now().Add(readTimeout))
			if messageType != websocket.TextMessage {
				continue
			}
			var msg statusapi.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				l.log.WithError(err).Warnf("Failed to parse message: %s", payload)
				continue
			}
			l.handle(msg)
		}
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		err := c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		if err != nil {
			l.log.WithError(err).Debug("Error sending close message")
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return false
	}
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
