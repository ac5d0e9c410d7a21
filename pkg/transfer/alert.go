package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	alertPrefix   = "ALERTA: "
	alertTimeout  = 30 * time.Second
	alertInFlight = 4
)

// Alerter forwards logged errors to an operator channel (SMS or
// email) in the background. When too many alerts are in flight new
// ones are dropped.
type Alerter struct {
	ch  Channel
	log *logrus.Entry
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewAlerter(ch Channel, log *logrus.Entry) *Alerter {
	return &Alerter{
		ch:  ch,
		log: log.WithField("alert_channel", ch.Name()),
		sem: make(chan struct{}, alertInFlight),
	}
}

func (a *Alerter) Notify(message string) {
	select {
	case a.sem <- struct{}{}:
	default:
		a.log.Warn("Alert dropped, too many in flight")
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.sem }()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := a.ch.Send(ctx, "alert.txt", []byte(alertPrefix+message)); err != nil {
			// Not routed through errlog, that would alert about alerts.
			a.log.WithError(err).Warn("Alert delivery failed")
		}
	}()
}

// Wait blocks until in-flight alerts finish.
func (a *Alerter) Wait() {
	a.wg.Wait()
}
