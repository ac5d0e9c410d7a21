package errlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultWindow = time.Second

// Handler writes coded errors to the log. An identical message
// arriving within the window is counted instead of logged; the count
// is emitted as a summary before the next distinct message.
type Handler struct {
	log       *logrus.Entry
	notifiers []Notifier
	window    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	lastMsg string
	lastAt  time.Time
	repeats int
}

func NewHandler(log *logrus.Entry, notifiers ...Notifier) *Handler {
	return &Handler{
		log:       log,
		notifiers: notifiers,
		window:    defaultWindow,
		now:       time.Now,
	}
}

// AddNotifier registers n for errors logged from now on.
func (h *Handler) AddNotifier(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers = append(h.notifiers, n)
}

func Message(code Code, context string) string {
	return fmt.Sprintf("KER-%s: %s | %s", code, code.Description(), context)
}

func (h *Handler) LogError(code Code, context string) {
	msg := Message(code, context)
	now := h.now()

	h.mu.Lock()
	if msg == h.lastMsg && now.Sub(h.lastAt) < h.window {
		h.repeats++
		h.mu.Unlock()
		return
	}
	h.flushLocked()
	h.log.WithField("code", string(code)).Error(msg)
	h.lastMsg = msg
	h.lastAt = now
	notifiers := append([]Notifier(nil), h.notifiers...)
	h.mu.Unlock()

	for _, n := range notifiers {
		n.Notify(msg)
	}
}

// Flush emits any pending repetition summary.
func (h *Handler) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushLocked()
}

func (h *Handler) flushLocked() {
	if h.repeats == 0 {
		return
	}
	h.log.WithField("repeats", h.repeats).
		Errorf("%s (repeated %d times)", h.lastMsg, h.repeats)
	h.repeats = 0
}

// LogEvent records an informational coded event.
func (h *Handler) LogEvent(code Code, context string) {
	h.log.WithField("code", string(code)).Infof("KER-%s: %s", code, context)
}
