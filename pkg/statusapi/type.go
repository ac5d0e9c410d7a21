package statusapi

import (
	"context"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/pendingqueue"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/scheduler"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
	pingPeriod         = 30 * time.Second
	writeWait          = 10 * time.Second
)

type StatusSource interface {
	Status() scheduler.Status
}

type RecordSource interface {
	RecentRecords(ctx context.Context, limit int) ([]pendingqueue.LogEntry, error)
}

// LatestRegister is one register of the /latest response.
type LatestRegister struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
	Error string `json:"error,omitempty"`
}

type LatestResponse struct {
	TakenAt   time.Time        `json:"taken_at"`
	Registers []LatestRegister `json:"registers"`
}

const (
	MessageStatus = "status"
	MessageEvent  = "event"
)

// Message is the websocket envelope. Status is set for "status"
// messages and Event for "event" messages.
type Message struct {
	Type   string            `json:"type"`
	Status *scheduler.Status `json:"status,omitempty"`
	Event  *scheduler.Event  `json:"event,omitempty"`
}

func statusMessage(st scheduler.Status) Message {
	return Message{Type: MessageStatus, Status: &st}
}

func eventMessage(ev scheduler.Event) Message {
	return Message{Type: MessageEvent, Event: &ev}
}
