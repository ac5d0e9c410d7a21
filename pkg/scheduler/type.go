package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/formatter"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/pendingqueue"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/types"
)

const (
	DefaultReportTime = "23:59"
	defaultWorkers    = 3
)

var (
	ErrRecordFormat = errors.New("record could not be formatted")
	ErrOffline      = errors.New("no network connection")
)

// MeterReader produces one snapshot per cycle.
type MeterReader interface {
	ReadAll(ctx context.Context) (*types.Snapshot, error)
}

type RecordFormatter interface {
	FormatAt(kind formatter.Kind, snap *types.Snapshot, now time.Time) string
	FileName(kind formatter.Kind, now time.Time) string
}

// Queue is the part of pendingqueue.Queue the scheduler drives.
type Queue interface {
	Enqueue(ctx context.Context, name, content string, now time.Time) (pendingqueue.Record, error)
	Due(ctx context.Context, now time.Time) ([]pendingqueue.Record, error)
	MarkFailed(ctx context.Context, id string, now time.Time) (pendingqueue.Record, error)
	Delete(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) ([]pendingqueue.Record, error)
	Count(ctx context.Context) (int, error)
	LogRecord(ctx context.Context, e pendingqueue.LogEntry) error
}

// Archive keeps a local copy of every valid record.
type Archive interface {
	Store(name string, content []byte) (string, error)
	FlushAvailable() (int, error)
}

type Connectivity interface {
	WaitForConnection(ctx context.Context, attempts int) bool
}

type Config struct {
	// ReportTime is the local HH:MM of the daily cycle.
	ReportTime    string
	SweepInterval time.Duration
	Workers       int
	Kinds         []formatter.Kind
	Retention     time.Duration
	// WaitAttempts bounds the connectivity wait before a sweep.
	WaitAttempts int
}

type EventKind string

const (
	EventCycleStarted  EventKind = "cycle_started"
	EventCycleFinished EventKind = "cycle_finished"
	EventCycleFailed   EventKind = "cycle_failed"
	EventDelivered     EventKind = "record_delivered"
	EventQueued        EventKind = "record_queued"
	EventFormatFailed  EventKind = "record_format_failed"
	EventRetryFailed   EventKind = "retry_failed"
	EventExpired       EventKind = "record_expired"
	EventSweepFinished EventKind = "sweep_finished"
	EventOffline       EventKind = "offline"
)

// Event is published to observers for every state change.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Time     time.Time       `json:"time"`
	Record   string          `json:"record,omitempty"`
	Content  string          `json:"content,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Snapshot *types.Snapshot `json:"snapshot,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running      bool            `json:"running"`
	Channel      string          `json:"channel"`
	LastCycle    time.Time       `json:"last_cycle"`
	LastCycleErr string          `json:"last_cycle_error,omitempty"`
	LastSweep    time.Time       `json:"last_sweep"`
	NextCycle    time.Time       `json:"next_cycle"`
	NextSweep    time.Time       `json:"next_sweep"`
	Pending      int             `json:"pending"`
	Delivered    uint64          `json:"delivered"`
	Queued       uint64          `json:"queued"`
	FormatFailed uint64          `json:"format_failed"`
	Expired      uint64          `json:"expired"`
	Latest       *types.Snapshot `json:"latest,omitempty"`
}
