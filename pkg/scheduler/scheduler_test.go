package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/errlog"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/formatter"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/pendingqueue"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/seriallink"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/transfer"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var t0 = time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)

type fakeReader struct {
	snap *types.Snapshot
	err  error
}

func (f *fakeReader) ReadAll(context.Context) (*types.Snapshot, error) {
	return f.snap, f.err
}

type fakeChannel struct {
	mu       sync.Mutex
	err      error
	sent     []string
	inFlight int
	peak     int
	delay    time.Duration
}

func (f *fakeChannel) Name() string { return "ftp" }

func (f *fakeChannel) Send(_ context.Context, name string, _ []byte) error {
	f.mu.Lock()
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, name)
	return nil
}

func (f *fakeChannel) Verify(context.Context) error { return nil }

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeArchive struct {
	mu      sync.Mutex
	stored  []string
	flushes int
	staged  int
}

func (a *fakeArchive) Store(name string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stored = append(a.stored, name)
	return name, nil
}

func (a *fakeArchive) FlushAvailable() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushes++
	moved := a.staged
	a.staged = 0
	return moved, nil
}

type fakeNetwork struct{ up bool }

func (n fakeNetwork) WaitForConnection(context.Context, int) bool { return n.up }

type codeRecorder struct {
	mu     sync.Mutex
	codes  []errlog.Code
	events []string
}

func (c *codeRecorder) LogEvent(code errlog.Code, context string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, string(code)+" "+context)
}

func (c *codeRecorder) LogError(code errlog.Code, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
}

func (c *codeRecorder) has(code errlog.Code) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, got := range c.codes {
		if got == code {
			return true
		}
	}
	return false
}

type harness struct {
	s       *Scheduler
	reader  *fakeReader
	channel *fakeChannel
	archive *fakeArchive
	queue   *pendingqueue.Queue
	errs    *codeRecorder
	clock   *time.Time
}

func healthySnapshot() *types.Snapshot {
	snap := types.NewSnapshot(t0)
	snap.Set("Q", types.Float(12.345))
	snap.Set("Vol", types.Float(1234.5678))
	snap.Set("direccion_flujo", types.Flags(map[string]bool{"0": true}))
	return snap
}

func newHarness(t *testing.T, cfg Config, network Connectivity) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	q, err := pendingqueue.Open(filepath.Join(t.TempDir(), "queue.db"), log)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	h := &harness{
		reader:  &fakeReader{snap: healthySnapshot()},
		channel: &fakeChannel{},
		archive: &fakeArchive{},
		queue:   q,
		errs:    &codeRecorder{},
	}
	clock := t0
	h.clock = &clock
	site := formatter.Site{RFC: "ABC123456A19", NSM: "001", NSUE: "002", Lat: 19.4, Long: -99.1}
	f := formatter.New(site, &profile.Profile{})
	h.s = New(cfg, h.reader, f, h.channel, q, h.archive, network, log, h.errs)
	h.s.now = func() time.Time { return *h.clock }
	return h
}

func TestCronSpec(t *testing.T) {
	spec, err := CronSpec("06:05")
	if err != nil || spec != "5 6 * * *" {
		t.Errorf("got %q, %v", spec, err)
	}
	spec, err = CronSpec("25:99")
	if err == nil || spec != "59 23 * * *" {
		t.Errorf("invalid time: got %q, %v", spec, err)
	}
}

func TestRunCycleDelivers(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	var events []EventKind
	h.s.Subscribe(func(ev Event) { events = append(events, ev.Kind) })

	if err := h.s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.channel.sentCount() != 1 || h.channel.sent[0] != "ABC123456A19_001_20260504.txt" {
		t.Errorf("sent = %v", h.channel.sent)
	}
	if len(h.archive.stored) != 1 {
		t.Errorf("archive = %v", h.archive.stored)
	}
	st := h.s.Status()
	if st.Delivered != 1 || st.Pending != 0 || st.Latest == nil {
		t.Errorf("status = %+v", st)
	}
	want := []EventKind{EventCycleStarted, EventDelivered, EventCycleFinished}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events = %v", events)
	}

	hist, err := h.queue.RecentRecords(context.Background(), 10)
	if err != nil || len(hist) != 1 || hist[0].Outcome != pendingqueue.OutcomeDelivered {
		t.Errorf("history = %+v, %v", hist, err)
	}
	if !strings.HasPrefix(hist[0].Content, "M|") {
		t.Errorf("content = %q", hist[0].Content)
	}
}

func TestRecordAndFileNameShareTimestamp(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	if err := h.s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	hist, err := h.queue.RecentRecords(context.Background(), 1)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %+v, %v", hist, err)
	}
	if hist[0].Name != "ABC123456A19_001_20260504.txt" || !strings.HasPrefix(hist[0].Content, "M|20260504|235900|") {
		t.Errorf("name %q, content %q", hist[0].Name, hist[0].Content)
	}
}

func TestRunCycleQueuesFailedDelivery(t *testing.T) {
	h := newHarness(t, Config{Kinds: []formatter.Kind{formatter.KindMedidor, formatter.KindSistemaMedicion}}, nil)
	h.channel.err = fmt.Errorf("%w: connection reset", transfer.ErrTemporary)

	if err := h.s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if due, _ := h.queue.Due(ctx, t0); len(due) != 0 {
		t.Errorf("records due before the first retry delay: %d", len(due))
	}
	due, err := h.queue.Due(ctx, t0.Add(time.Hour))
	if err != nil || len(due) != 2 {
		t.Fatalf("due = %d, %v", len(due), err)
	}
	if st := h.s.Status(); st.Queued != 2 || st.Pending != 2 {
		t.Errorf("status = %+v", st)
	}
	if !h.errs.has(errlog.CodeFTP) {
		t.Errorf("codes = %v", h.errs.codes)
	}
}

func TestRunCyclePermanentFailureStillQueued(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.channel.err = fmt.Errorf("%w: 530 login incorrect", transfer.ErrPermanent)

	if err := h.s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	hist, _ := h.queue.RecentRecords(context.Background(), 10)
	if len(hist) != 1 || hist[0].Outcome != pendingqueue.OutcomeRejected {
		t.Errorf("history = %+v", hist)
	}
	if n, _ := h.queue.Count(context.Background()); n != 1 {
		t.Errorf("pending = %d", n)
	}
}

func TestRunCycleReadFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.reader.err = fmt.Errorf("poll cycle aborted: %w", seriallink.ErrPortUnavailable)
	var failed bool
	h.s.Subscribe(func(ev Event) { failed = failed || ev.Kind == EventCycleFailed })

	err := h.s.RunCycle(context.Background())
	if !errors.Is(err, seriallink.ErrPortUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if !failed || h.channel.sentCount() != 0 {
		t.Errorf("failed event %v, sent %d", failed, h.channel.sentCount())
	}
	if st := h.s.Status(); st.LastCycleErr == "" {
		t.Error("cycle error not recorded")
	}
}

func TestRunCycleNeverSendsErrorRecords(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	snap := types.NewSnapshot(t0)
	snap.Fail("Vol", errors.New("timeout"))
	h.reader.snap = snap

	err := h.s.RunCycle(context.Background())
	if !errors.Is(err, ErrRecordFormat) {
		t.Fatalf("err = %v", err)
	}
	if h.channel.sentCount() != 0 || len(h.archive.stored) != 0 {
		t.Errorf("error record escaped: sent %d, archived %d", h.channel.sentCount(), len(h.archive.stored))
	}
	if n, _ := h.queue.Count(context.Background()); n != 0 {
		t.Errorf("error record queued")
	}
	if !h.errs.has(errlog.CodeRecord) || h.s.Status().FormatFailed != 1 {
		t.Errorf("codes = %v", h.errs.codes)
	}
}

func TestSweepDeliversDueRecords(t *testing.T) {
	h := newHarness(t, Config{}, fakeNetwork{up: true})
	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, "a.txt", "M|a", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := h.queue.Enqueue(ctx, "later.txt", "M|b", t0.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	*h.clock = t0.Add(time.Hour)
	if err := h.s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if h.channel.sentCount() != 1 || h.channel.sent[0] != "a.txt" {
		t.Errorf("sent = %v", h.channel.sent)
	}
	if n, _ := h.queue.Count(ctx); n != 1 {
		t.Errorf("pending = %d", n)
	}
	if h.archive.flushes != 1 {
		t.Errorf("staging not flushed")
	}
}

func TestSweepBacksOffFailedRecords(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	rec, err := h.queue.Enqueue(ctx, "a.txt", "M|a", t0)
	if err != nil {
		t.Fatal(err)
	}
	h.channel.err = transfer.ErrTemporary

	*h.clock = t0.Add(time.Hour)
	if err := h.s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := h.queue.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AttemptCount != 1 || !got.NextAttemptAt.Equal(t0.Add(3*time.Hour)) {
		t.Errorf("record = %+v", got)
	}
}

func TestSweepOffline(t *testing.T) {
	h := newHarness(t, Config{}, fakeNetwork{up: false})
	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, "a.txt", "M|a", t0); err != nil {
		t.Fatal(err)
	}

	*h.clock = t0.Add(time.Hour)
	if err := h.s.Sweep(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("err = %v", err)
	}
	if h.channel.sentCount() != 0 || !h.errs.has(errlog.CodeNoInternet) {
		t.Errorf("sent %d, codes %v", h.channel.sentCount(), h.errs.codes)
	}
	got, _ := h.queue.Due(ctx, *h.clock)
	if len(got) != 1 || got[0].AttemptCount != 0 {
		t.Errorf("offline sweep touched the record: %+v", got)
	}
}

func TestSweepPurgesExpired(t *testing.T) {
	h := newHarness(t, Config{Retention: 24 * time.Hour}, nil)
	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, "old.txt", "M|old", t0); err != nil {
		t.Fatal(err)
	}
	h.channel.err = transfer.ErrTemporary

	*h.clock = t0.Add(pendingqueue.MinRetention + time.Hour)
	if err := h.s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.queue.Count(ctx); n != 0 {
		t.Errorf("pending = %d", n)
	}
	if !h.errs.has(errlog.CodeDataLoss) || h.s.Status().Expired != 1 {
		t.Errorf("data loss not reported: %v", h.errs.codes)
	}
	if h.channel.sentCount() != 0 {
		t.Error("expired record was retried")
	}
}

func TestSweepRespectsWorkerLimit(t *testing.T) {
	h := newHarness(t, Config{Workers: 2}, nil)
	h.channel.delay = 20 * time.Millisecond
	ctx := context.Background()
	for i := range 6 {
		if _, err := h.queue.Enqueue(ctx, fmt.Sprintf("r%d.txt", i), "M|x", t0); err != nil {
			t.Fatal(err)
		}
	}

	*h.clock = t0.Add(time.Hour)
	if err := h.s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if h.channel.sentCount() != 6 {
		t.Errorf("sent %d", h.channel.sentCount())
	}
	if h.channel.peak > 2 {
		t.Errorf("peak concurrency %d exceeds workers", h.channel.peak)
	}
	if n, _ := h.queue.Count(ctx); n != 0 {
		t.Errorf("pending = %d", n)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	var n int
	cancel := h.s.Subscribe(func(Event) { n++ })
	h.s.emit(Event{Kind: EventSweepFinished})
	cancel()
	h.s.emit(Event{Kind: EventSweepFinished})
	if n != 1 {
		t.Errorf("observer called %d times", n)
	}
}

func TestSweepLogsFlushedRecords(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.archive.staged = 2
	if err := h.s.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.errs.mu.Lock()
	defer h.errs.mu.Unlock()
	if len(h.errs.events) != 1 || h.errs.events[0] != "016 volume mounted, moved 2 staged records" {
		t.Errorf("events = %v", h.errs.events)
	}
}

func TestStopWaitsForRunNow(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: time.Hour}, nil)
	h.channel.delay = 300 * time.Millisecond
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.s.RunNow() {
		t.Fatal("RunNow did not start")
	}
	time.Sleep(50 * time.Millisecond)
	h.s.RunNow() // skipped, the first cycle is still sending

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if n := h.channel.sentCount(); n != 1 {
		t.Errorf("sent %d records by the time Stop returned, want exactly 1", n)
	}
	if h.s.RunNow() || h.s.SweepNow() {
		t.Error("jobs started after Stop")
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, Config{ReportTime: "bogus", SweepInterval: time.Hour}, nil)
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.errs.has(errlog.CodeConfig) {
		t.Error("invalid report time not reported")
	}
	st := h.s.Status()
	if !st.Running || st.NextCycle.IsZero() || st.NextSweep.IsZero() {
		t.Errorf("status = %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if h.s.Status().Running {
		t.Error("still running after stop")
	}
}
