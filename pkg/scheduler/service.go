// Package scheduler runs the daily read, format and deliver cycle and
// the periodic sweep that retries queued records.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/errlog"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/formatter"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/pendingqueue"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/transfer"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Scheduler struct {
	cfg       Config
	reader    MeterReader
	formatter RecordFormatter
	channel   transfer.Channel
	queue     Queue
	archive   Archive
	network   Connectivity
	log       *logrus.Entry
	errs      errlog.Reporter
	now       func() time.Time

	cron    *cron.Cron
	cycleID cron.EntryID
	sweepID cron.EntryID
	runCtx  context.Context
	cancel  context.CancelFunc

	// cycleMu and sweepMu keep at most one run of each job; wg tracks
	// runs started outside cron.
	cycleMu  sync.Mutex
	sweepMu  sync.Mutex
	wg       sync.WaitGroup
	stopping bool

	mu        sync.Mutex
	status    Status
	observers map[int]func(Event)
	nextObsID int
}

// New builds a scheduler. archive and network may be nil.
func New(cfg Config, reader MeterReader, f RecordFormatter, ch transfer.Channel, q Queue,
	archive Archive, network Connectivity, log *logrus.Entry, errs errlog.Reporter) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []formatter.Kind{formatter.KindMedidor}
	}
	if errs == nil {
		errs = errlog.Discard
	}
	return &Scheduler{
		cfg:       cfg,
		reader:    reader,
		formatter: f,
		channel:   ch,
		queue:     q,
		archive:   archive,
		network:   network,
		log:       log.WithField("component", "scheduler"),
		errs:      errs,
		now:       time.Now,
		status:    Status{Channel: ch.Name()},
		observers: make(map[int]func(Event)),
	}
}

// CronSpec turns HH:MM into a daily cron expression. An invalid time
// falls back to DefaultReportTime.
func CronSpec(reportTime string) (string, error) {
	t, err := time.Parse("15:04", reportTime)
	if err != nil {
		t, _ = time.Parse("15:04", DefaultReportTime)
		err = fmt.Errorf("report time %q is not HH:MM, using %s", reportTime, DefaultReportTime)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), err
}

// Start registers both jobs and starts the cron runner. ctx bounds
// every job the scheduler runs.
func (s *Scheduler) Start(ctx context.Context) error {
	spec, err := CronSpec(s.cfg.ReportTime)
	if err != nil {
		s.errs.LogError(errlog.CodeConfig, err.Error())
	}

	logger := cron.PrintfLogger(s.log)
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.runCtx, s.cancel = context.WithCancel(ctx)

	s.cycleID, err = s.cron.AddFunc(spec, func() {
		s.guarded(&s.cycleMu, "cycle", s.RunCycle)
	})
	if err != nil {
		return fmt.Errorf("schedule daily cycle: %w", err)
	}
	s.sweepID, err = s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.SweepInterval), func() {
		s.guarded(&s.sweepMu, "sweep", s.Sweep)
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron.Start()
	s.mu.Lock()
	s.status.Running = true
	s.mu.Unlock()
	s.log.Infof("Daily cycle at %s, sweep every %s, %d workers", spec, s.cfg.SweepInterval, s.cfg.Workers)
	return nil
}

// RunNow starts a cycle in the background, outside the daily schedule.
// It is skipped when a cycle is already running. Stop waits for it.
func (s *Scheduler) RunNow() bool {
	return s.background(&s.cycleMu, "cycle", s.RunCycle)
}

// SweepNow starts a sweep in the background under the same rules as RunNow.
func (s *Scheduler) SweepNow() bool {
	return s.background(&s.sweepMu, "sweep", s.Sweep)
}

func (s *Scheduler) background(mu *sync.Mutex, name string, job func(context.Context) error) bool {
	s.mu.Lock()
	if s.cron == nil || s.stopping {
		s.mu.Unlock()
		s.log.Warnf("Scheduler not running, %s not started", name)
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.guarded(mu, name, job)
	}()
	return true
}

// guarded runs job unless another run holding mu is in progress.
func (s *Scheduler) guarded(mu *sync.Mutex, name string, job func(context.Context) error) {
	if !mu.TryLock() {
		s.log.Infof("Previous %s still running, skipping", name)
		return
	}
	defer mu.Unlock()
	_ = job(s.runCtx)
}

// Stop stops scheduling and waits for running jobs, including those
// started by RunNow and SweepNow, until ctx is done. Then it cancels
// them. The caller closes the link and the queue after.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cron == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.status.Running = false
	s.mu.Unlock()
	defer s.cancel()

	cronDone := s.cron.Stop()
	finished := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("Scheduler stop timed out, cancelling running jobs")
		return ctx.Err()
	}
}

// RunCycle reads the meter once on the calling goroutine and delivers
// one record per configured kind. Records that fail to deliver are
// queued. It returns an error only when nothing could be read or a
// record could not be kept.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	s.emit(Event{Kind: EventCycleStarted})

	snap, err := s.reader.ReadAll(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Cycle failed, retrying at next scheduled run")
		s.mu.Lock()
		s.status.LastCycle = s.now()
		s.status.LastCycleErr = err.Error()
		s.mu.Unlock()
		s.emit(Event{Kind: EventCycleFailed, Detail: err.Error()})
		return err
	}
	now := s.now()
	s.mu.Lock()
	s.status.Latest = snap
	s.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, kind := range s.cfg.Kinds {
		g.Go(func() error {
			if err := s.deliver(ctx, kind, snap, now); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	err = errors.Join(errs...)

	s.mu.Lock()
	s.status.LastCycle = now
	s.status.LastCycleErr = ""
	if err != nil {
		s.status.LastCycleErr = err.Error()
	}
	s.mu.Unlock()
	s.refreshPending(ctx)
	s.emit(Event{Kind: EventCycleFinished, Snapshot: snap})
	return err
}

func (s *Scheduler) deliver(ctx context.Context, kind formatter.Kind, snap *types.Snapshot, now time.Time) error {
	content := s.formatter.FormatAt(kind, snap, now)
	name := s.formatter.FileName(kind, now)
	log := s.log.WithFields(logrus.Fields{"kind": kind, "file": name})

	if formatter.IsErrorRecord(content) {
		s.errs.LogError(errlog.CodeRecord, fmt.Sprintf("%s: %s", kind, content))
		s.history(ctx, kind, name, content, pendingqueue.OutcomeFailed, "")
		s.count(func(st *Status) { st.FormatFailed++ })
		s.emit(Event{Kind: EventFormatFailed, Record: name, Content: content})
		return fmt.Errorf("%w: %s", ErrRecordFormat, content)
	}

	if s.archive != nil {
		if _, err := s.archive.Store(name, []byte(content)); err != nil {
			s.errs.LogError(errlog.CodeStorage, fmt.Sprintf("archive %s: %v", name, err))
		}
	}

	sendErr := s.channel.Send(ctx, name, []byte(content))
	if sendErr == nil {
		log.Info("Record delivered")
		s.history(ctx, kind, name, content, pendingqueue.OutcomeDelivered, "")
		s.count(func(st *Status) { st.Delivered++ })
		s.emit(Event{Kind: EventDelivered, Record: name, Content: content})
		return nil
	}

	s.errs.LogError(channelCode(s.channel.Name()), fmt.Sprintf("%s: %v", name, sendErr))
	rec, err := s.queue.Enqueue(ctx, name, content, now)
	if err != nil {
		s.errs.LogError(errlog.CodeQueue, fmt.Sprintf("enqueue %s: %v", name, err))
		return fmt.Errorf("record %s lost: %w", name, errors.Join(sendErr, err))
	}
	outcome := pendingqueue.OutcomeQueued
	if errors.Is(sendErr, transfer.ErrPermanent) {
		outcome = pendingqueue.OutcomeRejected
	}
	log.WithField("id", rec.ID).Infof("Record queued, next attempt %s", humanize.RelTime(rec.NextAttemptAt, now, "ago", "from now"))
	s.history(ctx, kind, name, content, outcome, sendErr.Error())
	s.count(func(st *Status) { st.Queued++ })
	s.emit(Event{Kind: EventQueued, Record: name, Content: content, Detail: sendErr.Error()})
	return nil
}

// Sweep purges expired records, flushes staged files onto a mounted
// volume and retries every due record on the worker pool.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now()
	defer func() {
		s.mu.Lock()
		s.status.LastSweep = now
		s.mu.Unlock()
		s.refreshPending(ctx)
		s.emit(Event{Kind: EventSweepFinished})
	}()

	expired, err := s.queue.PurgeExpired(ctx, now, s.cfg.Retention)
	if err != nil {
		s.errs.LogError(errlog.CodeQueue, fmt.Sprintf("purge: %v", err))
	}
	for _, rec := range expired {
		s.errs.LogError(errlog.CodeDataLoss, fmt.Sprintf("%s after %d attempts", rec.Name, rec.AttemptCount))
		s.history(ctx, "", rec.Name, rec.Content, pendingqueue.OutcomeExpired, "")
		s.count(func(st *Status) { st.Expired++ })
		s.emit(Event{Kind: EventExpired, Record: rec.Name, Attempt: rec.AttemptCount})
	}

	if s.archive != nil {
		moved, err := s.archive.FlushAvailable()
		if err != nil {
			s.errs.LogError(errlog.CodeStorage, fmt.Sprintf("flush staging: %v", err))
		}
		if moved > 0 {
			s.event(errlog.CodeStorage, fmt.Sprintf("volume mounted, moved %d staged records", moved))
		}
	}

	due, err := s.queue.Due(ctx, now)
	if err != nil {
		s.errs.LogError(errlog.CodeQueue, fmt.Sprintf("list due: %v", err))
		return err
	}
	if len(due) == 0 {
		return nil
	}

	if s.network != nil && !s.network.WaitForConnection(ctx, s.cfg.WaitAttempts) {
		s.errs.LogError(errlog.CodeNoInternet, fmt.Sprintf("%d due records postponed", len(due)))
		s.emit(Event{Kind: EventOffline, Detail: fmt.Sprintf("%d due", len(due))})
		return ErrOffline
	}

	s.log.Infof("Retrying %d queued records", len(due))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, rec := range due {
		g.Go(func() error {
			return s.retry(ctx, rec)
		})
	}
	return g.Wait()
}

func (s *Scheduler) retry(ctx context.Context, rec pendingqueue.Record) error {
	log := s.log.WithFields(logrus.Fields{"id": rec.ID, "file": rec.Name})

	sendErr := s.channel.Send(ctx, rec.Name, []byte(rec.Content))
	if sendErr == nil {
		if err := s.queue.Delete(ctx, rec.ID); err != nil {
			// Delivered but still queued: the next sweep sends a duplicate.
			s.errs.LogError(errlog.CodeQueue, fmt.Sprintf("delete %s: %v", rec.ID, err))
			return err
		}
		log.Infof("Queued record delivered after %d failed attempts", rec.AttemptCount)
		s.history(ctx, "", rec.Name, rec.Content, pendingqueue.OutcomeDelivered, "retry")
		s.count(func(st *Status) { st.Delivered++ })
		s.emit(Event{Kind: EventDelivered, Record: rec.Name, Content: rec.Content, Attempt: rec.AttemptCount})
		return nil
	}

	s.errs.LogError(channelCode(s.channel.Name()), fmt.Sprintf("retry %s: %v", rec.Name, sendErr))
	updated, err := s.queue.MarkFailed(ctx, rec.ID, s.now())
	if err != nil {
		if errors.Is(err, pendingqueue.ErrNotFound) {
			return nil
		}
		s.errs.LogError(errlog.CodeQueue, fmt.Sprintf("mark failed %s: %v", rec.ID, err))
		return err
	}
	log.Infof("Retry %d failed, next attempt at %s", updated.AttemptCount, updated.NextAttemptAt.Format(time.RFC3339))
	s.emit(Event{Kind: EventRetryFailed, Record: rec.Name, Attempt: updated.AttemptCount, Detail: sendErr.Error()})
	return nil
}

// Status returns a copy of the current status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if s.cron != nil && st.Running {
		st.NextCycle = s.cron.Entry(s.cycleID).Next
		st.NextSweep = s.cron.Entry(s.sweepID).Next
	}
	return st
}

// Subscribe registers fn for every event and returns a function that
// removes it. fn runs on the emitting goroutine and must not block.
func (s *Scheduler) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Scheduler) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// event records a notable non-error occurrence when the reporter
// keeps an event log.
func (s *Scheduler) event(code errlog.Code, detail string) {
	if ev, ok := s.errs.(errlog.EventReporter); ok {
		ev.LogEvent(code, detail)
	}
}

func (s *Scheduler) count(update func(*Status)) {
	s.mu.Lock()
	update(&s.status)
	s.mu.Unlock()
}

func (s *Scheduler) refreshPending(ctx context.Context) {
	n, err := s.queue.Count(context.WithoutCancel(ctx))
	if err != nil {
		s.log.WithError(err).Warn("Could not count pending records")
		return
	}
	s.mu.Lock()
	s.status.Pending = n
	s.mu.Unlock()
}

func (s *Scheduler) history(ctx context.Context, kind formatter.Kind, name, content string, outcome pendingqueue.Outcome, detail string) {
	err := s.queue.LogRecord(context.WithoutCancel(ctx), pendingqueue.LogEntry{
		Timestamp: s.now(),
		Kind:      string(kind),
		Name:      name,
		Content:   content,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		s.log.WithError(err).Warn("Could not write record history")
	}
}

// channelCode maps a channel (or chain, "ftp+mqtt") to its log code.
func channelCode(name string) errlog.Code {
	primary, _, _ := strings.Cut(name, "+")
	switch primary {
	case "ftp":
		return errlog.CodeFTP
	case "email":
		return errlog.CodeEmail
	case "sms":
		return errlog.CodeSMS
	case "mqtt":
		return errlog.CodeMQTT
	case "local":
		return errlog.CodeStorage
	}
	return errlog.CodeGeneral
}
