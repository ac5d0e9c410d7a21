package pendingqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var t0 = time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)

func openTestQueue(t *testing.T, path string) *Queue {
	t.Helper()
	logger, _ := test.NewNullLogger()
	q, err := Open(path, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRetryDelay(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i <= 8; i++ {
		d := RetryDelay(i)
		if d <= prev {
			t.Fatalf("RetryDelay(%d) = %v not greater than %v", i, d, prev)
		}
		prev = d
	}
	if RetryDelay(0) != time.Hour || RetryDelay(3) != 8*time.Hour {
		t.Errorf("RetryDelay(0)=%v RetryDelay(3)=%v", RetryDelay(0), RetryDelay(3))
	}
}

func TestEffectiveRetention(t *testing.T) {
	if EffectiveRetention(24*time.Hour) != MinRetention {
		t.Error("retention below the floor must be raised")
	}
	year := 365 * 24 * time.Hour
	if EffectiveRetention(year) != year {
		t.Error("retention above the floor must be kept")
	}
}

func TestEnqueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q := openTestQueue(t, path)
	rec, err := q.Enqueue(ctx, "A_001_20260504.txt", "M|20260504|...", t0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.AttemptCount != 0 || !rec.NextAttemptAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("new record = %+v", rec)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q = openTestQueue(t, path)
	defer q.Close()
	got, err := q.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "M|20260504|..." || got.Name != "A_001_20260504.txt" || !got.CreatedAt.Equal(t0) {
		t.Errorf("reloaded = %+v", got)
	}

	due, err := q.Due(ctx, t0.Add(59*time.Minute))
	if err != nil || len(due) != 0 {
		t.Errorf("due before retry time = %v, %v", due, err)
	}
	due, err = q.Due(ctx, t0.Add(time.Hour))
	if err != nil || len(due) != 1 {
		t.Errorf("due at retry time = %v, %v", due, err)
	}
}

func TestMarkFailedBacksOff(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	rec, err := q.Enqueue(ctx, "r.txt", "x", t0)
	if err != nil {
		t.Fatal(err)
	}

	now := t0
	prevGap := time.Duration(0)
	for i := 1; i <= 4; i++ {
		now = now.Add(time.Duration(i) * time.Hour)
		rec, err = q.MarkFailed(ctx, rec.ID, now)
		if err != nil {
			t.Fatal(err)
		}
		if rec.AttemptCount != i {
			t.Fatalf("attempt_count = %d, want %d", rec.AttemptCount, i)
		}
		gap := rec.NextAttemptAt.Sub(now)
		if gap != time.Duration(1<<i)*time.Hour || gap <= prevGap {
			t.Errorf("attempt %d: gap %v after %v", i, gap, prevGap)
		}
		prevGap = gap
	}

	stored, err := q.Get(ctx, rec.ID)
	if err != nil || stored.AttemptCount != 4 || !stored.NextAttemptAt.Equal(rec.NextAttemptAt) {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestMarkFailedUnknownID(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.MarkFailed(context.Background(), "nope", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestDelete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	rec, _ := q.Enqueue(ctx, "r.txt", "x", t0)

	if err := q.Delete(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Count(ctx); n != 0 {
		t.Errorf("count = %d", n)
	}
	if _, err := q.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	old, _ := q.Enqueue(ctx, "old.txt", "x", t0.Add(-200*24*time.Hour))
	recent, _ := q.Enqueue(ctx, "recent.txt", "y", t0.Add(-10*24*time.Hour))

	// A 30 day setting is raised to the 180 day floor.
	purged, err := q.PurgeExpired(ctx, t0, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 1 || purged[0].ID != old.ID {
		t.Fatalf("purged = %+v", purged)
	}
	all, _ := q.All(ctx)
	if len(all) != 1 || all[0].ID != recent.ID {
		t.Errorf("remaining = %+v", all)
	}
}

func TestRecordLog(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entries := []LogEntry{
		{Timestamp: t0.Add(-300 * 24 * time.Hour), Kind: "Medidor", Name: "a", Content: "M|1", Outcome: OutcomeDelivered},
		{Timestamp: t0, Kind: "Medidor", Name: "b", Content: "M|2", Outcome: OutcomeQueued, Detail: "ftp timeout"},
		{Timestamp: t0.Add(time.Second), Kind: "SistemaMedicion", Name: "c", Content: "QA|3", Outcome: OutcomeDelivered},
	}
	for _, e := range entries {
		if err := q.LogRecord(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := q.RecentRecords(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "c" || got[1].Outcome != OutcomeQueued || got[1].Detail != "ftp timeout" {
		t.Errorf("recent = %+v", got)
	}

	if _, err := q.PurgeExpired(ctx, t0, 0); err != nil {
		t.Fatal(err)
	}
	got, _ = q.RecentRecords(ctx, 10)
	if len(got) != 2 {
		t.Errorf("history after purge = %d entries, want 2", len(got))
	}
}

func TestConcurrentMutations(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := q.Enqueue(ctx, "r.txt", "x", t0)
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := q.MarkFailed(ctx, rec.ID, t0); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	all, err := q.All(ctx)
	if err != nil || len(all) != 20 {
		t.Fatalf("all = %d, %v", len(all), err)
	}
	for _, r := range all {
		if r.AttemptCount != 1 {
			t.Errorf("record %s attempt_count = %d", r.ID, r.AttemptCount)
		}
	}
}
