package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/decoder"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/errlog"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/seriallink"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/types"
	"github.com/sirupsen/logrus"
)

// Reader polls every register of a profile over one link.
type Reader struct {
	link     Link
	profile  *profile.Profile
	decoders *decoder.Registry
	log      *logrus.Entry
	errs     errlog.Reporter

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewReader(link Link, p *profile.Profile, decoders *decoder.Registry, log *logrus.Entry, errs errlog.Reporter) *Reader {
	return &Reader{
		link:     link,
		profile:  p,
		decoders: decoders,
		log:      log.WithField("profile", p.Name),
		errs:     errs,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func (r *Reader) Profile() *profile.Profile {
	return r.profile
}

// ReadAll reads the registers in declared order. A register that fails
// after all retries is recorded as absent and the cycle continues; only
// an unavailable port aborts the whole cycle.
func (r *Reader) ReadAll(ctx context.Context) (*types.Snapshot, error) {
	if err := r.link.Connect(); err != nil {
		return nil, fmt.Errorf("poll cycle aborted: %w", err)
	}

	snap := types.NewSnapshot(r.now())
	for _, reg := range r.profile.Registers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := r.ReadOne(ctx, reg)
		if err != nil {
			if errors.Is(err, seriallink.ErrPortUnavailable) || ctx.Err() != nil {
				return nil, fmt.Errorf("poll cycle aborted at %s: %w", reg.Name, err)
			}
			snap.Fail(reg.Name, err)
			continue
		}
		snap.Set(reg.Name, v)
	}

	if failed := snap.FailedCount(); failed > 0 {
		r.log.WithField("failed", failed).Warnf("Poll cycle read %d of %d registers", snap.Len()-failed, snap.Len())
		if failed == snap.Len() {
			r.errs.LogError(errlog.CodeMeterComm, fmt.Sprintf("no register of %s could be read", r.profile.Name))
		}
	}
	return snap, nil
}

// ReadOne reads and decodes a single register, retrying link failures
// with increasing pauses and a reconnect between tries. Decode errors
// are returned at once.
func (r *Reader) ReadOne(ctx context.Context, reg profile.Register) (types.Value, error) {
	fc := r.profile.FunctionFor(reg)
	log := r.log.WithField("register", reg.Name)

	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		words, err := r.link.ReadRegisters(fc, reg.Address, reg.Count)
		if err == nil {
			v, derr := r.decoders.Decode(words, reg, r.profile)
			if derr != nil {
				r.errs.LogError(errlog.CodeDecode, fmt.Sprintf("%s: %v", reg.Name, derr))
				return types.Absent(), derr
			}
			return v, nil
		}
		if errors.Is(err, seriallink.ErrPortUnavailable) {
			return types.Absent(), err
		}

		lastErr = err
		delay := RetryDelay(attempt)
		log.WithError(err).Warnf("Read attempt %d/%d failed, retrying in %v", attempt+1, MaxAttempts, delay)
		if serr := r.sleep(ctx, delay); serr != nil {
			return types.Absent(), errors.Join(serr, lastErr)
		}

		log.Infof("Reconnect attempt %d/%d", attempt+1, MaxAttempts)
		if cerr := r.link.Reconnect(); cerr != nil {
			if errors.Is(cerr, seriallink.ErrPortUnavailable) {
				return types.Absent(), cerr
			}
			log.WithError(cerr).Warn("Reconnect failed")
		}
	}

	r.errs.LogError(errlog.CodeRegister, fmt.Sprintf("%s: %v", reg.Name, lastErr))
	return types.Absent(), errors.Join(ErrReadFailed, lastErr)
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
