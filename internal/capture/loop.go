package capture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/visionvm/sensor/internal/state"
	"github.com/visionvm/sensor/internal/stream"
)

// Publisher receives each encoded frame. Satisfied by *stream.Server.
type Publisher interface {
	Publish(stream.Frame)
}

// Loop samples the capture region at a fixed cadence, encodes each grab
// and hands the result to the broadcaster. Transient sampling failures are
// retried with exponential backoff; only a run of consecutive failures
// past the ceiling escalates to a fatal error.
type Loop struct {
	grabber Grabber
	store   *state.Store
	sink    Publisher
	log     *zap.Logger

	interval       time.Duration
	backoffMax     time.Duration
	failureCeiling int

	sequence uint64
	failures int
	lastTick time.Time
}

func NewLoop(grabber Grabber, store *state.Store, sink Publisher, interval, backoffMax time.Duration, failureCeiling int, log *zap.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if backoffMax < interval {
		backoffMax = interval
	}
	if failureCeiling < 1 {
		failureCeiling = 10
	}
	return &Loop{
		grabber:        grabber,
		store:          store,
		sink:           sink,
		log:            log.With(zap.String("component", "capture")),
		interval:       interval,
		backoffMax:     backoffMax,
		failureCeiling: failureCeiling,
	}
}

// Run ticks until ctx is cancelled or the failure ceiling is reached.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if err := l.tick(); err != nil {
			l.failures++
			if l.failures > l.failureCeiling {
				return fmt.Errorf("capture: %d consecutive sampling failures: %w", l.failures, err)
			}
			wait := l.backoff()
			l.log.Warn("tick failed, backing off",
				zap.Error(err),
				zap.Int("consecutive_failures", l.failures),
				zap.Duration("retry_in", wait))
			timer.Reset(wait)
			continue
		}

		l.failures = 0
		timer.Reset(l.interval)
	}
}

// backoff doubles per consecutive failure, capped at backoffMax.
func (l *Loop) backoff() time.Duration {
	wait := l.interval
	for i := 1; i < l.failures; i++ {
		wait *= 2
		if wait >= l.backoffMax {
			return l.backoffMax
		}
	}
	if wait > l.backoffMax {
		wait = l.backoffMax
	}
	return wait
}

func (l *Loop) tick() error {
	region := l.store.Region()

	img, err := l.grabber.Grab(region.Rect())
	if err != nil {
		return err
	}

	payload, err := EncodeRegion(img, region.Rect())
	if err != nil {
		return err
	}

	now := time.Now()
	if !l.lastTick.IsZero() {
		if elapsed := now.Sub(l.lastTick).Seconds(); elapsed > 0 {
			l.store.SetFPS(1.0 / elapsed)
		}
	}
	l.lastTick = now

	l.sequence++
	l.sink.Publish(stream.Frame{
		Sequence:  l.sequence,
		Payload:   payload,
		Timestamp: l.store.Playhead(),
	})
	return nil
}
