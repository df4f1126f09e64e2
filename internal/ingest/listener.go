package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/battery.report/internal/battery"
	"github.com/banshee-data/battery.report/internal/monitoring"
	"github.com/banshee-data/battery.report/internal/serialmux"
	"github.com/banshee-data/battery.report/internal/timeutil"
)

// Enqueuer appends raw samples to the processing queue.
type Enqueuer interface {
	EnqueueRawSample(ctx context.Context, s battery.RawSample) (int64, error)
}

// Listener enqueues every parseable line it is given.
type Listener struct {
	store Enqueuer
	clock timeutil.Clock
	log   *logrus.Entry

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewListener returns a listener writing to store. A nil clock uses the
// real clock.
func NewListener(store Enqueuer, clock timeutil.Clock) *Listener {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Listener{
		store: store,
		clock: clock,
		log:   monitoring.WithComponent("ingest"),
	}
}

// Accepted returns how many samples were enqueued.
func (l *Listener) Accepted() int64 { return l.accepted.Load() }

// Rejected returns how many lines could not be parsed.
func (l *Listener) Rejected() int64 { return l.rejected.Load() }

// HandleLine parses and enqueues one line. Skippable lines return nil.
// Samples without a timestamp are stamped with the receive time.
func (l *Listener) HandleLine(ctx context.Context, line string) error {
	s, err := ParseLine(line)
	if errors.Is(err, ErrSkipLine) {
		return nil
	}
	if err != nil {
		l.rejected.Add(1)
		return err
	}

	s.ReceivedAt = l.clock.Now().UTC()
	if s.Timestamp.IsZero() {
		s.Timestamp = s.ReceivedAt
	}
	if _, err := l.store.EnqueueRawSample(ctx, s); err != nil {
		return fmt.Errorf("enqueue sample for %s: %w", s.BatteryID, err)
	}
	l.accepted.Add(1)
	return nil
}

// Listen subscribes to mux and enqueues lines until ctx is done or the mux
// closes the subscription. Bad lines are logged and skipped.
func (l *Listener) Listen(ctx context.Context, mux serialmux.Mux) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	l.log.Info("listening for sensor lines")

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := l.HandleLine(ctx, line); err != nil {
				l.log.WithError(err).WithField("line", line).Warn("skipping sensor line")
			}
		}
	}
}

// Import enqueues every line of r, such as a recorded CSV capture. It stops
// at the first storage error; parse errors are counted and skipped.
func (l *Listener) Import(ctx context.Context, r io.Reader) error {
	scan := bufio.NewScanner(r)
	lineNo := 0
	for scan.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.HandleLine(ctx, scan.Text())
		if errors.Is(err, ErrBadLine) {
			l.log.WithError(err).WithField("line_no", lineNo).Warn("skipping sensor line")
			continue
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scan.Err()
}
