package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/battery.report/internal/battery"
	"github.com/banshee-data/battery.report/internal/db"
	"github.com/banshee-data/battery.report/internal/timeutil"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newTestPipeline(t *testing.T, store Store) (*Pipeline, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	return New(store, NewRegistry(), clock, DefaultConfig()), clock
}

func enqueue(t *testing.T, database *db.DB, id string, ts time.Time, v, i float64) int64 {
	t.Helper()
	rawID, err := database.EnqueueRawSample(context.Background(), battery.RawSample{
		BatteryID: id, Timestamp: ts, VoltageV: v, CurrentA: i,
	})
	require.NoError(t, err)
	return rawID
}

// eventTypes returns the events of a battery oldest first.
func eventTypes(t *testing.T, database *db.DB, id string) []battery.EventType {
	t.Helper()
	events, err := database.ListEvents(context.Background(), id, 1000)
	require.NoError(t, err)
	out := make([]battery.EventType, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev.Type
	}
	return out
}

func TestTickEmptyQueue(t *testing.T) {
	database := db.NewTestDB(t)
	p, _ := newTestPipeline(t, database)

	advanced, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, 0, p.Registry().Len())
}

// B1 discharges at a constant 5 A for two hours while the terminal voltage
// ramps from 12.6 V to 11.8 V.
func TestEndToEndConstantDischarge(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	p, _ := newTestPipeline(t, database)

	const steps = 240
	for k := 0; k <= steps; k++ {
		v := 12.6 - 0.8*float64(k)/steps
		enqueue(t, database, "B1", t0.Add(time.Duration(k)*30*time.Second), v, -5)
	}

	n, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, steps+1, n)

	remaining, err := database.CountRawSamples(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	readings, err := database.RecentReadings(ctx, "B1", 1000)
	require.NoError(t, err)
	require.Len(t, readings, steps+1)

	for i := 1; i < len(readings); i++ {
		assert.Less(t, readings[i].SOCKalman, readings[i-1].SOCKalman, "step %d", i)
		assert.False(t, readings[i].UsedMeasurement)
	}
	first, last := readings[0], readings[len(readings)-1]
	assert.InDelta(t, 100, first.SOCKalman, 0.01)
	assert.InDelta(t, 75, last.SOCKalman, 0.05)
	assert.InDelta(t, 0, last.SOCOCV, 1e-9)
	assert.InDelta(t, -5*11.8, last.PowerW, 1e-9)
	assert.InDelta(t, 5*30.0/3600, last.EstimatedAh, 1e-12)

	b, err := database.GetBattery(ctx, "B1")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, b.TotalDischargedAh, 0.01)
	assert.Equal(t, 0, b.CycleCount)
	assert.Less(t, b.SOHPct, 100.0)
	assert.Greater(t, b.SOHPct, 99.9)
	assert.Equal(t, last.Timestamp, b.LastTimestamp)

	assert.Equal(t, []battery.EventType{battery.EventConnected, battery.EventDischarging}, eventTypes(t, database, "B1"))

	snap := p.Registry().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "B1", snap[0].BatteryID)
	assert.Equal(t, ModeDischarging, snap[0].Mode)
	assert.InDelta(t, last.SOCKalman, snap[0].SOCPct, 1e-12)

	stats := p.Stats()
	assert.Equal(t, steps+1, stats.Processed)
	assert.Zero(t, stats.ConsecutiveFailures)
}

func TestSteadyChargingLogsOneEvent(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	p, _ := newTestPipeline(t, database)

	for k := 0; k < 3; k++ {
		enqueue(t, database, "B2", t0.Add(time.Duration(k)*time.Second), 12.2, 2)
	}
	_, err := p.Drain(ctx)
	require.NoError(t, err)

	events, err := database.ListEvents(ctx, "B2", 10)
	require.NoError(t, err)
	var charging []battery.Event
	for _, ev := range events {
		if ev.Type == battery.EventCharging {
			charging = append(charging, ev)
		}
	}
	require.Len(t, charging, 1)
	assert.Equal(t, "Battery B2 charging (2.00A)", charging[0].Message)
	assert.Equal(t, []battery.EventType{battery.EventConnected, battery.EventCharging}, eventTypes(t, database, "B2"))
}

func TestConnectedOncePerBattery(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	p, _ := newTestPipeline(t, database)

	enqueue(t, database, "A", t0, 12.5, 0)
	enqueue(t, database, "B", t0.Add(time.Second), 12.5, 0)
	enqueue(t, database, "A", t0.Add(2*time.Second), 12.5, 0)
	_, err := p.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, []battery.EventType{battery.EventConnected, battery.EventIdle}, eventTypes(t, database, "A"))
	assert.Equal(t, []battery.EventType{battery.EventConnected, battery.EventIdle}, eventTypes(t, database, "B"))
	assert.Equal(t, 2, p.Registry().Len())
}

func TestUnknownBatteryIsCreatedWithDefaults(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	p, _ := newTestPipeline(t, database)

	enqueue(t, database, "", t0, 12.6, 0)
	advanced, err := p.Tick(ctx)
	require.NoError(t, err)
	require.True(t, advanced)

	b, err := database.GetBattery(ctx, battery.DefaultID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, b.RatedAh)
	assert.Equal(t, 40.0, b.EffectiveCapacityAh)
	assert.Equal(t, 100.0, b.SOHPct)
}

func TestMalformedSampleIsDropped(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	p, _ := newTestPipeline(t, database)

	enqueue(t, database, "B1", t0, math.NaN(), -1)
	enqueue(t, database, "B1", t0.Add(time.Second), 12.5, -1)

	n, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := database.CountReadings(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, p.Stats().Dropped)
	assert.Equal(t, 1, p.Stats().Processed)
}

func TestUserOverrideBlendsReportedSOH(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	p, _ := newTestPipeline(t, database)

	_, err := database.SetBatteryUserConfig(ctx, "B3", 40, db.UserConfig{
		UserOverrideSOH: ptr(true),
		UserSetSOHPct:   ptr(90.0),
		UserSOHWeight:   ptr(0.5),
	})
	require.NoError(t, err)

	enqueue(t, database, "B3", t0, 12.6, 0)
	_, err = p.Drain(ctx)
	require.NoError(t, err)

	readings, err := database.RecentReadings(ctx, "B3", 1)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InDelta(t, 95, readings[0].SOHPct, 1e-9)
	assert.InDelta(t, 90, readings[0].SOHEKFPct, 1e-9)
	assert.InDelta(t, 36, readings[0].CapacityEKFAh, 1e-9)

	b, err := database.GetBattery(ctx, "B3")
	require.NoError(t, err)
	assert.Equal(t, 100.0, b.SOHPct, "persisted SOH stays the model value")
	assert.True(t, b.UserOverrideSOH)
}

func TestRatedCapacityChangeRebuildsSOHFilter(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	p, _ := newTestPipeline(t, database)

	enqueue(t, database, "B4", t0, 12.6, 0)
	_, err := p.Drain(ctx)
	require.NoError(t, err)

	_, err = database.SetBatteryUserConfig(ctx, "B4", 40, db.UserConfig{RatedAh: ptr(100.0)})
	require.NoError(t, err)

	enqueue(t, database, "B4", t0.Add(time.Second), 12.6, 0)
	_, err = p.Drain(ctx)
	require.NoError(t, err)

	snap := p.Registry().Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 100, snap[0].CapacityAh, 1e-9)
}

// flakyStore wraps a real database and fails selected operations.
type flakyStore struct {
	*db.DB
	mu           sync.Mutex
	failDeletes  int
	failCommits  int
	failFetchAll bool
}

func (s *flakyStore) OldestRawSample(ctx context.Context) (*battery.RawSample, error) {
	s.mu.Lock()
	fail := s.failFetchAll
	s.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return s.DB.OldestRawSample(ctx)
}

func (s *flakyStore) DeleteRawSample(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeletes > 0 {
		s.failDeletes--
		return errors.New("disk I/O error")
	}
	return s.DB.DeleteRawSample(ctx, id)
}

func (s *flakyStore) CommitSample(ctx context.Context, c *battery.Commit) error {
	s.mu.Lock()
	if s.failCommits > 0 {
		s.failCommits--
		s.mu.Unlock()
		return errors.New("disk I/O error")
	}
	s.mu.Unlock()
	return s.DB.CommitSample(ctx, c)
}

// reconfiguringStore changes the battery's rated capacity right after the
// pipeline has resolved it, once.
type reconfiguringStore struct {
	*db.DB
	ratedAh float64
	done    bool
}

func (s *reconfiguringStore) EnsureBattery(ctx context.Context, id string, defaultRatedAh float64) (battery.Config, error) {
	cfg, err := s.DB.EnsureBattery(ctx, id, defaultRatedAh)
	if err != nil || s.done {
		return cfg, err
	}
	s.done = true
	if _, err := s.DB.SetBatteryUserConfig(ctx, id, defaultRatedAh, db.UserConfig{RatedAh: &s.ratedAh}); err != nil {
		return battery.Config{}, err
	}
	return cfg, nil
}

func TestConfigChangeDuringTickIsNotReverted(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	store := &reconfiguringStore{DB: database, ratedAh: 80}
	p, _ := newTestPipeline(t, store)

	enqueue(t, database, "B1", t0, 12.4, -3)

	advanced, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Zero(t, p.Stats().ConsecutiveFailures)

	b, err := database.GetBattery(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 80.0, b.RatedAh)
	assert.InDelta(t, 80, b.EffectiveCapacityAh, 1e-3)

	readings, err := database.RecentReadings(ctx, "B1", 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InDelta(t, 80, readings[0].EffectiveCapacityAh, 1e-3)

	snap := p.Registry().Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 80, snap[0].CapacityAh, 1e-6)
	assert.Equal(t, []battery.EventType{battery.EventConnected, battery.EventDischarging}, eventTypes(t, database, "B1"))
}

// A crash between commit and delete must not reprocess the sample.
func TestCrashBetweenCommitAndDeleteIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	store := &flakyStore{DB: database, failDeletes: 1}

	enqueue(t, database, "B1", t0, 12.4, -3)

	p, _ := newTestPipeline(t, store)
	_, err := p.Tick(ctx)
	require.Error(t, err)

	raws, err := database.CountRawSamples(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, raws, "raw sample survives the failed delete")

	// Restart: a fresh pipeline with an empty registry.
	restarted, _ := newTestPipeline(t, store)
	advanced, err := restarted.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, advanced)

	readings, err := database.CountReadings(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 1, readings)

	raws, err = database.CountRawSamples(ctx)
	require.NoError(t, err)
	assert.Zero(t, raws)

	assert.Equal(t, 1, restarted.Stats().Duplicates)
	assert.Zero(t, restarted.Stats().Processed)
	assert.Equal(t, []battery.EventType{battery.EventConnected, battery.EventDischarging}, eventTypes(t, database, "B1"))
}

func TestFailedCommitLeavesRuntimeUntouched(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)
	store := &flakyStore{DB: database, failCommits: 1}
	p, _ := newTestPipeline(t, store)

	enqueue(t, database, "B1", t0, 12.4, -3)

	_, err := p.Tick(ctx)
	require.Error(t, err)
	assert.Zero(t, p.Registry().Len())

	advanced, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, 1, p.Registry().Len())

	// CONNECTED is logged once, by the sample that committed.
	assert.Equal(t, []battery.EventType{battery.EventConnected, battery.EventDischarging}, eventTypes(t, database, "B1"))
}

func TestDrainStopsWhenStorageUnavailable(t *testing.T) {
	database := db.NewTestDB(t)
	store := &flakyStore{DB: database, failFetchAll: true}
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 3
	p := New(store, nil, timeutil.NewMockClock(t0), cfg)

	_, err := p.Drain(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.Equal(t, 3, p.Stats().ConsecutiveFailures)
	assert.Contains(t, p.Stats().LastError, "database is locked")
}

func TestRunProcessesOneSamplePerTick(t *testing.T) {
	database := db.NewTestDB(t)
	p, clock := newTestPipeline(t, database)

	enqueue(t, database, "B1", t0, 12.5, -1)
	enqueue(t, database, "B1", t0.Add(time.Second), 12.5, -1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	remaining := func() int {
		n, err := database.CountRawSamples(context.Background())
		if err != nil {
			return -1
		}
		return n
	}

	clock.Advance(DefaultConfig().PollInterval)
	require.Eventually(t, func() bool { return remaining() == 1 }, 2*time.Second, 5*time.Millisecond)

	clock.Advance(DefaultConfig().PollInterval)
	require.Eventually(t, func() bool { return remaining() == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 2, p.Stats().Processed)
}

func TestRunFailsLoudOnPersistentStorageErrors(t *testing.T) {
	database := db.NewTestDB(t)
	store := &flakyStore{DB: database, failFetchAll: true}
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 2
	clock := timeutil.NewMockClock(t0)
	p := New(store, nil, clock, cfg)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	clock.Advance(cfg.PollInterval)
	require.Eventually(t, func() bool { return p.Stats().ConsecutiveFailures == 1 }, 2*time.Second, 5*time.Millisecond)
	clock.Advance(cfg.PollInterval)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrStorageUnavailable))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
