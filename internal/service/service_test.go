package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bundlegate/internal/alerting"
	"bundlegate/internal/config"
	"bundlegate/internal/oracle"
	"bundlegate/internal/pipeline"
	"bundlegate/internal/policy"
	"bundlegate/internal/state"
	"bundlegate/internal/storage"
)

type refreshingResolver struct {
	*oracle.StaticResolver
	err   error
	calls int
}

func (r *refreshingResolver) Refresh(context.Context) error {
	r.calls++
	return r.err
}

type memoryStore struct {
	mu          sync.Mutex
	checkpoints []storage.Checkpoint
	lockHeld    bool
}

func (m *memoryStore) SaveCheckpoint(_ context.Context, cp storage.Checkpoint) (storage.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.ID = int64(len(m.checkpoints) + 1)
	cp.CreatedAt = time.Unix(1_700_000_000, 0)
	m.checkpoints = append(m.checkpoints, cp)
	return cp, nil
}

func (m *memoryStore) LoadLatestCheckpoint(context.Context) (storage.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.checkpoints) == 0 {
		return storage.Checkpoint{}, storage.ErrNoCheckpoint
	}
	return m.checkpoints[len(m.checkpoints)-1], nil
}

func (m *memoryStore) ListCheckpoints(context.Context, int) ([]storage.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Checkpoint(nil), m.checkpoints...), nil
}

func (m *memoryStore) DeleteCheckpointsBefore(context.Context, time.Time) error { return nil }

func (m *memoryStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if m.lockHeld {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

type fixture struct {
	svc      *Service
	gate     *pipeline.Gate
	clock    *clock.Mock
	resolver *refreshingResolver
	store    *memoryStore
	notifier *recordingNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	cfg := &config.Config{Policy: policy.Default()}
	cfg.Policy.Features.Oracle = true
	cfg.Oracle.Backend = config.BackendRedis
	cfg.Alerting = config.AlertingConfig{Enabled: true, FailureThreshold: 3, Cooldown: time.Minute, Channels: []string{"telegram"}}
	cfg.Scheduler = config.SchedulerConfig{Interval: time.Second, CheckpointEvery: 2, AdvisoryLockKey: 7}

	res := &refreshingResolver{StaticResolver: oracle.NewStaticResolver(nil)}
	gate, err := pipeline.New(cfg.Policy, pipeline.Options{Resolver: res, Clock: mock}, zerolog.Nop())
	require.NoError(t, err)

	store := &memoryStore{}
	notifier := &recordingNotifier{}
	svc := New(cfg, gate, nil, store, notifier, mock, zerolog.Nop())
	return fixture{svc: svc, gate: gate, clock: mock, resolver: res, store: store, notifier: notifier}
}

func (f fixture) tick(t *testing.T) {
	t.Helper()
	f.clock.Add(2 * time.Second)
	require.NoError(t, f.svc.Tick(context.Background(), f.clock.Now()))
}

func TestTickRefreshesOracle(t *testing.T) {
	f := newFixture(t)
	f.tick(t)
	f.tick(t)
	require.Equal(t, 2, f.resolver.calls)
	require.Empty(t, f.notifier.notes)
}

func TestOutageAlertAfterThreshold(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = errors.New("publish: connection refused")

	f.tick(t)
	f.tick(t)
	require.Empty(t, f.notifier.notes)
	f.tick(t)
	require.Len(t, f.notifier.notes, 1)
	note := f.notifier.notes[0]
	require.Equal(t, alerting.KindOracleOutage, note.Kind)
	require.Equal(t, 3, note.ConsecutiveFailures)
	require.Equal(t, "redis", note.Backend)
	require.Contains(t, note.LastError, "connection refused")

	// no repeat inside the cooldown
	f.tick(t)
	require.Len(t, f.notifier.notes, 1)
	f.clock.Add(time.Minute)
	f.tick(t)
	require.Len(t, f.notifier.notes, 2)

	f.resolver.err = nil
	f.tick(t)
	require.Len(t, f.notifier.notes, 3)
	require.Equal(t, alerting.KindOracleRecovery, f.notifier.notes[2].Kind)

	f.tick(t)
	require.Len(t, f.notifier.notes, 3)
}

func TestRecoveryWithoutAlertIsSilent(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = errors.New("timeout")
	f.tick(t)
	f.resolver.err = nil
	f.tick(t)
	require.Empty(t, f.notifier.notes)
}

func TestCheckpointCadenceAndRestore(t *testing.T) {
	f := newFixture(t)
	f.gate.State().Record(state.Outcome{Offered: 7000})

	f.tick(t)
	require.Empty(t, f.store.checkpoints)
	f.tick(t)
	require.Len(t, f.store.checkpoints, 1)
	require.Equal(t, "1", f.store.checkpoints[0].BundlesProcessed.String())

	other := newFixture(t)
	other.store = f.store
	other.svc.store = f.store
	require.NoError(t, other.svc.Restore(context.Background()))
	snap := other.gate.State().Snapshot()
	require.EqualValues(t, 1, snap.BundlesProcessed)
	require.EqualValues(t, 7000, snap.TotalFeesCollected)
	require.True(t, other.gate.Tiers().Has(policy.TierOracle))
}

func TestCheckpointSkippedWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.store.lockHeld = true
	f.tick(t)
	f.tick(t)
	require.Empty(t, f.store.checkpoints)
}

func TestRestoreWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Restore(context.Background()))
	require.Zero(t, f.gate.State().Snapshot().BundlesProcessed)
}

func TestRunRequiresScheduler(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.svc.Run(context.Background()))
}
