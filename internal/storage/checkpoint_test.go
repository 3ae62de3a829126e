package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"bundlegate/internal/policy"
	"bundlegate/internal/state"
)

func TestNewCheckpointRoundTrip(t *testing.T) {
	snap := state.Snapshot{
		BundlesProcessed:   42,
		BundlesAccepted:    40,
		BundlesRejected:    2,
		TotalFeesCollected: ^uint64(0),
		AvgProcessingUS:    12.5,
		LastError:          "processing failed at 1700000000: insufficient_fee",
		Policy:             policy.Default(),
	}
	cp, err := NewCheckpoint("tick", snap)
	require.NoError(t, err)
	require.Equal(t, "42", cp.BundlesProcessed.String())
	require.Equal(t, "18446744073709551615", cp.TotalFees.String())
	require.Equal(t, 12.5, cp.AvgProcessingUS)

	got, err := cp.State()
	require.NoError(t, err)
	require.Equal(t, snap.BundlesProcessed, got.BundlesProcessed)
	require.Equal(t, snap.TotalFeesCollected, got.TotalFeesCollected)
	require.Equal(t, snap.LastError, got.LastError)
	require.Equal(t, snap.Policy, got.Policy)
}

func TestEmptyCheckpointState(t *testing.T) {
	_, err := Checkpoint{}.State()
	require.True(t, errors.Is(err, ErrNoCheckpoint))
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.SaveCheckpoint(ctx, Checkpoint{})
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.LoadLatestCheckpoint(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.ListCheckpoints(ctx, 10)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, s.DeleteCheckpointsBefore(ctx, time.Now()), ErrNotConfigured)
	require.ErrorIs(t, s.EnsureSchema(ctx), ErrNotConfigured)

	_, acquired, err := s.TryAdvisoryLock(ctx, 1)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.False(t, acquired)
	s.Close()
}

type stubLocker struct {
	acquired bool
	err      error
	released int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.released++ }, true, nil
}

func TestWithAdvisoryLock(t *testing.T) {
	ctx := context.Background()
	calls := 0
	fn := func() error { calls++; return nil }

	ran, err := WithAdvisoryLock(ctx, nil, 9, fn)
	require.NoError(t, err)
	require.True(t, ran)

	held := &stubLocker{acquired: true}
	ran, err = WithAdvisoryLock(ctx, held, 9, fn)
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 1, held.released)

	busy := &stubLocker{}
	ran, err = WithAdvisoryLock(ctx, busy, 9, fn)
	require.NoError(t, err)
	require.False(t, ran)

	broken := &stubLocker{err: errors.New("conn reset")}
	_, err = WithAdvisoryLock(ctx, broken, 9, fn)
	require.Error(t, err)

	require.Equal(t, 2, calls)
}

type fakeSession struct {
	execErr   error
	released  bool
	discarded bool
}

func (s *fakeSession) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, s.execErr
}

func (s *fakeSession) Release() { s.released = true }

func (s *fakeSession) Discard(context.Context) error {
	s.discarded = true
	return nil
}

func TestReleaseAdvisoryLock(t *testing.T) {
	ok := &fakeSession{}
	require.NoError(t, releaseAdvisoryLock(context.Background(), ok, 9))
	require.True(t, ok.released)
	require.False(t, ok.discarded)

	failed := &fakeSession{execErr: errors.New("conn busy")}
	require.Error(t, releaseAdvisoryLock(context.Background(), failed, 9))
	require.False(t, failed.released, "a session still holding the lock must not return to the pool")
	require.True(t, failed.discarded)
}
