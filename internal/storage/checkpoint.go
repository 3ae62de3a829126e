package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"bundlegate/internal/state"
)

// ErrNoCheckpoint is returned when no checkpoint has been written yet.
var ErrNoCheckpoint = errors.New("storage: no checkpoint")

const (
	createCheckpointsSQL = `CREATE TABLE IF NOT EXISTS state_checkpoints (
        id                 BIGSERIAL PRIMARY KEY,
        label              TEXT        NOT NULL,
        bundles_processed  NUMERIC(20) NOT NULL,
        total_fees         NUMERIC(20) NOT NULL,
        avg_processing_us  DOUBLE PRECISION NOT NULL,
        snapshot           JSONB       NOT NULL,
        created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	insertCheckpointSQL = `INSERT INTO state_checkpoints (
        label,
        bundles_processed,
        total_fees,
        avg_processing_us,
        snapshot
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, created_at;`

	selectCheckpointColumns = `SELECT
        id,
        label,
        bundles_processed,
        total_fees,
        avg_processing_us,
        snapshot,
        created_at
    FROM state_checkpoints`

	latestCheckpointSQL = selectCheckpointColumns + `
    ORDER BY id DESC
    LIMIT 1;`

	listCheckpointsSQL = selectCheckpointColumns + `
    ORDER BY id DESC
    LIMIT $1;`

	deleteCheckpointsBeforeSQL = `DELETE FROM state_checkpoints WHERE created_at < $1;`
)

// Checkpoint is a persisted copy of the process state.
type Checkpoint struct {
	ID               int64
	Label            string
	BundlesProcessed decimal.Decimal
	TotalFees        decimal.Decimal
	AvgProcessingUS  float64
	Snapshot         json.RawMessage
	CreatedAt        time.Time
}

// CheckpointStore defines operations for state checkpoint persistence.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) (Checkpoint, error)
	LoadLatestCheckpoint(ctx context.Context) (Checkpoint, error)
	ListCheckpoints(ctx context.Context, limit int) ([]Checkpoint, error)
	DeleteCheckpointsBefore(ctx context.Context, olderThan time.Time) error
}

// NewCheckpoint builds a checkpoint from an exported state snapshot.
func NewCheckpoint(label string, snap state.Snapshot) (Checkpoint, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return Checkpoint{
		Label:            label,
		BundlesProcessed: lamports(snap.BundlesProcessed),
		TotalFees:        lamports(snap.TotalFeesCollected),
		AvgProcessingUS:  snap.AvgProcessingUS,
		Snapshot:         raw,
	}, nil
}

func lamports(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// State decodes the stored snapshot.
func (c Checkpoint) State() (state.Snapshot, error) {
	var snap state.Snapshot
	if len(c.Snapshot) == 0 {
		return snap, ErrNoCheckpoint
	}
	if err := json.Unmarshal(c.Snapshot, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// EnsureSchema creates the checkpoint table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createCheckpointsSQL); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// SaveCheckpoint appends a checkpoint and returns it with its id and timestamp.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return Checkpoint{}, err
	}

	err = pool.QueryRow(ctx, insertCheckpointSQL,
		cp.Label,
		cp.BundlesProcessed.String(),
		cp.TotalFees.String(),
		cp.AvgProcessingUS,
		[]byte(cp.Snapshot),
	).Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	return cp, nil
}

// LoadLatestCheckpoint returns the newest checkpoint or ErrNoCheckpoint.
func (s *Store) LoadLatestCheckpoint(ctx context.Context) (Checkpoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return Checkpoint{}, err
	}

	cp, err := scanCheckpoint(pool.QueryRow(ctx, latestCheckpointSQL))
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return cp, err
}

// ListCheckpoints lists the most recent checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, limit int) ([]Checkpoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 20
	}
	rows, queryErr := pool.Query(ctx, listCheckpointsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list checkpoints: %w", queryErr)
	}
	defer rows.Close()

	checkpoints := make([]Checkpoint, 0, limit)
	for rows.Next() {
		cp, scanErr := scanCheckpoint(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		checkpoints = append(checkpoints, cp)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return checkpoints, nil
}

// DeleteCheckpointsBefore prunes checkpoints older than the cutoff.
func (s *Store) DeleteCheckpointsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteCheckpointsBeforeSQL, olderThan); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

func scanCheckpoint(row pgx.Row) (Checkpoint, error) {
	var (
		cp        Checkpoint
		processed string
		fees      string
		raw       []byte
	)
	if err := row.Scan(&cp.ID, &cp.Label, &processed, &fees, &cp.AvgProcessingUS, &raw, &cp.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Checkpoint{}, err
		}
		return Checkpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}

	var err error
	if cp.BundlesProcessed, err = decimal.NewFromString(processed); err != nil {
		return Checkpoint{}, fmt.Errorf("parse bundles_processed: %w", err)
	}
	if cp.TotalFees, err = decimal.NewFromString(fees); err != nil {
		return Checkpoint{}, fmt.Errorf("parse total_fees: %w", err)
	}
	cp.Snapshot = raw
	return cp, nil
}

var _ CheckpointStore = (*Store)(nil)
