package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresSyncStateRepo は同期ジョブごとの同期済み時刻を保存する。
type PostgresSyncStateRepo struct {
	db *sql.DB
}

func NewPostgresSyncStateRepo(db *sql.DB) *PostgresSyncStateRepo {
	return &PostgresSyncStateRepo{db: db}
}

func (r *PostgresSyncStateRepo) GetSyncedTo(ctx context.Context, name string) (time.Time, bool, error) {
	var at time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT synced_to FROM sync_state WHERE name = $1`,
		name,
	).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("同期状態の取得に失敗しました: %w", err)
	}
	return at, true, nil
}

func (r *PostgresSyncStateRepo) SaveSyncedTo(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_state (name, synced_to, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET synced_to = EXCLUDED.synced_to, updated_at = EXCLUDED.updated_at`,
		name, at,
	)
	if err != nil {
		return fmt.Errorf("同期状態の保存に失敗しました: %w", err)
	}
	return nil
}

var _ SyncStateRepository = (*PostgresSyncStateRepo)(nil)
