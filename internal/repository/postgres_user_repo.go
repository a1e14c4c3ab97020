package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// UpsertByBarcode はUNIQUE(barcode)を利用したINSERT ON CONFLICTで利用者を登録する。
// 既存の場合はpatron_idとupdated_atのみ更新する。
func (r *PostgresUserRepo) UpsertByBarcode(ctx context.Context, barcode, patronID string) (*model.User, error) {
	now := time.Now().UTC()
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, barcode, patron_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (barcode) DO UPDATE SET patron_id = EXCLUDED.patron_id, updated_at = EXCLUDED.updated_at
		 RETURNING id, barcode, patron_id, name, created_at, updated_at`,
		uuid.New().String(), barcode, patronID, now,
	).Scan(&user.ID, &user.Barcode, &user.PatronID, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// FindByBarcode はバーコードで利用者を取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByBarcode(ctx context.Context, barcode string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, barcode, patron_id, name, created_at, updated_at FROM users WHERE barcode = $1`,
		barcode,
	).Scan(&user.ID, &user.Barcode, &user.PatronID, &user.Name, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by barcode: %w", err)
	}
	return user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
