package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresBookCartRepo は利用者のブックカートを保存する。
type PostgresBookCartRepo struct {
	db *sql.DB
}

func NewPostgresBookCartRepo(db *sql.DB) *PostgresBookCartRepo {
	return &PostgresBookCartRepo{db: db}
}

// AddToBookCart は書誌をカートに追加する。追加済みの場合は何もしない。
func (r *PostgresBookCartRepo) AddToBookCart(ctx context.Context, patronID, bibID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO book_cart (id, patron_id, bib_id) VALUES ($1, $2, $3)
		 ON CONFLICT (patron_id, bib_id) DO NOTHING`,
		uuid.New().String(), patronID, bibID,
	)
	if err != nil {
		return fmt.Errorf("failed to add to book cart: %w", err)
	}
	return nil
}

func (r *PostgresBookCartRepo) RemoveFromBookCart(ctx context.Context, patronID, bibID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM book_cart WHERE patron_id = $1 AND bib_id = $2`,
		patronID, bibID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove from book cart: %w", err)
	}
	return nil
}

// ListBookCart は追加順に書誌IDを返す。
func (r *PostgresBookCartRepo) ListBookCart(ctx context.Context, patronID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT bib_id FROM book_cart WHERE patron_id = $1 ORDER BY created_at, bib_id`,
		patronID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list book cart: %w", err)
	}
	defer rows.Close()

	var bibIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan book cart row: %w", err)
		}
		bibIDs = append(bibIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate book cart rows: %w", err)
	}
	return bibIDs, nil
}

var _ BookCartRepository = (*PostgresBookCartRepo)(nil)
