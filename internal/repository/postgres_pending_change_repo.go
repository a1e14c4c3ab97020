package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// pendingChangeRow はpending_status_changesの1行。
type pendingChangeRow struct {
	ID           int64          `db:"id"`
	BibID        string         `db:"bib_id"`
	ItemID       string         `db:"item_id"`
	Status       sql.NullString `db:"status"`
	DueDate      sql.NullTime   `db:"due_date"`
	ClearDueDate bool           `db:"clear_due_date"`
	Suppressed   sql.NullBool   `db:"suppressed"`
	Handled      bool           `db:"handled"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r pendingChangeRow) toModel() model.StatusChange {
	c := model.StatusChange{
		ID:           r.ID,
		BibID:        r.BibID,
		ItemID:       r.ItemID,
		ClearDueDate: r.ClearDueDate,
		Handled:      r.Handled,
		CreatedAt:    r.CreatedAt,
	}
	if r.Status.Valid {
		s := r.Status.String
		c.Status = &s
	}
	if r.DueDate.Valid {
		d := r.DueDate.Time
		c.DueDate = &d
	}
	if r.Suppressed.Valid {
		b := r.Suppressed.Bool
		c.Suppressed = &b
	}
	return c
}

func fromModel(c model.StatusChange) pendingChangeRow {
	row := pendingChangeRow{
		BibID:        c.BibID,
		ItemID:       c.ItemID,
		ClearDueDate: c.ClearDueDate,
	}
	if c.Status != nil {
		row.Status = sql.NullString{String: *c.Status, Valid: true}
	}
	if c.DueDate != nil {
		row.DueDate = sql.NullTime{Time: *c.DueDate, Valid: true}
	}
	if c.Suppressed != nil {
		row.Suppressed = sql.NullBool{Bool: *c.Suppressed, Valid: true}
	}
	return row
}

// PostgresPendingChangeRepo はsqlxで差分テーブルを扱う。
type PostgresPendingChangeRepo struct {
	db *sqlx.DB
}

// NewPostgresPendingChangeRepo は既存の*sql.DBをsqlxでラップして生成する。
func NewPostgresPendingChangeRepo(db *sql.DB) *PostgresPendingChangeRepo {
	return &PostgresPendingChangeRepo{db: sqlx.NewDb(db, "postgres")}
}

// Record は差分を同一トランザクションで保存する。
func (r *PostgresPendingChangeRepo) Record(ctx context.Context, changes []model.StatusChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range changes {
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO pending_status_changes (bib_id, item_id, status, due_date, clear_due_date, suppressed)
			 VALUES (:bib_id, :item_id, :status, :due_date, :clear_due_date, :suppressed)`,
			fromModel(c),
		)
		if err != nil {
			return fmt.Errorf("failed to insert status change: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListPending は書誌の未処理差分をid順に返す。
func (r *PostgresPendingChangeRepo) ListPending(ctx context.Context, bibID string) ([]model.StatusChange, error) {
	var rows []pendingChangeRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, bib_id, item_id, status, due_date, clear_due_date, suppressed, handled, created_at
		 FROM pending_status_changes WHERE bib_id = $1 AND handled = false ORDER BY id`,
		bibID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending status changes: %w", err)
	}

	changes := make([]model.StatusChange, 0, len(rows))
	for _, row := range rows {
		changes = append(changes, row.toModel())
	}
	return changes, nil
}

func (r *PostgresPendingChangeRepo) MarkHandled(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE pending_status_changes SET handled = true WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build mark handled query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark status changes handled: %w", err)
	}
	return nil
}

func (r *PostgresPendingChangeRepo) DeleteHandledBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_status_changes WHERE handled = true AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete handled status changes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

var _ PendingChangeRepository = (*PostgresPendingChangeRepo)(nil)
