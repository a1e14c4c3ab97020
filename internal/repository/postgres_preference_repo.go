package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// PostgresPreferenceRepo は図書館コード設定をlibrary_preferencesに保存する。
type PostgresPreferenceRepo struct {
	db *sql.DB
}

func NewPostgresPreferenceRepo(db *sql.DB) *PostgresPreferenceRepo {
	return &PostgresPreferenceRepo{db: db}
}

// GetPreferences は設定を取得する。未保存の場合はゼロ値を返す。
func (r *PostgresPreferenceRepo) GetPreferences(ctx context.Context, patronID string) (model.LibraryPreferences, error) {
	var prefs model.LibraryPreferences
	err := r.db.QueryRowContext(ctx,
		`SELECT preferred_library_code, alternate_library_code FROM library_preferences WHERE patron_id = $1`,
		patronID,
	).Scan(&prefs.PreferredLibraryCode, &prefs.AlternateLibraryCode)

	if err == sql.ErrNoRows {
		return model.LibraryPreferences{}, nil
	}
	if err != nil {
		return model.LibraryPreferences{}, fmt.Errorf("図書館設定の取得に失敗しました: %w", err)
	}
	return prefs, nil
}

// SavePreferences は設定をUPSERTする。
func (r *PostgresPreferenceRepo) SavePreferences(ctx context.Context, patronID string, prefs model.LibraryPreferences) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO library_preferences (patron_id, preferred_library_code, alternate_library_code, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (patron_id) DO UPDATE SET
		   preferred_library_code = EXCLUDED.preferred_library_code,
		   alternate_library_code = EXCLUDED.alternate_library_code,
		   updated_at = EXCLUDED.updated_at`,
		patronID, prefs.PreferredLibraryCode, prefs.AlternateLibraryCode, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("図書館設定の保存に失敗しました: %w", err)
	}
	return nil
}

var _ PreferenceRepository = (*PostgresPreferenceRepo)(nil)
