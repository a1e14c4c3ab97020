// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateLogger はgolang-migrateの進捗をslogに流す。
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	slog.Info("migrate", slog.String("detail", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

func (migrateLogger) Verbose() bool { return false }

// NewMigrator は埋め込みSQLを使うmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = migrateLogger{}

	return m, nil
}

// RunMigrations はすべての未適用マイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。dirtyな状態で止まっている場合はエラーにする。
func RunMigrations(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at migration version %d", version)
	}
	slog.Info("スキーマは最新です", slog.Uint64("version", uint64(version)))
	return nil
}
