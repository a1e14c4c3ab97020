// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// UserRepository はローカル利用者レコードの永続化インターフェース。
type UserRepository interface {
	// UpsertByBarcode はバーコードをキーに利用者を作成または更新する。
	UpsertByBarcode(ctx context.Context, barcode, patronID string) (*model.User, error)

	// FindByBarcode はバーコードで利用者を取得する。見つからない場合はnilを返す。
	FindByBarcode(ctx context.Context, barcode string) (*model.User, error)
}

// PreferenceRepository は図書館コード設定の永続化インターフェース。
type PreferenceRepository interface {
	// GetPreferences は設定を取得する。未保存の場合はゼロ値を返す。
	GetPreferences(ctx context.Context, patronID string) (model.LibraryPreferences, error)
	SavePreferences(ctx context.Context, patronID string, prefs model.LibraryPreferences) error
}

// BookCartRepository はブックカートの永続化インターフェース。
type BookCartRepository interface {
	AddToBookCart(ctx context.Context, patronID, bibID string) error
	// RemoveFromBookCart は該当がなくてもエラーにしない。
	RemoveFromBookCart(ctx context.Context, patronID, bibID string) error
	ListBookCart(ctx context.Context, patronID string) ([]string, error)
}

// PendingChangeRepository は帯域外の資料状態差分の永続化インターフェース。
type PendingChangeRepository interface {
	// Record は差分を未処理として保存する。
	Record(ctx context.Context, changes []model.StatusChange) error

	// ListPending は書誌の未処理差分を登録順に返す。
	ListPending(ctx context.Context, bibID string) ([]model.StatusChange, error)

	// MarkHandled は差分を処理済みにする。
	MarkHandled(ctx context.Context, ids []int64) error

	// DeleteHandledBefore は指定時刻より前に登録された処理済み差分を削除し、削除件数を返す。
	DeleteHandledBefore(ctx context.Context, before time.Time) (int64, error)
}

// SyncStateRepository は同期ジョブの進捗を保存する。
type SyncStateRepository interface {
	// GetSyncedTo は同期済み時刻を返す。未記録の場合はfalseを返す。
	GetSyncedTo(ctx context.Context, name string) (time.Time, bool, error)
	SaveSyncedTo(ctx context.Context, name string, at time.Time) error
}
