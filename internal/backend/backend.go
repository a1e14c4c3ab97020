// Package backend は目録バックエンドの共通インターフェースとHTTP呼び出しの共通処理を提供する。
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// ErrUnsupported はバックエンドが操作を表現できないことを示す。
// オーケストレーターはこれを受けてレガシーセッションクライアントへフォールバックする。
var ErrUnsupported = errors.New("backend: operation not supported")

// Unsupported はErrUnsupportedをラップしたエラーを返す。
func Unsupported(backend, operation string) error {
	return fmt.Errorf("%s: %s: %w", backend, operation, ErrUnsupported)
}

// HoldRequest は予約リクエストの内容。
type HoldRequest struct {
	BibID          string
	ItemID         string // 目録の予約は資料単位のみ。貸出サービスでは外部ID
	PickupLocation string
	Email          string
}

// HoldUpdate は既存予約の変更内容。空のフィールドは変更しない。
type HoldUpdate struct {
	PickupLocation string
	Email          string
}

// CatalogBackend は目録バックエンドの共通機能。
// 3つの実装（モダンAPI、レガシーセッション、貸出サービス）が満たす。
// 表現できない操作はErrUnsupportedを返す。
type CatalogBackend interface {
	Name() string
	// Authenticate は利用者の資格情報を検証し、バックエンド上の利用者IDを返す。
	Authenticate(ctx context.Context, patron model.Patron) (string, error)
	FetchHoldings(ctx context.Context, bibID string) ([]model.ItemRecord, error)
	FetchPatronHolds(ctx context.Context, patron model.Patron) ([]model.HoldRecord, error)
	FetchPatronCheckouts(ctx context.Context, patron model.Patron) ([]model.CheckoutRecord, error)
	PlaceHold(ctx context.Context, patron model.Patron, req HoldRequest) error
	CancelHold(ctx context.Context, patron model.Patron, holdID string) error
	FreezeHold(ctx context.Context, patron model.Patron, holdID string, freeze bool) error
	UpdateHold(ctx context.Context, patron model.Patron, holdID string, update HoldUpdate) error
	Checkout(ctx context.Context, patron model.Patron, itemID string) error
	Return(ctx context.Context, patron model.Patron, checkoutID string) error
	Renew(ctx context.Context, patron model.Patron, checkoutID string) error
}

// maxPages はページ取得ループの上限。応答が壊れている場合の無限ループを防ぐ。
const maxPages = 1000

// CollectPages はページ単位の取得関数を、返却件数がページサイズ未満になるまで繰り返し呼び出す。
// 途中のページで失敗した場合は部分結果を返さずにエラーを返す。
func CollectPages[T any](ctx context.Context, pageSize int, fetch func(ctx context.Context, offset, limit int) ([]T, error)) ([]T, error) {
	var all []T
	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, model.NewBackendUnavailableError("catalog", err.Error())
		}
		items, err := fetch(ctx, page*pageSize, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < pageSize {
			return all, nil
		}
	}
	return nil, model.NewBackendUnavailableError("catalog", fmt.Sprintf("ページ数が上限 %d を超えました", maxPages))
}
