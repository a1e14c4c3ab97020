// Package orchestrator は予約・貸出の更新操作を対象IDごとに適切なバックエンドへ振り分ける。
//
// 対象IDは貸出サービス（タグ付きID）と目録に分け、それぞれを独立に実行する。
// 一方の失敗は他方を中断せず、結果は対象ID単位で返す。全体の成否は全対象の論理積。
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// PatronState は利用者本人の予約・貸出を返し、更新後に古い印を付ける。
type PatronState interface {
	GetHolds(ctx context.Context, patron model.Patron, skipCache bool) ([]model.HoldRecord, error)
	GetCheckouts(ctx context.Context, patron model.Patron, skipCache bool) ([]model.CheckoutRecord, error)
	InvalidateAfterMutation(ctx context.Context, patron model.Patron)
}

// HoldingsRefresher は書誌の所蔵キャッシュに再取得の印を付ける。
type HoldingsRefresher interface {
	MarkForUpdate(ctx context.Context, bibID string) error
}

// BookCart は予約済みの書誌をブックカートから外す。
type BookCart interface {
	RemoveFromBookCart(ctx context.Context, patronID, bibID string) error
}

// Translator は利用者向けメッセージを翻訳する。キーをそのまま渡し、訳がなければfallbackを返す。
type Translator interface {
	Translate(key string, params map[string]string, fallback string) string
}

// PassthroughTranslator は常にfallbackを返すTranslator。
type PassthroughTranslator struct{}

// Translate はfallbackを返す。
func (PassthroughTranslator) Translate(_ string, _ map[string]string, fallback string) string {
	return fallback
}

// 操作名
const (
	OpPlaceHold   = "place_hold"
	OpCancelHold  = "cancel_hold"
	OpFreezeHold  = "freeze_hold"
	OpUpdateHold  = "update_hold"
	OpCheckout    = "checkout"
	OpReturn      = "return"
	OpRenew       = "renew"
	msgSuccess    = "Your request was processed successfully."
	msgPartial    = "Some of your requests could not be processed."
	msgAllFailed  = "Your request could not be processed."
	keyPrefixOp   = "orchestration."
	keyPrefixCode = "error."
)

// Orchestrator は更新操作の状態機械。
type Orchestrator struct {
	catalog    backend.CatalogBackend
	legacy     backend.CatalogBackend
	lending    backend.CatalogBackend
	patrons    PatronState
	holdings   HoldingsRefresher
	cart       BookCart
	translator Translator
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// Deps はOrchestratorの依存。LegacyとLendingは未設定ならnilでよい。
type Deps struct {
	Catalog    backend.CatalogBackend
	Legacy     backend.CatalogBackend
	Lending    backend.CatalogBackend
	Patrons    PatronState
	Holdings   HoldingsRefresher
	Cart       BookCart
	Translator Translator
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// New はOrchestratorを生成する。
func New(d Deps) *Orchestrator {
	if d.Translator == nil {
		d.Translator = PassthroughTranslator{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		catalog:    d.Catalog,
		legacy:     d.Legacy,
		lending:    d.Lending,
		patrons:    d.Patrons,
		holdings:   d.Holdings,
		cart:       d.Cart,
		translator: d.Translator,
		metrics:    d.Metrics,
		logger:     d.Logger,
	}
}

// action は1件の対象IDに対してバックエンドの操作を呼ぶ。
type action func(ctx context.Context, b backend.CatalogBackend, id string) error

// partition は対象IDを重複を除いて貸出サービスと目録に分ける。
func partition(ids []string) (lending, catalog []string) {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if model.IsLendingID(id) {
			lending = append(lending, id)
		} else {
			catalog = append(catalog, id)
		}
	}
	return lending, catalog
}

// dispatch は2つの部分集合を並行に実行し、入力順で結果を返す。
func (o *Orchestrator) dispatch(ctx context.Context, op string, ids []string, act action) []model.ItemResult {
	lendingIDs, catalogIDs := partition(ids)
	results := make(map[string]model.ItemResult, len(lendingIDs)+len(catalogIDs))
	var mu sync.Mutex
	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		results[id] = o.itemResult(op, id, err)
	}

	var g errgroup.Group
	if len(lendingIDs) > 0 {
		g.Go(func() error {
			for _, id := range lendingIDs {
				if o.lending == nil {
					record(id, model.NewUnsupportedOperationError(op))
					continue
				}
				record(id, o.lendingCall(ctx, op, id, act))
			}
			return nil
		})
	}
	if len(catalogIDs) > 0 {
		g.Go(func() error {
			for _, id := range catalogIDs {
				record(id, o.catalogCall(ctx, op, id, act))
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.ItemResult, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, results[id])
	}
	return out
}

// lendingCall は貸出サービスで実行する。表現できない操作はフォールバック先がない。
func (o *Orchestrator) lendingCall(ctx context.Context, op, id string, act action) error {
	err := act(ctx, o.lending, id)
	if errors.Is(err, backend.ErrUnsupported) {
		return model.NewUnsupportedOperationError(op)
	}
	return err
}

// catalogCall はモダンAPIで実行し、表現できない操作はレガシーセッションにフォールバックする。
func (o *Orchestrator) catalogCall(ctx context.Context, op, id string, act action) error {
	err := act(ctx, o.catalog, id)
	if !errors.Is(err, backend.ErrUnsupported) {
		return err
	}
	if o.legacy == nil {
		return model.NewUnsupportedOperationError(op)
	}
	o.logger.Info("レガシーセッションにフォールバックします", slog.String("operation", op), slog.String("id", id))
	err = act(ctx, o.legacy, id)
	if errors.Is(err, backend.ErrUnsupported) {
		return model.NewUnsupportedOperationError(op)
	}
	return err
}

func (o *Orchestrator) itemResult(op, id string, err error) model.ItemResult {
	if err == nil {
		return model.ItemResult{ID: id, Success: true, Message: o.translator.Translate(keyPrefixOp+op+".success", nil, msgSuccess)}
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		o.logger.Error("更新操作で想定外のエラーが発生しました", slog.String("operation", op), slog.String("id", id), slog.String("error", err.Error()))
		apiErr = model.NewGenericPlacementFailureError("")
	}
	msg := apiErr.Message
	// バックエンドの内部事情は利用者に見せない
	if apiErr.Code == model.ErrCodeBackendUnavailable || apiErr.Code == model.ErrCodeAuthenticationRequired {
		msg = apiErr.Action
	}
	return model.ItemResult{
		ID:      id,
		Success: false,
		Code:    apiErr.Code,
		Message: o.translator.Translate(keyPrefixCode+apiErr.Code, nil, msg),
	}
}

// owned は利用者本人の記録IDと書誌IDの対応。
type owned struct {
	bibs map[string]string
	err  error
}

// ownedHolds はバックエンドから本人の予約を取り直して返す。
func (o *Orchestrator) ownedHolds(ctx context.Context, patron model.Patron) owned {
	if o.patrons == nil {
		return owned{}
	}
	holds, err := o.patrons.GetHolds(ctx, patron, true)
	if err != nil {
		return owned{err: err}
	}
	bibs := make(map[string]string, len(holds))
	for _, h := range holds {
		bibs[h.HoldID] = h.BibID
	}
	return owned{bibs: bibs}
}

// ownedCheckouts はバックエンドから本人の貸出を取り直して返す。
func (o *Orchestrator) ownedCheckouts(ctx context.Context, patron model.Patron) owned {
	if o.patrons == nil {
		return owned{}
	}
	checkouts, err := o.patrons.GetCheckouts(ctx, patron, true)
	if err != nil {
		return owned{err: err}
	}
	bibs := make(map[string]string, len(checkouts))
	for _, c := range checkouts {
		bibs[c.CheckoutID] = c.BibID
	}
	return owned{bibs: bibs}
}

// guard は本人の記録でないIDをバックエンドに渡さない。
func (w owned) guard(kind string, act action) action {
	return func(ctx context.Context, b backend.CatalogBackend, id string) error {
		if w.err != nil {
			return w.err
		}
		if w.bibs != nil {
			if _, ok := w.bibs[id]; !ok {
				return model.NewValidationFailureError(kind + " does not belong to the patron: " + id)
			}
		}
		return act(ctx, b, id)
	}
}

// succeededBibs は成功した対象の書誌IDを返す。
func (w owned) succeededBibs(items []model.ItemResult) []string {
	var bibs []string
	seen := map[string]bool{}
	for _, it := range items {
		bib := w.bibs[it.ID]
		if it.Success && bib != "" && !seen[bib] {
			seen[bib] = true
			bibs = append(bibs, bib)
		}
	}
	return bibs
}

// finish は結果を集計し、利用者状態に古い印を付ける。
func (o *Orchestrator) finish(ctx context.Context, patron model.Patron, op string, items []model.ItemResult) model.OrchestrationResult {
	succeeded := 0
	for _, it := range items {
		if it.Success {
			succeeded++
		}
	}
	res := model.OrchestrationResult{Success: succeeded == len(items) && len(items) > 0, Items: items}
	switch {
	case res.Success:
		res.Message = o.translator.Translate(keyPrefixOp+op+".success", nil, msgSuccess)
	case succeeded > 0:
		res.Message = o.translator.Translate(keyPrefixCode+model.ErrCodePartialFailure, nil, msgPartial)
	case len(items) == 1:
		res.Message = items[0].Message
	default:
		res.Message = o.translator.Translate(keyPrefixOp+op+".failure", nil, msgAllFailed)
	}

	if o.patrons != nil {
		o.patrons.InvalidateAfterMutation(ctx, patron)
	}
	o.metrics.RecordOrchestration(op, res.Success)
	o.logger.Info("更新操作を実行しました",
		slog.String("operation", op),
		slog.String("patron_id", patron.PatronID),
		slog.Int("targets", len(items)),
		slog.Int("succeeded", succeeded),
	)
	return res
}

func (o *Orchestrator) rejected(op string, err error) model.OrchestrationResult {
	o.metrics.RecordOrchestration(op, false)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		apiErr = model.NewValidationFailureError(err.Error())
	}
	return model.OrchestrationResult{
		Success: false,
		Message: o.translator.Translate(keyPrefixCode+apiErr.Code, nil, apiErr.Message),
	}
}

// PlaceHold は資料単位の予約を登録する。成功があれば書誌をブックカートから外す。
func (o *Orchestrator) PlaceHold(ctx context.Context, patron model.Patron, req PlaceHoldRequest) model.OrchestrationResult {
	if err := validateRequest(req); err != nil {
		return o.rejected(OpPlaceHold, err)
	}
	if _, catalog := partition(req.ItemIDs); len(catalog) > 0 && req.PickupLocation == "" {
		return o.rejected(OpPlaceHold, model.NewValidationFailureError("pickup location is required"))
	}

	items := o.dispatch(ctx, OpPlaceHold, req.ItemIDs, func(ctx context.Context, b backend.CatalogBackend, id string) error {
		return b.PlaceHold(ctx, patron, backend.HoldRequest{
			BibID:          req.BibID,
			ItemID:         id,
			PickupLocation: req.PickupLocation,
			Email:          req.Email,
		})
	})
	res := o.finish(ctx, patron, OpPlaceHold, items)
	if anySucceeded(items) {
		o.afterHoldPlaced(ctx, patron, req.BibID)
	}
	return res
}

func (o *Orchestrator) afterHoldPlaced(ctx context.Context, patron model.Patron, bibID string) {
	if o.cart != nil {
		if err := o.cart.RemoveFromBookCart(ctx, patron.PatronID, bibID); err != nil {
			o.logger.Warn("ブックカートからの削除に失敗しました", slog.String("bib_id", bibID), slog.String("error", err.Error()))
		}
	}
	o.refreshHoldings(ctx, bibID)
}

func (o *Orchestrator) refreshHoldings(ctx context.Context, bibID string) {
	if o.holdings == nil || bibID == "" {
		return
	}
	if err := o.holdings.MarkForUpdate(ctx, bibID); err != nil {
		o.logger.Warn("所蔵キャッシュに更新の印を付けられませんでした", slog.String("bib_id", bibID), slog.String("error", err.Error()))
	}
}

// CancelHolds は予約を取り消す。
func (o *Orchestrator) CancelHolds(ctx context.Context, patron model.Patron, req HoldsRequest) model.OrchestrationResult {
	if err := validateRequest(req); err != nil {
		return o.rejected(OpCancelHold, err)
	}
	mine := o.ownedHolds(ctx, patron)
	items := o.dispatch(ctx, OpCancelHold, req.HoldIDs, mine.guard("hold", func(ctx context.Context, b backend.CatalogBackend, id string) error {
		return b.CancelHold(ctx, patron, id)
	}))
	res := o.finish(ctx, patron, OpCancelHold, items)
	for _, bib := range mine.succeededBibs(items) {
		o.refreshHoldings(ctx, bib)
	}
	return res
}

// FreezeHolds は予約を一時停止または再開する。
func (o *Orchestrator) FreezeHolds(ctx context.Context, patron model.Patron, req FreezeHoldsRequest) model.OrchestrationResult {
	if err := validateRequest(req); err != nil {
		return o.rejected(OpFreezeHold, err)
	}
	mine := o.ownedHolds(ctx, patron)
	items := o.dispatch(ctx, OpFreezeHold, req.HoldIDs, mine.guard("hold", func(ctx context.Context, b backend.CatalogBackend, id string) error {
		return b.FreezeHold(ctx, patron, id, req.Freeze)
	}))
	return o.finish(ctx, patron, OpFreezeHold, items)
}

// UpdateHolds は受取館または通知先を変更する。
func (o *Orchestrator) UpdateHolds(ctx context.Context, patron model.Patron, req UpdateHoldsRequest) model.OrchestrationResult {
	if err := validateRequest(req); err != nil {
		return o.rejected(OpUpdateHold, err)
	}
	update := backend.HoldUpdate{PickupLocation: req.PickupLocation, Email: req.Email}
	mine := o.ownedHolds(ctx, patron)
	items := o.dispatch(ctx, OpUpdateHold, req.HoldIDs, mine.guard("hold", func(ctx context.Context, b backend.CatalogBackend, id string) error {
		return b.UpdateHold(ctx, patron, id, update)
	}))
	return o.finish(ctx, patron, OpUpdateHold, items)
}

// Checkout は資料を貸し出す。
func (o *Orchestrator) Checkout(ctx context.Context, patron model.Patron, req CheckoutRequest) model.OrchestrationResult {
	if err := validateRequest(req); err != nil {
		return o.rejected(OpCheckout, err)
	}
	items := o.dispatch(ctx, OpCheckout, req.ItemIDs, func(ctx context.Context, b backend.CatalogBackend, id string) error {
		return b.Checkout(ctx, patron, id)
	})
	res := o.finish(ctx, patron, OpCheckout, items)
	if anySucceeded(items) {
		o.refreshHoldings(ctx, req.BibID)
	}
	return res
}

// Return は資料を返却する。
func (o *Orchestrator) Return(ctx context.Context, patron model.Patron, req CheckoutsRequest) model.OrchestrationResult {
	if err := validateRequest(req); err != nil {
		return o.rejected(OpReturn, err)
	}
	mine := o.ownedCheckouts(ctx, patron)
	items := o.dispatch(ctx, OpReturn, req.CheckoutIDs, mine.guard("checkout", func(ctx context.Context, b backend.CatalogBackend, id string) error {
		return b.Return(ctx, patron, id)
	}))
	res := o.finish(ctx, patron, OpReturn, items)
	for _, bib := range mine.succeededBibs(items) {
		o.refreshHoldings(ctx, bib)
	}
	return res
}

// Renew は貸出を更新する。
func (o *Orchestrator) Renew(ctx context.Context, patron model.Patron, req CheckoutsRequest) model.OrchestrationResult {
	if err := validateRequest(req); err != nil {
		return o.rejected(OpRenew, err)
	}
	mine := o.ownedCheckouts(ctx, patron)
	items := o.dispatch(ctx, OpRenew, req.CheckoutIDs, mine.guard("checkout", func(ctx context.Context, b backend.CatalogBackend, id string) error {
		return b.Renew(ctx, patron, id)
	}))
	return o.finish(ctx, patron, OpRenew, items)
}

func anySucceeded(items []model.ItemResult) bool {
	for _, it := range items {
		if it.Success {
			return true
		}
	}
	return false
}
