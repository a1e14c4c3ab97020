// Package holdings は書誌ごとの所蔵情報を集約する。
//
// 目録APIの資料一覧、逐次刊行物のチェックインレコード、貸出サービスの利用可能状況を
// 1つの並び順付きビューにまとめ、共有キャッシュに次の6:00まで保持する。
package holdings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
	"github.com/hitoshi/shelfstatus/internal/searchindex"
)

// CatalogSource は目録側の資料取得元。
type CatalogSource interface {
	FetchHoldings(ctx context.Context, bibID string) ([]model.ItemRecord, error)
	FetchCheckinGroups(ctx context.Context, bibID string) ([]model.CheckinRecordGroup, error)
}

// LendingSource は貸出サービス側の取得元。外部IDで1タイトル分の合成資料を返す。
type LendingSource interface {
	FetchHoldings(ctx context.Context, externalID string) ([]model.ItemRecord, error)
}

// PendingChangeStore は未適用の状態差分の保存先。
type PendingChangeStore interface {
	ListPending(ctx context.Context, bibID string) ([]model.StatusChange, error)
	MarkHandled(ctx context.Context, ids []int64) error
}

// cachedHoldings は holdingID:{bibId} に保存する値。
type cachedHoldings struct {
	Items         []model.ItemRecord         `json:"items"`
	CheckinGroups []model.CheckinRecordGroup `json:"checkin_groups,omitempty"`
	DoUpdate      bool                       `json:"do_update"`
	CachedAt      time.Time                  `json:"cached_at"`
}

// Aggregator は所蔵集約を行う。
type Aggregator struct {
	catalog   CatalogSource
	lending   LendingSource
	bibs      searchindex.BibLookup
	locations *LocationDirectory
	pending   PendingChangeStore
	store     cachestore.Store
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	group     singleflight.Group
	now       func() time.Time
}

// Deps はAggregatorの依存。Lendingは貸出サービス無効時にnilでよい。
type Deps struct {
	Catalog   CatalogSource
	Lending   LendingSource
	Bibs      searchindex.BibLookup
	Locations *LocationDirectory
	Pending   PendingChangeStore
	Store     cachestore.Store
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
}

// NewAggregator はAggregatorを生成する。
func NewAggregator(d Deps) *Aggregator {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Aggregator{
		catalog:   d.Catalog,
		lending:   d.Lending,
		bibs:      d.Bibs,
		locations: d.Locations,
		pending:   d.Pending,
		store:     d.Store,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Bib は書誌を返す。索引にない書誌は所蔵の取得を妨げないよう既定値で補う。
func (a *Aggregator) Bib(ctx context.Context, bibID string) model.BibRecord {
	rec, err := a.bibs.GetBib(ctx, bibID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			a.logger.Warn("書誌の参照に失敗しました", slog.String("bib_id", bibID), slog.String("error", err.Error()))
		}
		return model.BibRecord{ID: bibID, TitleHoldsAllowed: true}
	}
	return rec
}

// GetHolding は書誌1件分の所蔵ビューを返す。
// 目録側の取得に失敗した場合はBackendUnavailableを返し、部分結果はキャッシュしない。
func (a *Aggregator) GetHolding(ctx context.Context, bibID string) (model.HoldingsView, error) {
	return a.HoldingFor(ctx, a.Bib(ctx, bibID))
}

// HoldingFor は参照済みの書誌について所蔵ビューを返す。
func (a *Aggregator) HoldingFor(ctx context.Context, bib model.BibRecord) (model.HoldingsView, error) {
	if bib.ExternalID != "" && a.lending != nil {
		return a.lendingHolding(ctx, bib)
	}

	entry, err := a.loadCatalog(ctx, bib)
	if err != nil {
		return model.HoldingsView{}, err
	}

	items := make([]model.ItemRecord, 0, len(entry.Items))
	for _, it := range entry.Items {
		if it.Suppressed || a.locations.IsOnlineOnly(it.LocationCode) {
			continue
		}
		it.DisplayStatus = DisplayStatus(it)
		it.Available = IsAvailable(it)
		if it.ItemID != "" {
			it.HoldRequest = &model.HoldRequestDescriptor{RecordType: "i", RecordNumber: it.ItemID, BibID: bib.ID}
		}
		items = append(items, it)
	}
	items = sortItems(items)

	view := model.HoldingsView{BibID: bib.ID, IsSerial: bib.IsSerial, Items: items}
	if bib.IsSerial {
		view.CheckinGroups = mergeCheckinGroups(entry.CheckinGroups, items)
	}
	view.Entries = buildEntries(view.CheckinGroups, view.Items)
	return view, nil
}

// lendingHolding は貸出サービスのタイトルを返す。利用可能数は頻繁に変わるためキャッシュしない。
func (a *Aggregator) lendingHolding(ctx context.Context, bib model.BibRecord) (model.HoldingsView, error) {
	items, err := a.lending.FetchHoldings(ctx, bib.ExternalID)
	if err != nil {
		return model.HoldingsView{}, err
	}
	for i := range items {
		items[i].BibID = bib.ID
		items[i].DisplayStatus = DisplayStatus(items[i])
		if items[i].HoldRequest != nil {
			items[i].HoldRequest.BibID = bib.ID
		}
	}
	return model.HoldingsView{BibID: bib.ID, Items: items, Entries: buildEntries(nil, items)}, nil
}

// loadCatalog はキャッシュ済みの資料一覧を返す。なければ（または更新フラグがあれば）取得する。
// 未適用の状態差分を適用し、変化があれば書き戻す。
func (a *Aggregator) loadCatalog(ctx context.Context, bib model.BibRecord) (cachedHoldings, error) {
	key := cachestore.HoldingKey(bib.ID)
	var entry cachedHoldings
	found, err := cachestore.GetJSON(ctx, a.store, key, &entry)
	if err != nil {
		a.logger.Warn("所蔵キャッシュの読み込みに失敗しました", slog.String("bib_id", bib.ID), slog.String("error", err.Error()))
	}
	hit := found && !entry.DoUpdate
	a.metrics.RecordCacheResult("holdings", hit)

	dirty := false
	if !hit {
		v, err, _ := a.group.Do(bib.ID, func() (any, error) {
			return a.fetchCatalog(ctx, bib)
		})
		if err != nil {
			return cachedHoldings{}, err
		}
		entry = v.(cachedHoldings)
		// singleflightで共有した値を書き換えないよう複製する
		entry.Items = append([]model.ItemRecord(nil), entry.Items...)
		dirty = true
	}

	if a.applyPending(ctx, bib.ID, entry.Items) {
		dirty = true
	}
	if dirty {
		a.save(ctx, bib.ID, entry)
	}
	return entry, nil
}

func (a *Aggregator) fetchCatalog(ctx context.Context, bib model.BibRecord) (cachedHoldings, error) {
	start := time.Now()
	items, err := a.catalog.FetchHoldings(ctx, bib.ID)
	if err != nil {
		return cachedHoldings{}, fmt.Errorf("所蔵の取得に失敗しました: %w", err)
	}
	for i := range items {
		items[i].BibID = bib.ID
		loc, ok, err := a.locations.Resolve(ctx, items[i].LocationCode)
		if err != nil {
			return cachedHoldings{}, fmt.Errorf("配架場所の解決に失敗しました: %w", err)
		}
		if ok {
			items[i].BranchName = loc.BranchName
		}
	}

	entry := cachedHoldings{Items: items, CachedAt: a.now()}
	if bib.IsSerial {
		groups, err := a.catalog.FetchCheckinGroups(ctx, bib.ID)
		if err != nil {
			return cachedHoldings{}, fmt.Errorf("チェックインレコードの取得に失敗しました: %w", err)
		}
		for i := range groups {
			if loc, ok, err := a.locations.Resolve(ctx, groups[i].LocationCode); err == nil && ok {
				groups[i].BranchName = loc.BranchName
				if loc.BranchCode != "" {
					groups[i].BranchCodes = []string{loc.BranchCode}
				}
			}
		}
		entry.CheckinGroups = groups
	}
	a.logger.Info("所蔵を取得しました",
		slog.String("bib_id", bib.ID),
		slog.Int("items", len(items)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return entry, nil
}

// applyPending は未適用の差分を資料IDで照合して適用し、処理済みにする。
func (a *Aggregator) applyPending(ctx context.Context, bibID string, items []model.ItemRecord) bool {
	if a.pending == nil {
		return false
	}
	changes, err := a.pending.ListPending(ctx, bibID)
	if err != nil {
		a.logger.Warn("状態差分の取得に失敗しました", slog.String("bib_id", bibID), slog.String("error", err.Error()))
		return false
	}
	if len(changes) == 0 {
		return false
	}
	index := make(map[string]int, len(items))
	for i, it := range items {
		if it.ItemID != "" {
			index[it.ItemID] = i
		}
	}
	ids := make([]int64, 0, len(changes))
	applied := false
	for _, ch := range changes {
		ids = append(ids, ch.ID)
		if i, ok := index[ch.ItemID]; ok {
			ch.Apply(&items[i])
			applied = true
		}
	}
	if err := a.pending.MarkHandled(ctx, ids); err != nil {
		a.logger.Warn("状態差分を処理済みにできませんでした", slog.String("bib_id", bibID), slog.String("error", err.Error()))
	}
	return applied
}

func (a *Aggregator) save(ctx context.Context, bibID string, entry cachedHoldings) {
	entry.DoUpdate = false
	ttl := cachestore.TTLUntilNextBoundary(a.now())
	if err := cachestore.SetJSON(ctx, a.store, cachestore.HoldingKey(bibID), entry, ttl); err != nil {
		a.logger.Warn("所蔵キャッシュの書き込みに失敗しました", slog.String("bib_id", bibID), slog.String("error", err.Error()))
	}
}

// PatchItemStatus はキャッシュ済みの資料1件に差分を適用する。キャッシュがなければ何もしない。
func (a *Aggregator) PatchItemStatus(ctx context.Context, bibID, itemID string, change model.StatusChange) error {
	var entry cachedHoldings
	found, err := cachestore.GetJSON(ctx, a.store, cachestore.HoldingKey(bibID), &entry)
	if err != nil || !found {
		return err
	}
	for i := range entry.Items {
		if entry.Items[i].ItemID == itemID {
			change.Apply(&entry.Items[i])
			return cachestore.SetJSON(ctx, a.store, cachestore.HoldingKey(bibID), entry, cachestore.TTLUntilNextBoundary(a.now()))
		}
	}
	return nil
}

// MarkForUpdate は次回の読み込みで再取得するよう印を付ける。キャッシュがなければ何もしない。
func (a *Aggregator) MarkForUpdate(ctx context.Context, bibID string) error {
	var entry cachedHoldings
	found, err := cachestore.GetJSON(ctx, a.store, cachestore.HoldingKey(bibID), &entry)
	if err != nil || !found {
		return err
	}
	entry.DoUpdate = true
	return cachestore.SetJSON(ctx, a.store, cachestore.HoldingKey(bibID), entry, cachestore.TTLUntilNextBoundary(a.now()))
}

// Invalidate は書誌の所蔵キャッシュを削除する。
func (a *Aggregator) Invalidate(ctx context.Context, bibID string) error {
	return a.store.Delete(ctx, cachestore.HoldingKey(bibID))
}

// sortItems は館名の降順、巻号の降順に並べ、資料IDの重複を除く。
func sortItems(items []model.ItemRecord) []model.ItemRecord {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].BranchName != items[j].BranchName {
			return items[i].BranchName > items[j].BranchName
		}
		return volumeGreater(items[i].VolumeNumber, items[j].VolumeNumber)
	})
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if it.ItemID != "" {
			if seen[it.ItemID] {
				continue
			}
			seen[it.ItemID] = true
		}
		out = append(out, it)
	}
	return out
}

// volumeGreater は巻号を比較する。両方が数値なら数値で、それ以外は文字列で比較する。
func volumeGreater(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na > nb
	}
	return a > b
}

// mergeCheckinGroups は資料のある配架場所のうち、チェックインレコードがないものに空のグループを補う。
func mergeCheckinGroups(groups []model.CheckinRecordGroup, items []model.ItemRecord) []model.CheckinRecordGroup {
	out := append([]model.CheckinRecordGroup(nil), groups...)
	have := make(map[string]bool, len(groups))
	for _, g := range groups {
		have[g.LocationCode] = true
	}
	for _, it := range items {
		if it.LocationCode == "" || have[it.LocationCode] {
			continue
		}
		have[it.LocationCode] = true
		out = append(out, model.CheckinRecordGroup{
			LocationCode: it.LocationCode,
			BranchName:   it.BranchName,
			Synthetic:    true,
		})
	}
	return out
}

// buildEntries はチェックイングループを先頭に、資料をその後に並べる。
func buildEntries(groups []model.CheckinRecordGroup, items []model.ItemRecord) []model.HoldingEntry {
	entries := make([]model.HoldingEntry, 0, len(groups)+len(items))
	for i := range groups {
		entries = append(entries, model.HoldingEntry{Group: &groups[i]})
	}
	for i := range items {
		entries = append(entries, model.HoldingEntry{Item: &items[i]})
	}
	return entries
}
