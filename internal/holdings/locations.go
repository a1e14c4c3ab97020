package holdings

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// LocationSource は配架場所と受取館の取得元。
type LocationSource interface {
	Locations(ctx context.Context) ([]model.Location, error)
	PickupLocations(ctx context.Context) ([]model.PickupLocation, error)
}

// LocationDirectory は配架場所コードを館名に解決する。
// プロセス内LRU、共有ストアの locationByCode:{code}、目録APIの順に引く。
type LocationDirectory struct {
	source     LocationSource
	store      cachestore.Store
	local      *cachestore.LocalCache[string, model.Location]
	unknown    *cachestore.LocalCache[string, struct{}]
	onlineOnly map[string]bool
	group      singleflight.Group
	now        func() time.Time
	logger     *slog.Logger
}

// NewLocationDirectory はLocationDirectoryを生成する。onlineOnlyはオンライン専用の仮想配架場所コード。
func NewLocationDirectory(source LocationSource, store cachestore.Store, localSize int, localTTL time.Duration, onlineOnly []string, m metrics.MetricsCollector, logger *slog.Logger) *LocationDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	oo := make(map[string]bool, len(onlineOnly))
	for _, code := range onlineOnly {
		oo[code] = true
	}
	return &LocationDirectory{
		source:     source,
		store:      store,
		local:      cachestore.NewLocalCache[string, model.Location]("location", localSize, localTTL, m),
		unknown:    cachestore.NewLocalCache[string, struct{}]("location_unknown", localSize, localTTL, m),
		onlineOnly: oo,
		now:        time.Now,
		logger:     logger,
	}
}

// IsOnlineOnly はオンライン専用の配架場所かどうかを返す。
func (d *LocationDirectory) IsOnlineOnly(code string) bool {
	return d.onlineOnly[code]
}

// Resolve は配架場所を解決する。目録にないコードは ok=false を返す。
// 読み直しても見つからなかったコードはプロセス内キャッシュの有効期間中は読み直さない。
func (d *LocationDirectory) Resolve(ctx context.Context, code string) (model.Location, bool, error) {
	if code == "" {
		return model.Location{}, false, nil
	}
	if loc, ok := d.local.Get(code); ok {
		return loc, true, nil
	}

	var loc model.Location
	found, err := cachestore.GetJSON(ctx, d.store, cachestore.LocationKey(code), &loc)
	if err != nil {
		d.logger.Warn("配架場所キャッシュの読み込みに失敗しました", slog.String("location_code", code), slog.String("error", err.Error()))
	}
	if found {
		d.local.Add(code, loc)
		return loc, true, nil
	}
	if _, known := d.unknown.Get(code); known {
		return model.Location{}, false, nil
	}

	// 1件のミスで全配架場所を読み込むため、同時のミスは1回の取得にまとめる
	v, err, _ := d.group.Do("locations", func() (any, error) {
		return d.load(ctx)
	})
	if err != nil {
		return model.Location{}, false, err
	}
	loc, ok := v.(map[string]model.Location)[code]
	if !ok {
		d.unknown.Add(code, struct{}{})
	}
	return loc, ok, nil
}

func (d *LocationDirectory) load(ctx context.Context) (map[string]model.Location, error) {
	locs, err := d.source.Locations(ctx)
	if err != nil {
		return nil, err
	}
	ttl := cachestore.TTLUntilNextBoundary(d.now())
	out := make(map[string]model.Location, len(locs))
	for _, loc := range locs {
		loc.IsOnlineOnly = d.onlineOnly[loc.Code]
		out[loc.Code] = loc
		d.local.Add(loc.Code, loc)
		d.unknown.Remove(loc.Code)
		if err := cachestore.SetJSON(ctx, d.store, cachestore.LocationKey(loc.Code), loc, ttl); err != nil {
			d.logger.Warn("配架場所キャッシュの書き込みに失敗しました", slog.String("location_code", loc.Code), slog.String("error", err.Error()))
		}
	}
	d.logger.Info("配架場所を読み込みました", slog.Int("count", len(out)))
	return out, nil
}

// PickupLocations は受取館一覧を返す。次の6:00まで共有ストアに保持する。
func (d *LocationDirectory) PickupLocations(ctx context.Context) ([]model.PickupLocation, error) {
	var locs []model.PickupLocation
	found, err := cachestore.GetJSON(ctx, d.store, cachestore.PickupLocationsKey, &locs)
	if err != nil {
		d.logger.Warn("受取館キャッシュの読み込みに失敗しました", slog.String("error", err.Error()))
	}
	if found {
		return locs, nil
	}
	locs, err = d.source.PickupLocations(ctx)
	if err != nil {
		return nil, err
	}
	if err := cachestore.SetJSON(ctx, d.store, cachestore.PickupLocationsKey, locs, cachestore.TTLUntilNextBoundary(d.now())); err != nil {
		d.logger.Warn("受取館キャッシュの書き込みに失敗しました", slog.String("error", err.Error()))
	}
	return locs, nil
}

// IsPickupLocation は受取館として有効なコードかどうかを返す。
func (d *LocationDirectory) IsPickupLocation(ctx context.Context, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	locs, err := d.PickupLocations(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range locs {
		if l.Code == code {
			return true, nil
		}
	}
	return false, nil
}
