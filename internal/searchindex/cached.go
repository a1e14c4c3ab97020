package searchindex

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// noExternalID は「電子資料ではない」ことをキャッシュするための値。
const noExternalID = "-"

// Cached は共有キャッシュとプロセス内LRUを前段に置くBibLookup。
// 書誌は取得後に変わらないため、エントリは次の6:00境界まで保持する。
type Cached struct {
	next   BibLookup
	store  cachestore.Store
	bibs   *cachestore.LocalCache[string, model.BibRecord]
	now    func() time.Time
	logger *slog.Logger
}

// NewCached はCachedを生成する。
func NewCached(next BibLookup, store cachestore.Store, localSize int, m metrics.MetricsCollector, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		next:   next,
		store:  store,
		bibs:   cachestore.NewLocalCache[string, model.BibRecord]("bib_record", localSize, time.Hour, m),
		now:    time.Now,
		logger: logger,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (c *Cached) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Cached) ttl() time.Duration {
	return cachestore.TTLUntilNextBoundary(c.now())
}

// GetBib は書誌を返す。
func (c *Cached) GetBib(ctx context.Context, bibID string) (model.BibRecord, error) {
	if rec, ok := c.bibs.Get(bibID); ok {
		return rec, nil
	}
	rec, err := c.next.GetBib(ctx, bibID)
	if err != nil {
		return model.BibRecord{}, err
	}
	c.bibs.Add(bibID, rec)
	c.remember(ctx, rec)
	return rec, nil
}

// GetBibExternalID は overdriveID:{bibId} を引き、なければ書誌を取得して両方向のキーを書き込む。
func (c *Cached) GetBibExternalID(ctx context.Context, bibID string) (string, error) {
	var ext string
	found, err := cachestore.GetJSON(ctx, c.store, cachestore.LendingIDKey(bibID), &ext)
	if err != nil {
		c.logger.Warn("外部IDキャッシュの読み込みに失敗しました", slog.String("bib_id", bibID), slog.String("error", err.Error()))
	}
	if found {
		if ext == noExternalID {
			return "", nil
		}
		return ext, nil
	}
	rec, err := c.GetBib(ctx, bibID)
	if err != nil {
		return "", err
	}
	return rec.ExternalID, nil
}

// GetBibByExternalID は solrRecordForID:{externalId} を引く。
func (c *Cached) GetBibByExternalID(ctx context.Context, externalID string) (model.BibRecord, error) {
	var rec model.BibRecord
	found, err := cachestore.GetJSON(ctx, c.store, cachestore.SearchRecordKey(externalID), &rec)
	if err != nil {
		c.logger.Warn("書誌キャッシュの読み込みに失敗しました", slog.String("external_id", externalID), slog.String("error", err.Error()))
	}
	if found {
		return rec, nil
	}
	rec, err = c.next.GetBibByExternalID(ctx, externalID)
	if err != nil {
		return model.BibRecord{}, err
	}
	c.bibs.Add(rec.ID, rec)
	c.remember(ctx, rec)
	return rec, nil
}

func (c *Cached) remember(ctx context.Context, rec model.BibRecord) {
	ttl := c.ttl()
	ext := rec.ExternalID
	if ext == "" {
		ext = noExternalID
	}
	err := cachestore.SetJSON(ctx, c.store, cachestore.LendingIDKey(rec.ID), ext, ttl)
	if err == nil && rec.ExternalID != "" {
		err = cachestore.SetJSON(ctx, c.store, cachestore.SearchRecordKey(rec.ExternalID), rec, ttl)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("書誌キャッシュの書き込みに失敗しました", slog.String("bib_id", rec.ID), slog.String("error", err.Error()))
	}
}
