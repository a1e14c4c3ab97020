// Package statussync は目録APIの更新資料を定期的に取り込み、
// 未処理の状態差分として記録する同期ジョブを提供する。
// 記録した差分は次回の所蔵取得時に集約側で適用される。
package statussync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// CursorName はsync_stateに保存する本ジョブの名前。
const CursorName = "statussync"

// UpdateFeed は期間内に更新された資料の差分を1ページずつ返す。
type UpdateFeed interface {
	FetchUpdatedItems(ctx context.Context, from, to time.Time, offset, limit int) ([]model.StatusChange, error)
}

// ChangeRecorder は差分を未処理として保存する。
type ChangeRecorder interface {
	Record(ctx context.Context, changes []model.StatusChange) error
}

// Cursor は同期済み時刻の保存先。
type Cursor interface {
	GetSyncedTo(ctx context.Context, name string) (time.Time, bool, error)
	SaveSyncedTo(ctx context.Context, name string, at time.Time) error
}

// HoldingsMarker は書誌の所蔵キャッシュに再読込フラグを立てる。
type HoldingsMarker interface {
	MarkForUpdate(ctx context.Context, bibID string) error
}

// Config は同期ジョブの設定パラメータ。
type Config struct {
	// Interval は同期サイクルの実行間隔（デフォルト: 5分）。
	Interval time.Duration
	// PageSize は1リクエストあたりの取得件数（デフォルト: 500）。
	PageSize int
	// MaxPagesPerCycle は1サイクルあたりの最大ページ数（デフォルト: 20）。
	MaxPagesPerCycle int
	// InitialLookback は同期済み時刻が未記録の場合に遡る期間（デフォルト: 1時間）。
	InitialLookback time.Duration
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		PageSize:         500,
		MaxPagesPerCycle: 20,
		InitialLookback:  time.Hour,
	}
}

// Job は状態差分の同期ジョブ。
type Job struct {
	feed     UpdateFeed
	recorder ChangeRecorder
	cursor   Cursor
	holdings HoldingsMarker
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   Config
	now      func() time.Time

	consecutiveErrors int
	backoffUntil      time.Time
}

// NewJob はJobを生成する。holdingsとmetricsはnilでもよい。
func NewJob(feed UpdateFeed, recorder ChangeRecorder, cursor Cursor, holdings HoldingsMarker, m metrics.MetricsCollector, logger *slog.Logger, config Config) *Job {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.MaxPagesPerCycle <= 0 {
		config.MaxPagesPerCycle = def.MaxPagesPerCycle
	}
	if config.InitialLookback <= 0 {
		config.InitialLookback = def.InitialLookback
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Job{
		feed:     feed,
		recorder: recorder,
		cursor:   cursor,
		holdings: holdings,
		metrics:  m,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Start はジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("状態差分同期ジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Int("page_size", j.config.PageSize),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("状態差分同期ジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("状態差分同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は1回の同期サイクルを実行する。
// 全ページを取り込めた場合のみ同期済み時刻を進める。
func (j *Job) RunOnce(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	if !j.backoffUntil.IsZero() && now.Before(j.backoffUntil) {
		j.logger.Info("状態差分同期ジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", j.backoffUntil),
		)
		return nil
	}

	from, ok, err := j.cursor.GetSyncedTo(ctx, CursorName)
	if err != nil {
		return fmt.Errorf("同期済み時刻の取得に失敗しました: %w", err)
	}
	if !ok {
		from = now.Add(-j.config.InitialLookback)
	}
	to := now

	var recorded int
	var pages int
	complete := false
	marked := make(map[string]bool)

	for offset := 0; pages < j.config.MaxPagesPerCycle; offset += j.config.PageSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		changes, err := j.feed.FetchUpdatedItems(ctx, from, to, offset, j.config.PageSize)
		if err != nil {
			j.recordFailure(now)
			return fmt.Errorf("更新資料の取得に失敗しました: %w", err)
		}
		pages++

		if len(changes) > 0 {
			if err := j.recorder.Record(ctx, changes); err != nil {
				return fmt.Errorf("状態差分の保存に失敗しました: %w", err)
			}
			recorded += len(changes)
			j.metrics.RecordStatusChanges(len(changes))
			j.markBibs(ctx, changes, marked)
		}

		if len(changes) < j.config.PageSize {
			complete = true
			break
		}
	}

	j.consecutiveErrors = 0
	j.backoffUntil = time.Time{}

	if !complete {
		j.logger.Warn("1サイクルあたりの最大ページ数に達したため同期済み時刻を据え置きます",
			slog.Int("pages", pages),
			slog.Time("from", from),
		)
	} else if err := j.cursor.SaveSyncedTo(ctx, CursorName, to); err != nil {
		return fmt.Errorf("同期済み時刻の保存に失敗しました: %w", err)
	}

	j.logger.Info("状態差分同期サイクルが完了しました",
		slog.Int("pages", pages),
		slog.Int("recorded_changes", recorded),
		slog.Int("marked_bibs", len(marked)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// markBibs は差分のあった書誌ごとに1回だけ再読込フラグを立てる。失敗はログのみ。
func (j *Job) markBibs(ctx context.Context, changes []model.StatusChange, marked map[string]bool) {
	if j.holdings == nil {
		return
	}
	for _, c := range changes {
		if marked[c.BibID] {
			continue
		}
		marked[c.BibID] = true
		if err := j.holdings.MarkForUpdate(ctx, c.BibID); err != nil {
			j.logger.Warn("所蔵キャッシュの再読込フラグ設定に失敗しました",
				slog.String("bib_id", c.BibID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (j *Job) recordFailure(now time.Time) {
	j.consecutiveErrors++
	if backoff := calculateErrorBackoff(j.consecutiveErrors); backoff > 0 {
		j.backoffUntil = now.Add(backoff)
		j.logger.Warn("連続エラーによりバックオフを適用します",
			slog.Int("consecutive_errors", j.consecutiveErrors),
			slog.Duration("backoff_duration", backoff),
		)
	}
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 15分、5回連続: 1時間、10回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return time.Hour
	case consecutiveErrors >= 3:
		return 15 * time.Minute
	default:
		return 0
	}
}
