// Package cleanup は処理済み状態差分の自動削除ジョブを提供する。
// 保持期間（デフォルト14日）を超過した処理済みの差分を日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger は処理済み差分の削除を抽象化するインターフェース。
type Purger interface {
	DeleteHandledBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した処理済み差分の削除ジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	purger        Purger
	logger        *slog.Logger
	RetentionDays int // 差分の保持日数（デフォルト: 14）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(purger Purger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		purger:        purger,
		logger:        logger,
		RetentionDays: 14,
		now:           time.Now,
	}
}

// Run は登録からRetentionDays日を超えた処理済み差分を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.purger.DeleteHandledBefore(ctx, before)
	if err != nil {
		j.logger.Error("差分クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("差分クリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("差分クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降intervalごとに実行する。
// コンテキストがキャンセルされるまで戻らない。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
