// Package availability は所蔵・利用可能状況の読み取り系の公開面を提供する。
package availability

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/shelfstatus/internal/model"
	"github.com/hitoshi/shelfstatus/internal/status"
)

// defaultConcurrency は一括照会で同時に集約する書誌数。
const defaultConcurrency = 8

// Holdings は所蔵集約の機能。
type Holdings interface {
	Bib(ctx context.Context, bibID string) model.BibRecord
	HoldingFor(ctx context.Context, bib model.BibRecord) (model.HoldingsView, error)
}

// PatronCirculation は利用者の予約・貸出の参照。
type PatronCirculation interface {
	GetHolds(ctx context.Context, patron model.Patron, skipCache bool) ([]model.HoldRecord, error)
	GetCheckouts(ctx context.Context, patron model.Patron, skipCache bool) ([]model.CheckoutRecord, error)
}

// Service は所蔵照会のサービス。
type Service struct {
	holdings    Holdings
	patrons     PatronCirculation
	opts        status.Options
	concurrency int
	logger      *slog.Logger
}

// NewService はServiceを生成する。
func NewService(holdings Holdings, patrons PatronCirculation, opts status.Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		holdings:    holdings,
		patrons:     patrons,
		opts:        opts,
		concurrency: defaultConcurrency,
		logger:      logger,
	}
}

// GetHolding は書誌1件分の所蔵ビューを返す。
func (s *Service) GetHolding(ctx context.Context, bibID string) (model.HoldingsView, error) {
	if bibID == "" {
		return model.HoldingsView{}, model.NewValidationFailureError("bib id is required")
	}
	return s.holdings.HoldingFor(ctx, s.holdings.Bib(ctx, bibID))
}

// GetItemStatuses は書誌ごとの表示用状態を入力順で返す。
// 解決できなかった書誌は missing_data を立てた要素として同じ位置に残す。
// patronがnilでなければ、予約済み・貸出中の判定に利用者の予約・貸出を使う。
func (s *Service) GetItemStatuses(ctx context.Context, patron *model.Patron, bibIDs []string) []model.StatusSummary {
	var holds []model.HoldRecord
	var checkouts []model.CheckoutRecord
	if patron != nil && s.patrons != nil {
		var err error
		if holds, err = s.patrons.GetHolds(ctx, *patron, false); err != nil {
			s.logger.Warn("利用者の予約を取得できませんでした", slog.String("patron_id", patron.PatronID), slog.String("error", err.Error()))
		}
		if checkouts, err = s.patrons.GetCheckouts(ctx, *patron, false); err != nil {
			s.logger.Warn("利用者の貸出を取得できませんでした", slog.String("patron_id", patron.PatronID), slog.String("error", err.Error()))
		}
	}

	out := make([]model.StatusSummary, len(bibIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range bibIDs {
		g.Go(func() error {
			out[i] = s.summarize(gctx, i, id, holds, checkouts)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Service) summarize(ctx context.Context, recordNumber int, bibID string, holds []model.HoldRecord, checkouts []model.CheckoutRecord) model.StatusSummary {
	missing := model.StatusSummary{RecordNumber: recordNumber, ID: bibID, MissingData: true}
	if bibID == "" {
		return missing
	}
	bib := s.holdings.Bib(ctx, bibID)
	view, err := s.holdings.HoldingFor(ctx, bib)
	if err != nil {
		s.logger.Warn("所蔵を取得できませんでした", slog.String("bib_id", bibID), slog.String("error", err.Error()))
		return missing
	}
	sum := status.Summarize(bib, view.Items, holds, checkouts, s.opts)
	sum.RecordNumber = recordNumber
	sum.ID = bibID
	return sum
}
