package searchindex

import (
	"context"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// Unindexed はSOLR_URL未設定時のBibLookup。全ての書誌を索引外として扱う。
type Unindexed struct{}

func (Unindexed) GetBib(_ context.Context, bibID string) (model.BibRecord, error) {
	return model.BibRecord{}, model.NewNotFoundError("bib", bibID)
}

func (Unindexed) GetBibExternalID(context.Context, string) (string, error) {
	return "", nil
}

func (Unindexed) GetBibByExternalID(_ context.Context, externalID string) (model.BibRecord, error) {
	return model.BibRecord{}, model.NewNotFoundError("bib", externalID)
}
