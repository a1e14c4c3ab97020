// Package searchindex は検索インデックスに対する書誌の狭い参照を提供する。
// 検索そのものは扱わず、IDによる1件取得と外部IDの相互変換だけを行う。
package searchindex

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
)

const backendName = "solr"

const recordFields = "id,title_display,is_serial,overdrive_id,title_holds_allowed"

// BibLookup は書誌の参照インターフェース。
type BibLookup interface {
	// GetBib は書誌を返す。存在しない場合はNotFoundを返す。
	GetBib(ctx context.Context, bibID string) (model.BibRecord, error)
	// GetBibExternalID は貸出サービスの外部IDを返す。電子資料でなければ空文字。
	GetBibExternalID(ctx context.Context, bibID string) (string, error)
	// GetBibByExternalID は外部IDから書誌IDを逆引きする。
	GetBibByExternalID(ctx context.Context, externalID string) (model.BibRecord, error)
}

// SolrClient はSolrのselectハンドラーを使うBibLookup。
type SolrClient struct {
	baseURL string
	req     *backend.Requester
	logger  *slog.Logger
}

// NewSolrClient はSolrClientを生成する。baseURLはコア名まで含める（例: http://solr:8983/solr/biblio）。
func NewSolrClient(baseURL string, httpClient *http.Client, m metrics.MetricsCollector, logger *slog.Logger) *SolrClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SolrClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		req:     backend.NewRequester(backendName, httpClient, 0, m, logger),
		logger:  logger,
	}
}

type solrDoc struct {
	ID                string `json:"id"`
	Title             string `json:"title_display"`
	IsSerial          bool   `json:"is_serial"`
	OverDriveID       string `json:"overdrive_id"`
	TitleHoldsAllowed *bool  `json:"title_holds_allowed"`
}

func (d solrDoc) record() model.BibRecord {
	holds := true
	if d.TitleHoldsAllowed != nil {
		holds = *d.TitleHoldsAllowed
	}
	return model.BibRecord{
		ID:                d.ID,
		IsSerial:          d.IsSerial,
		ExternalID:        strings.ToLower(d.OverDriveID),
		Title:             d.Title,
		TitleHoldsAllowed: holds,
	}
}

func (c *SolrClient) selectOne(ctx context.Context, op, field, value string) (model.BibRecord, error) {
	q := url.Values{
		"q":    {fmt.Sprintf("%s:%s", field, strconv.Quote(value))},
		"fl":   {recordFields},
		"rows": {"1"},
		"wt":   {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/select?"+q.Encode(), nil)
	if err != nil {
		return model.BibRecord{}, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	resp, err := c.req.Do(ctx, op, req)
	if err != nil {
		return model.BibRecord{}, err
	}
	if resp.Class != backend.StatusOK {
		return model.BibRecord{}, model.NewBackendUnavailableError(backendName, fmt.Sprintf("select returned %d", resp.StatusCode))
	}
	var body struct {
		Response struct {
			NumFound int       `json:"numFound"`
			Docs     []solrDoc `json:"docs"`
		} `json:"response"`
	}
	if err := resp.Decode(&body); err != nil {
		return model.BibRecord{}, model.NewBackendUnavailableError(backendName, err.Error())
	}
	if len(body.Response.Docs) == 0 {
		return model.BibRecord{}, model.NewNotFoundError("bib", value)
	}
	return body.Response.Docs[0].record(), nil
}

// GetBib は書誌IDで1件取得する。
func (c *SolrClient) GetBib(ctx context.Context, bibID string) (model.BibRecord, error) {
	return c.selectOne(ctx, "get_bib", "id", bibID)
}

// GetBibExternalID は書誌の外部IDを返す。
func (c *SolrClient) GetBibExternalID(ctx context.Context, bibID string) (string, error) {
	rec, err := c.GetBib(ctx, bibID)
	if err != nil {
		return "", err
	}
	return rec.ExternalID, nil
}

// GetBibByExternalID は外部IDで書誌を逆引きする。
func (c *SolrClient) GetBibByExternalID(ctx context.Context, externalID string) (model.BibRecord, error) {
	return c.selectOne(ctx, "get_bib_by_external_id", "overdrive_id", strings.ToLower(externalID))
}
