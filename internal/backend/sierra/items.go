package sierra

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/model"
)

const itemFields = "id,bibIds,location,status,barcode,callNumber,suppressed,deleted,varFields"

type itemEntry struct {
	ID         string     `json:"id"`
	BibIDs     []string   `json:"bibIds"`
	Location   *codeName  `json:"location"`
	Status     itemStatus `json:"status"`
	Barcode    string     `json:"barcode"`
	CallNumber string     `json:"callNumber"`
	Suppressed bool       `json:"suppressed"`
	Deleted    bool       `json:"deleted"`
	VarFields  []varField `json:"varFields"`
}

type itemStatus struct {
	Code    string `json:"code"`
	Display string `json:"display"`
	DueDate string `json:"duedate"`
}

type itemPage struct {
	Total   int         `json:"total"`
	Entries []itemEntry `json:"entries"`
}

func (e itemEntry) toRecord(bibID string) model.ItemRecord {
	rec := model.ItemRecord{
		ItemID:     e.ID,
		BibID:      bibID,
		Status:     strings.TrimSpace(e.Status.Code),
		CallNumber: strings.TrimSpace(e.CallNumber),
		Barcode:    e.Barcode,
		DueDate:    parseDate(e.Status.DueDate),
		Suppressed: e.Suppressed || e.Deleted,
	}
	if e.Location != nil {
		rec.LocationCode = strings.TrimSpace(e.Location.Code)
		rec.BranchName = e.Location.Name
	}
	if vols := varFieldValues(e.VarFields, "v"); len(vols) > 0 {
		rec.VolumeNumber = vols[0]
	}
	if rec.CallNumber == "" {
		if cn := varFieldValues(e.VarFields, "c"); len(cn) > 0 {
			rec.CallNumber = cn[0]
		}
	}
	return rec
}

// FetchHoldings は書誌に紐づく資料と発注中のプレースホルダを取得する。
// 資料はページ単位で取得し、途中で失敗した場合は部分結果を返さない。
func (c *Client) FetchHoldings(ctx context.Context, bibID string) ([]model.ItemRecord, error) {
	id := recordID(bibID)
	entries, err := backend.CollectPages(ctx, pageSize, func(ctx context.Context, offset, limit int) ([]itemEntry, error) {
		q := url.Values{
			"bibIds": {id},
			"fields": {itemFields},
			"limit":  {strconv.Itoa(limit)},
			"offset": {strconv.Itoa(offset)},
		}
		resp, err := c.call(ctx, "fetch_items", http.MethodGet, "/items", q, nil)
		if err != nil {
			return nil, err
		}
		// 資料が1件もない書誌は404になる
		if resp.Class == backend.StatusNotFound {
			return nil, nil
		}
		if resp.Class != backend.StatusOK {
			return nil, model.NewBackendUnavailableError(Name, fmt.Sprintf("items returned %d", resp.StatusCode))
		}
		var page itemPage
		if err := resp.Decode(&page); err != nil {
			return nil, model.NewBackendUnavailableError(Name, err.Error())
		}
		return page.Entries, nil
	})
	if err != nil {
		return nil, err
	}

	items := make([]model.ItemRecord, 0, len(entries))
	for _, e := range entries {
		items = append(items, e.toRecord(bibID))
		c.itemBibs.Add(e.ID, bibID)
	}

	orders, err := c.fetchOrders(ctx, bibID)
	if err != nil {
		return nil, err
	}
	return append(items, orders...), nil
}

type orderEntry struct {
	ID        string   `json:"id"`
	Status    codeName `json:"status"`
	Locations []struct {
		Location codeName `json:"location"`
		Copies   int      `json:"copies"`
	} `json:"locations"`
	ReceivedDate string `json:"receivedDate"`
}

// onOrderStatus は未受入の発注レコードの状態コード。
const onOrderStatus = "o"

// fetchOrders は未受入の発注レコードから、資料IDを持たない「発注中」プレースホルダを作る。
func (c *Client) fetchOrders(ctx context.Context, bibID string) ([]model.ItemRecord, error) {
	q := url.Values{
		"bibIds": {recordID(bibID)},
		"fields": {"id,status,locations,receivedDate"},
	}
	resp, err := c.call(ctx, "fetch_orders", http.MethodGet, "/orders", q, nil)
	if err != nil {
		return nil, err
	}
	if resp.Class == backend.StatusNotFound {
		return nil, nil
	}
	if resp.Class != backend.StatusOK {
		return nil, model.NewBackendUnavailableError(Name, fmt.Sprintf("orders returned %d", resp.StatusCode))
	}
	var page struct {
		Entries []orderEntry `json:"entries"`
	}
	if err := resp.Decode(&page); err != nil {
		return nil, model.NewBackendUnavailableError(Name, err.Error())
	}

	var out []model.ItemRecord
	for _, o := range page.Entries {
		if o.ReceivedDate != "" || o.Status.Code != onOrderStatus {
			continue
		}
		for _, loc := range o.Locations {
			out = append(out, model.ItemRecord{
				BibID:        bibID,
				Status:       "order",
				LocationCode: loc.Location.Code,
				BranchName:   loc.Location.Name,
			})
		}
	}
	return out, nil
}

type holdingEntry struct {
	ID        string     `json:"id"`
	Location  *codeName  `json:"location"`
	VarFields []varField `json:"varFields"`
}

// FetchCheckinGroups は逐次刊行物の所蔵レコード（チェックインレコード）を所在ごとに取得する。
func (c *Client) FetchCheckinGroups(ctx context.Context, bibID string) ([]model.CheckinRecordGroup, error) {
	q := url.Values{
		"bibIds": {recordID(bibID)},
		"fields": {"id,location,varFields"},
		"limit":  {strconv.Itoa(pageSize)},
	}
	resp, err := c.call(ctx, "fetch_checkin", http.MethodGet, "/holdings", q, nil)
	if err != nil {
		return nil, err
	}
	if resp.Class == backend.StatusNotFound {
		return nil, nil
	}
	if resp.Class != backend.StatusOK {
		return nil, model.NewBackendUnavailableError(Name, fmt.Sprintf("holdings returned %d", resp.StatusCode))
	}
	var page struct {
		Entries []holdingEntry `json:"entries"`
	}
	if err := resp.Decode(&page); err != nil {
		return nil, model.NewBackendUnavailableError(Name, err.Error())
	}

	// 同じ所在の所蔵レコードは1グループにまとめる
	groups := make([]model.CheckinRecordGroup, 0, len(page.Entries))
	index := make(map[string]int)
	for _, h := range page.Entries {
		if h.Location == nil || h.Location.Code == "" {
			continue
		}
		statements := varFieldValues(h.VarFields, "h")
		if i, ok := index[h.Location.Code]; ok {
			groups[i].Holdings = append(groups[i].Holdings, statements...)
			continue
		}
		index[h.Location.Code] = len(groups)
		groups = append(groups, model.CheckinRecordGroup{
			LocationCode: h.Location.Code,
			BranchName:   h.Location.Name,
			Holdings:     statements,
		})
	}
	return groups, nil
}

// FetchUpdatedItems は指定期間に更新された資料を1ページ分取得し、状態差分に変換する。
// 帯域外の差分フィードとして同期ワーカーから使う。
func (c *Client) FetchUpdatedItems(ctx context.Context, from, to time.Time, offset, limit int) ([]model.StatusChange, error) {
	q := url.Values{
		"updatedDate": {fmt.Sprintf("[%s,%s]", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))},
		"fields":      {"id,bibIds,status,suppressed,deleted"},
		"limit":       {strconv.Itoa(limit)},
		"offset":      {strconv.Itoa(offset)},
	}
	resp, err := c.call(ctx, "fetch_updated_items", http.MethodGet, "/items", q, nil)
	if err != nil {
		return nil, err
	}
	if resp.Class == backend.StatusNotFound {
		return nil, nil
	}
	if resp.Class != backend.StatusOK {
		return nil, model.NewBackendUnavailableError(Name, fmt.Sprintf("items returned %d", resp.StatusCode))
	}
	var page itemPage
	if err := resp.Decode(&page); err != nil {
		return nil, model.NewBackendUnavailableError(Name, err.Error())
	}

	changes := make([]model.StatusChange, 0, len(page.Entries))
	for _, e := range page.Entries {
		if len(e.BibIDs) == 0 {
			continue
		}
		status := strings.TrimSpace(e.Status.Code)
		suppressed := e.Suppressed || e.Deleted
		change := model.StatusChange{
			BibID:      e.BibIDs[0],
			ItemID:     e.ID,
			Status:     &status,
			Suppressed: &suppressed,
		}
		if due := parseDate(e.Status.DueDate); due != nil {
			change.DueDate = due
		} else {
			change.ClearDueDate = true
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// BibForItem は資料IDから書誌IDを解決する。プロセス内キャッシュを先に引く。
func (c *Client) BibForItem(ctx context.Context, itemID string) (string, error) {
	if bib, ok := c.itemBibs.Get(itemID); ok {
		return bib, nil
	}
	q := url.Values{"fields": {"id,bibIds"}}
	resp, err := c.call(ctx, "fetch_item", http.MethodGet, "/items/"+url.PathEscape(recordID(itemID)), q, nil)
	if err != nil {
		return "", err
	}
	if resp.Class == backend.StatusNotFound {
		return "", model.NewNotFoundError("item", itemID)
	}
	if resp.Class != backend.StatusOK {
		return "", model.NewBackendUnavailableError(Name, fmt.Sprintf("item returned %d", resp.StatusCode))
	}
	var e itemEntry
	if err := resp.Decode(&e); err != nil {
		return "", model.NewBackendUnavailableError(Name, err.Error())
	}
	if len(e.BibIDs) == 0 {
		return "", model.NewDataInconsistencyError(fmt.Sprintf("item %s has no bib", itemID))
	}
	c.itemBibs.Add(itemID, e.BibIDs[0])
	return e.BibIDs[0], nil
}
