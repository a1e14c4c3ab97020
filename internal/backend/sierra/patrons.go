package sierra

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// Authenticate はバーコードとPINを検証し、利用者IDを返す。
func (c *Client) Authenticate(ctx context.Context, patron model.Patron) (string, error) {
	if patron.Barcode == "" || patron.PIN == "" {
		return "", model.NewValidationFailureError("barcode and PIN are required")
	}
	body := map[string]any{
		"barcode":         patron.Barcode,
		"pin":             patron.PIN,
		"caseSensitivity": false,
	}
	resp, err := c.call(ctx, "validate_patron", http.MethodPost, "/patrons/validate", nil, body)
	if err != nil {
		return "", err
	}
	if resp.Class == backend.StatusRejected || resp.Class == backend.StatusNotFound {
		return "", model.NewAuthenticationRequiredError("invalid barcode or PIN")
	}

	q := url.Values{
		"varFieldTag":     {"b"},
		"varFieldContent": {patron.Barcode},
		"fields":          {"id"},
	}
	resp, err = c.call(ctx, "find_patron", http.MethodGet, "/patrons/find", q, nil)
	if err != nil {
		return "", err
	}
	if resp.Class != backend.StatusOK {
		return "", model.NewAuthenticationRequiredError("patron record not found")
	}
	var found struct {
		ID int64 `json:"id"`
	}
	if err := resp.Decode(&found); err != nil {
		return "", model.NewBackendUnavailableError(Name, err.Error())
	}
	return strconv.FormatInt(found.ID, 10), nil
}

type fixedField struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

type blockInfo struct {
	Code string `json:"code"`
}

type patronEntry struct {
	ID              int64                 `json:"id"`
	Names           []string              `json:"names"`
	Emails          []string              `json:"emails"`
	Barcodes        []string              `json:"barcodes"`
	HomeLibraryCode string                `json:"homeLibraryCode"`
	BlockInfo       *blockInfo            `json:"blockInfo"`
	FixedFields     map[string]fixedField `json:"fixedFields"`
}

// noticePreferenceField は通知方法を保持する固定長フィールドの番号。
const noticePreferenceField = "268"

// GetProfile は利用者プロファイルを取得する。受取館の検証は呼び出し元で行う。
func (c *Client) GetProfile(ctx context.Context, patronID string) (model.PatronProfile, error) {
	if patronID == "" {
		return model.PatronProfile{}, model.NewAuthenticationRequiredError("missing patron id")
	}
	q := url.Values{"fields": {"names,emails,barcodes,homeLibraryCode,blockInfo,fixedFields"}}
	resp, err := c.call(ctx, "fetch_patron", http.MethodGet, "/patrons/"+url.PathEscape(patronID), q, nil)
	if err != nil {
		return model.PatronProfile{}, err
	}
	if resp.Class == backend.StatusNotFound {
		return model.PatronProfile{}, model.NewAuthenticationRequiredError("patron record not found")
	}
	if resp.Class != backend.StatusOK {
		return model.PatronProfile{}, model.NewBackendUnavailableError(Name, fmt.Sprintf("patron returned %d", resp.StatusCode))
	}
	var p patronEntry
	if err := resp.Decode(&p); err != nil {
		return model.PatronProfile{}, model.NewBackendUnavailableError(Name, err.Error())
	}

	profile := model.PatronProfile{
		PatronID:        patronID,
		HomeLibraryCode: strings.TrimSpace(p.HomeLibraryCode),
	}
	if len(p.Names) > 0 {
		profile.Name = p.Names[0]
	}
	if len(p.Emails) > 0 {
		profile.Email = p.Emails[0]
	}
	if len(p.Barcodes) > 0 {
		profile.Barcode = p.Barcodes[0]
	}
	if p.BlockInfo != nil {
		code := strings.TrimSpace(p.BlockInfo.Code)
		profile.Blocked = code != "" && code != "-"
	}
	if f, ok := p.FixedFields[noticePreferenceField]; ok {
		profile.NotificationPreference = fmt.Sprint(f.Value)
	}
	return profile, nil
}

type holdEntry struct {
	ID             string    `json:"id"`
	Record         string    `json:"record"`
	RecordType     string    `json:"recordType"`
	Status         codeName  `json:"status"`
	Frozen         bool      `json:"frozen"`
	PickupLocation *codeName `json:"pickupLocation"`
	Placed         string    `json:"placed"`
	Priority       int       `json:"priority"`
}

type holdPage struct {
	Total   int         `json:"total"`
	Entries []holdEntry `json:"entries"`
}

// FetchPatronHolds は利用者の予約一覧を取得する。資料単位の予約は書誌IDを解決して埋める。
func (c *Client) FetchPatronHolds(ctx context.Context, patron model.Patron) ([]model.HoldRecord, error) {
	if patron.PatronID == "" {
		return nil, model.NewAuthenticationRequiredError("missing patron id")
	}
	entries, err := backend.CollectPages(ctx, pageSize, func(ctx context.Context, offset, limit int) ([]holdEntry, error) {
		q := url.Values{
			"fields": {"id,record,recordType,status,frozen,pickupLocation,placed,priority"},
			"limit":  {strconv.Itoa(limit)},
			"offset": {strconv.Itoa(offset)},
		}
		resp, err := c.call(ctx, "fetch_holds", http.MethodGet, "/patrons/"+url.PathEscape(patron.PatronID)+"/holds", q, nil)
		if err != nil {
			return nil, err
		}
		if resp.Class == backend.StatusNotFound {
			return nil, nil
		}
		if resp.Class != backend.StatusOK {
			return nil, model.NewBackendUnavailableError(Name, fmt.Sprintf("holds returned %d", resp.StatusCode))
		}
		var page holdPage
		if err := resp.Decode(&page); err != nil {
			return nil, model.NewBackendUnavailableError(Name, err.Error())
		}
		return page.Entries, nil
	})
	if err != nil {
		return nil, err
	}

	holds := make([]model.HoldRecord, 0, len(entries))
	for _, e := range entries {
		h := model.HoldRecord{
			HoldID:   idFromLink(e.ID),
			Status:   e.Status.Name,
			Frozen:   e.Frozen,
			Position: e.Priority,
			PlacedAt: parseDate(e.Placed),
		}
		if h.Status == "" {
			h.Status = e.Status.Code
		}
		if e.PickupLocation != nil {
			h.PickupLocation = e.PickupLocation.Code
		}
		recID := idFromLink(e.Record)
		if e.RecordType == "i" {
			h.ItemID = recID
			bib, err := c.BibForItem(ctx, recID)
			if err != nil {
				return nil, err
			}
			h.BibID = bib
		} else {
			h.BibID = recID
		}
		holds = append(holds, h)
	}
	return holds, nil
}

type checkoutEntry struct {
	ID               string `json:"id"`
	Item             string `json:"item"`
	DueDate          string `json:"dueDate"`
	NumberOfRenewals int    `json:"numberOfRenewals"`
}

// FetchPatronCheckouts は利用者の貸出一覧を取得する。
func (c *Client) FetchPatronCheckouts(ctx context.Context, patron model.Patron) ([]model.CheckoutRecord, error) {
	if patron.PatronID == "" {
		return nil, model.NewAuthenticationRequiredError("missing patron id")
	}
	entries, err := backend.CollectPages(ctx, pageSize, func(ctx context.Context, offset, limit int) ([]checkoutEntry, error) {
		q := url.Values{
			"fields": {"id,item,dueDate,numberOfRenewals"},
			"limit":  {strconv.Itoa(limit)},
			"offset": {strconv.Itoa(offset)},
		}
		resp, err := c.call(ctx, "fetch_checkouts", http.MethodGet, "/patrons/"+url.PathEscape(patron.PatronID)+"/checkouts", q, nil)
		if err != nil {
			return nil, err
		}
		if resp.Class == backend.StatusNotFound {
			return nil, nil
		}
		if resp.Class != backend.StatusOK {
			return nil, model.NewBackendUnavailableError(Name, fmt.Sprintf("checkouts returned %d", resp.StatusCode))
		}
		var page struct {
			Entries []checkoutEntry `json:"entries"`
		}
		if err := resp.Decode(&page); err != nil {
			return nil, model.NewBackendUnavailableError(Name, err.Error())
		}
		return page.Entries, nil
	})
	if err != nil {
		return nil, err
	}

	checkouts := make([]model.CheckoutRecord, 0, len(entries))
	for _, e := range entries {
		itemID := idFromLink(e.Item)
		bib, err := c.BibForItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		checkouts = append(checkouts, model.CheckoutRecord{
			CheckoutID:   idFromLink(e.ID),
			BibID:        bib,
			ItemID:       itemID,
			DueDate:      parseDate(e.DueDate),
			RenewalCount: e.NumberOfRenewals,
		})
	}
	return checkouts, nil
}
