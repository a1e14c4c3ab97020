package sierra

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/model"
	"github.com/hitoshi/shelfstatus/internal/security"
)

// PlaceHold は資料単位の予約を登録する。書誌単位の予約は扱わない。
func (c *Client) PlaceHold(ctx context.Context, patron model.Patron, req backend.HoldRequest) error {
	if patron.PatronID == "" {
		return model.NewAuthenticationRequiredError("missing patron id")
	}
	if req.ItemID == "" {
		return model.NewValidationFailureError("an item must be selected to place a hold")
	}
	if req.PickupLocation == "" {
		return model.NewValidationFailureError("pickup location is required")
	}
	num, err := recordNumber(req.ItemID)
	if err != nil {
		return err
	}
	body := map[string]any{
		"recordType":     "i",
		"recordNumber":   num,
		"pickupLocation": req.PickupLocation,
	}
	resp, err := c.call(ctx, "place_hold", http.MethodPost, "/patrons/"+url.PathEscape(patron.PatronID)+"/holds/requests", nil, body)
	if err != nil {
		return err
	}
	return c.rejection(resp)
}

// CancelHold は予約を取り消す。
func (c *Client) CancelHold(ctx context.Context, patron model.Patron, holdID string) error {
	resp, err := c.call(ctx, "cancel_hold", http.MethodDelete, "/patrons/holds/"+url.PathEscape(holdID), nil, nil)
	if err != nil {
		return err
	}
	if resp.Class == backend.StatusNotFound {
		return model.NewNotFoundError("hold", holdID)
	}
	return c.rejection(resp)
}

// FreezeHold は予約の保留（凍結）状態を切り替える。
func (c *Client) FreezeHold(ctx context.Context, patron model.Patron, holdID string, freeze bool) error {
	body := map[string]any{"freeze": freeze}
	resp, err := c.call(ctx, "freeze_hold", http.MethodPut, "/patrons/holds/"+url.PathEscape(holdID), nil, body)
	if err != nil {
		return err
	}
	if resp.Class == backend.StatusNotFound {
		return model.NewNotFoundError("hold", holdID)
	}
	return c.rejection(resp)
}

// UpdateHold は資料単位の予約の受取館・連絡先変更を表現できないため、常にErrUnsupportedを返す。
func (c *Client) UpdateHold(ctx context.Context, patron model.Patron, holdID string, update backend.HoldUpdate) error {
	return backend.Unsupported(Name, "update_hold")
}

// Renew は貸出を延長する。
func (c *Client) Renew(ctx context.Context, patron model.Patron, checkoutID string) error {
	resp, err := c.call(ctx, "renew", http.MethodPost, "/patrons/checkouts/"+url.PathEscape(checkoutID)+"/renewal", nil, nil)
	if err != nil {
		return err
	}
	if resp.Class == backend.StatusNotFound {
		return model.NewNotFoundError("checkout", checkoutID)
	}
	return c.rejection(resp)
}

// Checkout は物理資料の貸出をAPIで扱わない。
func (c *Client) Checkout(ctx context.Context, patron model.Patron, itemID string) error {
	return backend.Unsupported(Name, "checkout")
}

// Return は物理資料の返却をAPIで扱わない。
func (c *Client) Return(ctx context.Context, patron model.Patron, checkoutID string) error {
	return backend.Unsupported(Name, "return")
}

// rejection は更新系APIの応答をエラーに変換する。2xxはnil。
func (c *Client) rejection(resp *backend.Response) error {
	if resp.Class == backend.StatusOK {
		return nil
	}
	var ae apiError
	if err := resp.Decode(&ae); err != nil || ae.Description == "" {
		return model.NewGenericPlacementFailureError("")
	}
	desc := security.CleanMessage(ae.Description)
	// "XCirc error : Request denied - ..." の接頭辞を落とす
	if i := strings.Index(desc, ":"); i >= 0 && strings.HasPrefix(strings.ToLower(desc), "xcirc") {
		desc = strings.TrimSpace(desc[i+1:])
	}
	if known := backend.ClassifyFailureText(desc); known != nil {
		return known
	}
	c.logger.Info("未分類のAPIエラー応答を受け取りました",
		slog.Int("http_status", resp.StatusCode),
		slog.Int("code", ae.Code),
		slog.Int("specific_code", ae.SpecificCode),
	)
	return model.NewGenericPlacementFailureError(desc)
}
