package legacy

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// Authenticate は旧画面にログインして利用者IDを返す。
func (c *Client) Authenticate(ctx context.Context, patron model.Patron) (string, error) {
	var id string
	err := c.withSession(ctx, patron, func(s *session) error {
		id = s.patronID
		return nil
	})
	return id, err
}

// updateHolds は予約一覧フォームで対象の予約の項目を操作して送信する。
func (c *Client) updateHolds(ctx context.Context, patron model.Patron, op, holdID string, apply func(f *htmlForm) error) error {
	return c.withSession(ctx, patron, func(s *session) error {
		f, err := s.formOn(ctx, op+"_form", c.patronPage(s.patronID, "holds"), func(f *htmlForm) bool {
			return f.hasPrefix("cancel") || f.hasPrefix("loc") || f.hasPrefix("freeze")
		})
		if err != nil {
			return err
		}
		if f == nil {
			return model.NewNotFoundError("hold", holdID)
		}
		if err := apply(f); err != nil {
			return err
		}
		f.set("updateholdssome", "YES")
		text, err := s.submit(ctx, op, f)
		if err != nil {
			return err
		}
		return backend.ClassifyResponseText(text)
	})
}

// CancelHold は予約一覧フォームの取消チェックボックスを選択して送信する。
func (c *Client) CancelHold(ctx context.Context, patron model.Patron, holdID string) error {
	return c.updateHolds(ctx, patron, "cancel_hold", holdID, func(f *htmlForm) error {
		names := f.match("cancel", holdID)
		if len(names) == 0 {
			return model.NewNotFoundError("hold", holdID)
		}
		for _, n := range names {
			f.set(n, "on")
		}
		return nil
	})
}

// FreezeHold は予約一覧フォームの保留チェックボックスを切り替えて送信する。
func (c *Client) FreezeHold(ctx context.Context, patron model.Patron, holdID string, freeze bool) error {
	return c.updateHolds(ctx, patron, "freeze_hold", holdID, func(f *htmlForm) error {
		names := f.match("freeze", holdID)
		if len(names) == 0 {
			return model.NewNotFoundError("hold", holdID)
		}
		for _, n := range names {
			if freeze {
				f.set(n, "on")
			} else {
				f.uncheck(n)
			}
		}
		return nil
	})
}

// UpdateHold は予約一覧フォームで受取館を変更する。連絡先の変更は旧画面でも扱えない。
func (c *Client) UpdateHold(ctx context.Context, patron model.Patron, holdID string, update backend.HoldUpdate) error {
	if update.PickupLocation == "" {
		return backend.Unsupported(Name, "update_hold_email")
	}
	return c.updateHolds(ctx, patron, "update_hold", holdID, func(f *htmlForm) error {
		names := f.match("loc", holdID)
		if len(names) == 0 {
			return model.NewNotFoundError("hold", holdID)
		}
		for _, n := range names {
			f.set(n, update.PickupLocation)
		}
		return nil
	})
}

// PlaceHold は書誌の予約画面のフォームで予約を登録する。資料が指定されていればそれを選ぶ。
func (c *Client) PlaceHold(ctx context.Context, patron model.Patron, req backend.HoldRequest) error {
	if req.PickupLocation == "" {
		return model.NewValidationFailureError("pickup location is required")
	}
	bib := strings.TrimLeft(strings.TrimPrefix(req.BibID, "."), "b")
	if bib == "" {
		return model.NewValidationFailureError("bib id is required")
	}
	return c.withSession(ctx, patron, func(s *session) error {
		requestURL := fmt.Sprintf("%s/search~S%d?/.b%s/.b%s/1,1,1,B/request~b%s",
			c.base.String(), c.scope, url.PathEscape(bib), url.PathEscape(bib), url.PathEscape(bib))
		f, err := s.formOn(ctx, "place_hold_form", requestURL, func(f *htmlForm) bool { return f.hasPrefix("locx") })
		if err != nil {
			return err
		}
		if f == nil {
			return model.NewNoCopiesAvailableError()
		}
		for _, n := range f.match("locx", "") {
			f.set(n, req.PickupLocation)
		}
		if req.ItemID != "" && f.has("radio") {
			f.set("radio", "i"+strings.TrimLeft(strings.TrimPrefix(req.ItemID, "."), "i"))
		}
		text, err := s.submit(ctx, "place_hold", f)
		if err != nil {
			return err
		}
		return backend.ClassifyResponseText(text)
	})
}

// Renew は貸出一覧フォームの延長チェックボックスを選択して送信する。
func (c *Client) Renew(ctx context.Context, patron model.Patron, checkoutID string) error {
	return c.withSession(ctx, patron, func(s *session) error {
		f, err := s.formOn(ctx, "renew_form", c.patronPage(s.patronID, "items"), func(f *htmlForm) bool { return f.hasPrefix("renew") })
		if err != nil {
			return err
		}
		if f == nil {
			return model.NewNotFoundError("checkout", checkoutID)
		}
		names := f.match("renew", checkoutID)
		if len(names) == 0 {
			return model.NewNotFoundError("checkout", checkoutID)
		}
		for _, n := range names {
			f.set(n, "")
		}
		f.set("renewsome", "YES")
		text, err := s.submit(ctx, "renew", f)
		if err != nil {
			return err
		}
		return backend.ClassifyResponseText(text)
	})
}

// 旧画面は一覧取得と貸出・返却には使わない。

func (c *Client) FetchHoldings(context.Context, string) ([]model.ItemRecord, error) {
	return nil, backend.Unsupported(Name, "fetch_holdings")
}

func (c *Client) FetchPatronHolds(context.Context, model.Patron) ([]model.HoldRecord, error) {
	return nil, backend.Unsupported(Name, "fetch_holds")
}

func (c *Client) FetchPatronCheckouts(context.Context, model.Patron) ([]model.CheckoutRecord, error) {
	return nil, backend.Unsupported(Name, "fetch_checkouts")
}

func (c *Client) Checkout(context.Context, model.Patron, string) error {
	return backend.Unsupported(Name, "checkout")
}

func (c *Client) Return(context.Context, model.Patron, string) error {
	return backend.Unsupported(Name, "return")
}
