package sierra

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/model"
)

type branchEntry struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Locations []codeName `json:"locations"`
}

// Locations は全館の配架場所を取得する。配架場所ごとに所属館の名前を付ける。
func (c *Client) Locations(ctx context.Context) ([]model.Location, error) {
	branches, err := backend.CollectPages(ctx, pageSize, func(ctx context.Context, offset, limit int) ([]branchEntry, error) {
		q := url.Values{
			"fields": {"id,name,locations"},
			"limit":  {strconv.Itoa(limit)},
			"offset": {strconv.Itoa(offset)},
		}
		resp, err := c.call(ctx, "fetch_branches", http.MethodGet, "/branches", q, nil)
		if err != nil {
			return nil, err
		}
		if resp.Class != backend.StatusOK {
			return nil, model.NewBackendUnavailableError(Name, fmt.Sprintf("branches returned %d", resp.StatusCode))
		}
		var page struct {
			Entries []branchEntry `json:"entries"`
		}
		if err := resp.Decode(&page); err != nil {
			return nil, model.NewBackendUnavailableError(Name, err.Error())
		}
		return page.Entries, nil
	})
	if err != nil {
		return nil, err
	}

	var out []model.Location
	for _, b := range branches {
		for _, l := range b.Locations {
			out = append(out, model.Location{
				Code:       l.Code,
				Name:       l.Name,
				BranchCode: b.ID,
				BranchName: b.Name,
			})
		}
	}
	return out, nil
}

// PickupLocations は予約資料の受取館一覧を取得する。
func (c *Client) PickupLocations(ctx context.Context) ([]model.PickupLocation, error) {
	resp, err := c.call(ctx, "fetch_pickup_locations", http.MethodGet, "/branches/pickupLocations", nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.Class != backend.StatusOK {
		return nil, model.NewBackendUnavailableError(Name, fmt.Sprintf("pickupLocations returned %d", resp.StatusCode))
	}
	var entries []codeName
	if err := resp.Decode(&entries); err != nil {
		return nil, model.NewBackendUnavailableError(Name, err.Error())
	}
	out := make([]model.PickupLocation, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.PickupLocation{Code: e.Code, Name: e.Name})
	}
	return out, nil
}
