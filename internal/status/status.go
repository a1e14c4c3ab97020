// Package status は集約済みの資料一覧から表示用の状態を算出する純粋関数を提供する。
package status

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hitoshi/shelfstatus/internal/holdings"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// Mode は複数の値をどう1つにまとめるか。
type Mode string

const (
	ModeFirst Mode = "first"
	ModeAll   Mode = "all"
	ModeMsg   Mode = "msg"
)

// CountPlaceholder は所蔵数テンプレート中の置換位置。
const CountPlaceholder = "<countText>"

// AlwaysAvailable は無制限アクセスの電子資料の所蔵数表示。
const AlwaysAvailable = "Always Available"

// Options は表示設定。
type Options struct {
	HoldsEnabled      bool
	LocationMode      Mode
	LocationMessage   string
	CallNumberMode    Mode
	CallNumberMessage string
	// CountTemplate は所蔵数の表示テンプレート。空なら CountPlaceholder のみ。
	CountTemplate string
}

// DefaultOptions は既定の表示設定を返す。
func DefaultOptions() Options {
	return Options{
		HoldsEnabled:      true,
		LocationMode:      ModeFirst,
		LocationMessage:   "Multiple Locations",
		CallNumberMode:    ModeFirst,
		CallNumberMessage: "Multiple Call Numbers",
		CountTemplate:     CountPlaceholder,
	}
}

// PickValue は重複と空文字を除いて整列した値を mode に従って1つにまとめる。
// 重複除去と整列を先に行うため、入力の順序に依存しない。
func PickValue(values []string, mode Mode, msg string) string {
	uniq := unique(values)
	if len(uniq) == 0 {
		return ""
	}
	switch mode {
	case ModeAll:
		return strings.Join(uniq, ", ")
	case ModeMsg:
		if len(uniq) == 1 {
			return uniq[0]
		}
		return msg
	default:
		return uniq[0]
	}
}

func unique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// holdableStatuses は資料単位の予約を受け付ける状態コード。
var holdableStatuses = map[string]bool{
	"-":     true,
	"t":     true,
	"!":     true,
	"i":     true,
	"order": true,
}

// Summarize は書誌1件分の資料一覧と利用者の予約・貸出から表示用の状態を算出する。
func Summarize(bib model.BibRecord, items []model.ItemRecord, holds []model.HoldRecord, checkouts []model.CheckoutRecord, opts Options) model.StatusSummary {
	sum := model.StatusSummary{ID: bib.ID}

	visible := make([]model.ItemRecord, 0, len(items))
	for _, it := range items {
		if !it.Suppressed {
			visible = append(visible, it)
		}
	}

	var (
		branches, availableBranches, callNumbers []string
		hasVolumes, holdableCopy                 bool
		lending                                  *model.ItemRecord
	)
	for i := range visible {
		it := &visible[i]
		if it.Available {
			sum.Available = true
			availableBranches = append(availableBranches, it.BranchName)
		}
		branches = append(branches, it.BranchName)
		callNumbers = append(callNumbers, it.CallNumber)
		if it.VolumeNumber != "" {
			hasVolumes = true
		}
		if it.IsLendingServiceItem {
			if lending == nil {
				lending = it
			}
			if it.CopiesOwned > 0 && it.CopiesAvailable > 0 {
				sum.CheckoutEligible = true
			}
			if it.CopiesOwned > 0 && it.CopiesAvailable == 0 && it.HoldRequest != nil {
				holdableCopy = true
			}
			continue
		}
		if holdableStatuses[it.Status] && it.HoldRequest != nil {
			holdableCopy = true
		}
	}

	switch {
	case sum.Available:
		sum.DisplayStatus = holdings.LabelAvailable
	case len(visible) > 0:
		sum.DisplayStatus = visible[0].DisplayStatus
	}
	if len(availableBranches) > 0 {
		branches = availableBranches
	}
	sum.Location = PickValue(branches, opts.LocationMode, opts.LocationMessage)
	sum.CallNumber = PickValue(callNumbers, opts.CallNumberMode, opts.CallNumberMessage)

	if lending != nil {
		sum.IsLendingService = true
		sum.Holdable = opts.HoldsEnabled && holdableCopy
		sum.CopyCountText = CopyCountText(lending.CopiesAvailable, lending.CopiesOwned, lending.NumberOfHolds, opts.CountTemplate)
		sum.NumberOfHolds = lending.NumberOfHolds
	} else {
		// 巻号のある書誌だけ予約可能な状態の資料が必要
		sum.Holdable = opts.HoldsEnabled && bib.TitleHoldsAllowed && (!hasVolumes || holdableCopy)
	}

	// 直前のループで最後に見た資料の状態を参照する
	if n := len(visible); n > 0 && !sum.Holdable && visible[n-1].Status == "o" {
		sum.LibraryUseOnly = true
	}

	sum.IsHolding = matchesHold(bib.ID, visible, holds)
	sum.IsCheckedOut = matchesCheckout(bib.ID, visible, checkouts)
	if sum.IsHolding || sum.IsCheckedOut {
		sum.Holdable = false
		sum.CheckoutEligible = false
	}
	return sum
}

// matchesHold は書誌IDで照合し、なければ資料ごとに全予約を走査する。予約数は利用者1人分なので索引は作らない。
func matchesHold(bibID string, items []model.ItemRecord, holds []model.HoldRecord) bool {
	for _, h := range holds {
		if h.BibID != "" && h.BibID == bibID {
			return true
		}
	}
	for _, it := range items {
		if it.ItemID == "" {
			continue
		}
		for _, h := range holds {
			if h.ItemID == it.ItemID || (h.IsLendingServiceItem && h.HoldID == it.ItemID) {
				return true
			}
		}
	}
	return false
}

func matchesCheckout(bibID string, items []model.ItemRecord, checkouts []model.CheckoutRecord) bool {
	for _, c := range checkouts {
		if c.BibID != "" && c.BibID == bibID {
			return true
		}
	}
	for _, it := range items {
		if it.ItemID == "" {
			continue
		}
		for _, c := range checkouts {
			if c.ItemID == it.ItemID || (c.IsLendingServiceItem && c.CheckoutID == it.ItemID) {
				return true
			}
		}
	}
	return false
}

// CopyCountText は「N of M copies」形式の所蔵数表示を返す。
// 無制限アクセスは "Always Available"、待ち人数があれば末尾に付ける。
func CopyCountText(available, owned, holds int, template string) string {
	if owned == model.UnlimitedCopies {
		return AlwaysAvailable
	}
	noun := "copies"
	if owned == 1 {
		noun = "copy"
	}
	count := fmt.Sprintf("%d of %d %s", available, owned, noun)
	if template == "" {
		template = CountPlaceholder
	}
	text := strings.ReplaceAll(template, CountPlaceholder, count)
	if holds > 0 {
		people := "people"
		if holds == 1 {
			people = "person"
		}
		text = fmt.Sprintf("%s, %d %s on waitlist", text, holds, people)
	}
	return text
}
