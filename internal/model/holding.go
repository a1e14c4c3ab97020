package model

import (
	"strings"
	"time"
)

// LendingTag は電子書籍貸出サービス由来のIDに付与するタグ。
// タグ付きIDは「タグ + 予約ID（reserveId）」の合成文字列になる。
const LendingTag = "overdrive:"

// UnlimitedCopies は無制限アクセスの電子資料を表す所蔵数の番兵値。
const UnlimitedCopies = 999999

// LendingID は外部IDにタグを付与した合成IDを返す。
func LendingID(externalID string) string {
	return LendingTag + externalID
}

// IsLendingID は合成IDが貸出サービス由来かどうかを判定する。
func IsLendingID(id string) bool {
	return strings.HasPrefix(id, LendingTag)
}

// SplitLendingID は合成IDから外部IDを取り出す。
// タグが付いていない場合は ok=false を返す。
func SplitLendingID(id string) (externalID string, ok bool) {
	if !IsLendingID(id) {
		return "", false
	}
	return strings.TrimPrefix(id, LendingTag), true
}

// BibRecord は目録上のタイトル（書誌）を表す。取得後は不変。
type BibRecord struct {
	ID                string `json:"id"`
	IsSerial          bool   `json:"is_serial"`
	ExternalID        string `json:"external_id,omitempty"`
	Title             string `json:"title,omitempty"`
	TitleHoldsAllowed bool   `json:"title_holds_allowed"`
}

// HoldRequestDescriptor は資料単位の予約リクエストに必要な構造化情報。
type HoldRequestDescriptor struct {
	RecordType   string `json:"record_type"` // "i" 固定（資料単位予約のみ）
	RecordNumber string `json:"record_number"`
	BibID        string `json:"bib_id"`
}

// ItemRecord は書誌に紐づく1冊（物理・電子）を表す。
type ItemRecord struct {
	ItemID               string                 `json:"item_id,omitempty"` // 発注中プレースホルダは空
	BibID                string                 `json:"bib_id"`
	Status               string                 `json:"status"`
	DisplayStatus        string                 `json:"display_status,omitempty"`
	LocationCode         string                 `json:"location_code"`
	BranchName           string                 `json:"branch_name"`
	CallNumber           string                 `json:"call_number,omitempty"`
	Barcode              string                 `json:"barcode,omitempty"`
	DueDate              *time.Time             `json:"due_date,omitempty"`
	Available            bool                   `json:"available"`
	CopiesOwned          int                    `json:"copies_owned"`
	CopiesAvailable      int                    `json:"copies_available"`
	NumberOfHolds        int                    `json:"number_of_holds"`
	IsLendingServiceItem bool                   `json:"is_lending_service_item"`
	VolumeNumber         string                 `json:"volume_number,omitempty"`
	Suppressed           bool                   `json:"suppressed"`
	HoldRequest          *HoldRequestDescriptor `json:"hold_request,omitempty"`
}

// CheckinRecordGroup は逐次刊行物の所在ごとの所蔵情報（チェックインレコード）。
type CheckinRecordGroup struct {
	LocationCode string   `json:"location_code"`
	BranchName   string   `json:"branch_name"`
	BranchCodes  []string `json:"branch_codes,omitempty"`
	Holdings     []string `json:"holdings,omitempty"` // 所蔵巻号
	Synthetic    bool     `json:"synthetic"`
}

// HoldingEntry は表示順リストの1要素。GroupとItemのどちらか一方だけが設定される。
type HoldingEntry struct {
	Group *CheckinRecordGroup `json:"group,omitempty"`
	Item  *ItemRecord         `json:"item,omitempty"`
}

// HoldingsView は書誌1件分の集約済み所蔵情報。
// Entriesはチェックイングループを先頭に、その後に資料を並べる。
type HoldingsView struct {
	BibID         string               `json:"bib_id"`
	IsSerial      bool                 `json:"is_serial"`
	Items         []ItemRecord         `json:"items"`
	CheckinGroups []CheckinRecordGroup `json:"checkin_groups,omitempty"`
	Entries       []HoldingEntry       `json:"entries"`
}

// StatusChange は帯域外で届いた資料状態の差分。
// nilのフィールドは変更しない。
type StatusChange struct {
	ID           int64      `json:"id"`
	BibID        string     `json:"bib_id"`
	ItemID       string     `json:"item_id"`
	Status       *string    `json:"status,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ClearDueDate bool       `json:"clear_due_date,omitempty"`
	Suppressed   *bool      `json:"suppressed,omitempty"`
	Handled      bool       `json:"handled"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Apply は差分をitemに適用する。
func (c StatusChange) Apply(item *ItemRecord) {
	if c.Status != nil {
		item.Status = *c.Status
	}
	if c.ClearDueDate {
		item.DueDate = nil
	} else if c.DueDate != nil {
		d := *c.DueDate
		item.DueDate = &d
	}
	if c.Suppressed != nil {
		item.Suppressed = *c.Suppressed
	}
}

// Location は配架場所コードの解決結果。
type Location struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	BranchCode   string `json:"branch_code,omitempty"`
	BranchName   string `json:"branch_name"`
	IsOnlineOnly bool   `json:"is_online_only"`
}

// PickupLocation は予約資料の受取館。
type PickupLocation struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// LendingAvailability は貸出サービスの単一タイトルの利用可能状況。
type LendingAvailability struct {
	ExternalID      string `json:"external_id"`
	CopiesOwned     int    `json:"copies_owned"`
	CopiesAvailable int    `json:"copies_available"`
	NumberOfHolds   int    `json:"number_of_holds"`
	Available       bool   `json:"available"`
}
