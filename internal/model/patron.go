package model

import "time"

// Patron はリクエストコンテキストに載せる利用者ハンドル。
// レガシーセッションクライアントは呼び出し毎にBarcode/PINでログインする。
type Patron struct {
	SessionID string `json:"session_id"`
	PatronID  string `json:"patron_id"`
	Barcode   string `json:"barcode"`
	PIN       string `json:"pin"`
	ClientIP  string `json:"-"`
}

// LibraryPreferences は利用者ごとの図書館コード設定。
type LibraryPreferences struct {
	PreferredLibraryCode string `json:"preferred_library_code,omitempty"`
	AlternateLibraryCode string `json:"alternate_library_code,omitempty"`
}

// PatronProfile はセッション単位でキャッシュする利用者プロファイル。
// Preferred/Alternateは現在有効な受取館に解決できない場合は空になる。
type PatronProfile struct {
	PatronID               string `json:"patron_id"`
	Name                   string `json:"name"`
	Barcode                string `json:"barcode"`
	Email                  string `json:"email,omitempty"`
	HomeLibraryCode        string `json:"home_library_code,omitempty"`
	PreferredLibraryCode   string `json:"preferred_library_code,omitempty"`
	AlternateLibraryCode   string `json:"alternate_library_code,omitempty"`
	LendingServiceEnabled  bool   `json:"lending_service_enabled"`
	NotificationPreference string `json:"notification_preference,omitempty"`
	Blocked                bool   `json:"blocked"`
}

// HoldRecord は利用者の予約1件。
// IsLendingServiceItemがtrueの場合、HoldIDはLendingTag付きの合成IDになる。
type HoldRecord struct {
	HoldID               string     `json:"hold_id"`
	BibID                string     `json:"bib_id"`
	ItemID               string     `json:"item_id,omitempty"`
	Title                string     `json:"title,omitempty"`
	Status               string     `json:"status"`
	Frozen               bool       `json:"frozen"`
	PickupLocation       string     `json:"pickup_location,omitempty"`
	Position             int        `json:"position,omitempty"`
	PlacedAt             *time.Time `json:"placed_at,omitempty"`
	IsLendingServiceItem bool       `json:"is_lending_service_item"`
	ExternalID           string     `json:"external_id,omitempty"`
}

// CheckoutRecord は利用者の貸出1件。
type CheckoutRecord struct {
	CheckoutID           string     `json:"checkout_id"`
	BibID                string     `json:"bib_id"`
	ItemID               string     `json:"item_id,omitempty"`
	Title                string     `json:"title,omitempty"`
	DueDate              *time.Time `json:"due_date,omitempty"`
	RenewalCount         int        `json:"renewal_count"`
	IsLendingServiceItem bool       `json:"is_lending_service_item"`
	ExternalID           string     `json:"external_id,omitempty"`
}

// User はローカルに保持する利用者情報（バーコードと目録上の利用者IDの対応）。
type User struct {
	ID        string
	Barcode   string
	PatronID  string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
