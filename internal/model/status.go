package model

// StatusSummary は書誌1件分の表示用状態。マークアップは含まない。
type StatusSummary struct {
	RecordNumber     int    `json:"record_number"`
	ID               string `json:"id"`
	MissingData      bool   `json:"missing_data"`
	Available        bool   `json:"available"`
	DisplayStatus    string `json:"display_status,omitempty"`
	Location         string `json:"location,omitempty"`
	CallNumber       string `json:"call_number,omitempty"`
	Holdable         bool   `json:"holdable"`
	CheckoutEligible bool   `json:"checkout_eligible"`
	IsHolding        bool   `json:"is_holding"`
	IsCheckedOut     bool   `json:"is_checked_out"`
	IsLendingService bool   `json:"is_lending_service"`
	LibraryUseOnly   bool   `json:"library_use_only"`
	CopyCountText    string `json:"copy_count_text,omitempty"`
	NumberOfHolds    int    `json:"number_of_holds"`
}

// ItemResult はバッチ操作の対象ID単位の結果。
type ItemResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// OrchestrationResult は更新系操作の構造化結果。更新系操作は例外を投げずにこれを返す。
type OrchestrationResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Items   []ItemResult `json:"items"`
}
