package holdings

import "github.com/hitoshi/shelfstatus/internal/model"

// 表示ラベル
const (
	LabelAvailable      = "AVAILABLE"
	LabelCheckedOut     = "CHECKED OUT"
	LabelLibraryUseOnly = "LIB USE ONLY"
	LabelUnknown        = "UNKNOWN"
)

// statusLabels は状態コードから表示ラベルへの変換表。
// "-" は返却期限の有無でAVAILABLEとCHECKED OUTに分かれるためDisplayStatusで扱う。
var statusLabels = map[string]string{
	"-":     LabelAvailable,
	"m":     "MISSING",
	"z":     "CLAIMS RETURNED",
	"o":     LabelLibraryUseOnly,
	"n":     "BILLED NOTPAID",
	"$":     "BILLED PAID",
	"t":     "IN TRANSIT",
	"!":     "ON HOLDSHELF",
	"l":     "LOST",
	"d":     "DAMAGED",
	"p":     "PENDING",
	"i":     "IN PROCESSING",
	"order": "ON ORDER",
	"w":     "WITHDRAWN",
	"r":     "IN REPAIR",
	"c":     "CATALOGING",
	"s":     "ON SEARCH",
	"b":     "AT BINDERY",
	"q":     "BOOK CLUB",
	"y":     "MENDING",
}

// DisplayStatus は資料の表示ラベルを返す。
func DisplayStatus(item model.ItemRecord) string {
	if item.IsLendingServiceItem {
		if item.Available {
			return LabelAvailable
		}
		return LabelCheckedOut
	}
	if item.Status == "-" {
		if item.DueDate != nil {
			return LabelCheckedOut
		}
		return LabelAvailable
	}
	if label, ok := statusLabels[item.Status]; ok {
		return label
	}
	return LabelUnknown
}

// IsAvailable は状態コード "-" かつ返却期限なしのときに限り書架にあるとみなす。
// 貸出サービスの資料はクライアントが算出した値を使う。
func IsAvailable(item model.ItemRecord) bool {
	if item.IsLendingServiceItem {
		return item.Available
	}
	return item.Status == "-" && item.DueDate == nil
}
