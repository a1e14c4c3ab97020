package backend

import (
	"strings"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// failurePhrase は応答テキストに含まれる既知の失敗文言と対応するエラー。
type failurePhrase struct {
	fragment string
	build    func() *model.APIError
}

// failurePhrases は既知の失敗文言の表。大文字小文字を区別せず部分一致で判定する。
// 上から順に評価する。
var failurePhrases = []failurePhrase{
	{"already requested", model.NewAlreadyRequestedError},
	{"already on hold", model.NewAlreadyRequestedError},
	{"no requestable items are available", model.NewNoCopiesAvailableError},
	{"your record is blocked", model.NewPatronRecordBlockedError},
	{"problem with your library record", model.NewPatronRecordBlockedError},
	{"maximum number of holds", func() *model.APIError {
		return model.NewGenericPlacementFailureError("You have reached the maximum number of holds.")
	}},
	{"invalid pickup location", func() *model.APIError {
		return model.NewValidationFailureError("The selected pickup location is not valid.")
	}},
}

// successFragments は成功を示す既知の文言。
var successFragments = []string{
	"was successful",
	"your holds have been updated",
	"renewed successfully",
	"your hold has been cancelled",
}

// loginFailureFragment はレガシー画面のログイン失敗文言。
const loginFailureFragment = "the information you submitted was invalid"

// ClassifyFailureText は応答テキストを既知の失敗文言と照合する。
// 一致しない場合はnilを返す。
func ClassifyFailureText(text string) *model.APIError {
	lower := strings.ToLower(text)
	for _, p := range failurePhrases {
		if strings.Contains(lower, p.fragment) {
			return p.build()
		}
	}
	return nil
}

// IndicatesSuccess は応答テキストに成功文言が含まれるかを判定する。
func IndicatesSuccess(text string) bool {
	lower := strings.ToLower(text)
	for _, f := range successFragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// IndicatesLoginFailure はレガシー画面のログイン失敗を判定する。
func IndicatesLoginFailure(text string) bool {
	return strings.Contains(strings.ToLower(text), loginFailureFragment)
}

// ClassifyResponseText は失敗文言・成功文言の順に照合して結果を返す。両方を含む応答は失敗として扱う。
// どちらにも一致しない場合は固定の汎用メッセージのエラーを返し、応答の詳細は漏らさない。
func ClassifyResponseText(text string) error {
	if failure := ClassifyFailureText(text); failure != nil {
		return failure
	}
	if IndicatesSuccess(text) {
		return nil
	}
	return model.NewGenericPlacementFailureError("")
}
