// Package security はバックエンド由来のテキストを利用者向けメッセージにする前の無害化を提供する。
//
// 目録APIのエラー説明やレガシー画面の応答にはマークアップが混入することがある。
// コアはマークアップを生成しない方針のため、タグはすべて除去してプレーンテキストにする。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MessageSanitizer はバックエンド由来のテキストをプレーンテキストにする。
// bluemondayのStrictPolicyはスレッドセーフなので共有してよい。
type MessageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerを生成する。
func NewMessageSanitizer() *MessageSanitizer {
	p := bluemonday.StrictPolicy()
	// <br>などで区切られた語が連結されないよう、除去したタグを空白に置き換える
	p.AddSpaceWhenStrippingTag(true)
	return &MessageSanitizer{policy: p}
}

// Clean はタグを除去し、実体参照を戻し、連続する空白を1つにまとめる。
// 同一入力に対して常に同一出力を返す。
func (s *MessageSanitizer) Clean(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	text := html.UnescapeString(stripped)
	return strings.Join(strings.Fields(text), " ")
}

var defaultSanitizer = NewMessageSanitizer()

// CleanMessage は共有のMessageSanitizerでClean を呼ぶ。
func CleanMessage(raw string) string {
	return defaultSanitizer.Clean(raw)
}
