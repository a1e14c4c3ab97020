// Package cachestore はキーごとのTTLを持つキー・バリューストアを提供する。
// リクエスト間のメモ化と利用者セッションの作業領域の両方に使う。
// キャッシュはベストエフォートの高速化層であり、記録の正本にはならない。
package cachestore

import (
	"context"
	"time"
)

// Store はプロセス全体で共有するキャッシュストアのインターフェース。
// 同一キーへの並行書き込みは後勝ちとし、比較交換は提供しない。
type Store interface {
	// Get はキーに対応する値を返す。存在しないか期限切れの場合は ok=false。
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set は値を保存する。ttlが0以下の場合はストアの上限まで保持する。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete はキーを削除する。存在しないキーの削除はエラーにしない。
	Delete(ctx context.Context, key string) error
	// Ping はストアへの疎通を確認する。
	Ping(ctx context.Context) error
}

// キー名前空間
const (
	holdingPrefix      = "holdingID:"
	lendingIDPrefix    = "overdriveID:"
	searchRecordPrefix = "solrRecordForID:"
	locationPrefix     = "locationByCode:"
	patronStatePrefix  = "patron:"
	sessionPrefix      = "session:"
	PickupLocationsKey = "pickup_locations"
	GlobalRefreshKey   = "global_cache_refresh"
)

// HoldingKey は書誌ごとの所蔵キャッシュのキーを返す。
func HoldingKey(bibID string) string { return holdingPrefix + bibID }

// LendingIDKey は書誌から貸出サービスIDへの対応キャッシュのキーを返す。
func LendingIDKey(bibID string) string { return lendingIDPrefix + bibID }

// SearchRecordKey は外部IDから検索インデックスのレコードへの対応キャッシュのキーを返す。
func SearchRecordKey(externalID string) string { return searchRecordPrefix + externalID }

// LocationKey は配架場所コードの解決結果のキーを返す。
func LocationKey(code string) string { return locationPrefix + code }

// PatronStateKey はセッションごとの利用者状態のキーを返す。
func PatronStateKey(sessionID string) string { return patronStatePrefix + sessionID }

// SessionKey はログインセッションのキーを返す。
func SessionKey(sessionID string) string { return sessionPrefix + sessionID }

// refreshHour は夜間バッチ更新に合わせた所蔵キャッシュの失効時刻。
const refreshHour = 6

// NextBoundary は now の次の 06:00 を返す。
// 06:00 より前なら当日の 06:00、それ以降なら翌日の 06:00。
func NextBoundary(now time.Time) time.Time {
	y, m, d := now.Date()
	boundary := time.Date(y, m, d, refreshHour, 0, 0, 0, now.Location())
	if now.Before(boundary) {
		return boundary
	}
	return boundary.AddDate(0, 0, 1)
}

// TTLUntilNextBoundary は now から次の 06:00 までの残り時間を返す。
func TTLUntilNextBoundary(now time.Time) time.Duration {
	return NextBoundary(now).Sub(now)
}
