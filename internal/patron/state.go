// Package patron は利用者セッション単位の状態（予約・貸出・プロファイル）を管理する。
//
// 更新操作の後はキャッシュを即座に捨てず、直前のコレクションのフィンガープリントを
// 「古い印」として記録する。再取得した結果のフィンガープリントが変わるまでは
// バックエンドに更新が反映されていないとみなし、キャッシュ済みの値を返し続ける。
package patron

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/keylock"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
	"github.com/hitoshi/shelfstatus/internal/searchindex"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultSessionTTL はセッション状態の有効期間。
	DefaultSessionTTL = 30 * time.Minute
	// maxStaleRefetches は古い印が解消しないまま再取得を続ける上限回数。
	maxStaleRefetches = 5
)

// CirculationSource は利用者の予約・貸出の取得元。
type CirculationSource interface {
	FetchPatronHolds(ctx context.Context, patron model.Patron) ([]model.HoldRecord, error)
	FetchPatronCheckouts(ctx context.Context, patron model.Patron) ([]model.CheckoutRecord, error)
}

// collection はキャッシュ済みのレコード群と古い印。
type collection[T any] struct {
	Records    []T    `json:"records"`
	Fetched    bool   `json:"fetched"`
	StaleHash  uint64 `json:"stale_hash,omitempty"`
	StaleReads int    `json:"stale_reads,omitempty"`
}

// sessionState は patron:{sessionID} に保存する値。
type sessionState struct {
	StartedAt time.Time                        `json:"started_at"`
	Holds     collection[model.HoldRecord]     `json:"holds"`
	Checkouts collection[model.CheckoutRecord] `json:"checkouts"`
	Profile   *model.PatronProfile             `json:"profile,omitempty"`
}

// Manager は利用者セッション状態を管理する。同じセッションへの操作は直列化する。
type Manager struct {
	catalog    CirculationSource
	lending    CirculationSource
	bibs       searchindex.BibLookup
	store      cachestore.Store
	profiles   *ProfileService
	sessionTTL time.Duration
	locks      *keylock.Locker
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	now        func() time.Time
}

// Deps はManagerの依存。Lendingは貸出サービス無効時にnilでよい。
type Deps struct {
	Catalog    CirculationSource
	Lending    CirculationSource
	Bibs       searchindex.BibLookup
	Store      cachestore.Store
	Profiles   *ProfileService
	SessionTTL time.Duration
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// NewManager はManagerを生成する。
func NewManager(d Deps) *Manager {
	if d.SessionTTL <= 0 {
		d.SessionTTL = DefaultSessionTTL
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Manager{
		catalog:    d.Catalog,
		lending:    d.Lending,
		bibs:       d.Bibs,
		store:      d.Store,
		profiles:   d.Profiles,
		sessionTTL: d.SessionTTL,
		locks:      keylock.New(),
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        time.Now,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) lock(sessionID string) func() {
	return m.locks.Lock(sessionID)
}

// load はセッション状態を読み込み、testSessionの条件に当たれば初期化する。
func (m *Manager) load(ctx context.Context, sessionID string) sessionState {
	var st sessionState
	found, err := cachestore.GetJSON(ctx, m.store, cachestore.PatronStateKey(sessionID), &st)
	if err != nil {
		m.logger.Warn("利用者状態の読み込みに失敗しました", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	if !found || !m.testSession(ctx, st) {
		return sessionState{StartedAt: m.now()}
	}
	return st
}

// testSession はセッション状態がまだ使えるかを返す。
// 全体の再読み込み時刻がセッション開始より新しい場合と、セッションの有効期間を過ぎた場合は使えない。
func (m *Manager) testSession(ctx context.Context, st sessionState) bool {
	if m.now().Sub(st.StartedAt) >= m.sessionTTL {
		return false
	}
	refreshedAt, err := GlobalRefreshTime(ctx, m.store)
	if err != nil {
		m.logger.Warn("全体の再読み込み時刻の取得に失敗しました", slog.String("error", err.Error()))
		return true
	}
	return !refreshedAt.After(st.StartedAt)
}

func (m *Manager) save(ctx context.Context, sessionID string, st sessionState) {
	if err := cachestore.SetJSON(ctx, m.store, cachestore.PatronStateKey(sessionID), st, m.sessionTTL); err != nil {
		m.logger.Warn("利用者状態の書き込みに失敗しました", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// GetHolds は利用者の予約一覧を返す。
func (m *Manager) GetHolds(ctx context.Context, patron model.Patron, skipCache bool) ([]model.HoldRecord, error) {
	defer m.lock(patron.SessionID)()
	st := m.load(ctx, patron.SessionID)

	records, changed, err := resolve(m, &st.Holds, "holds", skipCache, func() ([]model.HoldRecord, error) {
		return m.fetchHolds(ctx, patron, st.Holds.Records)
	}, holdKey)
	if err != nil {
		return nil, err
	}
	if changed {
		m.save(ctx, patron.SessionID, st)
	}
	return records, nil
}

// GetCheckouts は利用者の貸出一覧を返す。
func (m *Manager) GetCheckouts(ctx context.Context, patron model.Patron, skipCache bool) ([]model.CheckoutRecord, error) {
	defer m.lock(patron.SessionID)()
	st := m.load(ctx, patron.SessionID)

	records, changed, err := resolve(m, &st.Checkouts, "checkouts", skipCache, func() ([]model.CheckoutRecord, error) {
		return m.fetchCheckouts(ctx, patron, st.Checkouts.Records)
	}, checkoutKey)
	if err != nil {
		return nil, err
	}
	if changed {
		m.save(ctx, patron.SessionID, st)
	}
	return records, nil
}

// resolve はキャッシュ済みのコレクションと古い印から返す値を決める。
// 古い印がある間は毎回再取得し、フィンガープリントが変わった時点で新しい値に置き換える。
func resolve[T any](m *Manager, c *collection[T], name string, skipCache bool, fetch func() ([]T, error), key func(T) string) ([]T, bool, error) {
	if c.Fetched && c.StaleHash == 0 && !skipCache {
		return c.Records, false, nil
	}
	fresh, err := fetch()
	if err != nil {
		return nil, false, err
	}

	if c.Fetched && c.StaleHash != 0 {
		if fingerprint(fresh, key) != c.StaleHash {
			c.Records = fresh
			c.StaleHash = 0
			c.StaleReads = 0
			return c.Records, true, nil
		}
		c.StaleReads++
		m.metrics.RecordStaleServe(name)
		if c.StaleReads >= maxStaleRefetches {
			err := model.NewDataInconsistencyError(name + " did not change after a mutation")
			m.logger.Warn("更新後の再取得で内容が変わりませんでした",
				slog.String("collection", name),
				slog.Int("refetches", c.StaleReads),
				slog.String("error", err.Error()),
			)
			c.StaleHash = 0
			c.StaleReads = 0
		}
		return c.Records, true, nil
	}

	c.Records = fresh
	c.Fetched = true
	return c.Records, true, nil
}

// InvalidateAfterMutation は取得済みのコレクションに古い印を付ける。未取得のものはそのまま。
func (m *Manager) InvalidateAfterMutation(ctx context.Context, patron model.Patron) {
	defer m.lock(patron.SessionID)()
	st := m.load(ctx, patron.SessionID)
	markStale(&st.Holds, holdKey)
	markStale(&st.Checkouts, checkoutKey)
	m.save(ctx, patron.SessionID, st)
}

func markStale[T any](c *collection[T], key func(T) string) {
	if !c.Fetched {
		return
	}
	c.StaleHash = fingerprint(c.Records, key)
	c.StaleReads = 0
}

// Forget はセッション状態を削除する。
func (m *Manager) Forget(ctx context.Context, sessionID string) error {
	defer m.lock(sessionID)()
	return m.store.Delete(ctx, cachestore.PatronStateKey(sessionID))
}

func holdKey(h model.HoldRecord) string         { return h.HoldID }
func checkoutKey(c model.CheckoutRecord) string { return c.CheckoutID }

// fingerprint はIDで整列したレコードのJSONをxxhashで要約する。0は「印なし」に使うため避ける。
func fingerprint[T any](records []T, key func(T) string) uint64 {
	sorted := append([]T(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return key(sorted[i]) < key(sorted[j]) })
	data, err := json.Marshal(sorted)
	if err != nil {
		return 1
	}
	h := xxhash.Sum64(data)
	if h == 0 {
		return 1
	}
	return h
}

// fetchHolds は目録と貸出サービスの予約を取得してまとめる。
// 貸出サービスの取得に失敗した場合は、前回の貸出サービス分を残して目録分だけ更新する。
func (m *Manager) fetchHolds(ctx context.Context, patron model.Patron, previous []model.HoldRecord) ([]model.HoldRecord, error) {
	holds, err := m.catalog.FetchPatronHolds(ctx, patron)
	if err != nil {
		return nil, err
	}
	if m.lending == nil {
		return holds, nil
	}
	lending, err := m.lending.FetchPatronHolds(ctx, patron)
	if err != nil {
		m.logger.Warn("貸出サービスの予約取得に失敗しました", slog.String("patron_id", patron.PatronID), slog.String("error", err.Error()))
		for _, h := range previous {
			if h.IsLendingServiceItem {
				holds = append(holds, h)
			}
		}
		return holds, nil
	}
	for i := range lending {
		if rec, ok := m.enrich(ctx, lending[i].ExternalID); ok {
			lending[i].BibID = rec.ID
			if lending[i].Title == "" {
				lending[i].Title = rec.Title
			}
		}
	}
	return append(holds, lending...), nil
}

func (m *Manager) fetchCheckouts(ctx context.Context, patron model.Patron, previous []model.CheckoutRecord) ([]model.CheckoutRecord, error) {
	checkouts, err := m.catalog.FetchPatronCheckouts(ctx, patron)
	if err != nil {
		return nil, err
	}
	if m.lending == nil {
		return checkouts, nil
	}
	lending, err := m.lending.FetchPatronCheckouts(ctx, patron)
	if err != nil {
		m.logger.Warn("貸出サービスの貸出取得に失敗しました", slog.String("patron_id", patron.PatronID), slog.String("error", err.Error()))
		for _, c := range previous {
			if c.IsLendingServiceItem {
				checkouts = append(checkouts, c)
			}
		}
		return checkouts, nil
	}
	for i := range lending {
		if rec, ok := m.enrich(ctx, lending[i].ExternalID); ok {
			lending[i].BibID = rec.ID
			if lending[i].Title == "" {
				lending[i].Title = rec.Title
			}
		}
	}
	return append(checkouts, lending...), nil
}

func (m *Manager) enrich(ctx context.Context, externalID string) (model.BibRecord, bool) {
	if m.bibs == nil || externalID == "" {
		return model.BibRecord{}, false
	}
	rec, err := m.bibs.GetBibByExternalID(ctx, externalID)
	if err != nil {
		m.logger.Debug("外部IDから書誌を引けませんでした", slog.String("external_id", externalID), slog.String("error", err.Error()))
		return model.BibRecord{}, false
	}
	return rec, true
}

// GetProfile はセッションにキャッシュした利用者プロファイルを返す。
func (m *Manager) GetProfile(ctx context.Context, patron model.Patron) (model.PatronProfile, error) {
	defer m.lock(patron.SessionID)()
	st := m.load(ctx, patron.SessionID)
	if st.Profile != nil {
		return *st.Profile, nil
	}
	p, err := m.profiles.Get(ctx, patron)
	if err != nil {
		return model.PatronProfile{}, err
	}
	p.LendingServiceEnabled = m.lending != nil && !p.Blocked
	st.Profile = &p
	m.save(ctx, patron.SessionID, st)
	return p, nil
}

// ForgetProfile はキャッシュ済みのプロファイルを捨てる。
func (m *Manager) ForgetProfile(ctx context.Context, patron model.Patron) {
	defer m.lock(patron.SessionID)()
	st := m.load(ctx, patron.SessionID)
	if st.Profile == nil {
		return
	}
	st.Profile = nil
	m.save(ctx, patron.SessionID, st)
}
