package orchestrator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/model"
	patronstate "github.com/hitoshi/shelfstatus/internal/patron"
)

// mockBackend は呼び出しを記録するCatalogBackend。未設定の操作はErrUnsupportedを返す。
type mockBackend struct {
	name        string
	mu          sync.Mutex
	calls       []string
	placeHoldFn func(ctx context.Context, patron model.Patron, req backend.HoldRequest) error
	cancelFn    func(ctx context.Context, patron model.Patron, holdID string) error
	freezeFn    func(ctx context.Context, patron model.Patron, holdID string, freeze bool) error
	updateFn    func(ctx context.Context, patron model.Patron, holdID string, update backend.HoldUpdate) error
	checkoutFn  func(ctx context.Context, patron model.Patron, itemID string) error
	returnFn    func(ctx context.Context, patron model.Patron, checkoutID string) error
	renewFn     func(ctx context.Context, patron model.Patron, checkoutID string) error
}

func (m *mockBackend) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockBackend) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Authenticate(context.Context, model.Patron) (string, error) {
	return "", backend.Unsupported(m.name, "authenticate")
}

func (m *mockBackend) FetchHoldings(context.Context, string) ([]model.ItemRecord, error) {
	return nil, backend.Unsupported(m.name, "fetch_holdings")
}

func (m *mockBackend) FetchPatronHolds(context.Context, model.Patron) ([]model.HoldRecord, error) {
	return nil, backend.Unsupported(m.name, "fetch_holds")
}

func (m *mockBackend) FetchPatronCheckouts(context.Context, model.Patron) ([]model.CheckoutRecord, error) {
	return nil, backend.Unsupported(m.name, "fetch_checkouts")
}

func (m *mockBackend) PlaceHold(ctx context.Context, p model.Patron, req backend.HoldRequest) error {
	m.record("place " + req.ItemID)
	if m.placeHoldFn == nil {
		return backend.Unsupported(m.name, "place_hold")
	}
	return m.placeHoldFn(ctx, p, req)
}

func (m *mockBackend) CancelHold(ctx context.Context, p model.Patron, id string) error {
	m.record("cancel " + id)
	if m.cancelFn == nil {
		return backend.Unsupported(m.name, "cancel_hold")
	}
	return m.cancelFn(ctx, p, id)
}

func (m *mockBackend) FreezeHold(ctx context.Context, p model.Patron, id string, freeze bool) error {
	m.record("freeze " + id)
	if m.freezeFn == nil {
		return backend.Unsupported(m.name, "freeze_hold")
	}
	return m.freezeFn(ctx, p, id, freeze)
}

func (m *mockBackend) UpdateHold(ctx context.Context, p model.Patron, id string, u backend.HoldUpdate) error {
	m.record("update " + id)
	if m.updateFn == nil {
		return backend.Unsupported(m.name, "update_hold")
	}
	return m.updateFn(ctx, p, id, u)
}

func (m *mockBackend) Checkout(ctx context.Context, p model.Patron, id string) error {
	m.record("checkout " + id)
	if m.checkoutFn == nil {
		return backend.Unsupported(m.name, "checkout")
	}
	return m.checkoutFn(ctx, p, id)
}

func (m *mockBackend) Return(ctx context.Context, p model.Patron, id string) error {
	m.record("return " + id)
	if m.returnFn == nil {
		return backend.Unsupported(m.name, "return")
	}
	return m.returnFn(ctx, p, id)
}

func (m *mockBackend) Renew(ctx context.Context, p model.Patron, id string) error {
	m.record("renew " + id)
	if m.renewFn == nil {
		return backend.Unsupported(m.name, "renew")
	}
	return m.renewFn(ctx, p, id)
}

type mockPatrons struct {
	invalidations int
	holds         []model.HoldRecord
	checkouts     []model.CheckoutRecord
	err           error
	skipCache     []bool
}

func (m *mockPatrons) GetHolds(_ context.Context, _ model.Patron, skipCache bool) ([]model.HoldRecord, error) {
	m.skipCache = append(m.skipCache, skipCache)
	if m.err != nil {
		return nil, m.err
	}
	return m.holds, nil
}

func (m *mockPatrons) GetCheckouts(_ context.Context, _ model.Patron, skipCache bool) ([]model.CheckoutRecord, error) {
	m.skipCache = append(m.skipCache, skipCache)
	if m.err != nil {
		return nil, m.err
	}
	return m.checkouts, nil
}

func (m *mockPatrons) InvalidateAfterMutation(context.Context, model.Patron) { m.invalidations++ }

type mockHoldings struct {
	marked []string
}

func (m *mockHoldings) MarkForUpdate(_ context.Context, bibID string) error {
	m.marked = append(m.marked, bibID)
	return nil
}

type mockCart struct {
	removed []string
}

func (m *mockCart) RemoveFromBookCart(_ context.Context, _ string, bibID string) error {
	m.removed = append(m.removed, bibID)
	return nil
}

type fixture struct {
	orc      *Orchestrator
	catalog  *mockBackend
	legacy   *mockBackend
	lending  *mockBackend
	patrons  *mockPatrons
	holdings *mockHoldings
	cart     *mockCart
}

func newFixture() *fixture {
	f := &fixture{
		catalog:  &mockBackend{name: "sierra"},
		legacy:   &mockBackend{name: "legacy"},
		lending:  &mockBackend{name: "overdrive"},
		patrons: &mockPatrons{
			holds: []model.HoldRecord{
				{HoldID: "h1", BibID: "b1"},
				{HoldID: "h2", BibID: "b2"},
				{HoldID: "overdrive:r1", BibID: "b3", IsLendingServiceItem: true},
			},
			checkouts: []model.CheckoutRecord{
				{CheckoutID: "c1", BibID: "b4"},
				{CheckoutID: "overdrive:c2", BibID: "b5", IsLendingServiceItem: true},
			},
		},
		holdings: &mockHoldings{},
		cart:     &mockCart{},
	}
	f.orc = New(Deps{
		Catalog:  f.catalog,
		Legacy:   f.legacy,
		Lending:  f.lending,
		Patrons:  f.patrons,
		Holdings: f.holdings,
		Cart:     f.cart,
		Logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	return f
}

var patron = model.Patron{SessionID: "s1", PatronID: "p1", Barcode: "2100", PIN: "1234"}

func ok(context.Context, model.Patron, string) error { return nil }

func TestPlaceHold_SplitsBackendsAndCleansUp(t *testing.T) {
	f := newFixture()
	var got []backend.HoldRequest
	var mu sync.Mutex
	place := func(_ context.Context, _ model.Patron, req backend.HoldRequest) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, req)
		return nil
	}
	f.catalog.placeHoldFn = place
	f.lending.placeHoldFn = place

	res := f.orc.PlaceHold(context.Background(), patron, PlaceHoldRequest{
		BibID:          "b1",
		ItemIDs:        []string{"i1", "overdrive:abc"},
		PickupLocation: "1",
	})
	require.True(t, res.Success, res.Message)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "i1", res.Items[0].ID)
	assert.Equal(t, "overdrive:abc", res.Items[1].ID)
	assert.Equal(t, []string{"place i1"}, f.catalog.Calls())
	assert.Equal(t, []string{"place overdrive:abc"}, f.lending.Calls())
	assert.Len(t, got, 2)
	assert.Equal(t, []string{"b1"}, f.cart.removed)
	assert.Equal(t, []string{"b1"}, f.holdings.marked)
	assert.Equal(t, 1, f.patrons.invalidations)
}

func TestPlaceHold_PartialFailureDoesNotAbortOtherSubset(t *testing.T) {
	f := newFixture()
	f.catalog.placeHoldFn = func(context.Context, model.Patron, backend.HoldRequest) error {
		return model.NewAlreadyRequestedError()
	}
	f.lending.placeHoldFn = func(context.Context, model.Patron, backend.HoldRequest) error { return nil }

	res := f.orc.PlaceHold(context.Background(), patron, PlaceHoldRequest{
		BibID:          "b1",
		ItemIDs:        []string{"i1", "overdrive:abc"},
		PickupLocation: "1",
	})
	assert.False(t, res.Success)
	assert.Equal(t, "Some of your requests could not be processed.", res.Message)
	require.Len(t, res.Items, 2)
	assert.False(t, res.Items[0].Success)
	assert.Equal(t, model.ErrCodeAlreadyRequested, res.Items[0].Code)
	assert.True(t, res.Items[1].Success)
	// 一部でも成功すれば後処理を行う
	assert.Equal(t, []string{"b1"}, f.cart.removed)
	assert.Equal(t, 1, f.patrons.invalidations)
}

func TestPlaceHold_ValidationBeforeBackendCall(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name string
		req  PlaceHoldRequest
	}{
		{"missing items", PlaceHoldRequest{BibID: "b1", PickupLocation: "1"}},
		{"missing bib", PlaceHoldRequest{ItemIDs: []string{"i1"}, PickupLocation: "1"}},
		{"empty item id", PlaceHoldRequest{BibID: "b1", ItemIDs: []string{""}, PickupLocation: "1"}},
		{"bad email", PlaceHoldRequest{BibID: "b1", ItemIDs: []string{"overdrive:x"}, Email: "nope"}},
		{"catalog item without pickup", PlaceHoldRequest{BibID: "b1", ItemIDs: []string{"i1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.orc.PlaceHold(context.Background(), patron, tt.req)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Message)
			assert.Empty(t, res.Items)
		})
	}
	assert.Empty(t, f.catalog.Calls())
	assert.Empty(t, f.lending.Calls())
	assert.Equal(t, 0, f.patrons.invalidations)

	// 貸出サービスのみなら受取館は不要
	f.lending.placeHoldFn = func(context.Context, model.Patron, backend.HoldRequest) error { return nil }
	res := f.orc.PlaceHold(context.Background(), patron, PlaceHoldRequest{BibID: "b1", ItemIDs: []string{"overdrive:x"}})
	assert.True(t, res.Success)
}

func TestUpdateHolds_FallsBackToLegacy(t *testing.T) {
	f := newFixture()
	var update backend.HoldUpdate
	f.legacy.updateFn = func(_ context.Context, _ model.Patron, _ string, u backend.HoldUpdate) error {
		update = u
		return nil
	}

	res := f.orc.UpdateHolds(context.Background(), patron, UpdateHoldsRequest{HoldIDs: []string{"h1"}, PickupLocation: "2"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"update h1"}, f.catalog.Calls())
	assert.Equal(t, []string{"update h1"}, f.legacy.Calls())
	assert.Equal(t, "2", update.PickupLocation)
}

func TestUpdateHolds_RequiresPickupOrEmail(t *testing.T) {
	f := newFixture()
	res := f.orc.UpdateHolds(context.Background(), patron, UpdateHoldsRequest{HoldIDs: []string{"h1"}})
	assert.False(t, res.Success)
	assert.Empty(t, f.catalog.Calls())
}

func TestUnsupportedEverywhere(t *testing.T) {
	f := newFixture()
	res := f.orc.Checkout(context.Background(), patron, CheckoutRequest{ItemIDs: []string{"i1"}})
	assert.False(t, res.Success)
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.ErrCodeUnsupportedOperation, res.Items[0].Code)
	assert.Equal(t, res.Items[0].Message, res.Message)
	// 全件失敗でも古い印は付ける
	assert.Equal(t, 1, f.patrons.invalidations)

	// 貸出サービスが未設定
	f.orc.lending = nil
	res = f.orc.Return(context.Background(), patron, CheckoutsRequest{CheckoutIDs: []string{"overdrive:x"}})
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.ErrCodeUnsupportedOperation, res.Items[0].Code)
}

func TestNoLegacyConfigured(t *testing.T) {
	f := newFixture()
	f.orc.legacy = nil
	res := f.orc.FreezeHolds(context.Background(), patron, FreezeHoldsRequest{HoldIDs: []string{"h1"}, Freeze: true})
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.ErrCodeUnsupportedOperation, res.Items[0].Code)
}

func TestCancelHolds_ReportsEachIDOnce(t *testing.T) {
	f := newFixture()
	f.catalog.cancelFn = ok
	f.lending.cancelFn = func(context.Context, model.Patron, string) error {
		return model.NewBackendUnavailableError("overdrive", "status 503")
	}

	res := f.orc.CancelHolds(context.Background(), patron, HoldsRequest{HoldIDs: []string{"h1", "overdrive:r1", "h1", "h2"}})
	assert.False(t, res.Success)
	var ids []string
	for _, it := range res.Items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"h1", "overdrive:r1", "h2"}, ids)
	assert.Equal(t, []string{"cancel h1", "cancel h2"}, f.catalog.Calls())

	// バックエンドの詳細は利用者向けメッセージに出さない
	assert.Equal(t, model.ErrCodeBackendUnavailable, res.Items[1].Code)
	assert.NotContains(t, res.Items[1].Message, "503")
	assert.Equal(t, 1, f.patrons.invalidations)
	assert.Equal(t, []string{"b1", "b2"}, f.holdings.marked)
}

func TestRenewAndReturn(t *testing.T) {
	f := newFixture()
	f.catalog.renewFn = ok
	f.lending.returnFn = ok

	res := f.orc.Renew(context.Background(), patron, CheckoutsRequest{CheckoutIDs: []string{"c1"}})
	assert.True(t, res.Success)
	res = f.orc.Return(context.Background(), patron, CheckoutsRequest{CheckoutIDs: []string{"overdrive:c2"}})
	assert.True(t, res.Success)
	assert.Equal(t, 2, f.patrons.invalidations)
	assert.Empty(t, f.cart.removed)
	// 返却した資料の書誌だけを再取得対象にする
	assert.Equal(t, []string{"b5"}, f.holdings.marked)
}

type upperTranslator struct{}

func (upperTranslator) Translate(key string, _ map[string]string, fallback string) string {
	return key + "|" + fallback
}

func TestTranslatorReceivesKeys(t *testing.T) {
	f := newFixture()
	f.orc.translator = upperTranslator{}
	f.catalog.cancelFn = ok
	res := f.orc.CancelHolds(context.Background(), patron, HoldsRequest{HoldIDs: []string{"h1"}})
	assert.Equal(t, "orchestration.cancel_hold.success|Your request was processed successfully.", res.Message)
}

func TestLendingUnsupportedIsReportedAsUnsupported(t *testing.T) {
	f := newFixture()
	var buf bytes.Buffer
	f.orc.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	res := f.orc.Renew(context.Background(), patron, CheckoutsRequest{CheckoutIDs: []string{"overdrive:c2"}})
	require.Len(t, res.Items, 1)
	assert.False(t, res.Items[0].Success)
	assert.Equal(t, model.ErrCodeUnsupportedOperation, res.Items[0].Code)
	assert.Equal(t, []string{"renew overdrive:c2"}, f.lending.Calls())
	assert.Empty(t, f.legacy.Calls())
	assert.NotContains(t, buf.String(), `"level":"ERROR"`)
}

func TestHoldMutations_OnlyTouchOwnHolds(t *testing.T) {
	f := newFixture()
	f.catalog.cancelFn = ok
	f.catalog.freezeFn = func(context.Context, model.Patron, string, bool) error { return nil }

	res := f.orc.CancelHolds(context.Background(), patron, HoldsRequest{HoldIDs: []string{"h1", "h999", "overdrive:r9"}})
	assert.False(t, res.Success)
	require.Len(t, res.Items, 3)
	assert.True(t, res.Items[0].Success)
	assert.Equal(t, model.ErrCodeValidationFailure, res.Items[1].Code)
	assert.Equal(t, model.ErrCodeValidationFailure, res.Items[2].Code)
	assert.Equal(t, []string{"cancel h1"}, f.catalog.Calls())
	assert.Empty(t, f.lending.Calls())
	// 所有確認はキャッシュを使わずに取り直す
	assert.Equal(t, []bool{true}, f.patrons.skipCache)
	assert.Equal(t, []string{"b1"}, f.holdings.marked)

	res = f.orc.FreezeHolds(context.Background(), patron, FreezeHoldsRequest{HoldIDs: []string{"h999"}, Freeze: true})
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.ErrCodeValidationFailure, res.Items[0].Code)
	assert.NotContains(t, f.catalog.Calls(), "freeze h999")
}

func TestCheckoutMutations_OnlyTouchOwnCheckouts(t *testing.T) {
	f := newFixture()
	f.catalog.renewFn = ok
	f.catalog.returnFn = ok

	res := f.orc.Renew(context.Background(), patron, CheckoutsRequest{CheckoutIDs: []string{"c1", "c-other"}})
	require.Len(t, res.Items, 2)
	assert.True(t, res.Items[0].Success)
	assert.Equal(t, model.ErrCodeValidationFailure, res.Items[1].Code)
	assert.Equal(t, []string{"renew c1"}, f.catalog.Calls())
	// 更新では所蔵の状態は変わらない
	assert.Empty(t, f.holdings.marked)

	res = f.orc.Return(context.Background(), patron, CheckoutsRequest{CheckoutIDs: []string{"c-other"}})
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.ErrCodeValidationFailure, res.Items[0].Code)
	assert.Equal(t, []string{"renew c1"}, f.catalog.Calls())
}

func TestOwnershipLookupFailureIsReportedPerItem(t *testing.T) {
	f := newFixture()
	f.catalog.cancelFn = ok
	f.patrons.err = model.NewBackendUnavailableError("sierra", "timeout")

	res := f.orc.CancelHolds(context.Background(), patron, HoldsRequest{HoldIDs: []string{"h1", "h2"}})
	assert.False(t, res.Success)
	require.Len(t, res.Items, 2)
	for _, it := range res.Items {
		assert.Equal(t, model.ErrCodeBackendUnavailable, it.Code)
	}
	assert.Empty(t, f.catalog.Calls())
}

func TestCheckout_MarksBibForUpdate(t *testing.T) {
	f := newFixture()
	f.lending.checkoutFn = ok

	res := f.orc.Checkout(context.Background(), patron, CheckoutRequest{BibID: "b7", ItemIDs: []string{"overdrive:x"}})
	assert.True(t, res.Success)
	assert.Equal(t, []string{"b7"}, f.holdings.marked)
	assert.Equal(t, 1, f.patrons.invalidations)
}

// circulationFake は取消で予約が消えるバックエンド。
type circulationFake struct {
	mu    sync.Mutex
	holds []model.HoldRecord
}

func (c *circulationFake) FetchPatronHolds(context.Context, model.Patron) ([]model.HoldRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.HoldRecord(nil), c.holds...), nil
}

func (c *circulationFake) FetchPatronCheckouts(context.Context, model.Patron) ([]model.CheckoutRecord, error) {
	return nil, nil
}

func (c *circulationFake) cancel(_ context.Context, _ model.Patron, holdID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.holds[:0:0]
	for _, h := range c.holds {
		if h.HoldID != holdID {
			kept = append(kept, h)
		}
	}
	c.holds = kept
	return nil
}

func TestCancelAndReadOnSameSession(t *testing.T) {
	for round := 0; round < 20; round++ {
		circ := &circulationFake{holds: []model.HoldRecord{
			{HoldID: "h1", BibID: "b1"},
			{HoldID: "h2", BibID: "b2"},
		}}
		store := cachestore.NewMemoryStore(cachestore.DefaultMemoryConfig())
		mgr := patronstate.NewManager(patronstate.Deps{
			Catalog: circ,
			Store:   store,
			Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
		})
		catalog := &mockBackend{name: "sierra", cancelFn: circ.cancel}
		orc := New(Deps{
			Catalog: catalog,
			Patrons: mgr,
			Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
		})
		ctx := context.Background()
		_, err := mgr.GetHolds(ctx, patron, false)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var res model.OrchestrationResult
		reads := make([][]model.HoldRecord, 10)
		readErrs := make([]error, 10)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res = orc.CancelHolds(ctx, patron, HoldsRequest{HoldIDs: []string{"h1"}})
		}()
		for i := range reads {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				reads[i], readErrs[i] = mgr.GetHolds(ctx, patron, i%2 == 0)
			}(i)
		}
		wg.Wait()

		require.True(t, res.Success, res.Message)
		for i, holds := range reads {
			require.NoError(t, readErrs[i])
			ids := map[string]int{}
			for _, h := range holds {
				ids[h.HoldID]++
			}
			// 読み取りは取消前か取消後のどちらかの一覧で、途中の状態を返さない
			assert.Equal(t, 1, ids["h2"], "round %d read %d", round, i)
			assert.LessOrEqual(t, ids["h1"], 1, "round %d read %d", round, i)
			assert.Len(t, holds, 1+ids["h1"])
		}

		// 取消が成功を返した後の読み取りに取り消した予約は残らない
		after, err := mgr.GetHolds(ctx, patron, false)
		require.NoError(t, err)
		for _, h := range after {
			assert.NotEqual(t, "h1", h.HoldID, "round %d", round)
		}
	}
}
