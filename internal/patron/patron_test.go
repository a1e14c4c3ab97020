package patron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
)

type mockCirculation struct {
	mu           sync.Mutex
	holdCalls    int32
	holds        []model.HoldRecord
	checkouts    []model.CheckoutRecord
	holdsErr     error
	checkoutsErr error
}

func (m *mockCirculation) setHolds(h []model.HoldRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds = h
}

func (m *mockCirculation) FetchPatronHolds(context.Context, model.Patron) ([]model.HoldRecord, error) {
	atomic.AddInt32(&m.holdCalls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdsErr != nil {
		return nil, m.holdsErr
	}
	return append([]model.HoldRecord(nil), m.holds...), nil
}

func (m *mockCirculation) FetchPatronCheckouts(context.Context, model.Patron) ([]model.CheckoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkoutsErr != nil {
		return nil, m.checkoutsErr
	}
	return append([]model.CheckoutRecord(nil), m.checkouts...), nil
}

type mockBibs struct{}

func (mockBibs) GetBib(context.Context, string) (model.BibRecord, error) {
	return model.BibRecord{}, model.NewNotFoundError("bib", "")
}

func (mockBibs) GetBibExternalID(context.Context, string) (string, error) { return "", nil }

func (mockBibs) GetBibByExternalID(_ context.Context, externalID string) (model.BibRecord, error) {
	if externalID == "abc" {
		return model.BibRecord{ID: "b-abc", Title: "Lending Title", ExternalID: "abc"}, nil
	}
	return model.BibRecord{}, model.NewNotFoundError("bib", externalID)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	mgr     *Manager
	catalog *mockCirculation
	lending *mockCirculation
	store   *cachestore.MemoryStore
	clock   *clock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newFixture(withLending bool) *fixture {
	f := &fixture{
		catalog: &mockCirculation{},
		store:   cachestore.NewMemoryStore(cachestore.DefaultMemoryConfig()),
		clock:   &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.store.SetClock(f.clock.Now)
	d := Deps{
		Catalog:  f.catalog,
		Bibs:     mockBibs{},
		Store:    f.store,
		Metrics:  metrics.Nop{},
		Logger:   discardLogger(),
		Profiles: NewProfileService(&mockProfiles{}, &mockPrefs{}, &mockPickup{}, discardLogger()),
	}
	if withLending {
		f.lending = &mockCirculation{}
		d.Lending = f.lending
	}
	f.mgr = NewManager(d)
	f.mgr.SetClock(f.clock.Now)
	return f
}

var patron = model.Patron{SessionID: "s1", PatronID: "p1", Barcode: "2100", PIN: "1234"}

func holdIDs(holds []model.HoldRecord) []string {
	out := make([]string, 0, len(holds))
	for _, h := range holds {
		out = append(out, h.HoldID)
	}
	return out
}

func TestGetHolds_CachesPerSession(t *testing.T) {
	f := newFixture(false)
	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h1", BibID: "b1"}})
	ctx := context.Background()

	holds, err := f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, holdIDs(holds))

	_, err = f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.catalog.holdCalls))

	_, err = f.mgr.GetHolds(ctx, patron, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.catalog.holdCalls))

	// 別セッションは共有しない
	other := patron
	other.SessionID = "s2"
	_, err = f.mgr.GetHolds(ctx, other, false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.catalog.holdCalls))
}

func TestStaleMarker_ServesCachedUntilBackendChanges(t *testing.T) {
	f := newFixture(false)
	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h1"}, {HoldID: "h2"}})
	ctx := context.Background()

	_, err := f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)

	// h2の取消後、バックエンドにはまだ反映されていない
	f.mgr.InvalidateAfterMutation(ctx, patron)
	holds, err := f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, holdIDs(holds))
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.catalog.holdCalls))

	// 反映されたら次の読み込みで新しい値になる
	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h1"}})
	holds, err = f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, holdIDs(holds))
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.catalog.holdCalls))

	// 古い印が消えたのでキャッシュから返る
	_, err = f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.catalog.holdCalls))
}

func TestStaleMarker_OrderOfRecordsDoesNotChangeFingerprint(t *testing.T) {
	f := newFixture(false)
	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h1"}, {HoldID: "h2"}})
	ctx := context.Background()
	_, err := f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)

	f.mgr.InvalidateAfterMutation(ctx, patron)
	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h2"}, {HoldID: "h1"}})
	holds, err := f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, holdIDs(holds))
}

func TestStaleMarker_GivesUpAfterRepeatedIdenticalRefetches(t *testing.T) {
	f := newFixture(false)
	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h1"}})
	ctx := context.Background()
	_, err := f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)

	f.mgr.InvalidateAfterMutation(ctx, patron)
	for i := 0; i < maxStaleRefetches; i++ {
		_, err := f.mgr.GetHolds(ctx, patron, false)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1+maxStaleRefetches), atomic.LoadInt32(&f.catalog.holdCalls))

	_, err = f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1+maxStaleRefetches), atomic.LoadInt32(&f.catalog.holdCalls))
}

func TestInvalidateAfterMutation_UnfetchedCollectionIsUntouched(t *testing.T) {
	f := newFixture(false)
	f.catalog.checkouts = []model.CheckoutRecord{{CheckoutID: "c1"}}
	ctx := context.Background()

	f.mgr.InvalidateAfterMutation(ctx, patron)
	cos, err := f.mgr.GetCheckouts(ctx, patron, false)
	require.NoError(t, err)
	require.Len(t, cos, 1)
}

func TestTestSession_ExpiresAfterTTLAndGlobalRefresh(t *testing.T) {
	f := newFixture(false)
	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h1"}})
	ctx := context.Background()

	_, err := f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.NoError(t, BumpGlobalRefresh(ctx, f.store, f.clock.Now()))
	_, err = f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.catalog.holdCalls))

	// 再読み込み後に始まったセッションは有効
	f.clock.Advance(time.Minute)
	_, err = f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.catalog.holdCalls))

	f.clock.Advance(29 * time.Minute)
	_, err = f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.catalog.holdCalls))
}

func TestGetHolds_MergesLendingWithEnrichment(t *testing.T) {
	f := newFixture(true)
	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h1", BibID: "b1"}})
	f.lending.setHolds([]model.HoldRecord{
		{HoldID: "overdrive:abc", ExternalID: "abc", IsLendingServiceItem: true},
		{HoldID: "overdrive:zzz", ExternalID: "zzz", IsLendingServiceItem: true},
	})
	ctx := context.Background()

	holds, err := f.mgr.GetHolds(ctx, patron, false)
	require.NoError(t, err)
	require.Len(t, holds, 3)
	assert.Equal(t, "b-abc", holds[1].BibID)
	assert.Equal(t, "Lending Title", holds[1].Title)
	assert.Equal(t, "", holds[2].BibID)

	// 貸出サービスが失敗しても前回の貸出サービス分は残る
	f.lending.holdsErr = model.NewBackendUnavailableError("overdrive", "timeout")
	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h1", BibID: "b1"}, {HoldID: "h2", BibID: "b2"}})
	holds, err = f.mgr.GetHolds(ctx, patron, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2", "overdrive:abc", "overdrive:zzz"}, holdIDs(holds))
}

func TestGetHolds_CatalogFailureIsAnError(t *testing.T) {
	f := newFixture(false)
	f.catalog.holdsErr = model.NewBackendUnavailableError("sierra", "timeout")
	_, err := f.mgr.GetHolds(context.Background(), patron, false)
	assert.True(t, errors.Is(err, model.ErrBackendUnavailable))
}

type mockProfiles struct {
	profile model.PatronProfile
}

func (m *mockProfiles) GetProfile(_ context.Context, patronID string) (model.PatronProfile, error) {
	p := m.profile
	p.PatronID = patronID
	return p, nil
}

type mockPrefs struct {
	prefs model.LibraryPreferences
	saved *model.LibraryPreferences
}

func (m *mockPrefs) GetPreferences(context.Context, string) (model.LibraryPreferences, error) {
	return m.prefs, nil
}

func (m *mockPrefs) SavePreferences(_ context.Context, _ string, prefs model.LibraryPreferences) error {
	m.saved = &prefs
	m.prefs = prefs
	return nil
}

type mockPickup struct{}

func (mockPickup) IsPickupLocation(_ context.Context, code string) (bool, error) {
	return code == "1" || code == "2", nil
}

func TestProfile_NullsInvalidLibraryCodes(t *testing.T) {
	src := &mockProfiles{profile: model.PatronProfile{Name: "Pat", HomeLibraryCode: "9", PreferredLibraryCode: "9"}}
	prefs := &mockPrefs{prefs: model.LibraryPreferences{AlternateLibraryCode: "2"}}
	svc := NewProfileService(src, prefs, mockPickup{}, discardLogger())

	p, err := svc.Get(context.Background(), patron)
	require.NoError(t, err)
	assert.Equal(t, "", p.PreferredLibraryCode)
	assert.Equal(t, "2", p.AlternateLibraryCode)
	assert.Equal(t, "9", p.HomeLibraryCode)
	assert.Equal(t, patron.Barcode, p.Barcode)
}

func TestChangePreferredLibrary(t *testing.T) {
	src := &mockProfiles{profile: model.PatronProfile{Name: "Pat"}}
	prefs := &mockPrefs{}
	f := newFixture(true)
	f.mgr.profiles = NewProfileService(src, prefs, mockPickup{}, discardLogger())
	ctx := context.Background()

	p, err := f.mgr.GetProfile(ctx, patron)
	require.NoError(t, err)
	assert.Equal(t, "", p.PreferredLibraryCode)
	assert.True(t, p.LendingServiceEnabled)

	err = f.mgr.ChangePreferredLibrary(ctx, patron, model.LibraryPreferences{PreferredLibraryCode: "7"})
	assert.True(t, errors.Is(err, model.ErrValidationFailure))
	err = f.mgr.ChangePreferredLibrary(ctx, patron, model.LibraryPreferences{})
	assert.True(t, errors.Is(err, model.ErrValidationFailure))
	assert.Nil(t, prefs.saved)

	require.NoError(t, f.mgr.ChangePreferredLibrary(ctx, patron, model.LibraryPreferences{PreferredLibraryCode: "1", AlternateLibraryCode: "2"}))
	p, err = f.mgr.GetProfile(ctx, patron)
	require.NoError(t, err)
	assert.Equal(t, "1", p.PreferredLibraryCode)
	assert.Equal(t, "2", p.AlternateLibraryCode)
}

type mockAuth struct {
	authenticateFn func(ctx context.Context, patron model.Patron) (string, error)
}

func (m *mockAuth) Authenticate(ctx context.Context, patron model.Patron) (string, error) {
	return m.authenticateFn(ctx, patron)
}

type mockUsers struct {
	upserts int
}

func (m *mockUsers) UpsertByBarcode(_ context.Context, barcode, patronID string) (*model.User, error) {
	m.upserts++
	return &model.User{Barcode: barcode, PatronID: patronID}, nil
}

type mockCredentials struct {
	forgotten []string
}

func (m *mockCredentials) ForgetPatron(barcode string) {
	m.forgotten = append(m.forgotten, barcode)
}

func TestSessions_LoginFindLogout(t *testing.T) {
	f := newFixture(false)
	users := &mockUsers{}
	auth := &mockAuth{authenticateFn: func(_ context.Context, p model.Patron) (string, error) {
		if p.PIN != "1234" {
			return "", model.NewAuthenticationRequiredError("invalid credentials")
		}
		return "p1", nil
	}}
	s := NewSessions(auth, users, f.store, f.mgr, time.Hour, discardLogger())
	creds := &mockCredentials{}
	s.ForgetOnLogout(creds)
	ctx := context.Background()

	_, err := s.Login(ctx, "", "", "")
	assert.True(t, errors.Is(err, model.ErrValidationFailure))
	_, err = s.Login(ctx, "2100", "0000", "")
	assert.True(t, errors.Is(err, model.ErrAuthenticationRequired))

	p, err := s.Login(ctx, " 2100 ", "1234", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.PatronID)
	assert.NotEmpty(t, p.SessionID)
	assert.Equal(t, 1, users.upserts)

	found, ok, err := s.Find(ctx, p.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2100", found.Barcode)
	assert.Equal(t, "", found.ClientIP)

	f.catalog.setHolds([]model.HoldRecord{{HoldID: "h1"}})
	_, err = f.mgr.GetHolds(ctx, found, false)
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, p.SessionID))
	_, ok, err = s.Find(ctx, p.SessionID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = f.store.Get(ctx, cachestore.PatronStateKey(p.SessionID))
	assert.False(t, ok)
	// 資格情報由来の状態とセッションごとのロックは残さない
	assert.Equal(t, []string{"2100"}, creds.forgotten)
	assert.Equal(t, 0, f.mgr.locks.Len())

	// 不明なセッションのログアウトでは何も破棄しない
	require.NoError(t, s.Logout(ctx, "unknown"))
	assert.Equal(t, []string{"2100"}, creds.forgotten)
}
