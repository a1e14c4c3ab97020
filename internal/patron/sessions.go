package patron

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// Authenticator は利用者の資格情報を検証し、目録上の利用者IDを返す。
type Authenticator interface {
	Authenticate(ctx context.Context, patron model.Patron) (string, error)
}

// UserStore はローカルの利用者情報の保存先。
type UserStore interface {
	UpsertByBarcode(ctx context.Context, barcode, patronID string) (*model.User, error)
}

// CredentialCache は利用者の資格情報から作った状態を保持する。ログアウト時に破棄する。
type CredentialCache interface {
	ForgetPatron(barcode string)
}

// Sessions はログインセッションを管理する。セッションは session:{id} に保存する。
type Sessions struct {
	auth        Authenticator
	users       UserStore
	store       cachestore.Store
	manager     *Manager
	credentials []CredentialCache
	ttl         time.Duration
	logger      *slog.Logger
}

// NewSessions はSessionsを生成する。
func NewSessions(auth Authenticator, users UserStore, store cachestore.Store, manager *Manager, ttl time.Duration, logger *slog.Logger) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{auth: auth, users: users, store: store, manager: manager, ttl: ttl, logger: logger}
}

// ForgetOnLogout はログアウト時に資格情報由来の状態を破棄する対象を追加する。
func (s *Sessions) ForgetOnLogout(caches ...CredentialCache) {
	s.credentials = append(s.credentials, caches...)
}

// Login は資格情報を検証してセッションを作る。
func (s *Sessions) Login(ctx context.Context, barcode, pin, clientIP string) (model.Patron, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" || pin == "" {
		return model.Patron{}, model.NewValidationFailureError("barcode and pin are required")
	}
	patron := model.Patron{Barcode: barcode, PIN: pin, ClientIP: clientIP}
	patronID, err := s.auth.Authenticate(ctx, patron)
	if err != nil {
		return model.Patron{}, err
	}
	patron.PatronID = patronID
	patron.SessionID = uuid.NewString()

	if _, err := s.users.UpsertByBarcode(ctx, barcode, patronID); err != nil {
		s.logger.Warn("利用者情報の保存に失敗しました", slog.String("patron_id", patronID), slog.String("error", err.Error()))
	}
	if err := cachestore.SetJSON(ctx, s.store, cachestore.SessionKey(patron.SessionID), patron, s.ttl); err != nil {
		return model.Patron{}, err
	}
	s.logger.Info("ログインしました", slog.String("patron_id", patronID), slog.String("client_ip", clientIP))
	return patron, nil
}

// Find はセッションIDから利用者を返す。
func (s *Sessions) Find(ctx context.Context, sessionID string) (model.Patron, bool, error) {
	if sessionID == "" {
		return model.Patron{}, false, nil
	}
	var patron model.Patron
	found, err := cachestore.GetJSON(ctx, s.store, cachestore.SessionKey(sessionID), &patron)
	if err != nil || !found {
		return model.Patron{}, false, err
	}
	return patron, true, nil
}

// Logout はセッションと利用者状態を削除する。
func (s *Sessions) Logout(ctx context.Context, sessionID string) error {
	patron, found, err := s.Find(ctx, sessionID)
	if err != nil {
		s.logger.Warn("ログアウト対象のセッションを読み込めませんでした", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	if err := s.store.Delete(ctx, cachestore.SessionKey(sessionID)); err != nil {
		return err
	}
	if found && patron.Barcode != "" {
		for _, c := range s.credentials {
			c.ForgetPatron(patron.Barcode)
		}
	}
	return s.manager.Forget(ctx, sessionID)
}

// BumpGlobalRefresh は全体の再読み込み時刻を記録する。これより前に始まったセッション状態は次の読み込みで破棄される。
func BumpGlobalRefresh(ctx context.Context, store cachestore.Store, at time.Time) error {
	return store.Set(ctx, cachestore.GlobalRefreshKey, []byte(strconv.FormatInt(at.UnixNano(), 10)), 0)
}

// GlobalRefreshTime は全体の再読み込み時刻を返す。未設定ならゼロ値。
func GlobalRefreshTime(ctx context.Context, store cachestore.Store) (time.Time, error) {
	raw, ok, err := store.Get(ctx, cachestore.GlobalRefreshKey)
	if err != nil || !ok {
		return time.Time{}, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(0, n), nil
}

// RefreshAll は現在時刻で全体の再読み込みを指示する。
func (s *Sessions) RefreshAll(ctx context.Context) error {
	return BumpGlobalRefresh(ctx, s.store, time.Now())
}
