// Package legacy は目録の旧Web画面をフォーム送信で操作するセッションクライアントを提供する。
//
// モダンAPIで表現できない操作（資料単位予約の受取館変更など）のフォールバックに使う。
// 呼び出しごとに新しいクッキージャーでログインし、終了時にログアウトする。
// 接続は再利用せず、同じ利用者の呼び出しは直列化する。
package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/keylock"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
)

const (
	// Name はメトリクスやログに使うバックエンド名。
	Name = "legacy"
	// defaultTimeout は旧画面への接続タイムアウト。
	defaultTimeout = 30 * time.Second
	// logoutTimeout はログアウトに使う独立したタイムアウト。
	logoutTimeout = 5 * time.Second
)

// Config はクライアントの設定。
type Config struct {
	BaseURL    string // 例: https://catalog.example.org
	Scope      int    // 検索スコープ番号（URLの ~S{n}）
	Timeout    time.Duration
	RatePerSec float64
}

// Client はレガシーセッションクライアント。
type Client struct {
	base    *url.URL
	scope   int
	timeout time.Duration
	req     *backend.Requester
	locks   *keylock.Locker
	logger  *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(cfg Config, m metrics.MetricsCollector, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("LEGACY_BASE_URLが不正です: %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Scope <= 0 {
		cfg.Scope = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    base,
		scope:   cfg.Scope,
		timeout: cfg.Timeout,
		req:     backend.NewRequester(Name, &http.Client{Timeout: cfg.Timeout}, cfg.RatePerSec, m, logger),
		locks:   keylock.New(),
		logger:  logger,
	}, nil
}

// Name はバックエンド名を返す。
func (c *Client) Name() string { return Name }

// session は1回の呼び出しの間だけ有効な認証済みセッション。
type session struct {
	c        *Client
	req      *backend.Requester
	patronID string
}

// withSession は利用者ごとのロックを取り、新しいクッキージャーでログインしてfnを実行する。
// fnの成否にかかわらずログアウトする。
func (c *Client) withSession(ctx context.Context, patron model.Patron, fn func(s *session) error) error {
	if patron.Barcode == "" || patron.PIN == "" {
		return model.NewAuthenticationRequiredError("legacy session requires barcode and PIN")
	}

	defer c.locks.Lock(patron.Barcode)()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("クッキージャーの作成に失敗しました: %w", err)
	}
	hc := &http.Client{
		Jar:     jar,
		Timeout: c.timeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			DisableKeepAlives: true,
		},
	}
	s := &session{c: c, req: c.req.WithClient(hc)}

	if err := s.login(ctx, patron); err != nil {
		return err
	}
	defer s.logout()

	return fn(s)
}

func (c *Client) patronPage(patronID, page string) string {
	u := fmt.Sprintf("%s/patroninfo~S%d/%s", c.base.String(), c.scope, url.PathEscape(patronID))
	if page != "" {
		u += "/" + page
	}
	return u
}

// fetch はページを取得し、本文と最終URLを返す。2xx以外はBackendUnavailableにする。
func (s *session) fetch(ctx context.Context, op, method, rawURL string, form url.Values) (*backend.Response, error) {
	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		if len(form) > 0 {
			if strings.Contains(rawURL, "?") {
				rawURL += "&" + form.Encode()
			} else {
				rawURL += "?" + form.Encode()
			}
		}
		req, err = http.NewRequestWithContext(ctx, method, rawURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	resp, err := s.req.Do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if resp.Class != backend.StatusOK {
		return nil, model.NewBackendUnavailableError(Name, fmt.Sprintf("%s returned %d", op, resp.StatusCode))
	}
	return resp, nil
}

// submit はフォームを送信して応答ページの表示テキストを返す。
func (s *session) submit(ctx context.Context, op string, f *htmlForm) (string, error) {
	resp, err := s.fetch(ctx, op, f.method, f.action, f.values())
	if err != nil {
		return "", err
	}
	return pageText(resp.Body), nil
}

// formOn はページを取得し、条件に合う最初のフォームを返す。
func (s *session) formOn(ctx context.Context, op, rawURL string, pick func(*htmlForm) bool) (*htmlForm, error) {
	resp, err := s.fetch(ctx, op, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for _, f := range parseForms(resp.Body, resp.URL) {
		if pick(f) {
			return f, nil
		}
	}
	return nil, nil
}

func (s *session) login(ctx context.Context, patron model.Patron) error {
	loginURL := fmt.Sprintf("%s/patroninfo~S%d", s.c.base.String(), s.c.scope)
	f, err := s.formOn(ctx, "login_form", loginURL, func(f *htmlForm) bool { return f.has("pin") })
	if err != nil {
		return err
	}
	if f == nil {
		return model.NewBackendUnavailableError(Name, "login form not found")
	}
	f.set("code", patron.Barcode)
	f.set("pin", patron.PIN)

	resp, err := s.fetch(ctx, "login", f.method, f.action, f.values())
	if err != nil {
		return err
	}
	if backend.IndicatesLoginFailure(pageText(resp.Body)) {
		return model.NewAuthenticationRequiredError("legacy catalog rejected the credentials")
	}

	s.patronID = patronIDFromURL(resp.URL)
	if s.patronID == "" {
		s.patronID = patron.PatronID
	}
	if s.patronID == "" {
		return model.NewAuthenticationRequiredError("legacy catalog did not identify the patron")
	}
	return nil
}

// logout は呼び出し元のコンテキストが終わっていても実行する。失敗はログのみ。
func (s *session) logout() {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	if _, err := s.fetch(ctx, "logout", http.MethodGet, s.c.base.String()+"/logout", nil); err != nil {
		s.c.logger.Warn("レガシー画面のログアウトに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// patronIDFromURL は /patroninfo~S1/1234567/top のようなパスから利用者IDを取り出す。
func patronIDFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "patroninfo") && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
