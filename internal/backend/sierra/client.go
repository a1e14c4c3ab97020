// Package sierra は目録のモダンREST APIのクライアントを提供する。
// クライアント資格情報で取得したトークンで認証し、資料・利用者・予約・貸出を扱う。
package sierra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/backend/token"
	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Name はメトリクスやログに使うバックエンド名。
	Name = "sierra"
	// pageSize はページ取得の固定サイズ。
	pageSize = 50
	// defaultTimeout はトークン保護されたAPI呼び出しのタイムアウト。
	defaultTimeout = 45 * time.Second
	// itemBibCacheSize は資料→書誌の対応を保持する件数。
	itemBibCacheSize = 5000
	itemBibCacheTTL  = 12 * time.Hour
)

// Config はクライアントの設定。
type Config struct {
	BaseURL      string // 例: https://catalog.example.org/iii/sierra-api/v6
	ClientKey    string
	ClientSecret string
	RatePerSec   float64
}

// Client はモダンAPIクライアント。
type Client struct {
	baseURL  string
	key      string
	secret   string
	req      *backend.Requester
	tokens   *token.Source
	itemBibs *cachestore.LocalCache[string, string]
	logger   *slog.Logger
}

// NewClient はClientを生成する。httpClientがnilの場合はタイムアウト45秒のクライアントを使う。
func NewClient(cfg Config, httpClient *http.Client, m metrics.MetricsCollector, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		key:      cfg.ClientKey,
		secret:   cfg.ClientSecret,
		req:      backend.NewRequester(Name, httpClient, cfg.RatePerSec, m, logger),
		itemBibs: cachestore.NewLocalCache[string, string]("item_bib", itemBibCacheSize, itemBibCacheTTL, m),
		logger:   logger,
	}
	c.tokens = token.NewSource(c.fetchToken)
	return c
}

// Name はバックエンド名を返す。
func (c *Client) Name() string { return Name }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) fetchToken(ctx context.Context) (token.Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return token.Token{}, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.req.Do(ctx, "token", req)
	if err != nil {
		if errors.Is(err, model.ErrAuthenticationRequired) {
			// クライアント資格情報の不備は利用者の再ログインでは解決しない
			return token.Token{}, model.NewBackendUnavailableError(Name, "client credentials rejected")
		}
		return token.Token{}, err
	}
	if resp.Class != backend.StatusOK {
		return token.Token{}, model.NewBackendUnavailableError(Name, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}
	var tr tokenResponse
	if err := resp.Decode(&tr); err != nil {
		return token.Token{}, model.NewBackendUnavailableError(Name, err.Error())
	}
	if tr.AccessToken == "" {
		return token.Token{}, model.NewBackendUnavailableError(Name, "empty access token")
	}
	return token.Token{Value: tr.AccessToken, ExpiresIn: time.Duration(tr.ExpiresIn) * time.Second}, nil
}

// call はトークン付きでAPIを呼び出す。bodyがnilでない場合はJSONで送る。
func (c *Client) call(ctx context.Context, op, method, p string, query url.Values, body any) (*backend.Response, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	var req *http.Request
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.req.Do(ctx, op, req)
	if err != nil && errors.Is(err, model.ErrAuthenticationRequired) {
		c.tokens.Invalidate()
	}
	return resp, err
}

// apiError はAPIの業務エラー応答。
type apiError struct {
	Code         int    `json:"code"`
	SpecificCode int    `json:"specificCode"`
	HTTPStatus   int    `json:"httpStatus"`
	Name         string `json:"name"`
	Description  string `json:"description"`
}

// recordID は "b1234567" や ".i1234567" のような接頭辞付きIDから数字部分を取り出す。
func recordID(id string) string {
	id = strings.TrimPrefix(id, ".")
	return strings.TrimLeft(id, "bicop")
}

// idFromLink はAPIが返すリンクURLの末尾セグメントをIDとして返す。
func idFromLink(link string) string {
	if link == "" {
		return ""
	}
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(link)
}

func recordNumber(id string) (int, error) {
	n, err := strconv.Atoi(recordID(id))
	if err != nil {
		return 0, model.NewValidationFailureError(fmt.Sprintf("invalid record id: %s", id))
	}
	return n, nil
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

type varField struct {
	FieldTag string `json:"fieldTag"`
	Content  string `json:"content"`
}

func varFieldValues(fields []varField, tag string) []string {
	var out []string
	for _, f := range fields {
		if f.FieldTag == tag && strings.TrimSpace(f.Content) != "" {
			out = append(out, strings.TrimSpace(f.Content))
		}
	}
	return out
}

type codeName struct {
	Code string `json:"code"`
	Name string `json:"name"`
}
