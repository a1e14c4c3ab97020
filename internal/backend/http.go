package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodySize はレスポンスボディの読み取り上限（10MB）。
const maxBodySize = 10 << 20

// StatusClass はHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK は2xx。
	StatusOK StatusClass = iota
	// StatusNotFound は404/410。呼び出し元が空結果かエラーかを判断する。
	StatusNotFound
	// StatusAuth は401/403。トークンまたはセッションが無効。
	StatusAuth
	// StatusUnavailable は429/5xx。
	StatusUnavailable
	// StatusRejected はその他の4xx。ボディに業務エラーが含まれることがある。
	StatusRejected
)

// ClassifyHTTPStatus はHTTPステータスコードを分類する。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == 404 || statusCode == 410:
		return StatusNotFound
	case statusCode == 401 || statusCode == 403:
		return StatusAuth
	case statusCode == 429:
		return StatusUnavailable
	case statusCode >= 500:
		return StatusUnavailable
	case statusCode >= 400:
		return StatusRejected
	default:
		return StatusUnavailable
	}
}

// Response は読み取り済みのHTTPレスポンス。
type Response struct {
	StatusCode int
	Class      StatusClass
	Header     http.Header
	Body       []byte
	URL        *url.URL // リダイレクト追従後の最終URL
}

// Decode はボディをJSONとしてデコードする。
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// Requester はバックエンドへのHTTP呼び出しを実行する。
// レート制限、メトリクス記録、ステータス分類をまとめて行う。リトライはしない。
type Requester struct {
	name       string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewRequester はRequesterを生成する。ratePerSecが0以下の場合はレート制限しない。
func NewRequester(name string, httpClient *http.Client, ratePerSec float64, m metrics.MetricsCollector, logger *slog.Logger) *Requester {
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Requester{
		name:       name,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    m,
		logger:     logger,
	}
}

// Name はバックエンド名を返す。
func (r *Requester) Name() string { return r.name }

// WithClient はレート制限とメトリクスを共有したまま、HTTPクライアントだけを差し替えたRequesterを返す。
// 呼び出しごとにクッキージャーを作り直すレガシーセッションで使う。
func (r *Requester) WithClient(httpClient *http.Client) *Requester {
	cp := *r
	cp.httpClient = httpClient
	return &cp
}

// Do はリクエストを実行し、ボディを読み取ったレスポンスを返す。
// 通信エラー・タイムアウト・429/5xxはBackendUnavailable、401/403はAuthenticationRequiredを返す。
// 404とその他の4xxはエラーにせず、呼び出し元に判断を委ねる。
func (r *Requester) Do(ctx context.Context, operation string, req *http.Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, model.NewBackendUnavailableError(r.name, err.Error())
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		r.metrics.RecordBackendCall(r.name, operation, "unavailable", time.Since(start))
		r.logger.Error("バックエンドの呼び出しに失敗しました",
			slog.String("backend", r.name),
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return nil, model.NewBackendUnavailableError(r.name, describeTransportError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		r.metrics.RecordBackendCall(r.name, operation, "unavailable", time.Since(start))
		return nil, model.NewBackendUnavailableError(r.name, fmt.Sprintf("レスポンスボディの読み取りに失敗しました: %v", err))
	}

	r.metrics.RecordHTTPStatus(r.name, resp.StatusCode)
	out := &Response{
		StatusCode: resp.StatusCode,
		Class:      ClassifyHTTPStatus(resp.StatusCode),
		Header:     resp.Header,
		Body:       body,
		URL:        resp.Request.URL,
	}

	switch out.Class {
	case StatusAuth:
		r.metrics.RecordBackendCall(r.name, operation, "auth", time.Since(start))
		return out, model.NewAuthenticationRequiredError(fmt.Sprintf("%s returned %d", r.name, resp.StatusCode))
	case StatusUnavailable:
		r.metrics.RecordBackendCall(r.name, operation, "unavailable", time.Since(start))
		r.logger.Warn("バックエンドがエラーステータスを返しました",
			slog.String("backend", r.name),
			slog.String("operation", operation),
			slog.Int("http_status", resp.StatusCode),
		)
		return out, model.NewBackendUnavailableError(r.name, fmt.Sprintf("status %d", resp.StatusCode))
	case StatusOK:
		r.metrics.RecordBackendCall(r.name, operation, "ok", time.Since(start))
	default:
		r.metrics.RecordBackendCall(r.name, operation, "rejected", time.Since(start))
	}
	return out, nil
}

func describeTransportError(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return err.Error()
}
