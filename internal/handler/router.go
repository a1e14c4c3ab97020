package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/shelfstatus/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger         *slog.Logger
	HealthCheckers map[string]HealthChecker
	MetricsHandler http.Handler

	// ミドルウェア依存
	SessionFinder middleware.SessionFinder
	RateLimiter   *middleware.RateLimiter
	AdminToken    string

	Sessions      SessionService
	SessionConfig SessionConfig
	Availability  AvailabilityService
	Patrons       PatronService
	Circulation   CirculationService
	Refresher     CacheRefresher
	Holdings      HoldingsInvalidator
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Session(任意/必須) → RateLimit(General) → RateLimit(Mutation)
//
// /health と /metrics はセッション・レート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))

	r.Get("/health", NewHealthHandler(deps.HealthCheckers))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	availabilityHandler := NewAvailabilityHandler(deps.Availability)
	sessionHandler := NewSessionHandler(deps.Sessions, deps.SessionConfig)
	patronHandler := NewPatronHandler(deps.Patrons)
	circulationHandler := NewCirculationHandler(deps.Circulation)
	adminHandler := NewAdminHandler(deps.Refresher, deps.Holdings)

	// --- 未ログインでも利用できるルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, false))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/holdings/{bibID}", availabilityHandler.GetHolding)
		r.Get("/api/item-statuses", availabilityHandler.GetItemStatuses)
		r.Post("/api/login", sessionHandler.Login)
		r.Post("/api/logout", sessionHandler.Logout)
	})

	// --- ログインが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, true))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/patron", func(r chi.Router) {
			r.Get("/profile", patronHandler.GetProfile)
			r.Put("/preferences", patronHandler.UpdatePreferences)

			r.Get("/holds", patronHandler.GetHolds)
			r.Get("/checkouts", patronHandler.GetCheckouts)

			// 予約・貸出操作には専用のレート制限を追加
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.MutationMiddleware())

				r.Post("/holds", circulationHandler.PlaceHold)
				r.Post("/holds/cancel", circulationHandler.CancelHolds)
				r.Post("/holds/freeze", circulationHandler.FreezeHolds)
				r.Post("/holds/update", circulationHandler.UpdateHolds)

				r.Post("/checkouts", circulationHandler.Checkout)
				r.Post("/checkouts/return", circulationHandler.Return)
				r.Post("/checkouts/renew", circulationHandler.Renew)
			})
		})
	})

	// --- 運用向けルート ---
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(RequireAdminToken(deps.AdminToken))

		r.Post("/cache-refresh", adminHandler.RefreshCache)
		r.Delete("/holdings/{bibID}", adminHandler.InvalidateHoldings)
	})

	return r
}
