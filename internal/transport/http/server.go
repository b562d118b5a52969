// transport/http содержит HTTP-эндпоинты жизненного цикла сессий.
// Здесь выполняется только маппинг данных и ошибок доменного слоя (service)
// в HTTP. Вся валидация и бизнес-логика находятся в пакете service.
//
// Принципы:
//   - Контекст запроса прокидывается в сервис без потерь;
//   - Ошибки сервиса явно транслируются в статусы (см. respond.go);
//   - Refresh-токен ходит только через HttpOnly-куку, а не в теле ответа:
//     сервис возвращает чистые значения токенов, способ доставки решает
//     этот тонкий адаптер;
//   - Для 500 наружу не утекают детали внутренних ошибок; подробности
//     попадают в логи через middleware.
package http

import (
	"net/http"
	"time"

	"crm-auth-service/internal/config"
	"crm-auth-service/internal/middleware"
	"crm-auth-service/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
)

// Server — HTTP-слой auth-сервиса поверх сервисного слоя.
type Server struct {
	service *service.Service
	cfg     *config.Config
	logger  *slog.Logger
	ready   func() bool
}

// NewServer создает HTTP-сервер авторизации.
// ready сообщает готовность сервиса для /healthz (может быть nil).
func NewServer(svc *service.Service, cfg *config.Config, logger *slog.Logger, ready func() bool) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}

	return &Server{
		service: svc,
		cfg:     cfg,
		logger:  logger,
		ready:   ready,
	}
}

// Routes строит chi-роутер со всеми эндпоинтами сервиса.
// Лимиты запросов: login 5/мин/IP, register 3/мин/IP,
// reset-request 3/мин/IP, reset-submit 5/5мин/IP.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recover(s.logger))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.With(httprate.LimitByIP(3, time.Minute)).
			Post("/register", s.handleRegister)
		r.With(httprate.LimitByIP(5, time.Minute)).
			Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)

		r.Route("/password-reset", func(r chi.Router) {
			r.With(httprate.LimitByIP(3, time.Minute)).
				Post("/request", s.handleResetRequest)
			r.Post("/validate-token", s.handleResetValidate)
			r.With(httprate.LimitByIP(5, 5*time.Minute)).
				Post("/reset", s.handleResetSubmit)
		})

		// Guard-слой: проверка access-токена и tenant-контекста.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.service))
			r.Use(middleware.RequireTenant)

			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
		})
	})

	return r
}
