// metrics — счетчики Prometheus для событий аутентификации.
// Инкременты выполняются после фиксации/отката транзакций, чтобы наблюдение
// не влияло на транзакционное поведение.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Значения label outcome.
const (
	OutcomeSuccess            = "success"
	OutcomeInvalidToken       = "invalid_token"
	OutcomeReplayDetected     = "replay_detected"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeRateLimited        = "rate_limited"
	OutcomeError              = "error"
)

// AuthMetrics — доменные счетчики auth-сервиса.
type AuthMetrics struct {
	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	resetRequests *prometheus.CounterVec
	resetCommits  *prometheus.CounterVec
}

// New регистрирует счетчики в реестре reg (или в дефолтном, если reg == nil).
func New(reg prometheus.Registerer) *AuthMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &AuthMetrics{
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refresh_rotations_total",
			Help: "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		resetRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_password_reset_requests_total",
			Help: "Password reset requests by outcome.",
		}, []string{"outcome"}),
		resetCommits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_password_resets_total",
			Help: "Completed password resets by outcome.",
		}, []string{"outcome"}),
	}
}

// Все методы безопасны при nil-приемнике: метрики опциональны.

func (m *AuthMetrics) Login(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

func (m *AuthMetrics) Refresh(outcome string) {
	if m != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *AuthMetrics) ResetRequest(outcome string) {
	if m != nil {
		m.resetRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *AuthMetrics) ResetCommit(outcome string) {
	if m != nil {
		m.resetCommits.WithLabelValues(outcome).Inc()
	}
}
