package api

import (
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// context keys set by handlers and read back by the metrics middleware
const (
	errorKindKey  = "api.error_kind"
	errorStageKey = "api.error_stage"
	metricsKey    = "api.metrics"
)

type requestMetrics struct {
	logger     *log.Logger
	start      time.Time
	authDur    time.Duration
	commandDur time.Duration
}

// RequestMetrics writes one "http.request.metrics" entry per request with its
// route, status and timings.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m := &requestMetrics{logger: logger, start: time.Now()}
			c.Set(metricsKey, m)
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			m.Log(c, err)
			return nil
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsKey).(*requestMetrics)
	return m
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.authDur = d
}

func (m *requestMetrics) ObserveCommand(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.commandDur = d
}

func (m *requestMetrics) Log(c echo.Context, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":    c.Path(),
		"method":   c.Request().Method,
		"status":   c.Response().Status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDur > 0 {
		fields["auth_ms"] = durationToMillis(m.authDur)
	}
	if m.commandDur > 0 {
		fields["command_ms"] = durationToMillis(m.commandDur)
	}
	if kind, ok := c.Get(errorKindKey).(string); ok && kind != "" {
		fields["error_kind"] = kind
	}
	if stage, ok := c.Get(errorStageKey).(string); ok && stage != "" {
		fields["error_stage"] = stage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("http.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
