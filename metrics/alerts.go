package metrics

import (
	"go.uber.org/zap"

	"onesided-maker/risk"
)

// AlertSink logs risk alerts at a level matching their severity and
// counts them by level and type.
type AlertSink struct {
	metrics *Metrics
	logger  *zap.Logger
}

func NewAlertSink(m *Metrics, logger *zap.Logger) *AlertSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSink{metrics: m, logger: logger.Named("alerts")}
}

// HandleAlert satisfies risk.AlertHandler.
func (a *AlertSink) HandleAlert(alert risk.RiskAlert) {
	a.metrics.Alerts.WithLabelValues(string(alert.Level), string(alert.Type)).Inc()

	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("symbol", alert.Symbol),
		zap.String("value", alert.Value.String()),
		zap.String("limit", alert.Limit.String()),
		zap.String("action", alert.RecommendedAction),
	}
	switch alert.Level {
	case risk.AlertEmergency:
		a.logger.Error("🚨 "+alert.Message, fields...)
	case risk.AlertCritical:
		a.logger.Error("⚠️ "+alert.Message, fields...)
	default:
		a.logger.Warn(alert.Message, fields...)
	}
}

// HandleEmergencyStop satisfies risk.EmergencyStopHandler.
func (a *AlertSink) HandleEmergencyStop(reason string) {
	a.metrics.EmergencyStop.Set(1)
	a.logger.Error("🛑 Emergency stop latched", zap.String("reason", reason))
}
