package risk

import (
	"sync"

	"go.uber.org/zap"
)

type notification struct {
	alert  *RiskAlert
	reason string
}

// notifier delivers alerts and emergency-stop notifications in publish order.
// A handler that publishes while a delivery is in progress has its
// notification queued behind the current one instead of recursing.
type notifier struct {
	logger *zap.Logger

	mu            sync.Mutex
	queue         []notification
	draining      bool
	alertHandlers []AlertHandler
	stopHandlers  []EmergencyStopHandler
}

func newNotifier(logger *zap.Logger) *notifier {
	return &notifier{logger: logger}
}

func (n *notifier) addAlertHandler(h AlertHandler) {
	n.mu.Lock()
	n.alertHandlers = append(n.alertHandlers, h)
	n.mu.Unlock()
}

func (n *notifier) addStopHandler(h EmergencyStopHandler) {
	n.mu.Lock()
	n.stopHandlers = append(n.stopHandlers, h)
	n.mu.Unlock()
}

func (n *notifier) publishAlerts(alerts []RiskAlert) {
	if len(alerts) == 0 {
		return
	}
	batch := make([]notification, len(alerts))
	for i := range alerts {
		a := alerts[i]
		batch[i] = notification{alert: &a}
	}
	n.publish(batch...)
}

func (n *notifier) publishEmergency(reason string) {
	n.publish(notification{reason: reason})
}

func (n *notifier) publish(batch ...notification) {
	n.mu.Lock()
	n.queue = append(n.queue, batch...)
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true

	for len(n.queue) > 0 {
		next := n.queue[0]
		n.queue = n.queue[1:]
		alertHandlers := append([]AlertHandler(nil), n.alertHandlers...)
		stopHandlers := append([]EmergencyStopHandler(nil), n.stopHandlers...)
		n.mu.Unlock()

		if next.alert != nil {
			for _, h := range alertHandlers {
				n.deliverAlert(h, *next.alert)
			}
		} else {
			for _, h := range stopHandlers {
				n.deliverStop(h, next.reason)
			}
		}

		n.mu.Lock()
	}

	n.draining = false
	n.mu.Unlock()
}

func (n *notifier) deliverAlert(h AlertHandler, alert RiskAlert) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("alert handler panicked", zap.Any("panic", r), zap.String("alert_id", alert.ID))
		}
	}()
	h(alert)
}

func (n *notifier) deliverStop(h EmergencyStopHandler, reason string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("emergency stop handler panicked", zap.Any("panic", r))
		}
	}()
	h(reason)
}
