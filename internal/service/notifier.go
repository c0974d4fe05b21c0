// notifier.go — уведомления администратора.
//
// Канал доставки внешний; сервис пишет уведомления в структурированный лог
// и считает их в Prometheus.
package service

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sm_notifications_total",
	Help: "Количество уведомлений администратора.",
}, []string{"level"})

// NotificationLevel — важность уведомления.
type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "INFO"
	NotifyWarning NotificationLevel = "WARNING"
	NotifyError   NotificationLevel = "ERROR"
)

// Notification — уведомление администратора.
type Notification struct {
	Tenant  string
	Level   NotificationLevel
	Title   string
	Message string
}

// Notifier доставляет уведомления администратору.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier пишет уведомления в лог.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier создаёт Notifier поверх slog.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notifier"))}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) {
	notificationsTotal.WithLabelValues(string(msg.Level)).Inc()

	level := slog.LevelInfo
	switch msg.Level {
	case NotifyWarning:
		level = slog.LevelWarn
	case NotifyError:
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, msg.Title,
		slog.String("tenant", msg.Tenant),
		slog.String("message", msg.Message),
	)
}
