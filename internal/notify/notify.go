package notify

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"qrattend/internal/metrics"
	"qrattend/internal/queue"
)

// Notification kinds understood by clients.
const (
	KindSubmitted = "attendance_submitted"
	KindApproved  = "attendance_approved"
	KindRejected  = "attendance_rejected"
)

// MessageType tags queue messages carrying notifications.
const MessageType = "notification"

// Notification is a best-effort message to a subject. Delivery transport is
// the worker's concern; failures are logged, never propagated.
type Notification struct {
	SubjectID string            `json:"subject_id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
}

// Dispatcher hands notifications off for asynchronous delivery.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// QueueDispatcher publishes notifications as JSON onto a queue.
type QueueDispatcher struct {
	q   queue.Queue
	log *zap.Logger
}

// NewQueueDispatcher wraps a queue backend.
func NewQueueDispatcher(q queue.Queue, log *zap.Logger) *QueueDispatcher {
	return &QueueDispatcher{q: q, log: log}
}

// Notify marshals and publishes the notification.
func (d *QueueDispatcher) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := d.q.Publish(ctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		return err
	}
	metrics.NotificationsPublished.Inc()
	d.log.Debug("notification published",
		zap.String("subject", n.SubjectID),
		zap.String("kind", n.Kind))
	return nil
}

// Nop discards all notifications. Used in tests and when no queue is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
