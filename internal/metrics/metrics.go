package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Check-in and session counters exposed on /metrics.
var (
	CheckinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_checkins_total",
		Help: "Attendance records created, by method and initial status.",
	}, []string{"method", "status"})

	ReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_reviews_total",
		Help: "Approve/reject decisions on pending records.",
	}, []string{"decision"})

	SessionConsumptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_session_consumptions_total",
		Help: "Successful QR session consumptions.",
	})

	SessionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_sessions_swept_total",
		Help: "Sessions deactivated by the expiry sweeper.",
	})

	NotificationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_notifications_published_total",
		Help: "Notifications handed to the dispatch queue.",
	})

	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_notifications_delivered_total",
		Help: "Notifications delivered by the worker.",
	})
)
