package workers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matrix_events_dead_lettered_total",
		Help: "Events parked on the dead-letter topic",
	})

	syncCursorHeld = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matrix_member_sync_cursor_held_total",
		Help: "Member sync polls that kept the cursor behind a failed member",
	})
)
