// Package metrics 汇总服务端的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_rooms_active",
		Help: "Rooms currently held by the registry, including rooms in their grace period",
	})

	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_rooms_created_total",
		Help: "Total rooms created",
	})

	RoomsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_rooms_swept_total",
		Help: "Total empty rooms deleted by the sweep after the grace period",
	})

	RoomJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_room_joins_total",
		Help: "Room join attempts by result",
	}, []string{"result"}) // ok, not_found, full

	GraceCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_room_grace_cancellations_total",
		Help: "Joins that arrived during a room's grace period and cancelled its deletion",
	})

	CanvasEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_events_total",
		Help: "Canvas events received, split by whether they changed the stored canvas",
	}, []string{"outcome"}) // applied, relayed

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_ws_connections",
		Help: "Open websocket connections",
	})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ws_messages_dropped_total",
		Help: "Realtime messages dropped before handling",
	}, []string{"reason"}) // rate_limited, malformed, send_full
)
