// Copyright 2024-2026 Aiku AI

// Package metrics holds the Prometheus collectors exported on the admin API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay directions used as label values.
const (
	ToTelegram = "wa_to_tg"
	ToWhatsApp = "tg_to_wa"
)

// Metrics holds every collector the bridge updates.
type Metrics struct {
	MessagesRelayed *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	RelayFailures   *prometheus.CounterVec
	Reconnects      prometheus.Counter
	ConnectionState prometheus.Gauge
	ThreadsCreated  prometheus.Counter
	Transcodes      *prometheus.CounterVec
}

// New registers the collectors on reg. Passing a fresh registry keeps tests
// independent of the process-wide default.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watg_messages_relayed_total",
			Help: "Messages relayed between WhatsApp and Telegram",
		}, []string{"direction", "kind"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watg_messages_dropped_total",
			Help: "Messages intentionally not relayed",
		}, []string{"direction", "reason"}),
		RelayFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watg_relay_failures_total",
			Help: "Messages that failed to relay",
		}, []string{"direction"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "watg_whatsapp_reconnects_total",
			Help: "WhatsApp reconnect attempts",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "watg_whatsapp_connection_state",
			Help: "Current WhatsApp connection state (0 disconnected, 3 open, 5 permanently closed)",
		}),
		ThreadsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "watg_threads_created_total",
			Help: "Forum threads created for conversations",
		}),
		Transcodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watg_transcodes_total",
			Help: "Media transcodes by target and result",
		}, []string{"target", "result"}),
	}
}

// RegisterDirectory exports directory sizes as gauges evaluated at scrape
// time.
func RegisterDirectory(reg prometheus.Registerer, counts func() (chats, users, contacts int)) {
	f := promauto.With(reg)
	for i, name := range []string{"chats", "users", "contacts"} {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "watg_directory_" + name,
			Help: "Number of " + name + " in the directory",
		}, func() float64 {
			c, u, ct := counts()
			return float64([]int{c, u, ct}[i])
		})
	}
}

// Nop returns collectors registered nowhere.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
