// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors on a private
// registry. Expose it with promhttp.HandlerFor(metrics.Registry(), ...).
type Metrics struct {
	registry *prometheus.Registry

	olmSessionsCreated  *prometheus.CounterVec
	decryptFailures     *prometheus.CounterVec
	floodRejections     prometheus.Counter
	megolmRotations     prometheus.Counter
	roomKeysShared      prometheus.Counter
	roomKeyShareFails   prometheus.Counter
	deviceKeysRejected  prometheus.Counter
	oneTimeKeysUploaded prometheus.Counter
	keyQueryFailures    prometheus.Counter
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)
	return &Metrics{
		registry: registry,

		olmSessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "e2ee_olm_sessions_created_total",
			Help: "Olm sessions created, by direction.",
		}, []string{"direction"}),
		decryptFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "e2ee_decrypt_failures_total",
			Help: "Rejected decryptions, by protocol and reason.",
		}, []string{"protocol", "reason"}),
		floodRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_olm_session_flood_rejections_total",
			Help: "Pre-key messages rejected by the new-session rate limit.",
		}),
		megolmRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_megolm_sessions_created_total",
			Help: "Outbound Megolm sessions created, including rotations.",
		}),
		roomKeysShared: f.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_room_keys_shared_total",
			Help: "Megolm session keys delivered to devices.",
		}),
		roomKeyShareFails: f.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_room_key_share_failures_total",
			Help: "Devices skipped while distributing a Megolm session key.",
		}),
		deviceKeysRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_device_keys_rejected_total",
			Help: "Queried device key documents that failed verification.",
		}),
		oneTimeKeysUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_one_time_keys_uploaded_total",
			Help: "One-time keys published to the homeserver.",
		}),
		keyQueryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_key_query_failures_total",
			Help: "Device key queries that failed and will be retried.",
		}),
	}
}

// Registry returns the registry holding the engine's collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// decryptFailed counts a rejected decryption. reason is the sentinel
// the error matches.
func (m *Metrics) decryptFailed(protocol string, err error) {
	m.decryptFailures.WithLabelValues(protocol, failureReason(err)).Inc()
}
