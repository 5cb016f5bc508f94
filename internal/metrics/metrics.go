// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

// Package metrics holds the Prometheus collectors for the CA and its API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet_ca"

var (
	// certificatesIssued counts signed certificates.
	// Labels: source (sign, autosign, generate)
	certificatesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificates_issued_total",
			Help:      "Total number of certificates signed, grouped by how signing was triggered",
		},
		[]string{"source"},
	)

	certificatesRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificates_revoked_total",
			Help:      "Total number of certificates revoked or cleaned",
		},
	)

	// requestsSubmitted counts CSRs received from remote nodes.
	// Labels: autosigned (true, false)
	requestsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Total number of certificate requests submitted by nodes",
		},
		[]string{"autosigned"},
	)

	// bootstrapTotal counts CA initialisations.
	// Labels: result (ready, failed)
	bootstrapTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_total",
			Help:      "Total number of CA initialisations grouped by outcome",
		},
		[]string{"result"},
	)

	// authzDecisions counts authorization engine verdicts.
	// Labels: namespace, decision (allow, deny)
	authzDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Total number of authorization decisions grouped by namespace and verdict",
		},
		[]string{"namespace", "decision"},
	)

	// httpRequestDuration tracks API latency.
	// Labels: method, route, code
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route", "code"},
	)
)

// RecordIssued records a newly signed certificate.
func RecordIssued(source string) {
	certificatesIssued.WithLabelValues(source).Inc()
}

// RecordRevoked records a revoked certificate.
func RecordRevoked() {
	certificatesRevoked.Inc()
}

// RecordRequest records a CSR submission.
func RecordRequest(autosigned bool) {
	requestsSubmitted.WithLabelValues(strconv.FormatBool(autosigned)).Inc()
}

// RecordBootstrap records the outcome of a CA initialisation.
func RecordBootstrap(result string) {
	bootstrapTotal.WithLabelValues(result).Inc()
}

// RecordDecision records an authorization verdict for namespace.
func RecordDecision(ns string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	authzDecisions.WithLabelValues(ns, decision).Inc()
}

// ObserveRequest records one served API request.
func ObserveRequest(method, route string, code int, elapsed time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
