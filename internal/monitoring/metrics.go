// Package monitoring exposes prometheus metrics for the allocation engine.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_registrations_total",
			Help: "Registrations by resulting state",
		},
		[]string{"state"},
	)

	departures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_departures_total",
			Help: "Unregistrations and rejections by prior state",
		},
		[]string{"state"},
	)

	promotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_promotions_total",
			Help: "Waitlist promotions by target bucket",
		},
		[]string{"state"},
	)

	denials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_guest_change_denials_total",
			Help: "Guest-count changes denied for capacity reasons",
		},
	)
)

// RecordRegistration counts one registration landing in state.
func RecordRegistration(state string) {
	registrations.WithLabelValues(state).Inc()
}

// RecordDeparture counts one departure out of state.
func RecordDeparture(state string) {
	departures.WithLabelValues(state).Inc()
}

// RecordPromotion counts one waiting registrant seated into state.
func RecordPromotion(state string) {
	promotions.WithLabelValues(state).Inc()
}

// RecordGuestChangeDenial counts one denied guest-count change.
func RecordGuestChangeDenial() {
	denials.Inc()
}

// Handler returns the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
