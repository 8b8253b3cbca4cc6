package checkin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checkinsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hanssup_checkins_total",
		Help: "Total number of check-in attempts",
	},
	[]string{"method", "outcome"}, // method: code/qr, outcome: success/pending/invalid/rejected/error
)
