package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refectory_entries_total",
		Help: "Entries registered at the gate.",
	})
	exitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refectory_exits_total",
		Help: "Exits registered at the gate.",
	})
	notFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refectory_unknown_badges_total",
		Help: "Scans of badge codes matching no student.",
	})
	failuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refectory_registration_failures_total",
		Help: "Cycles ending in a registration failure.",
	})
)
