package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// daemonMetrics registers one counter vector per outcome kind with the
// default prometheus registry, bumped from the query path.
type daemonMetrics struct {
	queries *prometheus.CounterVec
	errnos  *prometheus.CounterVec
}

func newDaemonMetrics() *daemonMetrics {
	m := &daemonMetrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolvd_queries_total",
			Help: "Queries handled, by network id and outcome",
		}, []string{"net", "outcome"}),
		errnos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolvd_errno_total",
			Help: "Failures returned to the caller, by errno name",
		}, []string{"errno"}),
	}
	prometheus.MustRegister(m.queries, m.errnos)
	return m
}
