// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricStepCreated    = "stepmill_step_created_total"
	metricClusterCreated = "stepmill_cluster_created_total"
	metricAssignment     = "stepmill_assignment_total"
)

var metricLabels = []string{"owner", "is_test"}

// metricsSink implements scheduler.MetricsSink on a prometheus
// registry. Counts are best effort: an unknown metric name is an
// error for the caller to log, never a panic.
type metricsSink struct {
	counters map[string]*prometheus.CounterVec
}

func newMetricsSink(reg *prometheus.Registry) *metricsSink {
	sink := &metricsSink{counters: map[string]*prometheus.CounterVec{}}
	for name, help := range map[string]string{
		metricStepCreated:    "Number of steps created via the management API.",
		metricClusterCreated: "Number of clusters provisioned or registered.",
		metricAssignment:     "Number of steps assigned to clusters.",
	} {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, metricLabels)
		reg.MustRegister(vec)
		sink.counters[name] = vec
	}
	return sink
}

func (m *metricsSink) RecordCount(name string, tags map[string]string) error {
	vec, ok := m.counters[name]
	if !ok {
		return fmt.Errorf("unknown metric %q", name)
	}
	labels := prometheus.Labels{}
	for _, label := range metricLabels {
		labels[label] = tags[label]
	}
	vec.With(labels).Inc()
	return nil
}
