// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&MetricsSuite{})

type MetricsSuite struct{}

func (s *MetricsSuite) TestRecordCount(c *check.C) {
	reg := prometheus.NewRegistry()
	sink := newMetricsSink(reg)
	for i := 0; i < 3; i++ {
		err := sink.RecordCount(metricAssignment, map[string]string{"owner": "alice", "is_test": "false"})
		c.Check(err, check.IsNil)
	}
	mfs, err := reg.Gather()
	c.Assert(err, check.IsNil)
	var found *dto.MetricFamily
	for _, mf := range mfs {
		if mf.GetName() == metricAssignment {
			found = mf
		}
	}
	c.Assert(found, check.NotNil)
	c.Assert(found.Metric, check.HasLen, 1)
	c.Check(found.Metric[0].GetCounter().GetValue(), check.Equals, 3.0)
	labels := map[string]string{}
	for _, lp := range found.Metric[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	c.Check(labels, check.DeepEquals, map[string]string{"owner": "alice", "is_test": "false"})
}

func (s *MetricsSuite) TestUnknownMetric(c *check.C) {
	sink := newMetricsSink(prometheus.NewRegistry())
	c.Check(sink.RecordCount("stepmill_bogus_total", nil), check.NotNil)
}
