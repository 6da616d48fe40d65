// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"testing"

	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&TriggerSuite{})

type TriggerSuite struct{}

func (s *TriggerSuite) TestParseTrigger(c *check.C) {
	for _, trial := range []struct {
		body    string
		stepIDs []int64
		ok      bool
	}{
		{"", nil, true},
		{"  \n", nil, true},
		{`{"execution_id": "emr-pipeline-2024-05-01"}`, nil, true},
		{`{"execution_id": 12345}`, nil, true},
		{`{"topic": "stepmill-steps", "msg": {"steps": [4, 8]}}`, []int64{4, 8}, true},
		{`{"topic": "stepmill-steps", "msg": {"steps": []}}`, nil, false},
		{`{"topic": "stepmill-steps"}`, nil, false},
		{`{}`, nil, false},
		{`{"something": "else"}`, nil, false},
		{`not json`, nil, false},
	} {
		c.Logf("body %q", trial.body)
		stepIDs, err := parseTrigger([]byte(trial.body))
		if !trial.ok {
			c.Check(err, check.FitsTypeOf, &ParseRequestError{})
			continue
		}
		c.Check(err, check.IsNil)
		c.Check(stepIDs, check.DeepEquals, trial.stepIDs)
	}
}
