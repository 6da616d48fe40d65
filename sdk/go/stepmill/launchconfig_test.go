// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stepmill

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LaunchConfigSuite{})

type LaunchConfigSuite struct{}

var testLaunchConfig = LaunchConfig(`{
	"Name": "etl-small",
	"ReleaseLabel": "emr-6.3.0",
	"LogUri": "s3://acme-emr-logs/jobs/",
	"Instances": {
		"InstanceGroups": [
			{
				"InstanceRole": "MASTER",
				"InstanceType": "m5.xlarge",
				"InstanceCount": 1,
				"EbsConfiguration": {
					"EbsBlockDeviceConfigs": [
						{"VolumeSpecification": {"VolumeType": "gp2", "SizeInGB": 32}}
					]
				}
			},
			{
				"InstanceRole": "CORE",
				"InstanceType": "m5.xlarge",
				"InstanceCount": 2,
				"EbsConfiguration": {
					"EbsBlockDeviceConfigs": [
						{"VolumeSpecification": {"VolumeType": "gp2", "SizeInGB": 32}}
					]
				}
			}
		]
	}
}`)

func (s *LaunchConfigSuite) TestHash(c *check.C) {
	h1, err := testLaunchConfig.Hash()
	c.Assert(err, check.IsNil)
	c.Check(h1, check.Matches, `[0-9a-f]{64}`)

	// Reordered keys and different whitespace hash the same.
	var doc map[string]interface{}
	c.Assert(json.Unmarshal([]byte(testLaunchConfig), &doc), check.IsNil)
	reserialized, err := json.MarshalIndent(doc, "    ", "  ")
	c.Assert(err, check.IsNil)
	h2, err := LaunchConfig(reserialized).Hash()
	c.Assert(err, check.IsNil)
	c.Check(h2, check.Equals, h1)

	doc["ReleaseLabel"] = "emr-6.4.0"
	changed, err := json.Marshal(doc)
	c.Assert(err, check.IsNil)
	h3, err := LaunchConfig(changed).Hash()
	c.Assert(err, check.IsNil)
	c.Check(h3, check.Not(check.Equals), h1)

	_, err = LaunchConfig(`{"Name":`).Hash()
	c.Check(err, check.ErrorMatches, `invalid launch configuration: .*`)
}

func (s *LaunchConfigSuite) TestName(c *check.C) {
	c.Check(testLaunchConfig.Name(), check.Equals, "etl-small")
	c.Check(LaunchConfig(`{}`).Name(), check.Equals, "")
}

func (s *LaunchConfigSuite) TestCustomizeParameters(c *check.C) {
	out, err := testLaunchConfig.Customize(nil, map[string]interface{}{
		"instance_type":  "r5.2xlarge",
		"instance_count": 8,
		"volume_size":    100,
		"skipped":        nil,
	})
	c.Assert(err, check.IsNil)

	var doc struct {
		Instances struct {
			InstanceGroups []struct {
				InstanceType     string
				InstanceCount    int
				EbsConfiguration struct {
					EbsBlockDeviceConfigs []struct {
						VolumeSpecification struct {
							VolumeType string
							SizeInGB   int
						}
					}
				}
			}
		}
	}
	c.Assert(json.Unmarshal([]byte(out), &doc), check.IsNil)
	master, core := doc.Instances.InstanceGroups[0], doc.Instances.InstanceGroups[1]
	c.Check(master.InstanceType, check.Equals, "m5.xlarge")
	c.Check(master.InstanceCount, check.Equals, 1)
	c.Check(core.InstanceType, check.Equals, "r5.2xlarge")
	c.Check(core.InstanceCount, check.Equals, 8)
	c.Check(master.EbsConfiguration.EbsBlockDeviceConfigs[0].VolumeSpecification.SizeInGB, check.Equals, 100)
	c.Check(core.EbsConfiguration.EbsBlockDeviceConfigs[0].VolumeSpecification.SizeInGB, check.Equals, 100)
	c.Check(core.EbsConfiguration.EbsBlockDeviceConfigs[0].VolumeSpecification.VolumeType, check.Equals, "gp2")
}

func (s *LaunchConfigSuite) TestCustomizeBootstrapActions(c *check.C) {
	base := LaunchConfig(`{
		"Name": "etl-small",
		"BootstrapActions": [{"Name": "existing"}]
	}`)
	out, err := base.Customize([]json.RawMessage{
		json.RawMessage(`{"Name": "install-deps", "ScriptBootstrapAction": {"Path": "s3://acme-scripts/deps.sh"}}`),
	}, nil)
	c.Assert(err, check.IsNil)
	var doc struct {
		BootstrapActions []struct{ Name string }
	}
	c.Assert(json.Unmarshal([]byte(out), &doc), check.IsNil)
	c.Assert(doc.BootstrapActions, check.HasLen, 2)
	c.Check(doc.BootstrapActions[0].Name, check.Equals, "existing")
	c.Check(doc.BootstrapActions[1].Name, check.Equals, "install-deps")
}

func (s *LaunchConfigSuite) TestCustomizeErrors(c *check.C) {
	_, err := testLaunchConfig.Customize(nil, map[string]interface{}{"spot_price": "0.2"})
	c.Check(err, check.ErrorMatches, `"spot_price" is not a customizable parameter`)

	_, err = LaunchConfig(`{"Name":"x"}`).Customize(nil, map[string]interface{}{"instance_type": "m5.xlarge"})
	c.Check(err, check.ErrorMatches, `launch configuration has no Instances section`)

	_, err = LaunchConfig(`{"Instances":{"InstanceGroups":[{}]}}`).Customize(nil, map[string]interface{}{"instance_count": 3})
	c.Check(err, check.ErrorMatches, `launch configuration has no Instances\.InstanceGroups\[1\]`)
}

func (s *LaunchConfigSuite) TestConfigVersion(c *check.C) {
	t1 := time.Date(2023, 5, 1, 10, 0, 0, 123456000, time.UTC)
	c.Check(ConfigVersion(t1), check.Equals, "20230501100000123456")
	t2 := t1.Add(time.Second)
	c.Check(ConfigVersion(t1) < ConfigVersion(t2), check.Equals, true)
}
