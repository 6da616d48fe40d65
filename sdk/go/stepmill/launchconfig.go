// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stepmill

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LaunchConfig is a RunJobFlow request body: the full description of
// an EMR cluster to provision. It is kept as raw JSON because callers
// supply arbitrary EMR request fields; stepmill only inspects the few
// it needs.
type LaunchConfig json.RawMessage

// MarshalJSON implements json.Marshaler.
func (lc LaunchConfig) MarshalJSON() ([]byte, error) {
	return json.RawMessage(lc).MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
func (lc *LaunchConfig) UnmarshalJSON(data []byte) error {
	return (*json.RawMessage)(lc).UnmarshalJSON(data)
}

// Canonicalize returns the configuration re-serialized with object
// keys sorted and insignificant whitespace removed, so equivalent
// configurations map to identical bytes.
func (lc LaunchConfig) Canonicalize() (LaunchConfig, error) {
	var doc interface{}
	if err := json.Unmarshal(lc, &doc); err != nil {
		return nil, fmt.Errorf("invalid launch configuration: %w", err)
	}
	canon, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return LaunchConfig(canon), nil
}

// Hash returns the hex SHA-256 digest of the canonical serialization.
// Steps and clusters with equal hashes are compatible for assignment.
func (lc LaunchConfig) Hash() (string, error) {
	canon, err := lc.Canonicalize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// Name returns the configuration's Name field, or "".
func (lc LaunchConfig) Name() string {
	var doc struct{ Name string }
	json.Unmarshal(lc, &doc)
	return doc.Name
}

// CustomizableParameters are the parameter names Customize accepts.
var CustomizableParameters = []string{"instance_type", "instance_count", "volume_size"}

// Customize returns a canonical copy of the configuration with the
// given bootstrap actions appended to BootstrapActions and the given
// parameter overrides applied:
//
//	instance_type   sets InstanceType on instance group 1
//	instance_count  sets InstanceCount on instance group 1
//	volume_size     sets the EBS volume SizeInGB on instance groups 0 and 1
//
// Overrides with null values are ignored. Any other parameter name,
// and any configuration without the instance groups an override
// needs, is an error.
func (lc LaunchConfig) Customize(bootstrapActions []json.RawMessage, params map[string]interface{}) (LaunchConfig, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(lc, &doc); err != nil {
		return nil, fmt.Errorf("invalid launch configuration: %w", err)
	}
	if len(bootstrapActions) > 0 {
		actions, _ := doc["BootstrapActions"].([]interface{})
		for _, raw := range bootstrapActions {
			var action interface{}
			if err := json.Unmarshal(raw, &action); err != nil {
				return nil, fmt.Errorf("invalid bootstrap action: %w", err)
			}
			actions = append(actions, action)
		}
		doc["BootstrapActions"] = actions
	}
	for param, value := range params {
		if value == nil {
			continue
		}
		switch param {
		case "instance_type":
			group, err := instanceGroup(doc, 1)
			if err != nil {
				return nil, err
			}
			group["InstanceType"] = value
		case "instance_count":
			group, err := instanceGroup(doc, 1)
			if err != nil {
				return nil, err
			}
			group["InstanceCount"] = value
		case "volume_size":
			for _, i := range []int{0, 1} {
				group, err := instanceGroup(doc, i)
				if err != nil {
					return nil, err
				}
				if err := setVolumeSize(group, value); err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("%q is not a customizable parameter", param)
		}
	}
	canon, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return LaunchConfig(canon), nil
}

func instanceGroup(doc map[string]interface{}, i int) (map[string]interface{}, error) {
	instances, ok := doc["Instances"].(map[string]interface{})
	if !ok {
		return nil, errors.New("launch configuration has no Instances section")
	}
	groups, ok := instances["InstanceGroups"].([]interface{})
	if !ok || len(groups) <= i {
		return nil, fmt.Errorf("launch configuration has no Instances.InstanceGroups[%d]", i)
	}
	group, ok := groups[i].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("launch configuration has no Instances.InstanceGroups[%d]", i)
	}
	return group, nil
}

func setVolumeSize(group map[string]interface{}, size interface{}) error {
	ebs, ok := group["EbsConfiguration"].(map[string]interface{})
	if !ok {
		return errors.New("instance group has no EbsConfiguration")
	}
	devices, ok := ebs["EbsBlockDeviceConfigs"].([]interface{})
	if !ok || len(devices) == 0 {
		return errors.New("instance group has no EbsBlockDeviceConfigs")
	}
	device, ok := devices[0].(map[string]interface{})
	if !ok {
		return errors.New("instance group has no EbsBlockDeviceConfigs")
	}
	volume, ok := device["VolumeSpecification"].(map[string]interface{})
	if !ok {
		return errors.New("block device has no VolumeSpecification")
	}
	volume["SizeInGB"] = size
	return nil
}

// ClusterConfiguration is a stepmill#clusterConfiguration resource: a
// named, versioned launch configuration template stored in the
// configuration bucket.
type ClusterConfiguration struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"created_at"`
}

// ConfigVersion formats t as a configuration version string. Versions
// sort lexically in chronological order.
func ConfigVersion(t time.Time) string {
	t = t.UTC()
	return t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}
