// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stepmill

// AWSCredentials is one set of API credentials, as supplied by a
// caller when creating a step or registering a cluster.
type AWSCredentials struct {
	AccessKeyID     string `json:"aws_access_key_id"`
	SecretAccessKey string `json:"aws_secret_access_key"`
	SessionToken    string `json:"aws_session_token,omitempty"`
	Region          string `json:"region_name,omitempty"`
}

// Empty returns true if no key material is present.
func (c AWSCredentials) Empty() bool {
	return c.AccessKeyID == "" && c.SecretAccessKey == "" && c.SessionToken == ""
}

// Credentials holds the per-entity AWS credentials: one set for EMR
// calls and one for the S3 buckets the entity's job reads and writes.
// They are stored encrypted and never returned by any API.
type Credentials struct {
	EMR AWSCredentials `json:"emr"`
	S3  AWSCredentials `json:"s3"`
}

// Empty returns true if neither service has key material.
func (c Credentials) Empty() bool {
	return c.EMR.Empty() && c.S3.Empty()
}
