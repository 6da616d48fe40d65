// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package controlplane wraps the remote compute API that creates,
// inspects, and terminates EMR clusters and the steps running on
// them. All failures are returned as the typed errors in errors.go,
// so callers can react on error kind without knowing anything about
// the underlying transport.
package controlplane

import (
	"context"
	"encoding/json"

	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// A ControlPlane performs remote operations with one entity's
// credentials. Instances are constructed per entity and never shared.
type ControlPlane interface {
	// CreateCluster provisions a cluster from the given launch
	// configuration and returns its remote id.
	CreateCluster(ctx context.Context, lc stepmill.LaunchConfig) (string, error)

	// AddSteps submits the given step configurations to a running
	// cluster and returns their remote ids, in the same order.
	AddSteps(ctx context.Context, clusterID string, stepConfigs []json.RawMessage) ([]string, error)

	// DescribeCluster returns the remote status payload for a
	// cluster, re-encoded as JSON.
	DescribeCluster(ctx context.Context, clusterID string) (json.RawMessage, error)

	// DescribeStep returns the remote status payload for a step.
	DescribeStep(ctx context.Context, clusterID, stepID string) (json.RawMessage, error)

	// TerminateCluster shuts the cluster down.
	TerminateCluster(ctx context.Context, clusterID string) error

	// CancelStep asks the cluster to cancel a pending step.
	CancelStep(ctx context.Context, clusterID, stepID string) error

	// CheckCredentials performs a cheap read-only call to verify
	// the credentials this ControlPlane was built with are valid
	// and sufficiently privileged.
	CheckCredentials(ctx context.Context) error
}

// Factory builds a ControlPlane from one entity's credentials. It is
// the injection point for tests and for per-entity construction.
type Factory func(creds stepmill.Credentials) (ControlPlane, error)
