// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/emr"
	emrtypes "github.com/aws/aws-sdk-go-v2/service/emr/types"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// emrAPI is the subset of the EMR client used here, split out so
// tests can substitute a stub.
type emrAPI interface {
	RunJobFlow(ctx context.Context, in *emr.RunJobFlowInput, opts ...func(*emr.Options)) (*emr.RunJobFlowOutput, error)
	AddJobFlowSteps(ctx context.Context, in *emr.AddJobFlowStepsInput, opts ...func(*emr.Options)) (*emr.AddJobFlowStepsOutput, error)
	DescribeCluster(ctx context.Context, in *emr.DescribeClusterInput, opts ...func(*emr.Options)) (*emr.DescribeClusterOutput, error)
	DescribeStep(ctx context.Context, in *emr.DescribeStepInput, opts ...func(*emr.Options)) (*emr.DescribeStepOutput, error)
	TerminateJobFlows(ctx context.Context, in *emr.TerminateJobFlowsInput, opts ...func(*emr.Options)) (*emr.TerminateJobFlowsOutput, error)
	CancelSteps(ctx context.Context, in *emr.CancelStepsInput, opts ...func(*emr.Options)) (*emr.CancelStepsOutput, error)
	ListClusters(ctx context.Context, in *emr.ListClustersInput, opts ...func(*emr.Options)) (*emr.ListClustersOutput, error)
}

type emrControlPlane struct {
	client emrAPI
}

// NewEMRFactory returns a Factory producing EMR-backed ControlPlanes.
// Each ControlPlane uses the given entity's EMR credentials, falling
// back to defaultRegion when the credential record does not name one.
func NewEMRFactory(defaultRegion string) Factory {
	return func(creds stepmill.Credentials) (ControlPlane, error) {
		if creds.EMR.Empty() {
			return nil, &CredentialsError{errors.New("no EMR credentials supplied")}
		}
		region := creds.EMR.Region
		if region == "" {
			region = defaultRegion
		}
		awscfg := aws.Config{
			Region: region,
			Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
				creds.EMR.AccessKeyID, creds.EMR.SecretAccessKey, creds.EMR.SessionToken)),
		}
		return &emrControlPlane{client: emr.NewFromConfig(awscfg)}, nil
	}
}

func (cp *emrControlPlane) CreateCluster(ctx context.Context, lc stepmill.LaunchConfig) (string, error) {
	var in emr.RunJobFlowInput
	if err := json.Unmarshal(lc, &in); err != nil {
		return "", &CreateClusterError{fmt.Errorf("invalid launch configuration: %w", err)}
	}
	out, err := cp.client.RunJobFlow(ctx, &in)
	if err != nil {
		return "", &CreateClusterError{err}
	}
	return aws.ToString(out.JobFlowId), nil
}

func (cp *emrControlPlane) AddSteps(ctx context.Context, clusterID string, stepConfigs []json.RawMessage) ([]string, error) {
	in := emr.AddJobFlowStepsInput{JobFlowId: aws.String(clusterID)}
	for _, raw := range stepConfigs {
		var sc emrtypes.StepConfig
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, &UnableToAssignError{clusterID, fmt.Errorf("invalid step configuration: %w", err)}
		}
		in.Steps = append(in.Steps, sc)
	}
	out, err := cp.client.AddJobFlowSteps(ctx, &in)
	if err != nil {
		return nil, &UnableToAssignError{clusterID, err}
	}
	if len(out.StepIds) < len(stepConfigs) {
		return nil, &UnableToAssignError{clusterID, fmt.Errorf("requested %d steps, got %d step ids", len(stepConfigs), len(out.StepIds))}
	}
	return out.StepIds, nil
}

func (cp *emrControlPlane) DescribeCluster(ctx context.Context, clusterID string) (json.RawMessage, error) {
	out, err := cp.client.DescribeCluster(ctx, &emr.DescribeClusterInput{ClusterId: aws.String(clusterID)})
	if err != nil {
		return nil, &UpdateStatusError{ClusterID: clusterID, err: err}
	}
	return marshalSnapshot(out, &UpdateStatusError{ClusterID: clusterID})
}

func (cp *emrControlPlane) DescribeStep(ctx context.Context, clusterID, stepID string) (json.RawMessage, error) {
	out, err := cp.client.DescribeStep(ctx, &emr.DescribeStepInput{
		ClusterId: aws.String(clusterID),
		StepId:    aws.String(stepID),
	})
	if err != nil {
		return nil, &UpdateStatusError{ClusterID: clusterID, StepID: stepID, err: err}
	}
	return marshalSnapshot(out, &UpdateStatusError{ClusterID: clusterID, StepID: stepID})
}

func (cp *emrControlPlane) TerminateCluster(ctx context.Context, clusterID string) error {
	_, err := cp.client.TerminateJobFlows(ctx, &emr.TerminateJobFlowsInput{JobFlowIds: []string{clusterID}})
	if err != nil {
		return &UnableToTerminateError{clusterID, err}
	}
	return nil
}

func (cp *emrControlPlane) CancelStep(ctx context.Context, clusterID, stepID string) error {
	out, err := cp.client.CancelSteps(ctx, &emr.CancelStepsInput{
		ClusterId: aws.String(clusterID),
		StepIds:   []string{stepID},
	})
	if err != nil {
		return &CancelError{clusterID, stepID, err}
	}
	for _, info := range out.CancelStepsInfoList {
		if info.Status == emrtypes.CancelStepsRequestStatusFailed {
			return &CancelError{clusterID, stepID, fmt.Errorf("cancellation rejected: %s", aws.ToString(info.Reason))}
		}
	}
	return nil
}

func (cp *emrControlPlane) CheckCredentials(ctx context.Context) error {
	_, err := cp.client.ListClusters(ctx, &emr.ListClustersInput{})
	if err != nil {
		return &CredentialsError{err}
	}
	return nil
}

// marshalSnapshot re-encodes an SDK response as the JSON snapshot
// stored with the entity. wrap carries the entity ids for the error
// message in the (unlikely) case the response does not re-encode.
func marshalSnapshot(out interface{}, wrap *UpdateStatusError) (json.RawMessage, error) {
	buf, err := json.Marshal(out)
	if err != nil {
		wrap.err = err
		return nil, wrap
	}
	return buf, nil
}
