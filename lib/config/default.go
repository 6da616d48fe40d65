// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

// DefaultYAML is the complete default configuration. Every key
// accepted in a site configuration file appears here.
var DefaultYAML = []byte(`Stepmill:
  Listen: ":9310"

  # Token clients must supply (as a Bearer token) to use the
  # management API, the health check endpoint, and the metrics
  # endpoint. Empty means the management API is unauthenticated and
  # health/metrics endpoints are disabled.
  ManagementToken: ""

  # Base64-encoded 32-byte key used to encrypt caller-supplied AWS
  # credentials at rest. Empty means credentials are stored in the
  # clear; suitable only for development.
  CredentialsKey: ""

  MaxConcurrentRequests: 64
  MaxQueuedRequests: 64

  SystemLogs:
    LogLevel: info
    Format: json

  PostgreSQL:
    ConnectionPool: 32
    Connection:
      host: ""
      port: ""
      user: ""
      password: ""
      dbname: stepmill

  AWS:
    Region: us-east-1

  Dispatch:
    # How often to run a scheduling pass when no trigger request
    # arrives. 0 means passes run only when triggered.
    PollInterval: 0s

    # Lifetime granted to user-registered clusters at creation.
    UserClusterLifetime: 4h

    # How long an idle scheduler-managed cluster with no termination
    # deadline is kept before it becomes expirable.
    IdleGrace: 15m

    # Scales every Quota Rate below; raising it spaces remote EMR
    # calls out further.
    FrequencyLimitCoefficient: 1.0

    # Per-operation EMR call budgets. During one scheduling pass the
    # first Burst calls of an operation run without delay; each
    # further call waits 1/(Rate*FrequencyLimitCoefficient) seconds.
    Quota:
      RunJobFlow:
        Burst: 10
        Rate: 0.5
      AddJobFlowSteps:
        Burst: 10
        Rate: 0.5
      DescribeCluster:
        Burst: 10
        Rate: 1.0
      DescribeStep:
        Burst: 10
        Rate: 0.5
      TerminateJobFlows:
        Burst: 10
        Rate: 0.5
      CancelSteps:
        Burst: 10
        Rate: 0.2

  # Where named launch configuration templates are stored.
  Configurations:
    Bucket: ""
    Prefix: cluster-configs

  # Where to announce that unassigned steps are waiting. Empty
  # Endpoint disables publishing.
  Notify:
    Endpoint: ""
    Topic: stepmill-work-available
`)
