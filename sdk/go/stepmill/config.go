// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stepmill

const DefaultConfigFile = "/etc/stepmill/config.yml"

// Config is the root of the stepmill configuration file.
type Config struct {
	Stepmill ServiceConfig
}

type ServiceConfig struct {
	Listen                string
	ManagementToken       string
	CredentialsKey        string
	MaxConcurrentRequests int
	MaxQueuedRequests     int
	SystemLogs            SystemLogs
	PostgreSQL            PostgreSQL
	AWS                   AWSConfig
	Dispatch              DispatchConfig
	Configurations        ConfigurationStore
	Notify                NotifyConfig
}

type SystemLogs struct {
	LogLevel string
	Format   string
}

type PostgreSQL struct {
	Connection     PostgreSQLConnection
	ConnectionPool int
}

type PostgreSQLConnection map[string]string

type AWSConfig struct {
	// Region used for API calls when a caller's credentials do not
	// name one.
	Region string
}

type DispatchConfig struct {
	// How often to run a scheduling pass with no trigger request
	// arriving. 0 disables the timer; passes then run on triggers
	// only.
	PollInterval Duration
	// Lifetime granted to user-registered clusters at creation.
	UserClusterLifetime Duration
	// How long an idle scheduler-managed cluster with no
	// termination deadline is kept before it becomes expirable.
	IdleGrace Duration
	// Scales every quota rate; >1 spaces remote calls out further.
	FrequencyLimitCoefficient float64
	Quota                     QuotaConfig
}

// QuotaConfig sets one budget per remote EMR operation.
type QuotaConfig struct {
	RunJobFlow        QuotaBudget
	AddJobFlowSteps   QuotaBudget
	DescribeCluster   QuotaBudget
	DescribeStep      QuotaBudget
	TerminateJobFlows QuotaBudget
	CancelSteps       QuotaBudget
}

// QuotaBudget allows Burst calls without delay during one scheduling
// pass; each further call waits 1/(Rate*FrequencyLimitCoefficient)
// seconds first.
type QuotaBudget struct {
	Burst int
	Rate  float64
}

// ConfigurationStore locates the bucket holding named launch
// configuration templates.
type ConfigurationStore struct {
	Bucket string
	Prefix string
}

// NotifyConfig sets where work-available notifications are published.
// An empty Endpoint disables publishing.
type NotifyConfig struct {
	Endpoint string
	Topic    string
}
