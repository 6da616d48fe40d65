// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the stepmill site configuration file, applying
// compiled-in defaults first.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"

	"sigs.k8s.io/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

type logger interface {
	Warnf(string, ...interface{})
}

type Loader struct {
	Stdin  io.Reader
	Logger logger
	Path   string

	// Fail if the file has entries that do not correspond to any
	// config key, instead of ignoring them.
	Strict bool

	configdata []byte
}

// NewLoader returns a Loader with the default config path: the
// STEPMILL_CONFIG environment variable if set, otherwise
// stepmill.DefaultConfigFile.
func NewLoader(stdin io.Reader, log logger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: log}
	if p := os.Getenv("STEPMILL_CONFIG"); p != "" {
		ldr.Path = p
	} else {
		ldr.Path = stepmill.DefaultConfigFile
	}
	return ldr
}

// SetupFlags adds a -config flag to flagset that overrides the
// loader's Path.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (default may be overridden by setting the STEPMILL_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes() ([]byte, error) {
	if ldr.Path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	return os.ReadFile(ldr.Path)
}

// Load returns the effective site configuration: compiled-in defaults
// overridden by the content of Path ("-" means stdin).
func (ldr *Loader) Load() (*stepmill.Config, error) {
	buf, err := ldr.loadBytes()
	if err != nil {
		return nil, err
	}
	var cfg stepmill.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading compiled-in defaults: %s", err)
	}
	unmarshal := yaml.Unmarshal
	if ldr.Strict {
		unmarshal = yaml.UnmarshalStrict
	}
	if err := unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	if err := ldr.checkConfig(&cfg); err != nil {
		return nil, err
	}
	ldr.configdata = buf
	return &cfg, nil
}

func (ldr *Loader) checkConfig(cfg *stepmill.Config) error {
	sc := &cfg.Stepmill
	if sc.Listen == "" {
		return fmt.Errorf("Listen must be an address:port or :port")
	}
	if sc.CredentialsKey != "" {
		key, err := base64.StdEncoding.DecodeString(sc.CredentialsKey)
		if err != nil {
			return fmt.Errorf("CredentialsKey is not valid base64: %s", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("CredentialsKey must decode to 32 bytes, not %d", len(key))
		}
	}
	if sc.Dispatch.FrequencyLimitCoefficient <= 0 {
		return fmt.Errorf("Dispatch.FrequencyLimitCoefficient must be greater than zero")
	}
	if sc.Dispatch.UserClusterLifetime <= 0 {
		return fmt.Errorf("Dispatch.UserClusterLifetime must be greater than zero")
	}
	for opname, budget := range map[string]stepmill.QuotaBudget{
		"RunJobFlow":        sc.Dispatch.Quota.RunJobFlow,
		"AddJobFlowSteps":   sc.Dispatch.Quota.AddJobFlowSteps,
		"DescribeCluster":   sc.Dispatch.Quota.DescribeCluster,
		"DescribeStep":      sc.Dispatch.Quota.DescribeStep,
		"TerminateJobFlows": sc.Dispatch.Quota.TerminateJobFlows,
		"CancelSteps":       sc.Dispatch.Quota.CancelSteps,
	} {
		if budget.Rate <= 0 {
			return fmt.Errorf("Dispatch.Quota.%s.Rate must be greater than zero", opname)
		}
		if budget.Burst < 0 {
			return fmt.Errorf("Dispatch.Quota.%s.Burst must not be negative", opname)
		}
	}
	if sc.ManagementToken == "" && ldr.Logger != nil {
		ldr.Logger.Warnf("ManagementToken is empty: management API is unauthenticated")
	}
	return nil
}

// RegisterMetrics registers metrics showing the timestamp and content
// hash of the loaded configuration.
func (ldr *Loader) RegisterMetrics(reg *prometheus.Registry) {
	hash := fmt.Sprintf("%x", sha256.Sum256(ldr.configdata))
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stepmill",
		Name:      "config_load_timestamp_seconds",
		Help:      "Time when configuration was loaded.",
	}, []string{"sha256"})
	vec.WithLabelValues(hash).SetToCurrentTime()
	reg.MustRegister(vec)
}
