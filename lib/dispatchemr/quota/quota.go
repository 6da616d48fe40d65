// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package quota enforces per-operation budgets on remote EMR calls.
// During one scheduling pass, the first Burst calls of each operation
// run without delay; every further call waits 1/Rate seconds (scaled
// by the configured coefficient) before proceeding. The budget does
// not refill during a pass.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// Op identifies one rate-limited remote operation.
type Op string

const (
	OpRunJobFlow        = Op("RunJobFlow")
	OpAddJobFlowSteps   = Op("AddJobFlowSteps")
	OpDescribeCluster   = Op("DescribeCluster")
	OpDescribeStep      = Op("DescribeStep")
	OpTerminateJobFlows = Op("TerminateJobFlows")
	OpCancelSteps       = Op("CancelSteps")
)

// A Limiter is scoped to one scheduling pass: every pass starts with
// a fresh burst budget. It is safe for concurrent use (the two
// reconciliation streams share one).
type Limiter struct {
	budgets     map[Op]stepmill.QuotaBudget
	coefficient float64
	sleep       func(context.Context, time.Duration) error

	mtx    sync.Mutex
	counts map[Op]int
}

// NewLimiter returns a Limiter with the given per-operation budgets.
// coefficient scales the delay; values above 1 space remote calls out
// further than the configured rates require.
func NewLimiter(cfg stepmill.QuotaConfig, coefficient float64) *Limiter {
	if coefficient <= 0 {
		coefficient = 1
	}
	return &Limiter{
		budgets: map[Op]stepmill.QuotaBudget{
			OpRunJobFlow:        cfg.RunJobFlow,
			OpAddJobFlowSteps:   cfg.AddJobFlowSteps,
			OpDescribeCluster:   cfg.DescribeCluster,
			OpDescribeStep:      cfg.DescribeStep,
			OpTerminateJobFlows: cfg.TerminateJobFlows,
			OpCancelSteps:       cfg.CancelSteps,
		},
		coefficient: coefficient,
		sleep:       sleepContext,
		counts:      map[Op]int{},
	}
}

// Acquire blocks until the next call of the given operation may
// proceed. It returns early with ctx.Err() if the context is canceled
// while waiting.
func (lim *Limiter) Acquire(ctx context.Context, op Op) error {
	lim.mtx.Lock()
	n := lim.counts[op]
	lim.counts[op] = n + 1
	budget := lim.budgets[op]
	lim.mtx.Unlock()
	if n < budget.Burst {
		return nil
	}
	if budget.Rate <= 0 {
		// Unconfigured operation: nothing sensible to wait
		// for.
		return nil
	}
	delay := time.Duration(float64(time.Second) * lim.coefficient / budget.Rate)
	return lim.sleep(ctx, delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
