// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stepmill/stepmill/lib/cmd"
	"github.com/stepmill/stepmill/lib/service"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

var Command cmd.Handler = service.Command("dispatch-emr", newHandler)

func newHandler(ctx context.Context, sc *stepmill.ServiceConfig, reg *prometheus.Registry) service.Handler {
	disp := &dispatcher{
		Config:   sc,
		Context:  ctx,
		Registry: reg,
	}
	go disp.Start()
	return disp
}
