// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package notify publishes work-available notifications: when a step
// is created, the configured webhook receives the same queue envelope
// the trigger endpoint accepts, so a deployment can loop notifications
// straight back into scheduling passes.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// Publisher POSTs queue envelopes to a webhook. The zero endpoint
// disables publishing; every method is then a no-op.
type Publisher struct {
	logger   logrus.FieldLogger
	client   *retryablehttp.Client
	endpoint string
	topic    string
}

func New(logger logrus.FieldLogger, cfg stepmill.NotifyConfig) *Publisher {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	// retryablehttp's own logging is noise next to ours.
	client.Logger = nil
	return &Publisher{
		logger:   logger,
		client:   client,
		endpoint: cfg.Endpoint,
		topic:    cfg.Topic,
	}
}

type envelope struct {
	Topic string `json:"topic"`
	Msg   struct {
		Steps []int64 `json:"steps"`
	} `json:"msg"`
}

// StepsAvailable announces that the given steps are ready for
// assignment. Failures are logged and swallowed: notifications are
// best effort and a lost one only delays assignment until the next
// trigger.
func (p *Publisher) StepsAvailable(stepIDs ...int64) {
	if p == nil || p.endpoint == "" || len(stepIDs) == 0 {
		return
	}
	env := envelope{Topic: p.topic}
	env.Msg.Steps = stepIDs
	body, err := json.Marshal(env)
	if err != nil {
		p.logger.WithError(err).Error("cannot encode notification")
		return
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		p.logger.WithError(err).Error("cannot build notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.WithError(err).WithField("Endpoint", p.endpoint).Warn("cannot publish notification")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		p.logger.WithFields(logrus.Fields{
			"Endpoint":   p.endpoint,
			"StatusCode": resp.StatusCode,
		}).Warn(fmt.Sprintf("notification rejected: %s", resp.Status))
	}
}
