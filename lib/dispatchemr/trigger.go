// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"bytes"
	"encoding/json"
	"errors"
)

// parseTrigger interprets a scheduling-pass trigger payload and
// returns the step ids the pass should be restricted to. Three shapes
// are accepted:
//
//	(empty body)                               all unassigned steps
//	{"execution_id": ...}                      all unassigned steps
//	{"topic": ..., "msg": {"steps": [ids]}}    only the given steps
//
// The second is the envelope sent by workflow engines reporting a
// finished upstream execution; the third is the queue envelope
// emitted by lib/dispatchemr/notify. Anything else is a
// ParseRequestError.
func parseTrigger(body []byte) ([]int64, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var env struct {
		ExecutionID *json.RawMessage `json:"execution_id"`
		Topic       *string          `json:"topic"`
		Msg         *struct {
			Steps []int64 `json:"steps"`
		} `json:"msg"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, NewParseRequestError(err)
	}
	switch {
	case env.Topic != nil && env.Msg != nil:
		if len(env.Msg.Steps) == 0 {
			return nil, NewParseRequestError(errors.New("queue envelope names no steps"))
		}
		return env.Msg.Steps, nil
	case env.ExecutionID != nil:
		return nil, nil
	default:
		return nil, NewParseRequestError(errors.New("unrecognized trigger payload"))
	}
}
