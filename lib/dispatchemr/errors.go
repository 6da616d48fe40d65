// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"fmt"
	"net/http"
)

// ParseRequestError is returned for a request body whose shape is not
// one of the accepted trigger or management payloads.
type ParseRequestError struct {
	err error
}

func NewParseRequestError(err error) error { return &ParseRequestError{err: err} }

func (e *ParseRequestError) Error() string   { return fmt.Sprintf("cannot parse request: %s", e.err) }
func (e *ParseRequestError) Unwrap() error   { return e.err }
func (e *ParseRequestError) HTTPStatus() int { return http.StatusBadRequest }

// WorkUnitCreationError is returned when a step or cluster cannot be
// materialized from a management request, e.g. because its
// credentials fail verification.
type WorkUnitCreationError struct {
	Kind string // "step" or "cluster"
	err  error
}

func NewWorkUnitCreationError(kind string, err error) error {
	return &WorkUnitCreationError{Kind: kind, err: err}
}

func (e *WorkUnitCreationError) Error() string {
	return fmt.Sprintf("cannot create %s: %s", e.Kind, e.err)
}
func (e *WorkUnitCreationError) Unwrap() error   { return e.err }
func (e *WorkUnitCreationError) HTTPStatus() int { return http.StatusBadRequest }
