// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package stepstore persists steps, clusters, and launch
// configuration templates in PostgreSQL. All reads and writes go
// through the transaction attached to the caller's context (see
// lib/ctrlctx), so one scheduling pass commits as one unit of work.
package stepstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// ErrNotFound is returned by Get/Resolve methods when no row matches.
var ErrNotFound = errors.New("not found")

type Store struct {
	getdb func(context.Context) (*sqlx.DB, error)
	key   *[32]byte // nil means credentials are stored in the clear
}

// New returns a Store. credsKey is the base64-encoded 32-byte key
// used to seal stored credentials; empty means no encryption.
func New(getdb func(context.Context) (*sqlx.DB, error), credsKey string) (*Store, error) {
	st := &Store{getdb: getdb}
	if credsKey != "" {
		buf, err := base64.StdEncoding.DecodeString(credsKey)
		if err != nil {
			return nil, fmt.Errorf("decoding credentials key: %w", err)
		}
		if len(buf) != 32 {
			return nil, fmt.Errorf("credentials key must decode to 32 bytes, not %d", len(buf))
		}
		st.key = new([32]byte)
		copy(st.key[:], buf)
	}
	return st, nil
}

var schema = `
CREATE TABLE IF NOT EXISTS steps (
    id              bigserial PRIMARY KEY,
    remote_id       text NOT NULL DEFAULT '',
    name            text NOT NULL DEFAULT '',
    status          text NOT NULL,
    cluster_id      text NOT NULL DEFAULT '',
    owner           text NOT NULL DEFAULT '',
    is_test         boolean NOT NULL DEFAULT false,
    custom_metadata jsonb,
    step_config     jsonb,
    launch_config   jsonb,
    config_hash     text NOT NULL DEFAULT '',
    credentials     bytea,
    snapshot        jsonb,
    logs_uri        text NOT NULL DEFAULT '',
    created_on      timestamptz,
    started_on      timestamptz,
    ended_on        timestamptz,
    created_at      timestamptz NOT NULL DEFAULT now(),
    updated_at      timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS steps_status_idx ON steps (status);

CREATE TABLE IF NOT EXISTS clusters (
    id                   text PRIMARY KEY,
    name                 text NOT NULL DEFAULT '',
    status               text NOT NULL,
    managed_by_scheduler boolean NOT NULL DEFAULT false,
    owner                text NOT NULL DEFAULT '',
    launch_config        jsonb,
    config_hash          text NOT NULL DEFAULT '',
    credentials          bytea,
    assigned_steps       jsonb,
    terminate_on         timestamptz,
    snapshot             jsonb,
    ip_address           text NOT NULL DEFAULT '',
    logs_uri             text NOT NULL DEFAULT '',
    tags                 jsonb,
    created_on           timestamptz,
    ready_on             timestamptz,
    ended_on             timestamptz,
    created_at           timestamptz NOT NULL DEFAULT now(),
    updated_at           timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS clusters_status_idx ON clusters (status);

CREATE TABLE IF NOT EXISTS configurations (
    id         bigserial PRIMARY KEY,
    name       text NOT NULL,
    version    text NOT NULL,
    uri        text NOT NULL,
    created_at timestamptz NOT NULL DEFAULT now(),
    UNIQUE (name, version)
);
`

// SetupDatabase creates the tables and indexes if they do not exist
// yet. It runs outside any context transaction.
func (st *Store) SetupDatabase(ctx context.Context) error {
	db, err := st.getdb(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, schema)
	return err
}

// sqlPlaceholders returns "$start, $start+1, ..." for n values.
func sqlPlaceholders(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ph, ", ")
}

func stepTerminalStatusArgs() ([]interface{}, string) {
	args := make([]interface{}, len(stepmill.StepTerminalStatuses))
	for i, s := range stepmill.StepTerminalStatuses {
		args[i] = string(s)
	}
	return args, sqlPlaceholders(1, len(args))
}

func clusterTerminalStatusArgs() ([]interface{}, string) {
	args := make([]interface{}, len(stepmill.ClusterTerminalStatuses))
	for i, s := range stepmill.ClusterTerminalStatuses {
		args[i] = string(s)
	}
	return args, sqlPlaceholders(1, len(args))
}
