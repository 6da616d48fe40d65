// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stepstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/stepmill/stepmill/lib/ctrlctx"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

const stepColumns = `id, remote_id, name, status, cluster_id, owner, is_test,
	custom_metadata, step_config, launch_config, config_hash, credentials,
	snapshot, logs_uri, created_on, started_on, ended_on, created_at, updated_at`

type stepRow struct {
	ID             int64      `db:"id"`
	RemoteID       string     `db:"remote_id"`
	Name           string     `db:"name"`
	Status         string     `db:"status"`
	ClusterID      string     `db:"cluster_id"`
	Owner          string     `db:"owner"`
	IsTest         bool       `db:"is_test"`
	CustomMetadata []byte     `db:"custom_metadata"`
	StepConfig     []byte     `db:"step_config"`
	LaunchConfig   []byte     `db:"launch_config"`
	ConfigHash     string     `db:"config_hash"`
	Credentials    []byte     `db:"credentials"`
	Snapshot       []byte     `db:"snapshot"`
	LogsURI        string     `db:"logs_uri"`
	CreatedOn      *time.Time `db:"created_on"`
	StartedOn      *time.Time `db:"started_on"`
	EndedOn        *time.Time `db:"ended_on"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (st *Store) stepFromRow(row *stepRow) (*stepmill.Step, error) {
	creds, err := st.openCredentials(row.Credentials)
	if err != nil {
		return nil, err
	}
	return &stepmill.Step{
		ID:             row.ID,
		RemoteID:       row.RemoteID,
		Name:           row.Name,
		Status:         stepmill.StepStatus(row.Status),
		ClusterID:      row.ClusterID,
		Owner:          row.Owner,
		IsTest:         row.IsTest,
		CustomMetadata: row.CustomMetadata,
		StepConfig:     row.StepConfig,
		LaunchConfig:   stepmill.LaunchConfig(row.LaunchConfig),
		ConfigHash:     row.ConfigHash,
		Credentials:    creds,
		Snapshot:       row.Snapshot,
		LogsURI:        row.LogsURI,
		CreatedOn:      row.CreatedOn,
		StartedOn:      row.StartedOn,
		EndedOn:        row.EndedOn,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (st *Store) stepsFromRows(rows []stepRow) ([]*stepmill.Step, error) {
	steps := make([]*stepmill.Step, 0, len(rows))
	for i := range rows {
		step, err := st.stepFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// AddStep inserts a new step and fills in its assigned id and
// timestamps.
func (st *Store) AddStep(ctx context.Context, step *stepmill.Step) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	creds, err := st.sealCredentials(step.Credentials)
	if err != nil {
		return err
	}
	return tx.QueryRowxContext(ctx, `
		INSERT INTO steps (remote_id, name, status, cluster_id, owner, is_test,
			custom_metadata, step_config, launch_config, config_hash,
			credentials, snapshot, logs_uri, created_on, started_on, ended_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at`,
		step.RemoteID, step.Name, string(step.Status), step.ClusterID, step.Owner, step.IsTest,
		nullbytes(step.CustomMetadata), nullbytes(step.StepConfig), nullbytes(step.LaunchConfig), step.ConfigHash,
		creds, nullbytes(step.Snapshot), step.LogsURI, step.CreatedOn, step.StartedOn, step.EndedOn,
	).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
}

// SaveStep updates an existing step.
func (st *Store) SaveStep(ctx context.Context, step *stepmill.Step) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	creds, err := st.sealCredentials(step.Credentials)
	if err != nil {
		return err
	}
	return tx.QueryRowxContext(ctx, `
		UPDATE steps SET remote_id=$2, name=$3, status=$4, cluster_id=$5,
			owner=$6, is_test=$7, custom_metadata=$8, step_config=$9,
			launch_config=$10, config_hash=$11, credentials=$12, snapshot=$13,
			logs_uri=$14, created_on=$15, started_on=$16, ended_on=$17,
			updated_at=now()
		WHERE id=$1
		RETURNING updated_at`,
		step.ID, step.RemoteID, step.Name, string(step.Status), step.ClusterID,
		step.Owner, step.IsTest, nullbytes(step.CustomMetadata), nullbytes(step.StepConfig),
		nullbytes(step.LaunchConfig), step.ConfigHash, creds, nullbytes(step.Snapshot),
		step.LogsURI, step.CreatedOn, step.StartedOn, step.EndedOn,
	).Scan(&step.UpdatedAt)
}

// GetStep returns the step with the given id, or ErrNotFound.
func (st *Store) GetStep(ctx context.Context, id int64) (*stepmill.Step, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var row stepRow
	err = tx.GetContext(ctx, &row, `SELECT `+stepColumns+` FROM steps WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return st.stepFromRow(&row)
}

// ListSteps returns all steps, newest first.
func (st *Store) ListSteps(ctx context.Context) ([]*stepmill.Step, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var rows []stepRow
	err = tx.SelectContext(ctx, &rows, `SELECT `+stepColumns+` FROM steps ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	return st.stepsFromRows(rows)
}

// UnassignedSteps returns unassigned steps in id order, locked FOR
// UPDATE so concurrent passes cannot double-assign them. An empty ids
// slice means all unassigned steps.
func (st *Store) UnassignedSteps(ctx context.Context, ids []int64) ([]*stepmill.Step, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var rows []stepRow
	if len(ids) > 0 {
		err = tx.SelectContext(ctx, &rows, `
			SELECT `+stepColumns+` FROM steps
			WHERE status=$1 AND id = ANY($2)
			ORDER BY id FOR UPDATE`,
			string(stepmill.StepStatusUnassigned), pq.Array(ids))
	} else {
		err = tx.SelectContext(ctx, &rows, `
			SELECT `+stepColumns+` FROM steps
			WHERE status=$1
			ORDER BY id FOR UPDATE`,
			string(stepmill.StepStatusUnassigned))
	}
	if err != nil {
		return nil, err
	}
	return st.stepsFromRows(rows)
}

// ActiveSteps returns the placed, non-terminal steps, i.e. the ones
// the reconciliation sweep should refresh.
func (st *Store) ActiveSteps(ctx context.Context) ([]*stepmill.Step, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	args, ph := stepTerminalStatusArgs()
	var rows []stepRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+stepColumns+` FROM steps
		WHERE status NOT IN (`+ph+`) AND remote_id <> ''
		ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return st.stepsFromRows(rows)
}

// nullbytes maps empty JSON blobs to NULL so jsonb columns never see
// zero-length input (which PostgreSQL rejects).
func nullbytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
