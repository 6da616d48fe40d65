// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stepstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stepmill/stepmill/lib/ctrlctx"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

const clusterColumns = `id, name, status, managed_by_scheduler, owner, launch_config,
	config_hash, credentials, assigned_steps, terminate_on, snapshot, ip_address,
	logs_uri, tags, created_on, ready_on, ended_on, created_at, updated_at`

type clusterRow struct {
	ID                 string     `db:"id"`
	Name               string     `db:"name"`
	Status             string     `db:"status"`
	ManagedByScheduler bool       `db:"managed_by_scheduler"`
	Owner              string     `db:"owner"`
	LaunchConfig       []byte     `db:"launch_config"`
	ConfigHash         string     `db:"config_hash"`
	Credentials        []byte     `db:"credentials"`
	AssignedSteps      []byte     `db:"assigned_steps"`
	TerminateOn        *time.Time `db:"terminate_on"`
	Snapshot           []byte     `db:"snapshot"`
	IPAddress          string     `db:"ip_address"`
	LogsURI            string     `db:"logs_uri"`
	Tags               []byte     `db:"tags"`
	CreatedOn          *time.Time `db:"created_on"`
	ReadyOn            *time.Time `db:"ready_on"`
	EndedOn            *time.Time `db:"ended_on"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func (st *Store) clusterFromRow(row *clusterRow) (*stepmill.Cluster, error) {
	creds, err := st.openCredentials(row.Credentials)
	if err != nil {
		return nil, err
	}
	cluster := &stepmill.Cluster{
		ID:                 row.ID,
		Name:               row.Name,
		Status:             stepmill.ClusterStatus(row.Status),
		ManagedByScheduler: row.ManagedByScheduler,
		Owner:              row.Owner,
		LaunchConfig:       stepmill.LaunchConfig(row.LaunchConfig),
		ConfigHash:         row.ConfigHash,
		Credentials:        creds,
		TerminateOn:        row.TerminateOn,
		Snapshot:           row.Snapshot,
		IPAddress:          row.IPAddress,
		LogsURI:            row.LogsURI,
		CreatedOn:          row.CreatedOn,
		ReadyOn:            row.ReadyOn,
		EndedOn:            row.EndedOn,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if len(row.AssignedSteps) > 0 {
		if err := json.Unmarshal(row.AssignedSteps, &cluster.AssignedSteps); err != nil {
			return nil, fmt.Errorf("cluster %s: invalid assigned_steps: %w", row.ID, err)
		}
	}
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &cluster.Tags); err != nil {
			return nil, fmt.Errorf("cluster %s: invalid tags: %w", row.ID, err)
		}
	}
	return cluster, nil
}

func (st *Store) clustersFromRows(rows []clusterRow) ([]*stepmill.Cluster, error) {
	clusters := make([]*stepmill.Cluster, 0, len(rows))
	for i := range rows {
		cluster, err := st.clusterFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, cluster)
	}
	return clusters, nil
}

func (st *Store) clusterArgs(cluster *stepmill.Cluster) ([]interface{}, error) {
	creds, err := st.sealCredentials(cluster.Credentials)
	if err != nil {
		return nil, err
	}
	var assigned, tags []byte
	if len(cluster.AssignedSteps) > 0 {
		if assigned, err = json.Marshal(cluster.AssignedSteps); err != nil {
			return nil, err
		}
	}
	if len(cluster.Tags) > 0 {
		if tags, err = json.Marshal(cluster.Tags); err != nil {
			return nil, err
		}
	}
	return []interface{}{
		cluster.ID, cluster.Name, string(cluster.Status), cluster.ManagedByScheduler,
		cluster.Owner, nullbytes(cluster.LaunchConfig), cluster.ConfigHash, creds,
		nullbytes(assigned), cluster.TerminateOn, nullbytes(cluster.Snapshot),
		cluster.IPAddress, cluster.LogsURI, nullbytes(tags),
		cluster.CreatedOn, cluster.ReadyOn, cluster.EndedOn,
	}, nil
}

// AddCluster inserts a new cluster row and fills in its timestamps.
func (st *Store) AddCluster(ctx context.Context, cluster *stepmill.Cluster) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	args, err := st.clusterArgs(cluster)
	if err != nil {
		return err
	}
	return tx.QueryRowxContext(ctx, `
		INSERT INTO clusters (id, name, status, managed_by_scheduler, owner,
			launch_config, config_hash, credentials, assigned_steps, terminate_on,
			snapshot, ip_address, logs_uri, tags, created_on, ready_on, ended_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at`, args...,
	).Scan(&cluster.CreatedAt, &cluster.UpdatedAt)
}

// AddClusterNow inserts the cluster in its own immediately committed
// transaction, so the record survives even if the surrounding
// scheduling pass rolls back. The remote cluster already exists by
// the time this is called; losing the row would orphan it.
func (st *Store) AddClusterNow(ctx context.Context, cluster *stepmill.Cluster) error {
	tx, err := ctrlctx.NewTx(ctx)
	if err != nil {
		return err
	}
	err = st.AddCluster(ctrlctx.NewWithTransaction(ctx, tx), cluster)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveCluster updates an existing cluster row.
func (st *Store) SaveCluster(ctx context.Context, cluster *stepmill.Cluster) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	args, err := st.clusterArgs(cluster)
	if err != nil {
		return err
	}
	return tx.QueryRowxContext(ctx, `
		UPDATE clusters SET name=$2, status=$3, managed_by_scheduler=$4, owner=$5,
			launch_config=$6, config_hash=$7, credentials=$8, assigned_steps=$9,
			terminate_on=$10, snapshot=$11, ip_address=$12, logs_uri=$13, tags=$14,
			created_on=$15, ready_on=$16, ended_on=$17, updated_at=now()
		WHERE id=$1
		RETURNING updated_at`, args...,
	).Scan(&cluster.UpdatedAt)
}

// GetCluster returns the cluster with the given remote id, or
// ErrNotFound.
func (st *Store) GetCluster(ctx context.Context, id string) (*stepmill.Cluster, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var row clusterRow
	err = tx.GetContext(ctx, &row, `SELECT `+clusterColumns+` FROM clusters WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return st.clusterFromRow(&row)
}

// ListClusters returns all clusters, newest first. managed, if
// non-nil, filters on ManagedByScheduler.
func (st *Store) ListClusters(ctx context.Context, managed *bool) ([]*stepmill.Cluster, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var rows []clusterRow
	if managed != nil {
		err = tx.SelectContext(ctx, &rows, `
			SELECT `+clusterColumns+` FROM clusters
			WHERE managed_by_scheduler=$1 ORDER BY created_at DESC`, *managed)
	} else {
		err = tx.SelectContext(ctx, &rows, `
			SELECT `+clusterColumns+` FROM clusters ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	return st.clustersFromRows(rows)
}

// ActiveClusters returns the non-terminal clusters, i.e. the ones the
// reconciliation sweep should refresh.
func (st *Store) ActiveClusters(ctx context.Context) ([]*stepmill.Cluster, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	args, ph := clusterTerminalStatusArgs()
	var rows []clusterRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+clusterColumns+` FROM clusters
		WHERE status NOT IN (`+ph+`)
		ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	return st.clustersFromRows(rows)
}

// IdleManagedClusters returns the scheduler-managed clusters that are
// currently idle, oldest first so reuse is FIFO. The rows are
// deliberately not locked: see the scheduling pass documentation.
func (st *Store) IdleManagedClusters(ctx context.Context) ([]*stepmill.Cluster, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var rows []clusterRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+clusterColumns+` FROM clusters
		WHERE status=$1 AND managed_by_scheduler
		ORDER BY created_at`, string(stepmill.ClusterStatusWaiting))
	if err != nil {
		return nil, err
	}
	return st.clustersFromRows(rows)
}

// ExpiredClusters returns, locked FOR UPDATE, every non-terminal
// cluster whose termination deadline has passed.
func (st *Store) ExpiredClusters(ctx context.Context, now time.Time) ([]*stepmill.Cluster, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	args, ph := clusterTerminalStatusArgs()
	args = append(args, now)
	var rows []clusterRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+clusterColumns+` FROM clusters
		WHERE status NOT IN (`+ph+`)
			AND terminate_on IS NOT NULL
			AND terminate_on <= $`+fmt.Sprint(len(args))+`
		ORDER BY created_at FOR UPDATE`, args...)
	if err != nil {
		return nil, err
	}
	return st.clustersFromRows(rows)
}
