// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stepstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stepmill/stepmill/lib/ctrlctx"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

type configurationRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Version   string    `db:"version"`
	URI       string    `db:"uri"`
	CreatedAt time.Time `db:"created_at"`
}

func (row configurationRow) configuration() stepmill.ClusterConfiguration {
	return stepmill.ClusterConfiguration{
		ID:        row.ID,
		Name:      row.Name,
		Version:   row.Version,
		URI:       row.URI,
		CreatedAt: row.CreatedAt,
	}
}

// AddConfiguration inserts a new launch configuration template
// version and fills in its id and timestamp.
func (st *Store) AddConfiguration(ctx context.Context, cc *stepmill.ClusterConfiguration) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	return tx.QueryRowxContext(ctx, `
		INSERT INTO configurations (name, version, uri)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		cc.Name, cc.Version, cc.URI,
	).Scan(&cc.ID, &cc.CreatedAt)
}

// ListConfigurations returns template versions, newest first. An
// empty name means all templates.
func (st *Store) ListConfigurations(ctx context.Context, name string) ([]stepmill.ClusterConfiguration, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var rows []configurationRow
	if name != "" {
		err = tx.SelectContext(ctx, &rows, `
			SELECT id, name, version, uri, created_at FROM configurations
			WHERE name=$1 ORDER BY version DESC`, name)
	} else {
		err = tx.SelectContext(ctx, &rows, `
			SELECT id, name, version, uri, created_at FROM configurations
			ORDER BY name, version DESC`)
	}
	if err != nil {
		return nil, err
	}
	ccs := make([]stepmill.ClusterConfiguration, 0, len(rows))
	for _, row := range rows {
		ccs = append(ccs, row.configuration())
	}
	return ccs, nil
}

// ResolveConfiguration returns the named template at the given
// version, or the latest version when version is empty. Returns
// ErrNotFound if no such template exists.
func (st *Store) ResolveConfiguration(ctx context.Context, name, version string) (*stepmill.ClusterConfiguration, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var row configurationRow
	if version != "" {
		err = tx.GetContext(ctx, &row, `
			SELECT id, name, version, uri, created_at FROM configurations
			WHERE name=$1 AND version=$2`, name, version)
	} else {
		err = tx.GetContext(ctx, &row, `
			SELECT id, name, version, uri, created_at FROM configurations
			WHERE name=$1 ORDER BY version DESC LIMIT 1`, name)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	cc := row.configuration()
	return &cc, nil
}
