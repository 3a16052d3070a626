// Package postgres implements store.AssetStore on PostgreSQL via the pgx
// stdlib adapter. Unlike the embedded sqlite layout, this schema carries a
// run_start back-reference on resources, so ResourcesForRun works here.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/jsoncodec"
)

type DB struct {
	db         *sql.DB
	ignoreDups bool
}

// New opens a PostgreSQL database. ignoreDuplicates has the same meaning as
// for the sqlite backend: identical re-inserts become no-ops.
func New(dsn string, ignoreDuplicates bool) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d, ignoreDups: ignoreDuplicates}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS resources(
			seq BIGSERIAL PRIMARY KEY,
			uid TEXT NOT NULL UNIQUE,
			spec TEXT NOT NULL,
			resource_path TEXT NOT NULL,
			root TEXT NOT NULL,
			path_semantics TEXT NOT NULL,
			resource_kwargs JSONB NOT NULL,
			run_start TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_resources_run_start ON resources(run_start);`,
		`CREATE TABLE IF NOT EXISTS datums(
			seq BIGSERIAL PRIMARY KEY,
			datum_id TEXT NOT NULL UNIQUE,
			datum_kwargs JSONB NOT NULL,
			resource TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_datums_resource ON datums(resource);`,
		`CREATE TABLE IF NOT EXISTS resource_updates(
			seq BIGSERIAL PRIMARY KEY,
			resource TEXT NOT NULL,
			old JSONB NOT NULL,
			new JSONB NOT NULL,
			time DOUBLE PRECISION NOT NULL,
			cmd TEXT NOT NULL,
			cmd_kwargs JSONB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_resource_updates_resource ON resource_updates(resource);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) InsertResource(ctx context.Context, res document.Resource) error {
	kwargs, err := jsoncodec.Marshal(res.ResourceKwargs)
	if err != nil {
		return err
	}
	prev, err := p.GetResource(ctx, res.UID)
	switch {
	case err == nil:
		if p.ignoreDups && sameResource(prev, res) {
			return nil
		}
		return errdefs.DuplicateKey("resource", res.UID)
	case !errors.Is(err, errdefs.ErrResourceNotFound):
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO resources(uid, spec, resource_path, root, path_semantics, resource_kwargs, run_start)
		VALUES($1,$2,$3,$4,$5,$6,$7);`,
		res.UID, res.Spec, res.ResourcePath, res.Root, res.PathSemantics, kwargs, res.RunStart)
	return err
}

func (p *DB) InsertDatum(ctx context.Context, d document.Datum) error {
	prev, err := p.GetDatum(ctx, d.DatumID)
	switch {
	case err == nil:
		if p.ignoreDups && sameDatum(prev, d) {
			return nil
		}
		return errdefs.DuplicateKey("datum", d.DatumID)
	case !errors.Is(err, errdefs.ErrDatumNotFound):
		return err
	}
	kwargs, err := jsoncodec.Marshal(d.DatumKwargs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO datums(datum_id, datum_kwargs, resource) VALUES($1,$2,$3);`,
		d.DatumID, kwargs, d.Resource)
	return err
}

func (p *DB) InsertDatums(ctx context.Context, ds []document.Datum) error {
	if len(ds) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, d := range ds {
		var prevKwargs []byte
		var prevResource string
		err := tx.QueryRowContext(ctx, `
			SELECT datum_kwargs, resource FROM datums WHERE datum_id=$1;`, d.DatumID).
			Scan(&prevKwargs, &prevResource)
		switch {
		case err == nil:
			prev := document.Datum{DatumID: d.DatumID, Resource: prevResource}
			if err := jsoncodec.Unmarshal(prevKwargs, &prev.DatumKwargs); err != nil {
				return err
			}
			if p.ignoreDups && sameDatum(prev, d) {
				continue
			}
			return errdefs.DuplicateKey("datum", d.DatumID)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		kwargs, err := jsoncodec.Marshal(d.DatumKwargs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO datums(datum_id, datum_kwargs, resource) VALUES($1,$2,$3);`,
			d.DatumID, kwargs, d.Resource); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *DB) GetResource(ctx context.Context, uid string) (document.Resource, error) {
	var res document.Resource
	var kwargs []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT uid, spec, resource_path, root, path_semantics, resource_kwargs, run_start
		FROM resources WHERE uid=$1;`, uid).
		Scan(&res.UID, &res.Spec, &res.ResourcePath, &res.Root, &res.PathSemantics, &kwargs, &res.RunStart)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Resource{}, errdefs.ResourceNotFound(uid)
	}
	if err != nil {
		return document.Resource{}, err
	}
	if err := jsoncodec.Unmarshal(kwargs, &res.ResourceKwargs); err != nil {
		return document.Resource{}, err
	}
	return res, nil
}

func (p *DB) GetDatum(ctx context.Context, datumID string) (document.Datum, error) {
	var d document.Datum
	var kwargs []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT datum_id, datum_kwargs, resource FROM datums WHERE datum_id=$1;`, datumID).
		Scan(&d.DatumID, &kwargs, &d.Resource)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Datum{}, errdefs.DatumNotFound(datumID)
	}
	if err != nil {
		return document.Datum{}, err
	}
	if err := jsoncodec.Unmarshal(kwargs, &d.DatumKwargs); err != nil {
		return document.Datum{}, err
	}
	return d, nil
}

func (p *DB) ResourceForDatum(ctx context.Context, datumID string) (string, error) {
	var resource string
	err := p.db.QueryRowContext(ctx, `SELECT resource FROM datums WHERE datum_id=$1;`, datumID).Scan(&resource)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errdefs.DatumNotFound(datumID)
	}
	if err != nil {
		return "", err
	}
	return resource, nil
}

func (p *DB) CountDatums(ctx context.Context, resourceUID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datums WHERE resource=$1;`, resourceUID).Scan(&n)
	return n, err
}

func (p *DB) DatumPage(ctx context.Context, resourceUID string, skip, limit int) (document.DatumPage, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT datum_id, datum_kwargs FROM datums
		WHERE resource=$1 ORDER BY seq LIMIT $2 OFFSET $3;`, resourceUID, lim, skip)
	if err != nil {
		return document.DatumPage{}, err
	}
	defer rows.Close()
	datums := make([]document.Datum, 0)
	for rows.Next() {
		d := document.Datum{Resource: resourceUID}
		var kwargs []byte
		if err := rows.Scan(&d.DatumID, &kwargs); err != nil {
			return document.DatumPage{}, err
		}
		if err := jsoncodec.Unmarshal(kwargs, &d.DatumKwargs); err != nil {
			return document.DatumPage{}, err
		}
		datums = append(datums, d)
	}
	if err := rows.Err(); err != nil {
		return document.DatumPage{}, err
	}
	page, err := document.PackDatums(datums)
	if err != nil {
		return document.DatumPage{}, err
	}
	page.Resource = resourceUID
	return page, nil
}

func (p *DB) ResourcesForRun(ctx context.Context, runStartUID string) ([]document.Resource, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT uid, spec, resource_path, root, path_semantics, resource_kwargs, run_start
		FROM resources WHERE run_start=$1 ORDER BY seq;`, runStartUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]document.Resource, 0)
	for rows.Next() {
		var res document.Resource
		var kwargs []byte
		if err := rows.Scan(&res.UID, &res.Spec, &res.ResourcePath, &res.Root, &res.PathSemantics, &kwargs, &res.RunStart); err != nil {
			return nil, err
		}
		if err := jsoncodec.Unmarshal(kwargs, &res.ResourceKwargs); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (p *DB) ReviseResource(ctx context.Context, upd document.ResourceUpdate) error {
	oldB, err := jsoncodec.Marshal(upd.Old)
	if err != nil {
		return err
	}
	newB, err := jsoncodec.Marshal(upd.New)
	if err != nil {
		return err
	}
	cmdKwargs, err := jsoncodec.Marshal(upd.CmdKwargs)
	if err != nil {
		return err
	}
	kwargs, err := jsoncodec.Marshal(upd.New.ResourceKwargs)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `
		UPDATE resources SET spec=$1, resource_path=$2, root=$3, path_semantics=$4, resource_kwargs=$5
		WHERE uid=$6;`,
		upd.New.Spec, upd.New.ResourcePath, upd.New.Root, upd.New.PathSemantics, kwargs, upd.Resource)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.ResourceNotFound(upd.Resource)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resource_updates(resource, old, new, time, cmd, cmd_kwargs)
		VALUES($1,$2,$3,$4,$5,$6);`,
		upd.Resource, oldB, newB, upd.Time, upd.Cmd, cmdKwargs); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *DB) History(ctx context.Context, resourceUID string) ([]document.ResourceUpdate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT resource, old, new, time, cmd, cmd_kwargs
		FROM resource_updates WHERE resource=$1 ORDER BY seq;`, resourceUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]document.ResourceUpdate, 0)
	for rows.Next() {
		var u document.ResourceUpdate
		var oldB, newB, ck []byte
		if err := rows.Scan(&u.Resource, &oldB, &newB, &u.Time, &u.Cmd, &ck); err != nil {
			return nil, err
		}
		if err := jsoncodec.Unmarshal(oldB, &u.Old); err != nil {
			return nil, err
		}
		if err := jsoncodec.Unmarshal(newB, &u.New); err != nil {
			return nil, err
		}
		if err := jsoncodec.Unmarshal(ck, &u.CmdKwargs); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func sameResource(a, b document.Resource) bool {
	if a.Spec != b.Spec || a.Root != b.Root || a.ResourcePath != b.ResourcePath ||
		a.PathSemantics != b.PathSemantics || a.RunStart != b.RunStart {
		return false
	}
	ab, err1 := jsoncodec.Marshal(a.ResourceKwargs)
	bb, err2 := jsoncodec.Marshal(b.ResourceKwargs)
	return err1 == nil && err2 == nil && bytes.Equal(ab, bb)
}

func sameDatum(a, b document.Datum) bool {
	if a.Resource != b.Resource {
		return false
	}
	ab, err1 := jsoncodec.Marshal(a.DatumKwargs)
	bb, err2 := jsoncodec.Marshal(b.DatumKwargs)
	return err1 == nil && err2 == nil && bytes.Equal(ab, bb)
}
