// Package sqlite implements store.AssetStore on SQLite using the CGO-free
// modernc.org/sqlite driver. The schema is the embedded asset layout: three
// tables named Resources, Datums and ResourceUpdates, kwargs held as JSON
// blobs, insertion order given by rowid.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/jsoncodec"
)

// DB implements store.AssetStore for SQLite. Path is a filesystem path to
// the database file. Use ":memory:" for in-memory.

type DB struct {
	db         *sql.DB
	ignoreDups bool
}

// New opens a SQLite database at path. With ignoreDuplicates set,
// re-inserting an identical resource or datum is a no-op instead of
// ErrDuplicateKey, tolerating redundant upstream writers; conflicting
// content under the same key is always rejected.
func New(path string, ignoreDuplicates bool) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", errdefs.ErrInvalidConfiguration)
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d, ignoreDups: ignoreDuplicates}, nil
}

// expected table names, sorted as sqlite_master returns them
var schemaTables = []string{"Datums", "ResourceUpdates", "Resources"}

// EnsureSchema creates the asset tables in an empty database. A database
// that already holds exactly the expected tables passes unchanged; any
// other table set means the file belongs to something else and is rejected
// with ErrInvalidConfiguration rather than migrated.
func (s *DB) EnsureSchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name;`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(names) > 0 {
		if slices.Equal(names, schemaTables) {
			return nil
		}
		return fmt.Errorf("%w: sqlite database holds unexpected tables %v", errdefs.ErrInvalidConfiguration, names)
	}
	stmts := []string{
		`CREATE TABLE Resources(
			uid TEXT NOT NULL PRIMARY KEY,
			spec TEXT NOT NULL,
			resource_path TEXT NOT NULL,
			root TEXT NOT NULL,
			path_semantics TEXT NOT NULL,
			resource_kwargs BLOB NOT NULL
		);`,
		`CREATE TABLE Datums(
			datum_id TEXT NOT NULL PRIMARY KEY,
			datum_kwargs BLOB NOT NULL,
			resource TEXT NOT NULL REFERENCES Resources(uid)
		);`,
		`CREATE INDEX idx_datums_resource ON Datums(resource);`,
		`CREATE TABLE ResourceUpdates(
			resource TEXT NOT NULL,
			old BLOB NOT NULL,
			new BLOB NOT NULL,
			time REAL NOT NULL,
			cmd TEXT NOT NULL,
			cmd_kwargs BLOB NOT NULL
		);`,
		`CREATE INDEX idx_resource_updates_resource ON ResourceUpdates(resource);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) InsertResource(ctx context.Context, res document.Resource) error {
	kwargs, err := jsoncodec.Marshal(res.ResourceKwargs)
	if err != nil {
		return err
	}
	prev, err := s.GetResource(ctx, res.UID)
	switch {
	case err == nil:
		if s.ignoreDups && sameResource(prev, res) {
			return nil
		}
		return errdefs.DuplicateKey("resource", res.UID)
	case !errors.Is(err, errdefs.ErrResourceNotFound):
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO Resources(uid, spec, resource_path, root, path_semantics, resource_kwargs)
		VALUES(?, ?, ?, ?, ?, ?);`,
		res.UID, res.Spec, res.ResourcePath, res.Root, res.PathSemantics, kwargs)
	return err
}

func (s *DB) InsertDatum(ctx context.Context, d document.Datum) error {
	prev, err := getDatum(ctx, s.db, d.DatumID)
	switch {
	case err == nil:
		if s.ignoreDups && sameDatum(prev, d) {
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
	_, err = s.db.ExecContext(ctx, `INSERT INTO Datums(datum_id, datum_kwargs, resource) VALUES(?, ?, ?);`,
		d.DatumID, kwargs, d.Resource)
	return err
}

func (s *DB) InsertDatums(ctx context.Context, ds []document.Datum) error {
	if len(ds) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO Datums(datum_id, datum_kwargs, resource) VALUES(?, ?, ?);`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, d := range ds {
		prev, err := getDatum(ctx, tx, d.DatumID)
		switch {
		case err == nil:
			if s.ignoreDups && sameDatum(prev, d) {
				continue
			}
			return errdefs.DuplicateKey("datum", d.DatumID)
		case !errors.Is(err, errdefs.ErrDatumNotFound):
			return err
		}
		kwargs, err := jsoncodec.Marshal(d.DatumKwargs)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, d.DatumID, kwargs, d.Resource); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *DB) GetResource(ctx context.Context, uid string) (document.Resource, error) {
	var res document.Resource
	var kwargs []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, spec, resource_path, root, path_semantics, resource_kwargs
		FROM Resources WHERE uid=?;`, uid).
		Scan(&res.UID, &res.Spec, &res.ResourcePath, &res.Root, &res.PathSemantics, &kwargs)
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

func (s *DB) GetDatum(ctx context.Context, datumID string) (document.Datum, error) {
	return getDatum(ctx, s.db, datumID)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDatum(ctx context.Context, q querier, datumID string) (document.Datum, error) {
	var d document.Datum
	var kwargs []byte
	err := q.QueryRowContext(ctx, `
		SELECT datum_id, datum_kwargs, resource FROM Datums WHERE datum_id=?;`, datumID).
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

func (s *DB) ResourceForDatum(ctx context.Context, datumID string) (string, error) {
	var resource string
	err := s.db.QueryRowContext(ctx, `SELECT resource FROM Datums WHERE datum_id=?;`, datumID).Scan(&resource)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errdefs.DatumNotFound(datumID)
	}
	if err != nil {
		return "", err
	}
	return resource, nil
}

func (s *DB) CountDatums(ctx context.Context, resourceUID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM Datums WHERE resource=?;`, resourceUID).Scan(&n)
	return n, err
}

func (s *DB) DatumPage(ctx context.Context, resourceUID string, skip, limit int) (document.DatumPage, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT datum_id, datum_kwargs FROM Datums
		WHERE resource=? ORDER BY rowid LIMIT ? OFFSET ?;`, resourceUID, limit, skip)
	if err != nil {
		return document.DatumPage{}, err
	}
	defer func() { _ = rows.Close() }()
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

// ResourcesForRun always returns an empty list: the embedded asset schema
// predates run back-references, so resources here are discovered lazily
// through ResourceForDatum.
func (s *DB) ResourcesForRun(ctx context.Context, runStartUID string) ([]document.Resource, error) {
	return nil, nil
}

func (s *DB) ReviseResource(ctx context.Context, upd document.ResourceUpdate) error {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `
		UPDATE Resources SET spec=?, resource_path=?, root=?, path_semantics=?, resource_kwargs=?
		WHERE uid=?;`,
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
		INSERT INTO ResourceUpdates(resource, old, new, time, cmd, cmd_kwargs)
		VALUES(?, ?, ?, ?, ?, ?);`,
		upd.Resource, oldB, newB, upd.Time, upd.Cmd, cmdKwargs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DB) History(ctx context.Context, resourceUID string) ([]document.ResourceUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, old, new, time, cmd, cmd_kwargs
		FROM ResourceUpdates WHERE resource=? ORDER BY rowid;`, resourceUID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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
	if a.Spec != b.Spec || a.Root != b.Root || a.ResourcePath != b.ResourcePath || a.PathSemantics != b.PathSemantics {
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
