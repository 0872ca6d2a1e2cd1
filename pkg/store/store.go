// Package store persists controller introspection data in SQLite.
//
// Two relations are kept: the latest frontiers of every tracked collection,
// replaced wholesale on each recording tick, and the append-only history of
// accepted collection status updates.
package store

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/daviddao/clockwork/pkg/controller"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"

	_ "modernc.org/sqlite"
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp with the default config. Every write goes
// through it.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, writeBackoff, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frontiers (
		collection_id  TEXT NOT NULL,
		instance_id    INTEGER,
		read_frontier  TEXT NOT NULL,
		write_frontier TEXT NOT NULL,
		recorded_at    TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_frontiers_collection
		ON frontiers(collection_id, COALESCE(instance_id, -1));

	CREATE TABLE IF NOT EXISTS status_history (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		collection_id     TEXT NOT NULL,
		status            TEXT NOT NULL,
		error             TEXT,
		hints             TEXT,
		namespaced_errors TEXT,
		occurred_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_collection ON status_history(collection_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Frontiers
// ---------------------------------------------------------------------------

// RecordFrontiers replaces the stored frontiers with records.
func (s *Store) RecordFrontiers(ctx context.Context, records []controller.FrontierRecord) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin tx")
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if _, err := tx.ExecContext(ctx, `DELETE FROM frontiers`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO frontiers (collection_id, instance_id, read_frontier, write_frontier, recorded_at)
			 VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range records {
			read, err := json.Marshal(r.ReadFrontier)
			if err != nil {
				return err
			}
			write, err := json.Marshal(r.WriteFrontier)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, r.ID.String(), instanceArg(r.Instance), string(read), string(write), now); err != nil {
				return errors.Wrapf(err, "insert frontier of %s", r.ID)
			}
		}
		return tx.Commit()
	})
}

// ListFrontiers returns the stored frontiers, storage collections first,
// ordered by instance and collection.
func (s *Store) ListFrontiers(ctx context.Context) ([]controller.FrontierRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection_id, instance_id, read_frontier, write_frontier
		 FROM frontiers ORDER BY COALESCE(instance_id, -1), collection_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []controller.FrontierRecord
	for rows.Next() {
		var (
			idStr, readStr, writeStr string
			inst                     sql.NullInt64
		)
		if err := rows.Scan(&idStr, &inst, &readStr, &writeStr); err != nil {
			return nil, err
		}
		r, err := decodeFrontier(idStr, inst, readStr, writeStr)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortFrontiers(out)
	return out, nil
}

func decodeFrontier(idStr string, inst sql.NullInt64, readStr, writeStr string) (controller.FrontierRecord, error) {
	var r controller.FrontierRecord
	id, err := model.ParseGlobalID(idStr)
	if err != nil {
		return r, errors.Wrapf(err, "parse collection id %q", idStr)
	}
	r.ID = id
	if inst.Valid {
		i := model.ComputeInstanceID(inst.Int64)
		r.Instance = &i
	}
	if err := json.Unmarshal([]byte(readStr), &r.ReadFrontier); err != nil {
		return r, errors.Wrapf(err, "parse read frontier of %s", id)
	}
	if err := json.Unmarshal([]byte(writeStr), &r.WriteFrontier); err != nil {
		return r, errors.Wrapf(err, "parse write frontier of %s", id)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Status history
// ---------------------------------------------------------------------------

// RecordStatusUpdates appends updates to the status history.
func (s *Store) RecordStatusUpdates(ctx context.Context, updates []storage.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin tx")
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		for _, u := range updates {
			hints, err := marshalOptional(u.Hints, len(u.Hints) > 0)
			if err != nil {
				return err
			}
			nsErrs, err := marshalOptional(u.NamespacedErrors, len(u.NamespacedErrors) > 0)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO status_history (collection_id, status, error, hints, namespaced_errors, occurred_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				u.ID.String(), u.Status.String(), nullString(u.Error), hints, nsErrs,
				u.Timestamp.UTC().Format(time.RFC3339Nano),
			); err != nil {
				return errors.Wrapf(err, "insert status of %s", u.ID)
			}
		}
		return tx.Commit()
	})
}

// ListStatusHistory returns status updates in the order they were recorded.
// A nil id lists every collection. A non-positive limit defaults to 100.
func (s *Store) ListStatusHistory(ctx context.Context, id *model.GlobalID, limit int) ([]storage.StatusUpdate, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if id == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT collection_id, status, COALESCE(error,''), COALESCE(hints,''), COALESCE(namespaced_errors,''), occurred_at
			 FROM status_history ORDER BY id ASC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT collection_id, status, COALESCE(error,''), COALESCE(hints,''), COALESCE(namespaced_errors,''), occurred_at
			 FROM status_history WHERE collection_id = ? ORDER BY id ASC LIMIT ?`, id.String(), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStatuses(rows)
}

// LatestStatuses returns the most recent status of every collection,
// ordered by collection.
func (s *Store) LatestStatuses(ctx context.Context) ([]storage.StatusUpdate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection_id, status, COALESCE(error,''), COALESCE(hints,''), COALESCE(namespaced_errors,''), occurred_at
		 FROM status_history
		 WHERE id IN (SELECT MAX(id) FROM status_history GROUP BY collection_id)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanStatuses(rows)
	if err != nil {
		return nil, err
	}
	sortStatuses(out)
	return out, nil
}

// CountStatusUpdates returns the number of recorded status updates.
func (s *Store) CountStatusUpdates(ctx context.Context) int64 {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM status_history`).Scan(&count); err != nil {
		return 0
	}
	return count
}

func scanStatuses(rows *sql.Rows) ([]storage.StatusUpdate, error) {
	var out []storage.StatusUpdate
	for rows.Next() {
		var idStr, statusStr, errStr, hintsStr, nsStr, occurredStr string
		if err := rows.Scan(&idStr, &statusStr, &errStr, &hintsStr, &nsStr, &occurredStr); err != nil {
			return nil, err
		}
		id, err := model.ParseGlobalID(idStr)
		if err != nil {
			return nil, errors.Wrapf(err, "parse collection id %q", idStr)
		}
		status, err := storage.ParseStatus(statusStr)
		if err != nil {
			return nil, err
		}
		u := storage.StatusUpdate{ID: id, Status: status, Error: errStr}
		if u.Timestamp, err = time.Parse(time.RFC3339Nano, occurredStr); err != nil {
			return nil, errors.Wrapf(err, "parse occurred_at for %s", id)
		}
		if hintsStr != "" {
			if err := json.Unmarshal([]byte(hintsStr), &u.Hints); err != nil {
				return nil, errors.Wrapf(err, "parse hints for %s", id)
			}
		}
		if nsStr != "" {
			if err := json.Unmarshal([]byte(nsStr), &u.NamespacedErrors); err != nil {
				return nil, errors.Wrapf(err, "parse namespaced errors for %s", id)
			}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func instanceArg(inst *model.ComputeInstanceID) any {
	if inst == nil {
		return nil
	}
	return int64(*inst)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalOptional(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func sortFrontiers(recs []controller.FrontierRecord) {
	slices.SortStableFunc(recs, func(a, b controller.FrontierRecord) int {
		if c := cmp.Compare(instanceKey(a.Instance), instanceKey(b.Instance)); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
}

func instanceKey(inst *model.ComputeInstanceID) int64 {
	if inst == nil {
		return -1
	}
	return int64(*inst)
}

func sortStatuses(updates []storage.StatusUpdate) {
	slices.SortStableFunc(updates, func(a, b storage.StatusUpdate) int {
		return a.ID.Compare(b.ID)
	})
}
