// Package sqlite is the durable registry.Store, backed by an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/registry"
)

// Store wraps the registry database.
type Store struct {
	db    *sql.DB
	clock *registry.Clock
}

var _ registry.Store = (*Store)(nil)

// Open opens or creates the registry database at path.
func Open(path string) (*Store, error) {
	return OpenWithClock(path, registry.NewClock(nil))
}

// OpenWithClock is Open with an explicit clock. The clock is advanced past
// every timestamp already in the database.
func OpenWithClock(path string, clock *registry.Clock) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, clock: clock}
	ctx := context.Background()
	if err := s.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.seedClock(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			tenant TEXT NOT NULL,
			checksum_alg TEXT NOT NULL DEFAULT '',
			checksum_value TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			created INTEGER NOT NULL,
			updated INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS objects_created ON objects(created)`,
		`CREATE INDEX IF NOT EXISTS objects_parent ON objects(parent_id, version)`,
		`CREATE TABLE IF NOT EXISTS audits (
			id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			object_id TEXT NOT NULL,
			tenant TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audits_created ON audits(created)`,
		`CREATE TABLE IF NOT EXISTS storages (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			host TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL DEFAULT '{}',
			reachable INTEGER NOT NULL DEFAULT 0,
			synchronizing INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_statuses (
			storage_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			created INTEGER NOT NULL,
			updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_copies (
			storage_id TEXT NOT NULL,
			object_id TEXT NOT NULL,
			copied_at INTEGER NOT NULL,
			PRIMARY KEY(storage_id, object_id)
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			min_replicas INTEGER NOT NULL,
			read_only INTEGER NOT NULL,
			reachability_interval INTEGER NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) seedClock(ctx context.Context) error {
	var latest int64
	err := s.db.QueryRowContext(ctx, `
SELECT MAX(
	COALESCE((SELECT MAX(updated) FROM objects), 0),
	COALESCE((SELECT MAX(created) FROM audits), 0),
	COALESCE((SELECT MAX(updated) FROM sync_statuses), 0),
	COALESCE((SELECT MAX(copied_at) FROM sync_copies), 0),
	COALESCE((SELECT MAX(created) FROM storages), 0)
)`).Scan(&latest)
	if err != nil {
		return err
	}
	if latest > 0 {
		s.clock.Observe(fromNanos(latest))
	}
	return nil
}

// withTx runs fn in a single transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Now() time.Time {
	return s.clock.Now()
}

func (s *Store) CreateObjects(ctx context.Context, objs ...*registry.Object) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, o := range objs {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM objects WHERE id = ?", o.ID).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return registry.ErrExists
			}
		}
		stamps := make([]time.Time, len(objs))
		for i, o := range objs {
			stamps[i] = s.clock.Now()
			_, err := tx.ExecContext(ctx, `
INSERT INTO objects(id, kind, parent_id, version, tenant, checksum_alg, checksum_value, state, created, updated)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				o.ID, string(o.Kind), o.ParentID, o.Version, o.Tenant,
				string(o.Checksum.Algorithm), o.Checksum.Value, string(o.State),
				stamps[i].UnixNano(), stamps[i].UnixNano())
			if err != nil {
				return err
			}
		}
		for i, o := range objs {
			o.Created = stamps[i]
			o.Updated = stamps[i]
		}
		return nil
	})
}

const objectColumns = "id, kind, parent_id, version, tenant, checksum_alg, checksum_value, state, created, updated"

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(row scanner) (*registry.Object, error) {
	var (
		o                registry.Object
		kind, alg, state string
		created, updated int64
	)
	if err := row.Scan(&o.ID, &kind, &o.ParentID, &o.Version, &o.Tenant, &alg, &o.Checksum.Value, &state, &created, &updated); err != nil {
		return nil, err
	}
	o.Kind = registry.ObjectKind(kind)
	o.Checksum.Algorithm = checksum.Algorithm(alg)
	o.State = registry.ObjectState(state)
	o.Created = fromNanos(created)
	o.Updated = fromNanos(updated)
	return &o, nil
}

func getObject(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (*registry.Object, error) {
	o, err := scanObject(q.QueryRowContext(ctx, "SELECT "+objectColumns+" FROM objects WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	return o, err
}

func (s *Store) GetObject(ctx context.Context, id string) (*registry.Object, error) {
	return getObject(ctx, s.db, id)
}

func (s *Store) ListObjects(ctx context.Context, filter registry.ObjectFilter) (out []*registry.Object, err error) {
	var (
		where []string
		args  []any
	)
	if !filter.From.IsZero() {
		where = append(where, "created >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.Before.IsZero() {
		where = append(where, "created < ?")
		args = append(args, filter.Before.UnixNano())
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, filter.Tenant)
	}

	query := "SELECT " + objectColumns + " FROM objects"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
	}()
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) LatestVersion(ctx context.Context, parentID string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM objects WHERE parent_id = ?", parentID).Scan(&v)
	return v, err
}

func (s *Store) Transition(ctx context.Context, id string, from []registry.ObjectState, to registry.ObjectState, audit *registry.Audit) (*registry.Object, error) {
	var (
		out        *registry.Object
		auditID    string
		auditStamp time.Time
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		o, err := getObject(ctx, tx, id)
		if err != nil {
			return err
		}
		allowed := len(from) == 0
		for _, st := range from {
			if st == o.State {
				allowed = true
				break
			}
		}
		if !allowed {
			return &registry.StateConflictError{ObjectID: id, Current: o.State, Allowed: from, Target: to}
		}
		o.State = to
		o.Updated = s.clock.Now()
		if _, err := tx.ExecContext(ctx, "UPDATE objects SET state = ?, updated = ? WHERE id = ?", string(to), o.Updated.UnixNano(), id); err != nil {
			return err
		}
		if audit != nil {
			auditID, auditStamp, err = s.insertAudit(ctx, tx, audit)
			if err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if audit != nil {
		audit.ID = auditID
		audit.Created = auditStamp
	}
	return out, nil
}

func (s *Store) Tenants(ctx context.Context) (out []string, err error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT tenant FROM objects ORDER BY tenant")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
	}()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) insertAudit(ctx context.Context, tx *sql.Tx, a *registry.Audit) (string, time.Time, error) {
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := s.clock.Now()
	_, err := tx.ExecContext(ctx, "INSERT INTO audits(id, operation, object_id, tenant, created) VALUES(?, ?, ?, ?, ?)",
		id, string(a.Operation), a.ObjectID, a.Tenant, created.UnixNano())
	return id, created, err
}

func (s *Store) AppendAudit(ctx context.Context, audit *registry.Audit) error {
	var (
		id      string
		created time.Time
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, created, err = s.insertAudit(ctx, tx, audit)
		return err
	})
	if err != nil {
		return err
	}
	audit.ID = id
	audit.Created = created
	return nil
}

func (s *Store) ListAudits(ctx context.Context, filter registry.AuditFilter) (out []*registry.Audit, err error) {
	var (
		where []string
		args  []any
	)
	if !filter.From.IsZero() {
		where = append(where, "created >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.Before.IsZero() {
		where = append(where, "created < ?")
		args = append(args, filter.Before.UnixNano())
	}
	if filter.ObjectID != "" {
		where = append(where, "object_id = ?")
		args = append(args, filter.ObjectID)
	}
	query := "SELECT id, operation, object_id, tenant, created FROM audits"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
	}()
	for rows.Next() {
		var (
			a       registry.Audit
			op      string
			created int64
		)
		if err := rows.Scan(&a.ID, &op, &a.ObjectID, &a.Tenant, &created); err != nil {
			return nil, err
		}
		a.Operation = registry.Operation(op)
		a.Created = fromNanos(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) PutStorage(ctx context.Context, st *registry.Storage) error {
	cfg, err := json.Marshal(st.Config)
	if err != nil {
		return err
	}
	var created time.Time
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, "SELECT created FROM storages WHERE id = ?", st.ID).Scan(&existing)
		switch {
		case err == nil:
			created = fromNanos(existing)
		case errors.Is(err, sql.ErrNoRows):
			created = st.Created
			if created.IsZero() {
				created = s.clock.Now()
			}
		default:
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO storages(id, name, kind, host, priority, config, reachable, synchronizing, created)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	kind = excluded.kind,
	host = excluded.host,
	priority = excluded.priority,
	config = excluded.config,
	reachable = excluded.reachable,
	synchronizing = excluded.synchronizing`,
			st.ID, st.Name, string(st.Kind), st.Host, st.Priority, string(cfg),
			boolInt(st.Reachable), boolInt(st.Synchronizing), created.UnixNano())
		return err
	})
	if err != nil {
		return err
	}
	st.Created = created
	return nil
}

const storageColumns = "id, name, kind, host, priority, config, reachable, synchronizing, created"

func scanStorage(row scanner) (*registry.Storage, error) {
	var (
		st                 registry.Storage
		kind, cfg          string
		reachable, syncing int
		created            int64
	)
	if err := row.Scan(&st.ID, &st.Name, &kind, &st.Host, &st.Priority, &cfg, &reachable, &syncing, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &st.Config); err != nil {
		return nil, fmt.Errorf("decode storage %s config: %w", st.ID, err)
	}
	st.Kind = registry.StorageKind(kind)
	st.Reachable = reachable != 0
	st.Synchronizing = syncing != 0
	st.Created = fromNanos(created)
	return &st, nil
}

func (s *Store) GetStorage(ctx context.Context, id string) (*registry.Storage, error) {
	st, err := scanStorage(s.db.QueryRowContext(ctx, "SELECT "+storageColumns+" FROM storages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	return st, err
}

func (s *Store) ListStorages(ctx context.Context) (out []*registry.Storage, err error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+storageColumns+" FROM storages ORDER BY priority DESC, id ASC")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
	}()
	for rows.Next() {
		st, err := scanStorage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetSyncStatus(ctx context.Context, storageID string) (*registry.SyncStatus, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM sync_statuses WHERE storage_id = ?", storageID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st registry.SyncStatus
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return nil, fmt.Errorf("decode sync status %s: %w", storageID, err)
	}
	return &st, nil
}

func (s *Store) PutSyncStatus(ctx context.Context, st *registry.SyncStatus) error {
	now := s.clock.Now()
	c := st.Clone()
	if c.Created.IsZero() {
		c.Created = now
	}
	c.Updated = now
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sync_statuses(storage_id, body, created, updated) VALUES(?, ?, ?, ?)
ON CONFLICT(storage_id) DO UPDATE SET body = excluded.body, updated = excluded.updated`,
		c.StorageID, string(body), c.Created.UnixNano(), c.Updated.UnixNano())
	if err != nil {
		return err
	}
	st.Created = c.Created
	st.Updated = c.Updated
	return nil
}

func (s *Store) ListSyncStatuses(ctx context.Context) (out []*registry.SyncStatus, err error) {
	rows, err := s.db.QueryContext(ctx, "SELECT storage_id, body FROM sync_statuses ORDER BY created ASC")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
	}()
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var st registry.SyncStatus
		if err := json.Unmarshal([]byte(body), &st); err != nil {
			return nil, fmt.Errorf("decode sync status %s: %w", id, err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *Store) MarkCopied(ctx context.Context, storageID, objectID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_copies(storage_id, object_id, copied_at) VALUES(?, ?, ?)
ON CONFLICT(storage_id, object_id) DO UPDATE SET copied_at = excluded.copied_at`,
		storageID, objectID, at.UnixNano())
	return err
}

func (s *Store) CopiedAt(ctx context.Context, storageID, objectID string) (time.Time, bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, "SELECT copied_at FROM sync_copies WHERE storage_id = ? AND object_id = ?", storageID, objectID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromNanos(at), true, nil
}

func (s *Store) GetSystemState(ctx context.Context) (registry.SystemState, error) {
	var (
		st       registry.SystemState
		readOnly int
		interval int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT min_replicas, read_only, reachability_interval FROM system_state WHERE id = 1").
		Scan(&st.MinReplicas, &readOnly, &interval)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.DefaultSystemState, nil
	}
	if err != nil {
		return registry.SystemState{}, err
	}
	st.ReadOnly = readOnly != 0
	st.ReachabilityInterval = time.Duration(interval)
	return st, nil
}

func (s *Store) PutSystemState(ctx context.Context, st registry.SystemState) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO system_state(id, min_replicas, read_only, reachability_interval) VALUES(1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	min_replicas = excluded.min_replicas,
	read_only = excluded.read_only,
	reachability_interval = excluded.reachability_interval`,
		st.MinReplicas, boolInt(st.ReadOnly), int64(st.ReachabilityInterval))
	return err
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
