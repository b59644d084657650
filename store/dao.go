// Package store implements the resource-store engine: CAS-based put/update
// semantics over a relational backend, transparent overflow of large
// payloads to a blob store, prefix-based table routing and hierarchical
// listing.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	kylin "github.com/GinaZhai/kylin-1"
	"github.com/GinaZhai/kylin-1/backend"
	"github.com/GinaZhai/kylin-1/store/dialect"
	"github.com/GinaZhai/kylin-1/telemetry"
)

// Config carries the already-resolved settings for a Store. Loading and
// resolving values (files, env, defaults) is the caller's concern.
type Config struct {
	// GeneralTable holds general metadata paths.
	GeneralTable string

	// OperationalTable holds system/operational paths (job execution,
	// dictionaries, statistics and similar namespaces).
	OperationalTable string

	// MaxCellSize is the inline threshold in bytes. Content larger than
	// this is redirected to the blob store.
	MaxCellSize int

	// SmallCellWarningThreshold is the size at which an always-inline
	// metadata write is logged as suspicious.
	SmallCellWarningThreshold int

	// SmallCellErrorThreshold is the size at which an always-inline
	// metadata write is rejected outright.
	SmallCellErrorThreshold int

	// OverflowBaseDir is the blob store base directory for overflowed
	// payloads.
	OverflowBaseDir string
}

func (c *Config) setDefaults() {
	if c.GeneralTable == "" {
		c.GeneralTable = "kylin_metadata"
	}
	if c.OperationalTable == "" {
		c.OperationalTable = "kylin_metadata_opt"
	}
	if c.MaxCellSize == 0 {
		c.MaxCellSize = 1 << 20 // 1MB
	}
	if c.SmallCellWarningThreshold == 0 {
		c.SmallCellWarningThreshold = 100 << 20 // 100MB
	}
	if c.SmallCellErrorThreshold == 0 {
		c.SmallCellErrorThreshold = 1 << 30 // 1GB
	}
	if c.OverflowBaseDir == "" {
		c.OverflowBaseDir = "/kylin"
	}
}

// Store is the resource store engine. It composes the table router, the
// overflow store and the relational backend behind parameterized statements
// supplied by the dialect. Safe for concurrent use.
type Store struct {
	db       *sql.DB
	dialect  dialect.Dialect
	router   Router
	overflow *OverflowStore
	cfg      Config
	logger   *slog.Logger
	locks    *keyedMutex

	// statements counts every statement executed, for test observability.
	statements atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store over the given connection pool, dialect and blob
// store, ensuring each managed table and its timestamp index exist.
// The bootstrap is idempotent and safe to run concurrently with other
// instances starting up.
func New(ctx context.Context, db *sql.DB, d dialect.Dialect, blob backend.Backend, cfg Config, opts ...Option) (*Store, error) {
	cfg.setDefaults()

	s := &Store{
		db:      db,
		dialect: d,
		router:  NewRouter(cfg.GeneralTable, cfg.OperationalTable),
		cfg:     cfg,
		logger:  slog.Default(),
		locks:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.overflow = NewOverflowStore(blob, cfg.OverflowBaseDir, s.logger)

	for _, table := range s.router.Tables() {
		if err := s.createTableIfNeeded(ctx, table); err != nil {
			return nil, err
		}
		s.createIndex(ctx, "IDX_"+table+"_TS", table)
	}
	return s, nil
}

// Close releases the relational connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// StatementCount returns the number of statements executed so far.
func (s *Store) StatementCount() int64 {
	return s.statements.Load()
}

// Overflow exposes the overflow store, mainly for diagnostics and tests.
func (s *Store) Overflow() *OverflowStore {
	return s.overflow
}

func (s *Store) createTableIfNeeded(ctx context.Context, table string) error {
	rows, err := s.query(ctx, "check_table", s.dialect.CheckTableExists(), table)
	if err != nil {
		return err
	}
	exists := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("store: scanning table name: %w", err)
		}
		if name == table {
			exists = true
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("store: closing rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: checking table %s: %w", table, err)
	}

	if exists {
		s.logger.Info("table already exists", "table", table)
		return nil
	}

	if _, err := s.exec(ctx, "create_table", s.dialect.CreateTable(table)); err != nil {
		return err
	}
	s.logger.Info("created table", "table", table)
	return nil
}

// createIndex attempts to create the timestamp index. The index is an
// optimization, not a correctness requirement, so failure is logged and
// swallowed.
func (s *Store) createIndex(ctx context.Context, index, table string) {
	if _, err := s.exec(ctx, "create_index", s.dialect.CreateIndex(index, table)); err != nil {
		s.logger.Info("create index failed", "index", index, "table", table, "error", err)
	}
}

// Get returns the resource at path, or nil if absent. Timestamp and content
// are populated per the fetch flags. When content reconstruction fails and
// allowBroken is set, the returned resource carries a broken-content marker
// instead of failing the call.
func (s *Store) Get(ctx context.Context, path string, fetchContent, fetchTimestamp, allowBroken bool) (*kylin.Resource, error) {
	table := s.router.Table(path)

	rows, err := s.query(ctx, "get", s.dialect.SelectByKey(table, fetchTimestamp, fetchContent), path)
	if err != nil {
		return nil, err
	}

	var (
		found  bool
		key    string
		ts     int64
		inline []byte
	)
	if rows.Next() {
		dest := []any{&key}
		if fetchTimestamp {
			dest = append(dest, &ts)
		}
		if fetchContent {
			dest = append(dest, &inline)
		}
		if err := rows.Scan(dest...); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scanning resource %s: %w", path, err)
		}
		found = true
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("store: closing rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: reading resource %s: %w", path, err)
	}
	if !found {
		return nil, nil
	}

	res := &kylin.Resource{Path: key}
	if fetchTimestamp {
		res.Timestamp = ts
	}
	if fetchContent {
		s.populateContent(ctx, res, inline, allowBroken)
		if res.Broken != nil && !allowBroken {
			return nil, fmt.Errorf("store: reading content for %s: %s", path, res.Broken.Reason)
		}
	}
	return res, nil
}

// populateContent fills in the resource content: the inline blob when the
// column is non-null, otherwise the payload at the derived overflow
// location. On failure it attaches a broken-content marker; the caller
// decides whether that is tolerable.
func (s *Store) populateContent(ctx context.Context, res *kylin.Resource, inline []byte, allowBroken bool) {
	if inline != nil {
		res.Content = inline
		return
	}

	content, err := s.overflow.Read(ctx, res.Path)
	if err != nil {
		res.Broken = &kylin.BrokenContent{Path: res.Path, Reason: err.Error()}
		if allowBroken {
			s.logger.Warn("tolerating broken resource content", "path", res.Path, "error", err)
			telemetry.RecordBrokenRead(ctx)
		}
		return
	}
	res.Content = content
}

// Exists reports whether a resource exists at path.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	res, err := s.Get(ctx, path, false, false, false)
	if err != nil {
		return false, err
	}
	return res != nil, nil
}

// GetTimestamp returns the timestamp of the resource at path, or 0 if the
// resource does not exist.
func (s *Store) GetTimestamp(ctx context.Context, path string) (int64, error) {
	res, err := s.Get(ctx, path, false, true, false)
	if err != nil || res == nil {
		return 0, err
	}
	return res.Timestamp, nil
}

// ListAll returns the lexicographically ordered, deduplicated set of paths
// under folder. When recursive is false, any key past the folder depth is
// collapsed to its immediate child segment, producing a one-level listing.
func (s *Store) ListAll(ctx context.Context, folder string, recursive bool) ([]string, error) {
	table := s.router.Table(folder)

	prefix := folder
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	rows, err := s.query(ctx, "list", s.dialect.ListKeysByPrefix(table), prefix+"%")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scanning path: %w", err)
		}
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if recursive {
			seen[path] = struct{}{}
			continue
		}
		if cut := strings.Index(path[len(prefix):], "/"); cut >= 0 {
			path = path[:len(prefix)+cut]
		}
		seen[path] = struct{}{}
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("store: closing rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", folder, err)
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// GetAll returns the direct children of folder whose timestamp lies in
// [timeStart, timeEndExclusive), each with timestamp and content populated.
// Nested descendants beyond one level are filtered out: this is a flat
// fetch, not a recursive one.
func (s *Store) GetAll(ctx context.Context, folder string, timeStart, timeEndExclusive int64, allowBroken bool) ([]*kylin.Resource, error) {
	table := s.router.Table(folder)

	rows, err := s.query(ctx, "get_all", s.dialect.SelectRange(table), folder+"%", timeStart, timeEndExclusive)
	if err != nil {
		return nil, err
	}

	type rawRow struct {
		path   string
		ts     int64
		inline []byte
	}
	var raws []rawRow
	for rows.Next() {
		var r rawRow
		if err := rows.Scan(&r.path, &r.ts, &r.inline); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scanning resource: %w", err)
		}
		if !isDirectChild(folder, r.path) {
			continue
		}
		raws = append(raws, r)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("store: closing rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scanning %s: %w", folder, err)
	}

	// Content reconstruction happens after the cursor is released so that
	// blob store reads never hold open result sets.
	resources := make([]*kylin.Resource, 0, len(raws))
	for _, r := range raws {
		res := &kylin.Resource{Path: r.path, Timestamp: r.ts}
		s.populateContent(ctx, res, r.inline, allowBroken)
		if res.Broken != nil && !allowBroken {
			return nil, fmt.Errorf("store: reading content for %s: %s", r.path, res.Broken.Reason)
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// isDirectChild reports whether path sits exactly one level below folder.
func isDirectChild(folder, path string) bool {
	prefix := folder
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return !strings.Contains(path[len(prefix):], "/")
}

// Put writes the resource unconditionally, inserting or replacing as
// needed. Content above the overflow threshold goes to the blob store with
// a null inline placeholder; a failed row write rolls the blob store back
// before the error propagates.
func (s *Store) Put(ctx context.Context, res *kylin.Resource) error {
	unlock := s.locks.lock(res.Path)
	defer unlock()

	existing, err := s.Exists(ctx, res.Path)
	if err != nil {
		return err
	}
	table := s.router.Table(res.Path)

	overflow, err := s.contentOverflows(res.Path, res.Content)
	if err != nil {
		return err
	}

	if !overflow {
		if existing {
			_, err = s.exec(ctx, "replace", s.dialect.Replace(table), res.Timestamp, res.Content, res.Path)
		} else {
			_, err = s.exec(ctx, "insert", s.dialect.Insert(table), res.Path, res.Timestamp, res.Content)
		}
		return err
	}

	s.logger.Debug("content overflow", "path", res.Path, "size", len(res.Content), "timestamp", res.Timestamp)

	if err := s.overflow.Write(ctx, res.Path, res.Content); err != nil {
		s.rollbackOverflow(ctx, res.Path)
		return err
	}

	var affected int64
	if existing {
		affected, err = s.exec(ctx, "replace", s.dialect.Replace(table), res.Timestamp, nil, res.Path)
	} else {
		affected, err = s.exec(ctx, "insert", s.dialect.Insert(table), res.Path, res.Timestamp, nil)
	}
	if err == nil && affected != 1 {
		err = fmt.Errorf("store: writing row for %s affected %d rows, expected 1", res.Path, affected)
	}
	if err != nil {
		s.rollbackOverflow(ctx, res.Path)
		return err
	}

	if existing {
		s.overflow.Cleanup(ctx, res.Path)
	}
	return nil
}

// CheckAndPut performs a CAS upsert: the write succeeds only if the stored
// timestamp still equals oldTimestamp (or the resource is absent and
// oldTimestamp is 0). On a lost race it returns a ConflictError carrying
// the expected and actual timestamps.
//
// For an existing resource the version bump and the content write are two
// separate statements; a crash between them leaves a row with the new
// timestamp but stale content. Readers must tolerate this narrow window.
func (s *Store) CheckAndPut(ctx context.Context, path string, content []byte, oldTimestamp, newTimestamp int64) error {
	unlock := s.locks.lock(path)
	defer unlock()

	existing, err := s.Exists(ctx, path)
	if err != nil {
		return err
	}
	table := s.router.Table(path)

	if !existing {
		if oldTimestamp != 0 {
			return fmt.Errorf("%w: path %s, got old timestamp %d", ErrContractViolation, path, oldTimestamp)
		}

		overflow, err := s.contentOverflows(path, content)
		if err != nil {
			return err
		}
		if !overflow {
			_, err = s.exec(ctx, "insert", s.dialect.Insert(table), path, newTimestamp, content)
			return err
		}

		s.logger.Debug("content overflow", "path", path, "size", len(content))
		if err := s.overflow.Write(ctx, path, content); err != nil {
			s.rollbackOverflow(ctx, path)
			return err
		}
		affected, err := s.exec(ctx, "insert", s.dialect.InsertNoContent(table), path, newTimestamp)
		if err == nil && affected != 1 {
			err = fmt.Errorf("store: inserting row for %s affected %d rows, expected 1", path, affected)
		}
		if err != nil {
			s.rollbackOverflow(ctx, path)
			return err
		}
		return nil
	}

	// The check-and-put trick: bump the timestamp only where the key
	// matches and the stored timestamp equals the expected one. Zero rows
	// affected means another writer got there first.
	affected, err := s.exec(ctx, "cas_update", s.dialect.UpdateTimestampIfMatch(table), newTimestamp, path, oldTimestamp)
	if err != nil {
		return err
	}
	if affected != 1 {
		actual, tsErr := s.GetTimestamp(ctx, path)
		if tsErr != nil {
			return tsErr
		}
		telemetry.RecordConflict(ctx, table)
		return &ConflictError{Path: path, ExpectedTS: oldTimestamp, ActualTS: actual}
	}

	overflow, err := s.contentOverflows(path, content)
	if err != nil {
		return err
	}
	if !overflow {
		_, err = s.exec(ctx, "update_content", s.dialect.UpdateContent(table), content, path)
		return err
	}

	s.logger.Debug("content overflow", "path", path, "size", len(content))
	if err := s.overflow.Write(ctx, path, content); err != nil {
		s.rollbackOverflow(ctx, path)
		return err
	}
	affected, err = s.exec(ctx, "update_content", s.dialect.UpdateContent(table), nil, path)
	if err == nil && affected != 1 {
		err = fmt.Errorf("store: updating content for %s affected %d rows, expected 1", path, affected)
	}
	if err != nil {
		s.rollbackOverflow(ctx, path)
		return err
	}
	s.overflow.Cleanup(ctx, path)
	return nil
}

// Delete removes the resource row and, unless the path is always-inline
// metadata, any overflowed payload. A blob store failure fails the delete.
func (s *Store) Delete(ctx context.Context, path string) error {
	table := s.router.Table(path)

	if _, err := s.exec(ctx, "delete", s.dialect.Delete(table), path); err != nil {
		return err
	}

	if isAlwaysInline(path) {
		return nil
	}
	return s.overflow.Delete(ctx, path)
}

// rollbackOverflow invokes the overflow rollback and logs if the rollback
// itself fails; the original error still propagates from the caller.
func (s *Store) rollbackOverflow(ctx context.Context, path string) {
	if err := s.overflow.Rollback(ctx, path); err != nil {
		s.logger.Error("failed to roll back overflow payload", "path", path, "error", err)
	}
}

// isAlwaysInline reports whether the path belongs to the always-inline
// metadata category: JSON entries and the job execution namespaces. These
// never touch the blob store, trading a hard size ceiling for simplicity.
func isAlwaysInline(path string) bool {
	trimmed := strings.TrimSpace(path)
	return strings.HasSuffix(trimmed, ".json") ||
		strings.HasPrefix(trimmed, "/execute") ||
		strings.HasPrefix(trimmed, "/execute_output")
}

// contentOverflows decides the storage placement for a write. Always-inline
// metadata never overflows but is checked against the warning and error
// thresholds instead; everything else overflows past MaxCellSize.
func (s *Store) contentOverflows(path string, content []byte) (bool, error) {
	if isAlwaysInline(path) {
		if len(content) > s.cfg.SmallCellWarningThreshold {
			s.logger.Warn("metadata entry exceeds warning threshold",
				"path", path, "size", len(content), "threshold", s.cfg.SmallCellWarningThreshold)
		}
		if len(content) > s.cfg.SmallCellErrorThreshold {
			return false, &SizeLimitError{Path: path, Size: len(content), Limit: s.cfg.SmallCellErrorThreshold}
		}
		return false, nil
	}
	return len(content) > s.cfg.MaxCellSize, nil
}

// query runs a read statement, counting it and recording telemetry.
func (s *Store) query(ctx context.Context, op, stmt string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	s.statements.Add(1)
	telemetry.RecordStatement(ctx, op, statementOutcome(err), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return rows, nil
}

// exec runs a mutating statement, counting it and recording telemetry, and
// returns the number of rows affected.
func (s *Store) exec(ctx context.Context, op, stmt string, args ...any) (int64, error) {
	start := time.Now()
	result, err := s.db.ExecContext(ctx, stmt, args...)
	s.statements.Add(1)
	telemetry.RecordStatement(ctx, op, statementOutcome(err), time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("store: %s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: %s rows affected: %w", op, err)
	}
	return affected, nil
}

func statementOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
