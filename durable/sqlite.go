package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mnemo-ai/mnemo/memerr"
	"github.com/mnemo-ai/mnemo/record"
)

// SQLiteStore implements Store using an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// now is injectable for tests.
	now func() time.Time
}

// NewSQLite opens or creates a SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetClock overrides the store clock. Intended for tests.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id               TEXT NOT NULL,
		version          INTEGER NOT NULL,
		tier             TEXT NOT NULL,
		content          TEXT NOT NULL,
		context          TEXT,
		embedding        TEXT,
		created_at       TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL,
		access_count     INTEGER NOT NULL DEFAULT 0,
		importance       REAL NOT NULL,
		pinned           INTEGER NOT NULL DEFAULT 0,
		source_ids       TEXT,
		superseded       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_records_live ON records(id, superseded);
	CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at DESC);

	CREATE TABLE IF NOT EXISTS tombstones (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func storageErr(op string, err error) error {
	return memerr.Storage(op, errors.Join(memerr.ErrStorageUnavailable, err))
}

// Append writes rec as a new row, superseding any previous live version.
func (s *SQLiteStore) Append(ctx context.Context, rec *record.MemoryRecord) error {
	var embeddingJSON, sourceJSON *string
	if len(rec.Embedding) > 0 {
		b, _ := json.Marshal(rec.Embedding)
		v := string(b)
		embeddingJSON = &v
	}
	if len(rec.SourceIDs) > 0 {
		b, _ := json.Marshal(rec.SourceIDs)
		v := string(b)
		sourceJSON = &v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("durable.Append", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE records SET superseded = 1 WHERE id = ? AND superseded = 0 AND version < ?`,
		rec.ID, rec.Version)
	if err != nil {
		return storageErr("durable.Append", err)
	}

	// INSERT OR IGNORE makes re-appending the same (id, version) a no-op,
	// so retried promotions are idempotent.
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO records
		 (id, version, tier, content, context, embedding, created_at, last_accessed_at,
		  access_count, importance, pinned, source_ids, superseded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.ID, rec.Version, string(rec.Tier), rec.Content, nullable(rec.Context),
		embeddingJSON, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.LastAccessedAt.UTC().Format(time.RFC3339Nano),
		rec.AccessCount, rec.Importance, boolInt(rec.Pinned), sourceJSON)
	if err != nil {
		return storageErr("durable.Append", err)
	}
	return tx.Commit()
}

// Get returns the latest live version of id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*record.MemoryRecord, error) {
	tombstoned, err := s.isTombstoned(ctx, id)
	if err != nil {
		return nil, err
	}
	if tombstoned {
		return nil, memerr.NotFound("durable.Get", memerr.ErrNotFound)
	}

	row := s.db.QueryRowContext(ctx, selectColumns+
		` FROM records WHERE id = ? AND superseded = 0 ORDER BY version DESC LIMIT 1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.NotFound("durable.Get", memerr.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("durable.Get", err)
	}
	return rec, nil
}

// Find returns live records matching q, newest first.
func (s *SQLiteStore) Find(ctx context.Context, q Query) ([]*record.MemoryRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	where := []string{
		"r.superseded = 0",
		"t.id IS NULL",
	}
	var args []any

	if len(q.Keywords) > 0 {
		var likes []string
		for _, kw := range q.Keywords {
			likes = append(likes, "LOWER(r.content) LIKE ?")
			args = append(args, "%"+strings.ToLower(kw)+"%")
		}
		where = append(where, "("+strings.Join(likes, " OR ")+")")
	}
	if !q.From.IsZero() {
		where = append(where, "r.created_at >= ?")
		args = append(args, q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		where = append(where, "r.created_at <= ?")
		args = append(args, q.To.UTC().Format(time.RFC3339Nano))
	}

	query := fmt.Sprintf(`SELECT r.id, r.version, r.tier, r.content, r.context, r.embedding,
		r.created_at, r.last_accessed_at, r.access_count, r.importance, r.pinned, r.source_ids
		FROM records r
		LEFT JOIN tombstones t ON t.id = r.id
		WHERE %s
		ORDER BY r.created_at DESC
		LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("durable.Find", err)
	}
	defer rows.Close()

	var recs []*record.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("durable.Find", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// FindBySource returns live summary records whose SourceIDs include
// sourceID. Source ids are stored as a JSON array, so a quoted substring
// match finds exact members.
func (s *SQLiteStore) FindBySource(ctx context.Context, sourceID string) ([]*record.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.version, r.tier, r.content, r.context, r.embedding,
			r.created_at, r.last_accessed_at, r.access_count, r.importance, r.pinned, r.source_ids
		 FROM records r
		 LEFT JOIN tombstones t ON t.id = r.id
		 WHERE r.superseded = 0 AND t.id IS NULL AND r.source_ids LIKE ?`,
		`%"`+sourceID+`"%`)
	if err != nil {
		return nil, storageErr("durable.FindBySource", err)
	}
	defer rows.Close()

	var recs []*record.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("durable.FindBySource", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Forget writes a tombstone for id.
func (s *SQLiteStore) Forget(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tombstones (id, created_at) VALUES (?, ?)`,
		id, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("durable.Forget", err)
	}
	return nil
}

// Touch records a retrieval hit on id by appending a new version with
// updated access fields. The pre-touch row is superseded, never rewritten,
// so History keeps the full audit trail.
func (s *SQLiteStore) Touch(ctx context.Context, id string, boost float64) (*record.MemoryRecord, error) {
	tombstoned, err := s.isTombstoned(ctx, id)
	if err != nil {
		return nil, err
	}
	if tombstoned {
		return nil, memerr.NotFound("durable.Touch", memerr.ErrNotFound)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Touch(s.now(), boost)
	if err := s.Append(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// History returns every stored version of id, newest first.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]*record.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+
		` FROM records WHERE id = ? ORDER BY version DESC`, id)
	if err != nil {
		return nil, storageErr("durable.History", err)
	}
	defer rows.Close()

	var recs []*record.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("durable.History", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Count returns the number of live, non-tombstoned ids.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT r.id) FROM records r
		 LEFT JOIN tombstones t ON t.id = r.id
		 WHERE r.superseded = 0 AND t.id IS NULL`).Scan(&n)
	if err != nil {
		return 0, storageErr("durable.Count", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) isTombstoned(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tombstones WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("durable.Get", err)
	}
	return true, nil
}

const selectColumns = `SELECT id, version, tier, content, context, embedding,
	created_at, last_accessed_at, access_count, importance, pinned, source_ids`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*record.MemoryRecord, error) {
	var rec record.MemoryRecord
	var tier, createdAt, lastAccessed string
	var context, embeddingJSON, sourceJSON sql.NullString
	var pinned int

	err := row.Scan(&rec.ID, &rec.Version, &tier, &rec.Content, &context, &embeddingJSON,
		&createdAt, &lastAccessed, &rec.AccessCount, &rec.Importance, &pinned, &sourceJSON)
	if err != nil {
		return nil, err
	}

	rec.Tier = record.Tier(tier)
	rec.Pinned = pinned != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, lastAccessed)
	if context.Valid {
		rec.Context = context.String
	}
	if embeddingJSON.Valid {
		json.Unmarshal([]byte(embeddingJSON.String), &rec.Embedding)
	}
	if sourceJSON.Valid {
		json.Unmarshal([]byte(sourceJSON.String), &rec.SourceIDs)
	}
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
