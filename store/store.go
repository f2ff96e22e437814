// ════════════════════════════════════════════════════════════════════════════════════════════════
// 💾 PROGRAM STORE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: sqlite-backed cache of traced programs
//
// Description:
//   A program depends only on tape structure, so it is stored under the
//   tape fingerprint and reused by every later build of a model with the
//   same structure. Rows written by another encoding version are ignored.
//
// Features:
//   - One table, prepared statements, single connection
//   - JSON payloads through sonnet
//   - Safe for concurrent use by CompileAll workers
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/stanle/madopt/config"
	"github.com/stanle/madopt/constants"
	"github.com/stanle/madopt/debug"
	"github.com/stanle/madopt/engine"
	"github.com/stanle/madopt/tape"
)

// Store is a program cache backed by one sqlite database.
type Store struct {
	db   *sql.DB
	load *sql.Stmt
	save *sql.Stmt
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	debug.DropMessage("store", "opened "+path)
	return s, nil
}

// OpenConfigured opens the cache named by c.TraceCache. It returns nil
// without error when no cache is configured.
func OpenConfigured(c config.Config) (*Store, error) {
	if c.TraceCache == "" {
		return nil, nil
	}
	return Open(c.TraceCache)
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS ` + constants.CacheTable + ` (
		fingerprint TEXT PRIMARY KEY,
		format      INTEGER NOT NULL,
		payload     BLOB NOT NULL,
		created     INTEGER NOT NULL
	) WITHOUT ROWID;`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}

	var err error
	s.load, err = s.db.Prepare(`SELECT format, payload FROM ` + constants.CacheTable + ` WHERE fingerprint = ?`)
	if err != nil {
		return fmt.Errorf("store: prepare load: %w", err)
	}
	s.save, err = s.db.Prepare(`INSERT OR REPLACE INTO ` + constants.CacheTable + ` (fingerprint, format, payload, created) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare save: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CACHE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Load returns the program stored under fp. A row of another format is a
// miss.
func (s *Store) Load(fp tape.Fingerprint) (*engine.Program, bool, error) {
	var format int
	var payload []byte
	err := s.load.QueryRow(fp.String()).Scan(&format, &payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("store: load %s: %w", fp, err)
	case format != constants.CacheFormat:
		return nil, false, nil
	}

	p := new(engine.Program)
	if err := sonnet.Unmarshal(payload, p); err != nil {
		return nil, false, fmt.Errorf("store: decode %s: %w", fp, err)
	}
	return p, true, nil
}

// Save stores p under fp, replacing any earlier row.
func (s *Store) Save(fp tape.Fingerprint, p *engine.Program) error {
	payload, err := sonnet.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", fp, err)
	}
	if _, err := s.save.Exec(fp.String(), constants.CacheFormat, payload, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: save %s: %w", fp, err)
	}
	return nil
}

// Len returns the number of stored programs of any format.
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + constants.CacheTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Prune deletes rows written by another format version and returns how
// many went.
func (s *Store) Prune() (int, error) {
	res, err := s.db.Exec(`DELETE FROM `+constants.CacheTable+` WHERE format != ?`, constants.CacheFormat)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	if n > 0 {
		debug.DropCount("store", "pruned rows", int(n))
	}
	return int(n), nil
}

// Close releases the statements and the database.
func (s *Store) Close() error {
	s.load.Close()
	s.save.Close()
	return s.db.Close()
}

var _ engine.ProgramCache = (*Store)(nil)
