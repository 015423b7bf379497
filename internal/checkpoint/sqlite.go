package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS searches (
  run_key     TEXT NOT NULL,
  requirement TEXT NOT NULL,
  owners      BLOB NOT NULL,
  created_at  INTEGER NOT NULL,
  PRIMARY KEY (run_key, requirement)
)`,
	`CREATE TABLE IF NOT EXISTS pairs (
  run_key     TEXT NOT NULL,
  requirement TEXT NOT NULL,
  owner       TEXT NOT NULL,
  result      BLOB,
  created_at  INTEGER NOT NULL,
  PRIMARY KEY (run_key, requirement, owner)
)`,
}

// SQLite keeps progress in a database file so that it survives restarts.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the checkpoint database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}

	// SQLite doesn't support concurrent writes
	db.SetMaxOpenConns(1)

	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating checkpoint schema: %w", err)
		}
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Load(ctx context.Context, runKey string) (*State, error) {
	st := NewState()

	rows, err := s.db.QueryContext(ctx, `SELECT requirement, owners FROM searches WHERE run_key = ?`, runKey)
	if err != nil {
		return nil, fmt.Errorf("loading searches: %w", err)
	}
	for rows.Next() {
		var requirement string
		var blob []byte
		if err := rows.Scan(&requirement, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning search: %w", err)
		}
		var owners []string
		if err := msgpack.Unmarshal(blob, &owners); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding owners of %q: %w", requirement, err)
		}
		st.search(requirement, owners)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("loading searches: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT requirement, owner, result FROM pairs WHERE run_key = ?`, runKey)
	if err != nil {
		return nil, fmt.Errorf("loading pairs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var requirement, owner string
		var blob []byte
		if err := rows.Scan(&requirement, &owner, &blob); err != nil {
			return nil, fmt.Errorf("scanning pair: %w", err)
		}

		var res *retrieval.MatchResult
		if len(blob) > 0 {
			res = &retrieval.MatchResult{}
			if err := msgpack.Unmarshal(blob, res); err != nil {
				return nil, fmt.Errorf("decoding result of %q for %s: %w", requirement, owner, err)
			}
		}
		st.finish(requirement, owner, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading pairs: %w", err)
	}

	return st, nil
}

func (s *SQLite) SaveSearch(ctx context.Context, runKey string, req job.Requirement, owners []string) error {
	if owners == nil {
		owners = []string{}
	}
	blob, err := msgpack.Marshal(owners)
	if err != nil {
		return fmt.Errorf("encoding owners: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO searches (run_key, requirement, owners, created_at) VALUES (?, ?, ?, ?)`,
		runKey, req.Text, blob, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving search of %q: %w", req.Text, err)
	}
	return nil
}

func (s *SQLite) SavePair(ctx context.Context, runKey string, req job.Requirement, owner string, res *retrieval.MatchResult) error {
	var blob []byte
	if res != nil {
		var err error
		if blob, err = msgpack.Marshal(res); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairs (run_key, requirement, owner, result, created_at) VALUES (?, ?, ?, ?, ?)`,
		runKey, req.Text, owner, blob, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving %q for %s: %w", req.Text, owner, err)
	}
	return nil
}

// Prune deletes progress of other run keys recorded before cutoff.
func (s *SQLite) Prune(ctx context.Context, keep string, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"searches", "pairs"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE run_key <> ? AND created_at < ?`, table),
			keep, cutoff.Unix(),
		)
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
