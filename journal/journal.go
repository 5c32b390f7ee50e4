// Package journal records every decoding trial in SQLite so an interrupted
// search can be resumed without re-running the decoder for points it has
// already evaluated.
package journal

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/ieee0824/latgen-tune/kaldi"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no trial matches.
var ErrNotFound = errors.New("trial not found")

// Trial is one evaluated point of the search.
type Trial struct {
	ID    string
	Page  int
	Order int
	// Settings fingerprints everything besides Params that decides the
	// score. Trials only match lookups with the same fingerprint.
	Settings  string
	Params    kaldi.Params
	Score     kaldi.Score
	Duration  time.Duration
	CreatedAt time.Time
}

// Store is a SQLite-backed trial journal.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger trial writes are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Open opens (creating if needed) the journal at path. ":memory:" gives a
// private in-memory journal.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create journal directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One connection: keeps :memory: databases shared and serializes writers
	// from concurrently tuned orders.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	s := &Store{db: db, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema upgrades journals written before trials carried a settings
// fingerprint. Their rows keep an empty fingerprint and never match again.
func (s *Store) ensureSchema() error {
	rows, err := s.db.Query(`PRAGMA table_info(trials)`)
	if err != nil {
		return fmt.Errorf("journal pragma: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan journal pragma: %w", err)
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if !cols["settings"] {
		s.log.Info("upgrading trial journal", slog.String("column", "settings"))
		if _, err := s.db.Exec(`ALTER TABLE trials ADD COLUMN settings TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add trials settings: %w", err)
		}
	}
	for _, stmt := range []string{
		`DROP INDEX IF EXISTS idx_trials_point`,
		`DROP INDEX IF EXISTS idx_trials_rate`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trials_key
			ON trials(page, model_order, settings, acoustic_scale, beam)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_best
			ON trials(page, model_order, settings, rate)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal index: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores t, assigning an ID and timestamp when unset. Recording the
// same point twice keeps the latest score.
func (s *Store) Record(t *Trial) error {
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO trials (
			id, page, model_order, settings, acoustic_scale, beam,
			rate, errors, total, insertions, deletions, substitutions,
			duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(page, model_order, settings, acoustic_scale, beam) DO UPDATE SET
			id = excluded.id,
			rate = excluded.rate,
			errors = excluded.errors,
			total = excluded.total,
			insertions = excluded.insertions,
			deletions = excluded.deletions,
			substitutions = excluded.substitutions,
			duration_ms = excluded.duration_ms,
			created_at = excluded.created_at
	`,
		t.ID, t.Page, t.Order, t.Settings, t.Params.AcousticScale, t.Params.Beam,
		t.Score.Rate, t.Score.Errors, t.Score.Total,
		t.Score.Insertions, t.Score.Deletions, t.Score.Substitutions,
		t.Duration.Milliseconds(), t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record trial: %w", err)
	}
	s.log.Debug("trial recorded",
		slog.String("id", t.ID),
		slog.Int("page", t.Page),
		slog.Int("order", t.Order),
		slog.Float64("rate", t.Score.Rate))
	return nil
}

const selectTrial = `
	SELECT id, page, model_order, settings, acoustic_scale, beam,
		rate, errors, total, insertions, deletions, substitutions,
		duration_ms, created_at
	FROM trials`

// Lookup returns the trial recorded for exactly this point under settings.
func (s *Store) Lookup(page, order int, settings string, p kaldi.Params) (*Trial, error) {
	row := s.db.QueryRow(selectTrial+`
		WHERE page = ? AND model_order = ? AND settings = ? AND acoustic_scale = ? AND beam = ?`,
		page, order, settings, p.AcousticScale, p.Beam)
	return scanOne(row)
}

// Best returns the lowest-rate trial of an order under settings.
func (s *Store) Best(page, order int, settings string) (*Trial, error) {
	row := s.db.QueryRow(selectTrial+`
		WHERE page = ? AND model_order = ? AND settings = ?
		ORDER BY rate ASC, created_at ASC
		LIMIT 1`, page, order, settings)
	return scanOne(row)
}

// Trials lists an order's trials under settings in the order they were recorded.
func (s *Store) Trials(page, order int, settings string) ([]Trial, error) {
	rows, err := s.db.Query(selectTrial+`
		WHERE page = ? AND model_order = ? AND settings = ?
		ORDER BY created_at ASC, id ASC`, page, order, settings)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	var trials []Trial
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, err
		}
		trials = append(trials, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	return trials, nil
}

// Count returns how many trials an order has under settings.
func (s *Store) Count(page, order int, settings string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trials WHERE page = ? AND model_order = ? AND settings = ?`,
		page, order, settings).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trials: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*Trial, error) {
	t, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scan(sc scanner) (*Trial, error) {
	var (
		t          Trial
		durationMs int64
		createdAt  int64
	)
	err := sc.Scan(
		&t.ID, &t.Page, &t.Order, &t.Settings, &t.Params.AcousticScale, &t.Params.Beam,
		&t.Score.Rate, &t.Score.Errors, &t.Score.Total,
		&t.Score.Insertions, &t.Score.Deletions, &t.Score.Substitutions,
		&durationMs, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan trial: %w", err)
	}
	t.Duration = time.Duration(durationMs) * time.Millisecond
	t.CreatedAt = time.Unix(0, createdAt)
	return &t, nil
}
