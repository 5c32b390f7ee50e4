package journal

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieee0824/latgen-tune/kaldi"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordLookup(t *testing.T) {
	s := openMemory(t)
	p := kaldi.Params{AcousticScale: 2.625, Beam: 25}

	_, err := s.Lookup(1, 3, "k", p)
	assert.ErrorIs(t, err, ErrNotFound)

	tr := &Trial{
		Page: 1, Order: 3, Settings: "k", Params: p,
		Score:    kaldi.Score{Rate: 12.5, Errors: 5, Total: 40, Deletions: 5},
		Duration: 1500 * time.Millisecond,
	}
	require.NoError(t, s.Record(tr))
	assert.NotEmpty(t, tr.ID)
	assert.False(t, tr.CreatedAt.IsZero())

	got, err := s.Lookup(1, 3, "k", p)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)
	assert.Equal(t, tr.Score, got.Score)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.Equal(t, tr.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	_, err = s.Lookup(1, 4, "k", p)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Lookup(2, 3, "k", p)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordSamePointReplaces(t *testing.T) {
	s := openMemory(t)
	p := kaldi.Params{AcousticScale: 2.5, Beam: 25}

	require.NoError(t, s.Record(&Trial{Page: 1, Order: 3, Settings: "k", Params: p, Score: kaldi.Score{Rate: 20}}))
	require.NoError(t, s.Record(&Trial{Page: 1, Order: 3, Settings: "k", Params: p, Score: kaldi.Score{Rate: 18}}))

	n, err := s.Count(1, 3, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Lookup(1, 3, "k", p)
	require.NoError(t, err)
	assert.Equal(t, 18.0, got.Score.Rate)
}

func TestBestAndTrials(t *testing.T) {
	s := openMemory(t)
	base := time.Unix(1700000000, 0)
	rates := []float64{30, 12, 18, 12}
	for i, r := range rates {
		require.NoError(t, s.Record(&Trial{
			Page: 5, Order: 7, Settings: "k",
			Params:    kaldi.Params{AcousticScale: float64(i + 1), Beam: 25},
			Score:     kaldi.Score{Rate: r},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.Record(&Trial{Page: 5, Order: 8, Settings: "k", Params: kaldi.Params{AcousticScale: 1, Beam: 1}, Score: kaldi.Score{Rate: 1}}))

	best, err := s.Best(5, 7, "k")
	require.NoError(t, err)
	assert.Equal(t, 12.0, best.Score.Rate)
	assert.Equal(t, 2.0, best.Params.AcousticScale, "earliest of equal rates wins")

	trials, err := s.Trials(5, 7, "k")
	require.NoError(t, err)
	require.Len(t, trials, 4)
	for i, tr := range trials {
		assert.Equal(t, rates[i], tr.Score.Rate)
	}

	_, err = s.Best(5, 9, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenFileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decode", "trials.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(&Trial{Page: 1, Order: 3, Settings: "k", Params: kaldi.Params{AcousticScale: 2.5, Beam: 25}, Score: kaldi.Score{Rate: 9}}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Lookup(1, 3, "k", kaldi.Params{AcousticScale: 2.5, Beam: 25})
	require.NoError(t, err)
	assert.Equal(t, 9.0, got.Score.Rate)
}

func TestSettingsSeparateTrials(t *testing.T) {
	s := openMemory(t)
	p := kaldi.Params{AcousticScale: 2.5, Beam: 25}

	require.NoError(t, s.Record(&Trial{Page: 1, Order: 3, Settings: "present", Params: p, Score: kaldi.Score{Rate: 10}}))
	require.NoError(t, s.Record(&Trial{Page: 1, Order: 3, Settings: "all", Params: p, Score: kaldi.Score{Rate: 50}}))

	got, err := s.Lookup(1, 3, "present", p)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Score.Rate)
	assert.Equal(t, "present", got.Settings)

	got, err = s.Lookup(1, 3, "all", p)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.Score.Rate)

	_, err = s.Lookup(1, 3, "strict", p)
	assert.ErrorIs(t, err, ErrNotFound)

	best, err := s.Best(1, 3, "all")
	require.NoError(t, err)
	assert.Equal(t, 50.0, best.Score.Rate)

	for _, settings := range []string{"present", "all"} {
		n, err := s.Count(1, 3, settings)
		require.NoError(t, err)
		assert.Equal(t, 1, n, settings)
	}
}

func TestOpenUpgradesLegacyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trials.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE trials (
			id TEXT PRIMARY KEY, page INTEGER NOT NULL, model_order INTEGER NOT NULL,
			acoustic_scale REAL NOT NULL, beam REAL NOT NULL, rate REAL NOT NULL,
			errors INTEGER NOT NULL DEFAULT 0, total INTEGER NOT NULL DEFAULT 0,
			insertions INTEGER NOT NULL DEFAULT 0, deletions INTEGER NOT NULL DEFAULT 0,
			substitutions INTEGER NOT NULL DEFAULT 0, duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL);
		CREATE UNIQUE INDEX idx_trials_point ON trials(page, model_order, acoustic_scale, beam);
		INSERT INTO trials (id, page, model_order, acoustic_scale, beam, rate, created_at)
			VALUES ('old', 1, 3, 2.5, 25, 10, 1);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	p := kaldi.Params{AcousticScale: 2.5, Beam: 25}
	_, err = s.Lookup(1, 3, "k", p)
	assert.ErrorIs(t, err, ErrNotFound, "legacy rows carry no fingerprint")

	require.NoError(t, s.Record(&Trial{Page: 1, Order: 3, Settings: "k", Params: p, Score: kaldi.Score{Rate: 40}}))
	got, err := s.Lookup(1, 3, "k", p)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.Score.Rate)

	old, err := s.Lookup(1, 3, "", p)
	require.NoError(t, err)
	assert.Equal(t, "old", old.ID)
}
