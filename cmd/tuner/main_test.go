package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieee0824/latgen-tune/config"
	"github.com/ieee0824/latgen-tune/journal"
	"github.com/ieee0824/latgen-tune/kaldi"
	"github.com/ieee0824/latgen-tune/tune"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParsePage(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"7", 7, false},
		{"0", 0, false},
		{"seven", 0, true},
		{"7.5", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parsePage(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePage(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePage(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRootRequiresPage(t *testing.T) {
	_, err := execute(t)
	assert.Error(t, err)

	_, err = execute(t, "abc")
	assert.ErrorContains(t, err, "page must be an integer")
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tune.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: 2\nsearch:\n  min_order: 4\n  max_order: 9\n"), 0o644))

	opts := &options{}
	cmd := buildRootCmd(opts)
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path,
		"--max-order", "6",
		"--scorer", "native",
		"--trial-timeout", "2m",
	}))

	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Search.MinOrder, "file value kept")
	assert.Equal(t, 6, cfg.Search.MaxOrder, "flag wins")
	assert.Equal(t, 2, cfg.Jobs)
	assert.Equal(t, config.BackendNative, cfg.Scorer.Backend)
	assert.Equal(t, 2*time.Minute, cfg.TrialTimeout)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	opts := &options{}
	cmd := buildRootCmd(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--min-order", "8", "--max-order", "5"}))
	_, err := loadConfig(cmd, opts)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestScoreCommand(t *testing.T) {
	dir := t.TempDir()
	hyp := filepath.Join(dir, "a.hyp")
	ref := filepath.Join(dir, "ref.txt")
	require.NoError(t, os.WriteFile(hyp, []byte("u1 a b x d\n"), 0o644))
	require.NoError(t, os.WriteFile(ref, []byte("u1 a b c d\nu2 e f\n"), 0o644))

	out, err := execute(t, "score", hyp, ref)
	require.NoError(t, err)
	assert.Equal(t, "%WER 25.00 [ 1 / 4, 0 ins, 0 del, 1 sub ]\n", out)

	out, err = execute(t, "score", "--mode", "all", hyp, ref)
	require.NoError(t, err)
	assert.Equal(t, "%WER 50.00 [ 3 / 6, 0 ins, 2 del, 1 sub ]\n", out)

	_, err = execute(t, "score", "--mode", "strict", hyp, ref)
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tune.yaml")
	prefix := filepath.Join(dir, "work")
	require.NoError(t, os.WriteFile(cfgPath, []byte("work_prefix: "+prefix+"\n"), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.NoError(t, tune.WriteResult(cfg.Layout(), &tune.Result{
		Page: 2, Order: 3, CER: 11.5,
		X: kaldi.Params{AcousticScale: 2.75, Beam: 22},
	}))
	j, err := journal.Open(cfg.Layout().JournalFile(2))
	require.NoError(t, err)
	require.NoError(t, j.Record(&journal.Trial{Page: 2, Order: 4, Settings: tune.Settings(cfg, 2, 4), Params: kaldi.Params{AcousticScale: 2.5, Beam: 25}, Score: kaldi.Score{Rate: 14}}))
	require.NoError(t, j.Close())

	out, err := execute(t, "status", "--config", cfgPath, "--max-order", "5", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Regexp(t, `^3\s+done\s+11\.50\s+2\.75\s+22\s+0$`, lines[2])
	assert.Regexp(t, `^4\s+pending\s+14\.00\s+2\.5\s+25\s+1$`, lines[3])
	assert.Regexp(t, `^5\s+pending\s+-`, lines[4])
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, &options{logLevel: "warn", logFormat: "json"})
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger(&buf, &options{logLevel: "loud", logFormat: "text"})
	assert.Error(t, err)
	_, err = newLogger(&buf, &options{logLevel: "info", logFormat: "xml"})
	assert.Error(t, err)
}
