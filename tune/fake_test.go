package tune

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ieee0824/latgen-tune/config"
	"github.com/ieee0824/latgen-tune/kaldi"
)

// surface is a synthetic decode+score pipeline: the decoder remembers which
// parameters produced which hypothesis path and the scorer evaluates rate()
// at those parameters.
type surface struct {
	mu       sync.Mutex
	layout   config.Layout
	byHyp    map[string]kaldi.Params
	decodes  int
	failAt   int // fail the n-th decode (1-based), 0 = never
	writeHyp bool
	rate     func(p kaldi.Params) float64
}

func newSurface(l config.Layout, rate func(kaldi.Params) float64) *surface {
	return &surface{layout: l, byHyp: make(map[string]kaldi.Params), rate: rate}
}

func (s *surface) Decode(ctx context.Context, j kaldi.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.decodes++
	if s.failAt > 0 && s.decodes == s.failAt {
		return "", errors.New("decode-faster-mapped: exit status 1")
	}
	hyp := j.Hyp(s.layout)
	if s.writeHyp {
		if err := os.WriteFile(hyp, []byte("u1 a\n"), 0o644); err != nil {
			return "", err
		}
		if err := os.WriteFile(j.Ali(s.layout), []byte("u1 1\n"), 0o644); err != nil {
			return "", err
		}
	}
	s.byHyp[hyp] = j.Params
	return hyp, nil
}

func (s *surface) Score(_ context.Context, hypPath, _ string) (kaldi.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byHyp[hypPath]
	if !ok {
		return kaldi.Score{}, fmt.Errorf("unknown hypothesis %s", hypPath)
	}
	return kaldi.Score{Rate: s.rate(p)}, nil
}

func (s *surface) Decodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodes
}

// bowl has its minimum 10 at asf=3, beam=20.
func bowl(p kaldi.Params) float64 {
	da := p.AcousticScale - 3
	db := (p.Beam - 20) / 5
	return 10 + da*da + db*db
}

// testConfig returns a config whose whole layout lives under a temp dir,
// with decoder inputs and the reference present for the given orders.
func testConfig(t *testing.T, page int, orders ...int) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.LMRoot = filepath.Join(dir, "LM")
	cfg.WorkPrefix = filepath.Join(dir, "work")
	cfg.TextDir = filepath.Join(dir, "text")
	cfg.TmpDir = filepath.Join(dir, "tmp")
	cfg.UtilsDir = filepath.Join(dir, "utils")
	cfg.Search.MinOrder = orders[0]
	cfg.Search.MaxOrder = orders[len(orders)-1]
	cfg.Search.XATol = 1e-4
	cfg.Search.FATol = 1e-8
	cfg.Search.Window = 10

	l := cfg.Layout()
	touch(t, l.Reference(page), "u1 a b c\n")
	touch(t, l.Features(page), "")
	require.NoError(t, os.MkdirAll(cfg.TmpDir, 0o755))
	for _, o := range orders {
		touch(t, l.Model(page, o), "")
		touch(t, l.Graph(page, o), "")
		touch(t, l.Words(page, o), "<eps> 0\n")
	}
	return cfg
}

func touch(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// hypRunner plays decode-faster-mapped and writes a hypothesis archive that
// drops more reference characters the further the parameters are from
// asf=3, beam=20.
type hypRunner struct {
	ref   []string
	calls int
}

func (r *hypRunner) Run(_ context.Context, name string, args ...string) (*kaldi.Output, error) {
	r.calls++
	var p kaldi.Params
	var hyp string
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "--acoustic-scale="):
			fmt.Sscanf(strings.TrimPrefix(a, "--acoustic-scale="), "%g", &p.AcousticScale)
		case strings.HasPrefix(a, "--beam="):
			fmt.Sscanf(strings.TrimPrefix(a, "--beam="), "%g", &p.Beam)
		case strings.HasPrefix(a, "ark,t:|"):
			hyp = strings.TrimSpace(a[strings.LastIndex(a, ">")+1:])
		}
	}
	if hyp == "" {
		return nil, fmt.Errorf("%s: no hypothesis wspecifier", name)
	}
	drop := int(bowl(p) - 10 + 0.5)
	if drop > len(r.ref) {
		drop = len(r.ref)
	}
	line := "u1 " + strings.Join(r.ref[drop:], " ") + "\n"
	if err := os.WriteFile(hyp, []byte(line), 0o644); err != nil {
		return nil, err
	}
	return &kaldi.Output{}, nil
}
