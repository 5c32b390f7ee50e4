package tune

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ieee0824/latgen-tune/config"
	"github.com/ieee0824/latgen-tune/kaldi"
)

// Result is the outcome of tuning one order. It is what the marker file holds.
type Result struct {
	Page        int           `yaml:"page"`
	Order       int           `yaml:"order"`
	X           kaldi.Params  `yaml:"x"`
	CER         float64       `yaml:"fun"`
	Score       kaldi.Score   `yaml:"score"`
	Evaluations int           `yaml:"nfev"`    // distinct points, repeat calls at a point are not counted
	Decoded     int           `yaml:"decoded"` // points that ran the decoder rather than the journal
	Iterations  int           `yaml:"nit"`
	Status      string        `yaml:"status"`
	Success     bool          `yaml:"success"`
	Message     string        `yaml:"message"`
	Runtime     time.Duration `yaml:"runtime"`
	FinishedAt  time.Time     `yaml:"finished_at"`
}

func (r *Result) String() string {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%+v", *r)
	}
	return string(data)
}

// Done reports whether the order already has a marker file.
func Done(l config.Layout, page, order int) bool {
	_, err := os.Stat(l.MarkerFile(page, order))
	return err == nil
}

// WriteResult writes r to its order's marker file, creating the decode
// directory. The file only appears once fully written.
func WriteResult(l config.Layout, r *Result) error {
	path := l.MarkerFile(r.Page, r.Order)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create decode directory: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+config.MarkerName+".*")
	if err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// ErrUnreadableMarker is returned for marker files that exist but do not hold
// a Result, such as markers left by other tools.
var ErrUnreadableMarker = errors.New("marker file is not a tuning result")

// ReadResult parses an order's marker file.
func ReadResult(l config.Layout, page, order int) (*Result, error) {
	path := l.MarkerFile(page, order)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	var r Result
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrUnreadableMarker, err)
	}
	if r.Order == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrUnreadableMarker)
	}
	return &r, nil
}
