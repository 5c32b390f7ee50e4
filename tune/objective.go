package tune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/ieee0824/latgen-tune/config"
	"github.com/ieee0824/latgen-tune/journal"
	"github.com/ieee0824/latgen-tune/kaldi"
	"github.com/ieee0824/latgen-tune/scoring"
)

// Decoder decodes one trial and returns the hypothesis archive path.
type Decoder interface {
	Decode(ctx context.Context, j kaldi.Job) (string, error)
}

// Objective is the function minimized for one (page, order): decode with the
// given acoustic scale and beam, score the hypothesis, return the error rate.
type Objective struct {
	Page      int
	Order     int
	Decoder   Decoder
	Scorer    scoring.Scorer
	Reference string
	Layout    config.Layout

	Journal       *journal.Store // optional
	Settings      string         // journal fingerprint, see Settings
	Metrics       *Metrics       // optional
	Log           *slog.Logger
	Timeout       time.Duration // per trial, 0 = none
	KeepArtifacts bool

	memo      map[kaldi.Params]kaldi.Score
	evals     int // distinct points evaluated
	decoded   int // points that actually ran the decoder
	best      kaldi.Params
	bestScore kaldi.Score
	hasBest   bool
	err       error
}

// Evaluate returns the score at p, from memory or the journal when the point
// was seen before, otherwise by decoding and scoring.
func (o *Objective) Evaluate(ctx context.Context, p kaldi.Params) (kaldi.Score, error) {
	if o.memo == nil {
		o.memo = make(map[kaldi.Params]kaldi.Score)
	}
	if s, ok := o.memo[p]; ok {
		return s, nil
	}
	if err := ctx.Err(); err != nil {
		return kaldi.Score{}, err
	}

	source := "decoded"
	s, err := o.cached(p)
	if err != nil {
		return kaldi.Score{}, err
	}
	if s == nil {
		start := time.Now()
		score, err := o.run(ctx, p)
		elapsed := time.Since(start)
		if err != nil {
			o.Metrics.trialFailed(o.Order)
			return kaldi.Score{}, err
		}
		o.decoded++
		o.Metrics.observeTrial(o.Order, source, elapsed)
		if o.Journal != nil {
			if err := o.Journal.Record(&journal.Trial{
				Page: o.Page, Order: o.Order, Settings: o.Settings,
				Params: p, Score: score, Duration: elapsed,
			}); err != nil {
				return kaldi.Score{}, err
			}
		}
		s = &score
	} else {
		source = "cached"
		o.Metrics.observeTrial(o.Order, source, 0)
	}

	o.memo[p] = *s
	o.evals++
	if !o.hasBest || s.Rate < o.bestScore.Rate {
		o.best, o.bestScore, o.hasBest = p, *s, true
		o.Metrics.setBest(o.Order, s.Rate)
	}
	o.logger().Info("trial",
		slog.Float64("asf", p.AcousticScale),
		slog.Float64("beam", p.Beam),
		slog.Float64("cer", s.Rate),
		slog.String("source", source))
	return *s, nil
}

func (o *Objective) cached(p kaldi.Params) (*kaldi.Score, error) {
	if o.Journal == nil {
		return nil, nil
	}
	t, err := o.Journal.Lookup(o.Page, o.Order, o.Settings, p)
	if errors.Is(err, journal.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t.Score, nil
}

func (o *Objective) run(ctx context.Context, p kaldi.Params) (kaldi.Score, error) {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	job := kaldi.Job{Page: o.Page, Order: o.Order, Params: p}
	if !o.KeepArtifacts {
		defer o.removeArtifacts(job)
	}
	hyp, err := o.Decoder.Decode(ctx, job)
	if err != nil {
		return kaldi.Score{}, err
	}
	s, err := o.Scorer.Score(ctx, hyp, o.Reference)
	if err != nil {
		return kaldi.Score{}, fmt.Errorf("order %d (%s): %w", o.Order, p, err)
	}
	return s, nil
}

func (o *Objective) removeArtifacts(j kaldi.Job) {
	for _, path := range []string{j.Hyp(o.Layout), j.Ali(o.Layout)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger().Warn("remove trial artifact", slog.String("path", path), slog.Any("error", err))
		}
	}
}

// Func adapts the objective to the optimizer's signature. After the first
// failure every call returns +Inf; the failure is available from Err.
func (o *Objective) Func(ctx context.Context) func(x []float64) float64 {
	return func(x []float64) float64 {
		if o.err != nil {
			return math.Inf(1)
		}
		s, err := o.Evaluate(ctx, kaldi.ParamsFromVector(x))
		if err != nil {
			o.err = err
			return math.Inf(1)
		}
		return s.Rate
	}
}

// Err returns the first evaluation failure.
func (o *Objective) Err() error { return o.err }

// Best returns the lowest-rate point evaluated so far.
func (o *Objective) Best() (kaldi.Params, kaldi.Score, bool) {
	return o.best, o.bestScore, o.hasBest
}

// Evaluations returns the number of distinct points evaluated.
func (o *Objective) Evaluations() int { return o.evals }

// Decoded returns how many of those points ran the decoder.
func (o *Objective) Decoded() int { return o.decoded }

func (o *Objective) logger() *slog.Logger {
	if o.Log == nil {
		return slog.Default()
	}
	return o.Log
}
