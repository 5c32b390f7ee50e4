package tune

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/ieee0824/latgen-tune/config"
	"github.com/ieee0824/latgen-tune/kaldi"
)

// Initial simplex offsets: non-zero coordinates are scaled by 1+nonzeroDelta,
// zero coordinates move to zeroDelta.
const (
	nonzeroDelta = 0.05
	zeroDelta    = 0.00025
)

// InitialSimplex returns the dim+1 starting vertices around x0: x0 itself and
// one vertex per coordinate with that coordinate perturbed.
func InitialSimplex(x0 []float64) [][]float64 {
	vertices := make([][]float64, len(x0)+1)
	vertices[0] = append([]float64(nil), x0...)
	for i := range x0 {
		v := append([]float64(nil), x0...)
		if v[i] != 0 {
			v[i] *= 1 + nonzeroDelta
		} else {
			v[i] = zeroDelta
		}
		vertices[i+1] = v
	}
	return vertices
}

// Minimize runs Nelder-Mead on obj from search.Initial and returns the
// per-order result. Objective failures and context cancellation abort the
// search and are returned as errors; hitting an evaluation or iteration limit
// is not an error and yields an unsuccessful Result.
func Minimize(ctx context.Context, obj *Objective, search config.SearchConfig) (*Result, error) {
	start := time.Now()
	x0 := append([]float64(nil), search.Initial...)
	dim := len(x0)

	maxEvals := search.MaxEvaluations
	if maxEvals == 0 {
		maxEvals = 200 * dim
	}
	maxIters := search.MaxIterations
	if maxIters == 0 {
		maxIters = 200 * dim
	}

	f := obj.Func(ctx)
	vertices := InitialSimplex(x0)
	values := make([]float64, len(vertices))
	for i, v := range vertices {
		values[i] = f(v)
		if err := abortErr(ctx, obj); err != nil {
			return nil, err
		}
	}

	rec := &progress{ctx: ctx, obj: obj, log: obj.logger()}
	// The starting simplex counts against the evaluation budget.
	budget := maxEvals - len(vertices)
	if budget <= 0 {
		return newResult(obj, start, rec.iterations, optimize.FunctionEvaluationLimit)
	}
	settings := &optimize.Settings{
		Converger:       newSimplexConverger(search.XATol, search.FATol, search.Window),
		FuncEvaluations: budget,
		MajorIterations: maxIters,
		Recorder:        rec,
	}
	method := &optimize.NelderMead{
		InitialVertices: vertices,
		InitialValues:   values,
	}

	res, err := optimize.Minimize(optimize.Problem{Func: f}, x0, settings, method)
	if aerr := abortErr(ctx, obj); aerr != nil {
		return nil, aerr
	}
	if err != nil && (res == nil || !limitStatus(res.Status)) {
		return nil, fmt.Errorf("nelder-mead order %d: %w", obj.Order, err)
	}

	status := optimize.NotTerminated
	if res != nil {
		status = res.Status
	}
	return newResult(obj, start, rec.iterations, status)
}

func newResult(obj *Objective, start time.Time, iterations int, status optimize.Status) (*Result, error) {
	best, score, ok := obj.Best()
	if !ok {
		return nil, fmt.Errorf("nelder-mead order %d: no point evaluated", obj.Order)
	}
	return &Result{
		Page:        obj.Page,
		Order:       obj.Order,
		X:           best,
		CER:         score.Rate,
		Score:       score,
		Evaluations: obj.Evaluations(),
		Decoded:     obj.Decoded(),
		Iterations:  iterations,
		Status:      status.String(),
		Success:     successStatus(status),
		Message:     statusMessage(status),
		Runtime:     time.Since(start).Round(time.Millisecond),
		FinishedAt:  time.Now(),
	}, nil
}

func abortErr(ctx context.Context, obj *Objective) error {
	if err := obj.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func limitStatus(s optimize.Status) bool {
	switch s {
	case optimize.FunctionEvaluationLimit, optimize.IterationLimit, optimize.RuntimeLimit:
		return true
	}
	return false
}

func successStatus(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.StepConvergence, optimize.FunctionConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

func statusMessage(s optimize.Status) string {
	switch {
	case successStatus(s):
		return "Optimization terminated successfully."
	case s == optimize.FunctionEvaluationLimit:
		return "Maximum number of function evaluations has been exceeded."
	case s == optimize.IterationLimit:
		return "Maximum number of iterations has been exceeded."
	case s == optimize.RuntimeLimit:
		return "Maximum runtime has been exceeded."
	}
	return "Optimization stopped: " + s.String()
}

// simplexConverger stops the search once the best vertex has stayed within
// xatol (max-norm) and its value within fatol for window major iterations.
type simplexConverger struct {
	xatol, fatol float64
	window       int
	xs           [][]float64
	fs           []float64
}

func newSimplexConverger(xatol, fatol float64, window int) *simplexConverger {
	return &simplexConverger{xatol: xatol, fatol: fatol, window: window}
}

func (c *simplexConverger) Init(dim int) {
	c.xs = c.xs[:0]
	c.fs = c.fs[:0]
}

func (c *simplexConverger) Converged(loc *optimize.Location) optimize.Status {
	c.xs = append(c.xs, append([]float64(nil), loc.X...))
	c.fs = append(c.fs, loc.F)
	if n := len(c.xs); n > c.window+1 {
		c.xs = c.xs[n-c.window-1:]
		c.fs = c.fs[n-c.window-1:]
	}
	if len(c.xs) <= c.window {
		return optimize.NotTerminated
	}

	last := len(c.xs) - 1
	for i := 0; i < last; i++ {
		if math.Abs(c.fs[i]-c.fs[last]) > c.fatol {
			return optimize.NotTerminated
		}
		for j, v := range c.xs[i] {
			if math.Abs(v-c.xs[last][j]) > c.xatol {
				return optimize.NotTerminated
			}
		}
	}
	return optimize.StepConvergence
}

// progress logs major iterations and aborts the search on failure or cancellation.
type progress struct {
	ctx        context.Context
	obj        *Objective
	log        *slog.Logger
	iterations int
}

func (p *progress) Init() error { return nil }

func (p *progress) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if err := abortErr(p.ctx, p.obj); err != nil {
		return err
	}
	if op&optimize.MajorIteration != 0 {
		p.iterations = stats.MajorIterations
		params := kaldi.ParamsFromVector(loc.X)
		p.log.Debug("iteration",
			slog.Int("nit", stats.MajorIterations),
			slog.Int("nfev", stats.FuncEvaluations),
			slog.Float64("asf", params.AcousticScale),
			slog.Float64("beam", params.Beam),
			slog.Float64("cer", loc.F))
	}
	return nil
}
