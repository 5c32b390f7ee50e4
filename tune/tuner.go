// Package tune searches for the acoustic scale and beam that minimize the
// character error rate of each language-model order of a page.
package tune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ieee0824/latgen-tune/config"
	"github.com/ieee0824/latgen-tune/journal"
	"github.com/ieee0824/latgen-tune/scoring"
)

// Tuner runs the per-order searches of a page.
type Tuner struct {
	Config  config.Config
	Decoder Decoder
	Scorer  scoring.Scorer
	Journal *journal.Store // optional
	Metrics *Metrics       // optional
	Log     *slog.Logger
}

// Run tunes every order of page that has no marker file yet, running up to
// Config.Jobs orders at once. It returns the results of the orders tuned by
// this call, sorted by order. The first failing order cancels the rest;
// markers of orders that already finished are kept.
func (t *Tuner) Run(ctx context.Context, page int) ([]*Result, error) {
	if err := t.Config.Validate(); err != nil {
		return nil, err
	}
	layout := t.Config.Layout()
	log := t.logger().With(slog.Int("page", page))

	var (
		mu      sync.Mutex
		results []*Result
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.Config.Jobs)

	for _, order := range t.Config.Orders() {
		olog := log.With(slog.Int("order", order))
		marker := layout.MarkerFile(page, order)
		if Done(layout, page, order) {
			olog.Info("order already tuned", slog.String("marker", marker))
			continue
		}
		olog.Info("tuning order", slog.String("marker", marker))

		order := order
		g.Go(func() error {
			r, err := t.tuneOrder(ctx, page, order, olog)
			if err != nil {
				return fmt.Errorf("order %d: %w", order, err)
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Order < results[j].Order })
	return results, err
}

func (t *Tuner) tuneOrder(ctx context.Context, page, order int, log *slog.Logger) (*Result, error) {
	layout := t.Config.Layout()
	if err := checkInputs(layout, page, order); err != nil {
		return nil, err
	}

	obj := &Objective{
		Page:          page,
		Order:         order,
		Decoder:       t.Decoder,
		Scorer:        t.Scorer,
		Reference:     layout.Reference(page),
		Layout:        layout,
		Journal:       t.Journal,
		Settings:      Settings(t.Config, page, order),
		Metrics:       t.Metrics,
		Log:           log,
		Timeout:       t.Config.TrialTimeout,
		KeepArtifacts: t.Config.KeepArtifacts,
	}
	r, err := Minimize(ctx, obj, t.Config.Search)
	if err != nil {
		return nil, err
	}
	if err := WriteResult(layout, r); err != nil {
		return nil, err
	}
	t.Metrics.orderCompleted()
	log.Info("order tuned",
		slog.Float64("asf", r.X.AcousticScale),
		slog.Float64("beam", r.X.Beam),
		slog.Float64("cer", r.CER),
		slog.Int("nfev", r.Evaluations),
		slog.Int("decoded", r.Decoded),
		slog.String("status", r.Status),
		slog.Duration("runtime", r.Runtime))
	return r, nil
}

// checkInputs verifies the reference and the files the decoder needs for an
// order exist, so a missing model fails fast instead of on the first trial.
func checkInputs(l config.Layout, page, order int) error {
	if _, err := os.Stat(l.Reference(page)); err != nil {
		return fmt.Errorf("reference transcription: %w", err)
	}
	for _, path := range []string{
		l.Model(page, order),
		l.Graph(page, order),
		l.Words(page, order),
		l.Features(page),
	} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("decoder input: %w", err)
		}
	}
	return nil
}

func (t *Tuner) logger() *slog.Logger {
	if t.Log == nil {
		return slog.Default()
	}
	return t.Log
}

// OrderStatus describes where one order stands.
type OrderStatus struct {
	Order  int
	Done   bool
	Result *Result        // parsed marker, nil if pending or unreadable
	Trials int            // journaled trials under the current settings, 0 without a journal
	Best   *journal.Trial // best of those trials, nil if none
}

// Status reports every order of page in the configured range. j may be nil.
func Status(cfg config.Config, j *journal.Store, page int) ([]OrderStatus, error) {
	layout := cfg.Layout()
	var out []OrderStatus
	for _, order := range cfg.Orders() {
		st := OrderStatus{Order: order, Done: Done(layout, page, order)}
		if st.Done {
			r, err := ReadResult(layout, page, order)
			switch {
			case err == nil:
				st.Result = r
			case !errors.Is(err, ErrUnreadableMarker):
				return nil, err
			}
		}
		if j != nil {
			settings := Settings(cfg, page, order)
			n, err := j.Count(page, order, settings)
			if err != nil {
				return nil, err
			}
			st.Trials = n
			best, err := j.Best(page, order, settings)
			switch {
			case err == nil:
				st.Best = best
			case !errors.Is(err, journal.ErrNotFound):
				return nil, err
			}
		}
		out = append(out, st)
	}
	return out, nil
}
