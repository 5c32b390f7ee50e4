// Package scoring measures the error rate of a decoder hypothesis archive
// against a reference transcription, either through compute-wer or in process.
package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/ieee0824/latgen-tune/config"
	"github.com/ieee0824/latgen-tune/kaldi"
)

var (
	// ErrEmptyReference is returned when no reference tokens were scored.
	ErrEmptyReference = errors.New("reference has no tokens to score")
	// ErrMissingHypothesis is returned in strict mode for unmatched references.
	ErrMissingHypothesis = errors.New("hypothesis missing for reference utterance")
)

// Scorer computes the error rate of hypPath against refPath.
type Scorer interface {
	Score(ctx context.Context, hypPath, refPath string) (kaldi.Score, error)
}

// New returns the scorer backend selected by cfg.
func New(cfg config.ScorerConfig, runner kaldi.Runner) (Scorer, error) {
	switch cfg.Backend {
	case config.BackendKaldi:
		return &KaldiScorer{Runner: runner, Binary: cfg.Binary, Mode: cfg.Mode}, nil
	case config.BackendNative:
		return &NativeScorer{Mode: cfg.Mode}, nil
	default:
		return nil, fmt.Errorf("unknown scorer backend %q", cfg.Backend)
	}
}

// KaldiScorer scores with the compute-wer binary.
type KaldiScorer struct {
	Runner kaldi.Runner
	Binary string
	Mode   string
}

func (s *KaldiScorer) Score(ctx context.Context, hypPath, refPath string) (kaldi.Score, error) {
	return kaldi.ComputeWER(ctx, s.Runner, s.Binary, s.Mode, hypPath, refPath)
}

// NativeScorer reproduces compute-wer's token error rate without Kaldi.
// With character-level references the rate is the CER.
type NativeScorer struct {
	Mode string
}

func (s *NativeScorer) Score(ctx context.Context, hypPath, refPath string) (kaldi.Score, error) {
	if err := ctx.Err(); err != nil {
		return kaldi.Score{}, err
	}
	hyp, err := kaldi.ReadArchiveFile(hypPath)
	if err != nil {
		return kaldi.Score{}, fmt.Errorf("hypothesis: %w", err)
	}
	ref, err := kaldi.ReadArchiveFile(refPath)
	if err != nil {
		return kaldi.Score{}, fmt.Errorf("reference: %w", err)
	}
	return Compare(ref, hyp, s.Mode)
}

// Compare scores hypothesis utterances against reference utterances by key.
//
//	present: references without a hypothesis are skipped
//	all:     a missing hypothesis counts as empty
//	strict:  a missing hypothesis is an error
func Compare(ref, hyp []kaldi.Utterance, mode string) (kaldi.Score, error) {
	hypByKey := make(map[string][]string, len(hyp))
	for _, u := range hyp {
		hypByKey[u.Key] = u.Tokens
	}

	var edits Edits
	var total, utts int
	for _, r := range ref {
		h, ok := hypByKey[r.Key]
		if !ok {
			switch mode {
			case config.ModePresent:
				continue
			case config.ModeStrict:
				return kaldi.Score{}, fmt.Errorf("%s: %w", r.Key, ErrMissingHypothesis)
			}
		}
		edits = edits.add(EditDistance(r.Tokens, h))
		total += len(r.Tokens)
		utts++
	}
	if total == 0 {
		return kaldi.Score{}, ErrEmptyReference
	}

	errs := edits.Total()
	return kaldi.Score{
		Rate:          100 * float64(errs) / float64(total),
		Errors:        errs,
		Total:         total,
		Insertions:    edits.Insertions,
		Deletions:     edits.Deletions,
		Substitutions: edits.Substitutions,
		Utterances:    utts,
	}, nil
}
