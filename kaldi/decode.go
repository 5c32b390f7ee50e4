package kaldi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ieee0824/latgen-tune/config"
)

// Params are the two decoder hyperparameters being tuned.
type Params struct {
	AcousticScale float64 `yaml:"acoustic_scale"`
	Beam          float64 `yaml:"beam"`
}

// ParamsFromVector maps an optimizer point [asf, beam] to Params.
func ParamsFromVector(x []float64) Params {
	return Params{AcousticScale: x[0], Beam: x[1]}
}

// Vector returns the optimizer representation [asf, beam].
func (p Params) Vector() []float64 {
	return []float64{p.AcousticScale, p.Beam}
}

func (p Params) String() string {
	return config.FormatFloat(p.AcousticScale) + ", " + config.FormatFloat(p.Beam)
}

// Job identifies one decoding trial.
type Job struct {
	Page   int
	Order  int
	Params Params
}

// Hyp is the hypothesis text archive the decoder writes for this trial.
func (j Job) Hyp(l config.Layout) string {
	return l.HypFile(j.Page, j.Order, j.Params.AcousticScale, j.Params.Beam)
}

// Ali is the alignment archive the decoder writes for this trial.
func (j Job) Ali(l config.Layout) string {
	return l.AliFile(j.Page, j.Order, j.Params.AcousticScale, j.Params.Beam)
}

// DecodeArgs builds the decode-faster-mapped argument vector for a trial.
// Word ids in the output are mapped to symbols by piping through int2sym.pl,
// which Kaldi runs itself as part of the wspecifier.
func DecodeArgs(cfg config.DecoderConfig, l config.Layout, j Job) []string {
	args := []string{
		"--verbose=" + strconv.Itoa(cfg.Verbose),
		"--allow-partial=" + strconv.FormatBool(cfg.AllowPartial),
		"--acoustic-scale=" + config.FormatFloat(j.Params.AcousticScale),
		"--beam=" + config.FormatFloat(j.Params.Beam),
	}
	args = append(args, cfg.ExtraArgs...)
	return append(args,
		l.Model(j.Page, j.Order),
		l.Graph(j.Page, j.Order),
		"ark:"+l.Features(j.Page),
		fmt.Sprintf("ark,t:| %s/int2sym.pl -f 2- %s > %s", l.UtilsDir, l.Words(j.Page, j.Order), j.Hyp(l)),
		"ark,t:"+j.Ali(l),
	)
}

// Decoder runs decode-faster-mapped for single trials.
type Decoder struct {
	Runner Runner
	Config config.DecoderConfig
	Layout config.Layout
	Log    *slog.Logger // optional
}

// Decode runs the decoder for j and returns the path of the hypothesis archive.
func (d *Decoder) Decode(ctx context.Context, j Job) (string, error) {
	args := DecodeArgs(d.Config, d.Layout, j)
	log := d.logger().With(slog.Int("page", j.Page), slog.Int("order", j.Order))
	log.Debug("decode", slog.String("cmd", d.Config.Binary+" "+strings.Join(args, " ")))

	out, err := d.Runner.Run(ctx, d.Config.Binary, args...)
	if out != nil {
		log.Debug("decode finished", slog.Duration("duration", out.Duration), slog.Bool("ok", err == nil))
	}
	if err != nil {
		return "", fmt.Errorf("decode order %d (%s): %w", j.Order, j.Params, err)
	}
	return j.Hyp(d.Layout), nil
}

func (d *Decoder) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}
