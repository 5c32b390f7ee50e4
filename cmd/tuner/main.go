package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ieee0824/latgen-tune/config"
	"github.com/ieee0824/latgen-tune/journal"
	"github.com/ieee0824/latgen-tune/kaldi"
	"github.com/ieee0824/latgen-tune/scoring"
	"github.com/ieee0824/latgen-tune/tune"
)

type options struct {
	configPath    string
	minOrder      int
	maxOrder      int
	jobs          int
	scorer        string
	journal       string
	noJournal     bool
	metricsFile   string
	keepArtifacts bool
	trialTimeout  time.Duration
	logLevel      string
	logFormat     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(&options{})
}

func buildRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tuner PAGE",
		Short: "Tune decoder acoustic scale and beam per LM order with Nelder-Mead",
		Long: `For every n-gram order of a page, minimize the validation character error
rate of decode-faster-mapped over (acoustic scale, beam). Orders whose
work_<page>/decode/<order>/decode_val_optimization.results marker exists are skipped.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTune(cmd, opts, args[0])
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "YAML config file")
	f.IntVar(&opts.minOrder, "min-order", 0, "lowest LM order to tune (default from config: 3)")
	f.IntVar(&opts.maxOrder, "max-order", 0, "highest LM order to tune (default from config: 14)")
	f.StringVar(&opts.journal, "journal", "", "trial journal path (default work_<page>/decode/trials.db)")
	f.BoolVar(&opts.noJournal, "no-journal", false, "do not record or reuse trials")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", "text", "text or json")

	lf := cmd.Flags()
	lf.IntVar(&opts.jobs, "jobs", 0, "orders tuned concurrently (default from config: 1)")
	lf.StringVar(&opts.scorer, "scorer", "", "scorer backend: kaldi or native")
	lf.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
	lf.BoolVar(&opts.keepArtifacts, "keep-artifacts", false, "keep per-trial .hyp and .ali files")
	lf.DurationVar(&opts.trialTimeout, "trial-timeout", 0, "kill a trial after this long (0 = no limit)")

	cmd.AddCommand(newStatusCmd(opts), newScoreCmd())
	return cmd
}

func runTune(cmd *cobra.Command, opts *options, pageArg string) error {
	page, err := parsePage(pageArg)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	log, err := newLogger(cmd.ErrOrStderr(), opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	j, err := openJournal(cfg, opts, page, log.With(slog.String("component", "journal")))
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
	}

	runner := kaldi.ExecRunner{}
	sc, err := scoring.New(cfg.Scorer, runner)
	if err != nil {
		return err
	}
	metrics := tune.NewMetrics()
	t := &tune.Tuner{
		Config:  cfg,
		Decoder: &kaldi.Decoder{
			Runner: runner,
			Config: cfg.Decoder,
			Layout: cfg.Layout(),
			Log:    log.With(slog.String("component", "kaldi")),
		},
		Scorer:  sc,
		Journal: j,
		Metrics: metrics,
		Log:     log.With(slog.String("component", "tune")),
	}

	results, runErr := t.Run(ctx, page)
	if err := metrics.WriteFile(cfg.MetricsFile); err != nil {
		log.Warn("write metrics", slog.Any("error", err))
	}
	for _, r := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%d, %s: %s\n", r.Order, r.X, config.FormatFloat(r.CER))
	}
	return runErr
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status PAGE",
		Short: "Show which orders of a page are tuned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := parsePage(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			var j *journal.Store
			if path := journalPath(cfg, opts, page); path != "" && fileExists(path) {
				if j, err = journal.Open(path); err != nil {
					return err
				}
				defer j.Close()
			}

			st, err := tune.Status(cfg, j, page)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-6s %-8s %-10s %-12s %-10s %6s\n", "Order", "State", "CER", "AcScale", "Beam", "Trials")
			fmt.Fprintln(out, strings.Repeat("-", 58))
			for _, s := range st {
				state, cer, asf, beam := "pending", "-", "-", "-"
				switch {
				case s.Result != nil:
					state = "done"
					cer = fmt.Sprintf("%.2f", s.Result.CER)
					asf, beam = config.FormatFloat(s.Result.X.AcousticScale), config.FormatFloat(s.Result.X.Beam)
				case s.Done:
					state = "done"
				case s.Best != nil:
					cer = fmt.Sprintf("%.2f", s.Best.Score.Rate)
					asf, beam = config.FormatFloat(s.Best.Params.AcousticScale), config.FormatFloat(s.Best.Params.Beam)
				}
				fmt.Fprintf(out, "%-6d %-8s %-10s %-12s %-10s %6d\n", s.Order, state, cer, asf, beam, s.Trials)
			}
			return nil
		},
	}
}

func newScoreCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "score HYP REF",
		Short: "Score a hypothesis archive against a reference without Kaldi",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := &scoring.NativeScorer{Mode: mode}
			s, err := sc.Score(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", config.ModePresent, "present, all or strict")
	return cmd
}

func parsePage(s string) (int, error) {
	page, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("page must be an integer: %q", s)
	}
	return page, nil
}

// loadConfig reads --config (if any) and applies explicitly set flags on top.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("min-order") {
		cfg.Search.MinOrder = opts.minOrder
	}
	if flags.Changed("max-order") {
		cfg.Search.MaxOrder = opts.maxOrder
	}
	if flags.Changed("jobs") {
		cfg.Jobs = opts.jobs
	}
	if flags.Changed("scorer") {
		cfg.Scorer.Backend = opts.scorer
	}
	if flags.Changed("journal") {
		cfg.Journal = opts.journal
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = opts.metricsFile
	}
	if flags.Changed("keep-artifacts") {
		cfg.KeepArtifacts = opts.keepArtifacts
	}
	if flags.Changed("trial-timeout") {
		cfg.TrialTimeout = opts.trialTimeout
	}
	return cfg, cfg.Validate()
}

func journalPath(cfg config.Config, opts *options, page int) string {
	if opts.noJournal {
		return ""
	}
	if cfg.Journal != "" {
		return cfg.Journal
	}
	return cfg.Layout().JournalFile(page)
}

func openJournal(cfg config.Config, opts *options, page int, log *slog.Logger) (*journal.Store, error) {
	path := journalPath(cfg, opts, page)
	if path == "" {
		return nil, nil
	}
	return journal.Open(path, journal.WithLogger(log))
}

func newLogger(w io.Writer, opts *options) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch opts.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.logFormat)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
