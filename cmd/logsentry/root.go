package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"logsentry/internal/anomalies"
	"logsentry/internal/api"
	"logsentry/internal/config"
	"logsentry/internal/ingest"
	"logsentry/internal/logging"
	"logsentry/internal/metrics"
	"logsentry/internal/normalize"
	"logsentry/internal/pipeline"
	"logsentry/internal/storage"
)

// app holds what every subcommand shares. It is populated in PersistentPreRunE.
type app struct {
	configPath string
	logLevel   string

	mgr       *config.Manager
	logger    *slog.Logger
	store     storage.Store
	extractor *normalize.Extractor
	collector *metrics.Collector
	registry  *prometheus.Registry
	recent    *anomalies.Store
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "logsentry",
		Short:         "log anomaly detection",
		Long:          `logsentry learns per-template duration baselines from structured logs and flags anomalous records with their surrounding context.`,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context(), cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (YAML or JSON); defaults to $LOGSENTRY_CONFIG")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newTrainCommand(a),
		newDetectCommand(a),
		newRunCommand(a),
		newServeCommand(a),
	)
	return cmd
}

func (a *app) setup(ctx context.Context, console io.Writer) error {
	mgr, err := config.NewManager(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.mgr = mgr
	cfg := mgr.Get()
	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	a.logger = logging.NewLogger(level, cfg.LogFormat, cfg.LogFile, console)
	slog.SetDefault(a.logger)

	a.extractor, err = normalize.NewExtractor(cfg.Template)
	if err != nil {
		return err
	}
	a.store, err = storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	if err := a.store.Init(ctx); err != nil {
		return err
	}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.collector = metrics.New()
	if err := a.collector.Register(a.registry); err != nil {
		return err
	}
	a.recent = anomalies.NewStore(cfg.Anomalies.StoreLimit)
	return nil
}

func (a *app) close() error {
	if a.extractor != nil {
		a.extractor.Close()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *app) pipeline(cfg *config.Config) *pipeline.Pipeline {
	return pipeline.New(*cfg, pipeline.Deps{
		Store:     a.store,
		Extractor: a.extractor,
		Metrics:   a.collector,
		Recent:    a.recent,
		Logger:    a.logger,
	})
}

type inputFlags struct {
	path  string
	kafka bool
}

func (f *inputFlags) register(cmd *cobra.Command, name, usage string) {
	cmd.Flags().StringVarP(&f.path, name, "i", "", usage)
	cmd.Flags().BoolVar(&f.kafka, "kafka", false, "consume a bounded batch from the configured Kafka topic instead")
}

// opener resolves an input: a file is re-opened per pass, stdin and Kafka are read once and replayed.
// With singlePass, stdin is decoded as it streams instead of being buffered.
func (a *app) opener(cmd *cobra.Command, in inputFlags, singlePass bool) (ingest.Opener, error) {
	cfg := a.mgr.Get()
	opts := ingest.OptionsFromConfig(cfg.Source, a.logger)
	switch {
	case in.kafka:
		kcfg := cfg.Kafka
		kcfg.Enabled = true
		if len(kcfg.Brokers) == 0 || kcfg.Topic == "" {
			return nil, errors.New("kafka input requires kafka.brokers and kafka.topic")
		}
		replay, err := ingest.KafkaBatch(cmd.Context(), kcfg, opts, a.logger)
		if err != nil {
			return nil, err
		}
		a.logger.Info("consumed kafka batch", "records", replay.Len())
		return replay.Opener(), nil
	case (in.path == "" || in.path == "-") && singlePass:
		return ingest.StreamOpener(cmd.InOrStdin(), opts), nil
	case in.path == "" || in.path == "-":
		replay, err := ingest.MaterializeReader(cmd.Context(), cmd.InOrStdin(), opts)
		if err != nil {
			return nil, err
		}
		a.logger.Info("buffered stdin", "records", replay.Len())
		return replay.Opener(), nil
	default:
		info, err := os.Stat(in.path)
		if err != nil {
			return nil, err
		}
		a.logger.Info("reading input", "path", in.path, "size", humanize.Bytes(uint64(info.Size())))
		return ingest.FileOpener(in.path, opts), nil
	}
}

func newTrainCommand(a *app) *cobra.Command {
	var source string
	var in inputFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "build and persist the baseline and isolation model for a source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			open, err := a.opener(cmd, in, true)
			if err != nil {
				return err
			}
			res, err := a.pipeline(a.mgr.Get()).Train(cmd.Context(), source, open)
			printSummary(cmd.ErrOrStderr(), res)
			return err
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "source identity the baseline is stored under")
	in.register(cmd, "input", "training corpus (JSON array or NDJSON); - or empty for stdin")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newDetectCommand(a *app) *cobra.Command {
	var source, output string
	var in inputFlags
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "scan records against a stored baseline and report anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			open, err := a.opener(cmd, in, false)
			if err != nil {
				return err
			}
			res, err := a.pipeline(a.mgr.Get()).Detect(cmd.Context(), source, open)
			printSummary(cmd.ErrOrStderr(), res)
			if werr := writeResult(cmd.OutOrStdout(), output, res); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "source identity whose baseline is used")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the JSON result to this file instead of stdout")
	in.register(cmd, "input", "records to scan (JSON array or NDJSON); - or empty for stdin")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	var source, output, trainInput string
	var in inputFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "detect, training first when the source has no stored baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			open, err := a.opener(cmd, in, false)
			if err != nil {
				return err
			}
			var trainOpen ingest.Opener
			if trainInput != "" {
				trainOpen, err = a.opener(cmd, inputFlags{path: trainInput}, true)
				if err != nil {
					return err
				}
			}
			res, err := a.pipeline(a.mgr.Get()).Run(cmd.Context(), source, trainOpen, open)
			printSummary(cmd.ErrOrStderr(), res)
			if werr := writeResult(cmd.OutOrStdout(), output, res); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "source identity")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the JSON result to this file instead of stdout")
	cmd.Flags().StringVar(&trainInput, "train-input", "", "training corpus used when no baseline is stored")
	in.register(cmd, "input", "records to scan (JSON array or NDJSON); - or empty for stdin")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newServeCommand(a *app) *cobra.Command {
	var reload time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stop := make(chan struct{})
			defer close(stop)
			go a.mgr.Watch(reload, func(cfg *config.Config) {
				a.logger.Info("config reloaded", "path", a.mgr.Path())
			}, func(err error) {
				a.logger.Warn("config reload failed", "err", err)
			}, stop)

			server := api.NewServer(a.mgr, a.pipeline, a.recent, a.registry, a.logger, version)
			server.Start(ctx)
			<-ctx.Done()
			a.logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().DurationVar(&reload, "reload-interval", 3*time.Second, "how often the config file is checked for changes")
	return cmd
}

func printSummary(w io.Writer, res pipeline.Result) {
	s := res.Summary
	if s.RunID == "" {
		return
	}
	fmt.Fprintf(w, "%s %s: %s, %s records (%s skipped), %s anomalies",
		s.Mode, s.SourceID, s.State,
		humanize.Comma(int64(s.Processed)),
		humanize.Comma(int64(s.Skipped)),
		humanize.Comma(int64(s.Anomalies)),
	)
	if s.Templates > 0 {
		fmt.Fprintf(w, ", %s templates", humanize.Comma(int64(s.Templates)))
	}
	if s.Sessions > 0 {
		fmt.Fprintf(w, ", %s sessions", humanize.Comma(int64(s.Sessions)))
	}
	fmt.Fprintf(w, " in %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	if s.Degraded {
		fmt.Fprintln(w, "  degraded: statistical detector only")
	}
	for _, e := range s.Events {
		fmt.Fprintf(w, "  event: %s\n", e)
	}
}

func writeResult(stdout io.Writer, path string, res pipeline.Result) error {
	if res.Summary.RunID == "" {
		return nil
	}
	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
