package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/checkpoint"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/filtering"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/index"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/job"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/logger"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/matching"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/metrics"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/report"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/retrieval"
)

const (
	PromptProceed     = "Proceed with partial results"
	PromptAbort       = "Abort"
	PromptDumpFailed  = "Dump failed items to file"
	failedDumpPattern = "failed_20060102_150405.json"
)

var errExit = errors.New("exit requested")

var prompt = promptui.Select{
	Label: "Some work failed. Procced?",
	Items: []string{PromptProceed, PromptAbort, PromptDumpFailed},
}

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"rank"},
	Short:   "Rank candidates against the job description",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("yes", "y", false, "proceed with partial results without asking")
	runCmd.Flags().Bool("strict", false, "exit with an error if any work item failed")
	runCmd.Flags().StringP("exclude-file", "e", "", "file with candidate ids to exclude. Default is unset.")
	runCmd.Flags().String("job", "", "job description file (yaml or json)")
	runCmd.Flags().String("candidates", "", "directory with candidate json files")
	runCmd.Flags().StringP("output", "o", "", "directory for result files")

	viper.BindPFlag("exclude-file", runCmd.Flags().Lookup("exclude-file"))
	viper.BindPFlag("job", runCmd.Flags().Lookup("job"))
	viper.BindPFlag("candidates", runCmd.Flags().Lookup("candidates"))
	viper.BindPFlag("output", runCmd.Flags().Lookup("output"))
}

// run is the main command for the cli.
func run(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the resume-matcher", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	if config.Job == "" {
		logger.Fatal("job description file is required", zap.String("hint", "set 'job' in the config or pass --job"))
	}

	desc, err := job.Load(config.Job, logger)
	if err != nil {
		logger.Fatal("loading job description", zap.Error(err))
	}

	records, err := loadCandidates(ctx, config, logger)
	if err != nil {
		logger.Fatal("loading candidates", zap.Error(err))
	}

	if records.Len() == 0 {
		logger.Info("exiting", zap.String("reason", "no candidates left after filters"))
		return
	}

	matchCfg, err := matchingConfig(config)
	if err != nil {
		logger.Fatal("reading matching settings", zap.Error(err))
	}
	if err := matchCfg.Validate(); err != nil {
		logger.Fatal("invalid matching settings", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	defer writeMetrics(m, config.Metrics, logger)

	engine, closeCache, err := newEngine(ctx, config, m, logger)
	if err != nil {
		logger.Fatal("preparing retrieval", zap.Error(err))
	}
	defer closeCache()

	cp, err := newCheckpointStore(ctx, config.Checkpoint)
	if err != nil {
		logger.Fatal("opening checkpoint store", zap.Error(err))
	}
	defer cp.Close()

	orchestrator := matching.New(engine, &index.Store{Path: config.Index.Path, Logger: logger}, cp, logger)

	res, err := orchestrator.Run(ctx, desc, *records, matchCfg)
	if err != nil {
		logger.Fatal("ranking candidates", zap.Error(err))
	}

	pruneCheckpoints(cp, config.Checkpoint, res.RunKey, logger)
	printRanking(logger, *records, res)

	saver := &report.Saver{Dir: config.Output, Logger: logger}

	if res.Cancelled {
		logger.Warn("run interrupted, saving partial results",
			zap.Int("pending", len(res.Pending)),
			zap.String("hint", "run again with the same configuration to resume"),
		)
		if _, _, err := saver.Save(desc, *records, res); err != nil {
			logger.Fatal("saving results", zap.Error(err))
		}
		return
	}

	if !res.Complete() {
		strict, _ := cmd.Flags().GetBool("strict")
		if strict {
			logger.Fatal("exiting", zap.String("reason", "some work items failed"), zap.Int("failed", res.Failed()))
		}

		if err := confirmPartial(cmd, config, res, logger); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}

	if _, _, err := saver.Save(desc, *records, res); err != nil {
		logger.Fatal("saving results", zap.Error(err))
	}
}

// confirmPartial asks what to do with an incomplete ranking until the user
// proceeds or aborts.
func confirmPartial(cmd *cobra.Command, config *Config, res *matching.Result, logger *zap.Logger) error {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		logger.Warn("proceeding with partial results", zap.Int("failed", res.Failed()))
		return nil
	}

	for {
		_, action, err := prompt.Run()
		if err != nil {
			return err
		}

		switch action {
		case PromptProceed:
			return nil
		case PromptAbort:
			logger.Info("exiting", zap.String("reason", "got abort from prompt"))
			return errExit
		case PromptDumpFailed:
			if err := os.MkdirAll(config.Output, 0o755); err != nil {
				return fmt.Errorf("creating output dir: %w", err)
			}
			filename := filepath.Join(config.Output, time.Now().Format(failedDumpPattern))
			if err := report.DumpFailures(filename, res); err != nil {
				return fmt.Errorf("dump failed items to file: %w", err)
			}
			logger.Info("dumping failed items to file", zap.String("filename", filename))
		default:
			return fmt.Errorf("invalid action: %s", action)
		}
	}
}

// loadCandidates reads every candidate file and runs the pre-filters.
func loadCandidates(ctx context.Context, config *Config, logger *zap.Logger) (*candidate.Records, error) {
	if config.Candidates == "" {
		return nil, errors.New("candidates directory is not configured (set 'candidates' or pass --candidates)")
	}

	records, err := candidate.LoadDir(config.Candidates)
	if err != nil {
		return nil, err
	}

	logger.Info("getting candidates", zap.Int("count", records.Len()), zap.String("dir", config.Candidates))

	filterCfg := &filtering.Config{
		ExcludeFile: config.ExcludeFile,
		Categories:  config.Categories,
	}

	return filtering.Run(ctx, filterCfg, filtering.Deps{Logger: logger}, filtering.Default(), &records)
}

func matchingConfig(config *Config) (matching.Config, error) {
	metric, err := index.ParseMetric(config.Index.Metric)
	if err != nil {
		return matching.Config{}, err
	}
	mode, err := retrieval.ParseMode(config.Retrieval.Mode)
	if err != nil {
		return matching.Config{}, err
	}

	return matching.Config{
		TopK:    config.Retrieval.TopK,
		TopN:    config.Retrieval.TopN,
		Mode:    mode,
		Metric:  metric,
		Weights: config.Weights,
	}, nil
}

func printRanking(logger *zap.Logger, records candidate.Records, res *matching.Result) {
	logger.Info("ranking",
		zap.Int("ranked", len(res.Ranked)),
		zap.Int("candidates", res.Candidates),
		zap.Int("resumed", res.Resumed),
		zap.Int("failed", res.Failed()),
		zap.Int("pending", len(res.Pending)),
	)

	for i, score := range res.Ranked {
		fields := []zap.Field{
			zap.Int("rank", i+1),
			zap.String("candidate", score.OwnerID),
			zap.String("score", fmt.Sprintf("%.2f%%", score.Score*100)),
			zap.Float64("must_have_coverage", score.MustHaveCoverage),
			zap.Float64("nice_to_have_coverage", score.NiceToHaveCoverage),
			zap.Int("matched_statements", score.MatchedStatements),
		}
		if rec := records.FindByID(score.OwnerID); rec != nil && rec.Category != "" {
			fields = append(fields, zap.String("category", rec.Category))
		}
		if score.Partial {
			fields = append(fields, zap.Bool("partial", true))
		}
		logger.Info("candidate", fields...)
	}

	for _, f := range res.Failures {
		logger.Warn("failed work item",
			zap.Stringer("item", f.Item),
			zap.Int("attempts", f.Attempts),
			zap.Bool("permanent", f.Permanent),
			zap.String("error", f.Message()),
		)
	}
}

func pruneCheckpoints(cp checkpoint.Store, cfg *CheckpointConf, keep string, logger *zap.Logger) {
	db, ok := cp.(*checkpoint.SQLite)
	if !ok || cfg.MaxAge <= 0 || keep == "" {
		return
	}

	removed, err := db.Prune(context.Background(), keep, time.Now().Add(-cfg.MaxAge))
	if err != nil {
		logger.Warn("pruning old checkpoints", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("pruned old checkpoints", zap.Int64("rows", removed))
	}
}

func writeMetrics(m *metrics.Metrics, cfg *MetricsConfig, logger *zap.Logger) {
	if err := m.WriteTextfile(cfg.Textfile); err != nil {
		logger.Warn("writing metrics textfile", zap.Error(err))
		return
	}
	if cfg.Textfile != "" {
		logger.Debug("metrics written", zap.String("textfile", cfg.Textfile))
	}
}
