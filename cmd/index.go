package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/index"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/logger"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/matching"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/metrics"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the statement index",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed every candidate statement and persist the index",
	Run: func(cmd *cobra.Command, _ []string) {
		buildIndex(cmd)
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexBuildCmd)

	indexBuildCmd.Flags().String("candidates", "", "directory with candidate json files")
	indexBuildCmd.Flags().String("path", "", "index artifact path")
}

func buildIndex(cmd *cobra.Command) {
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

	// run binds the same keys into viper, so flags are applied by hand here.
	if dir, _ := cmd.Flags().GetString("candidates"); dir != "" {
		config.Candidates = dir
	}
	if path, _ := cmd.Flags().GetString("path"); path != "" {
		config.Index.Path = path
	}

	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	if config.Index.Path == "" {
		logger.Fatal("index path is required", zap.String("hint", "set 'index.path' in the config or pass --path"))
	}

	metric, err := index.ParseMetric(config.Index.Metric)
	if err != nil {
		logger.Fatal("reading index settings", zap.Error(err))
	}

	records, err := loadCandidates(ctx, config, logger)
	if err != nil {
		logger.Fatal("loading candidates", zap.Error(err))
	}

	statements := candidate.BuildCorpus(*records)
	if len(statements) == 0 {
		logger.Info("exiting", zap.String("reason", "candidates have no statements"))
		return
	}

	m := metrics.New(prometheus.NewRegistry())
	defer writeMetrics(m, config.Metrics, logger)

	engine, closeCache, err := newEngine(ctx, config, m, logger)
	if err != nil {
		logger.Fatal("preparing retrieval", zap.Error(err))
	}
	defer closeCache()

	orchestrator := matching.New(engine, &index.Store{Path: config.Index.Path, Logger: logger}, nil, logger)

	idx, err := orchestrator.PrepareIndex(ctx, statements, metric)
	if err != nil {
		logger.Fatal("building index", zap.Error(err))
	}

	logger.Info("index ready",
		zap.String("path", config.Index.Path),
		zap.Int("entries", idx.Len()),
		zap.Int("dimension", idx.Dimension()),
		zap.Stringer("metric", idx.Metric()),
	)
}
