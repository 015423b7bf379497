package cmd

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/scoring"
)

const (
	app = "resume-matcher"
)

type Config struct {
	Candidates  string          `mapstructure:"candidates"`
	Job         string          `mapstructure:"job"`
	Output      string          `mapstructure:"output"`
	ExcludeFile string          `mapstructure:"exclude-file"`
	Categories  []string        `mapstructure:"categories"`
	Index       *IndexConfig    `mapstructure:"index"`
	Retrieval   *RetrievalConf  `mapstructure:"retrieval"`
	Weights     scoring.Weights `mapstructure:"weights"`
	Provider    *ProviderConfig `mapstructure:"provider"`
	Cache       *CacheConfig    `mapstructure:"cache"`
	Checkpoint  *CheckpointConf `mapstructure:"checkpoint"`
	Metrics     *MetricsConfig  `mapstructure:"metrics"`
}

type IndexConfig struct {
	Path   string `mapstructure:"path"`
	Metric string `mapstructure:"metric"`
}

type RetrievalConf struct {
	Workers         int           `mapstructure:"workers"`
	TopK            int           `mapstructure:"top-k"`
	TopN            int           `mapstructure:"top-n"`
	Mode            string        `mapstructure:"mode"`
	EmbedBatchSize  int           `mapstructure:"embed-batch-size"`
	RerankBatchSize int           `mapstructure:"rerank-batch-size"`
	CallTimeout     time.Duration `mapstructure:"call-timeout"`
	Retry           *RetryConfig  `mapstructure:"retry"`
	RateLimit       float64       `mapstructure:"rate-limit"`
	RateBurst       int           `mapstructure:"rate-burst"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max-attempts"`
	InitialBackoff time.Duration `mapstructure:"initial-backoff"`
	MaxBackoff     time.Duration `mapstructure:"max-backoff"`
}

type ProviderConfig struct {
	Embed  *BackendConfig `mapstructure:"embed"`
	Rerank *BackendConfig `mapstructure:"rerank"`
}

// BackendConfig selects one provider backend: gemini, openai or tei.
type BackendConfig struct {
	Name         string `mapstructure:"name"`
	Model        string `mapstructure:"model"`
	URL          string `mapstructure:"url"`
	Dimensions   int    `mapstructure:"dimensions"`
	APIKey       string `mapstructure:"api-key"`
	APIKeyFile   string `mapstructure:"api-key-file"`
	APIKeyEnv    string `mapstructure:"api-key-env"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

type CacheConfig struct {
	Backend    string        `mapstructure:"backend"`
	MaxEntries int           `mapstructure:"max-entries"`
	TTL        time.Duration `mapstructure:"ttl"`
	Dir        string        `mapstructure:"dir"`
	Redis      *RedisConfig  `mapstructure:"redis"`
}

type RedisConfig struct {
	Address     string `mapstructure:"address"`
	PasswordEnv string `mapstructure:"password-env"`
	DB          int    `mapstructure:"db"`
	Prefix      string `mapstructure:"prefix"`
}

type CheckpointConf struct {
	Path   string        `mapstructure:"path"`
	MaxAge time.Duration `mapstructure:"max-age"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "resume-matcher ranks candidate profiles against the requirements of a job description",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is resume-matcher.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	viper.SetDefault("output", "results")
	viper.SetDefault("weights.must_have", scoring.DefaultWeights().MustHave)
	viper.SetDefault("weights.nice_to_have", scoring.DefaultWeights().NiceToHave)
	viper.SetDefault("retrieval.top-n", 10)
	viper.SetDefault("retrieval.mode", "bulk")
	viper.SetDefault("cache.backend", "memory")
}

func initConfig() {
	// Only the matching commands need a config. If none of them is running, we can skip initialization.
	if runCmd.CalledAs() == "" && indexBuildCmd.CalledAs() == "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app + ".yaml")
		viper.SetConfigType("yaml")
	}

	// We can't proceed if the config file parsed with error.
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	if config.Index == nil {
		config.Index = &IndexConfig{}
	}
	if config.Retrieval == nil {
		config.Retrieval = &RetrievalConf{}
	}
	if config.Retrieval.Retry == nil {
		config.Retrieval.Retry = &RetryConfig{}
	}
	if config.Provider == nil {
		config.Provider = &ProviderConfig{}
	}
	if config.Cache == nil {
		config.Cache = &CacheConfig{}
	}
	if config.Checkpoint == nil {
		config.Checkpoint = &CheckpointConf{}
	}
	if config.Metrics == nil {
		config.Metrics = &MetricsConfig{}
	}

	return config, nil
}
