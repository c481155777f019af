package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	internal "github.com/fuzzbed/seedmin/seedmin"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Corpus CorpusConfig `mapstructure:"corpus"`
	Tracer TracerConfig `mapstructure:"tracer"`
	Cache  CacheConfig  `mapstructure:"cache"`
}

// CorpusConfig stores corpus scanning and output settings.
type CorpusConfig struct {
	InputDir       string   `mapstructure:"inputDir"`
	OutputDir      string   `mapstructure:"outputDir"`
	IgnorePatterns []string `mapstructure:"ignorePatterns"`
	IncludeHidden  bool     `mapstructure:"includeHidden"`
}

// TracerConfig stores settings for the external coverage tracer.
type TracerConfig struct {
	Path          string   `mapstructure:"path"`
	Target        []string `mapstructure:"target"`
	TimeoutMs     int      `mapstructure:"timeoutMs"`
	MemoryLimitMB int      `mapstructure:"memoryLimitMB"`
	EdgeOnly      bool     `mapstructure:"edgeOnly"`
	Workers       int      `mapstructure:"workers"`
}

// CacheConfig stores trace cache settings.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viper.Reset() // config may be reloaded with a different explicit path

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Set default values
	viper.SetDefault("corpus.ignorePatterns", []string{".state/", "README.txt"})
	viper.SetDefault("corpus.includeHidden", false)
	viper.SetDefault("tracer.path", internal.DefaultTracerBinary)
	viper.SetDefault("tracer.timeoutMs", internal.DefaultTimeoutMs)
	viper.SetDefault("tracer.memoryLimitMB", internal.DefaultMemoryLimitMB)
	viper.SetDefault("tracer.edgeOnly", false)
	viper.SetDefault("tracer.workers", defaultWorkerCount())
	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.path", internal.DefaultCacheDBPath)

	viper.AutomaticEnv()                                   // Read in environment variables that match
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // e.g. tracer.memoryLimitMB becomes TRACER_MEMORYLIMITMB

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used. This is not an error
			// for the application to halt on. Flags fill in the rest.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	err := viper.Unmarshal(&AppConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}

// defaultWorkerCount sizes the tracer worker pool for I/O bound external
// process execution, bounded to avoid fork-bombing small machines.
func defaultWorkerCount() int {
	return min(max(runtime.NumCPU(), 2), 32)
}
