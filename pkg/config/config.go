package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Edgar    EdgarConfig    `yaml:"edgar"`
	Download DownloadConfig `yaml:"download"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Output   OutputConfig   `yaml:"output"`
	Database DatabaseConfig `yaml:"database"`

	// KeywordsFile points at the taxonomy YAML. Empty means search the
	// default locations, then fall back to the built-in taxonomy.
	KeywordsFile string `yaml:"keywords_file"`
}

type EdgarConfig struct {
	UserAgent         string `yaml:"user_agent"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	BaseURL           string `yaml:"base_url"`
	ArchivesURL       string `yaml:"archives_url"`
}

type DownloadConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"max_retries"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheDir    string        `yaml:"cache_dir"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	GracePeriod time.Duration `yaml:"grace_period"`
	MaxFileSize int64         `yaml:"max_file_size"`
}

type AnalysisConfig struct {
	ContextWindow       int `yaml:"context_window"`
	MaxMatchesPerReport int `yaml:"max_matches_per_report"`
	Workers             int `yaml:"workers"`
}

type OutputConfig struct {
	Format         string `yaml:"format"`
	Dir            string `yaml:"dir"`
	IncludeContext bool   `yaml:"include_context"`
}

type DatabaseConfig struct {
	URL       string `yaml:"url"`
	BatchSize int    `yaml:"batch_size"`
}

const (
	FormatConsole = "console"
	FormatCSV     = "csv"
	FormatJSON    = "json"
	FormatHTML    = "html"
)

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Edgar: EdgarConfig{
			UserAgent:         "filingscan contact@example.com",
			RequestsPerSecond: 10,
			BaseURL:           "https://data.sec.gov",
			ArchivesURL:       "https://www.sec.gov/Archives/edgar/data",
		},
		Download: DownloadConfig{
			Concurrency: 5,
			MaxRetries:  3,
			Timeout:     30 * time.Second,
			CacheDir:    "cache",
			BaseBackoff: time.Second,
			MaxBackoff:  30 * time.Second,
			GracePeriod: 10 * time.Second,
			MaxFileSize: 100 << 20,
		},
		Analysis: AnalysisConfig{
			ContextWindow:       1,
			MaxMatchesPerReport: 50,
			Workers:             4,
		},
		Output: OutputConfig{
			Format:         FormatConsole,
			Dir:            "output",
			IncludeContext: true,
		},
		Database: DatabaseConfig{
			BatchSize: 500,
		},
	}
}

var configLocations = []string{
	"config.yaml",
	"config.yml",
	filepath.Join("config", "settings.yaml"),
	filepath.Join(os.Getenv("HOME"), ".config/filingscan/config.yaml"),
}

// LoadConfig reads path, or the first existing default location when path
// is empty, over the defaults and then applies environment overrides.
// Zero values written in the file are kept, so validation sees them.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		for _, loc := range configLocations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "error reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, eris.Wrapf(err, "error parsing config file %s", path)
		}
	}

	mergeWithEnv(config)
	applyDefaults(config)

	return config, nil
}

// applyDefaults fills string settings a file may have blanked. Numeric
// settings are left to Validate.
func applyDefaults(config *Config) {
	defaults := Default()
	if config.Edgar.BaseURL == "" {
		config.Edgar.BaseURL = defaults.Edgar.BaseURL
	}
	if config.Edgar.ArchivesURL == "" {
		config.Edgar.ArchivesURL = defaults.Edgar.ArchivesURL
	}
	if config.Download.CacheDir == "" {
		config.Download.CacheDir = defaults.Download.CacheDir
	}
	if config.Output.Format == "" {
		config.Output.Format = defaults.Output.Format
	}
	if config.Output.Dir == "" {
		config.Output.Dir = defaults.Output.Dir
	}
}

func mergeWithEnv(config *Config) {
	if userAgent := os.Getenv("SEC_USER_AGENT"); userAgent != "" {
		config.Edgar.UserAgent = userAgent
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if cacheDir := os.Getenv("FILINGSCAN_CACHE_DIR"); cacheDir != "" {
		config.Download.CacheDir = cacheDir
	}
}
