// config.go: settings struct for flowsift and functions to load and access the settings.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

//go:embed config.yaml
var configFiles embed.FS

// RotationType selects the log rotation strategy for file loggers.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// LogConfig defines the configuration for a log file
type LogConfig struct {
	Enabled  bool         // true to enable this log
	Path     string       // path to log file
	Rotation RotationType // rotation type
	MaxSize  int64        // max size in bytes for RotationSize
}

// MainSettings contains general application settings.
type MainSettings struct {
	Name string    // name of this node, used in outputs
	Log  LogConfig // main log configuration
}

// SourceSettings contains settings for the external flow source API.
type SourceSettings struct {
	BaseURL     string // base URL of the flow source API
	APIKey      string // API key, empty if the source is unauthenticated
	Timeout     int    // per-request timeout in seconds
	RateLimitMS int    // minimum interval between requests in milliseconds
	CacheTTL    int    // response cache TTL in minutes
	Year        int    // survey year to query
}

// IngestSettings contains settings for batch flow ingestion.
type IngestSettings struct {
	Concurrency int    // maximum number of concurrent anchor queries
	MaxRetries  int    // retry attempts per anchor before marking it failed
	BackoffMS   int    // base backoff delay in milliseconds, doubled per attempt
	Timeout     int    // overall ingestion timeout in seconds, 0 to disable
	AnchorsFile string // path to a file listing anchor entity ids, one per line
}

// EligibilitySettings contains thresholds a group must meet before
// concentration statistics are computed for it.
type EligibilitySettings struct {
	MinDestinations int     // minimum distinct destinations per origin group
	MinTotalVolume  float64 // minimum total outgoing magnitude per origin group
}

// FlaggingSettings contains thresholds for per-edge concentration flags.
// The calibrations are exploratory, so they must stay configurable.
type FlaggingSettings struct {
	ShareRatio    float64 // observed/expected share ratio required to flag an edge
	MinEdgeVolume float64 // minimum edge magnitude required to flag an edge
}

// AnalysisSettings contains settings for the asymmetry statistics engine.
type AnalysisSettings struct {
	Eligibility EligibilitySettings // group eligibility thresholds
	Flagging    FlaggingSettings    // edge flagging thresholds
	Tolerance   float64             // absolute magnitude tolerance when reconciling duplicate edges
}

// RegionSettings contains settings for regional aggregation.
type RegionSettings struct {
	MappingFile string // path to a YAML file mapping entity ids to region labels
}

// SQLiteSettings contains settings for SQLite output.
type SQLiteSettings struct {
	Enabled bool   // true to enable SQLite output
	Path    string // path to the SQLite database file
}

// OutputSettings contains settings for analysis outputs.
type OutputSettings struct {
	Directory string         // directory for CSV outputs
	SQLite    SQLiteSettings // SQLite output settings
}

// Settings is the root configuration struct.
type Settings struct {
	Debug bool // true to enable debug logging

	Main     MainSettings
	Source   SourceSettings
	Ingest   IngestSettings
	Analysis AnalysisSettings
	Region   RegionSettings
	Output   OutputSettings
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into a new
// Settings instance and stores it as the active instance.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	// Invalid settings are fatal at startup, the pipeline cannot recover
	// from a bad threshold halfway through a batch.
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Environment variables override file values, e.g. FLOWSIFT_SOURCE_APIKEY.
	viper.SetEnvPrefix("flowsift")
	viper.AutomaticEnv()

	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig creates a default config file and writes it to the default config path
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	// Write into the user config dir, never the working directory.
	configPath := filepath.Join(configPaths[len(configPaths)-1], "config.yaml")
	defaultConfig := getDefaultConfig()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading embedded config file: %v", err)
	}
	return string(data)
}

// GetDefaultConfigPaths returns the config search paths in priority order:
// the current directory first, then the user config directory.
func GetDefaultConfigPaths() ([]string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("error getting user config directory: %w", err)
	}

	return []string{
		".",
		filepath.Join(configDir, "flowsift"),
	}, nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}
