package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/pythonspeed/memtrail/pkg/logx"
)

// Config holds the global configuration for the profiler.
type Config struct {
	// Log contains logging-related configuration.
	Log *logx.LoggingConfig
	// Profile contains the tracking and report configuration.
	Profile *ProfileConfig
	// Sinks contains the report publication configuration.
	Sinks *SinkConfig
}

// ProfileConfig holds the configuration for one profiling session.
type ProfileConfig struct {
	// OutputDir is the directory report artifacts are written to.
	OutputDir string
	// Threshold is the minimum fraction of the peak total a call stack must
	// hold to be reported on its own (default 0.001).
	Threshold float64
	// TopN bounds the rows of the text summary.
	TopN int
	// MaxStackDepth bounds how many frames of a call chain are retained.
	MaxStackDepth int
	// HiddenFrames lists glob patterns of function names to drop from
	// reported stacks.
	HiddenFrames []string
	// ResetOnFork drops accumulated tracking state in a forked child instead
	// of only re-arming the lock.
	ResetOnFork bool
}

// SinkConfig holds the configuration for report publication.
type SinkConfig struct {
	// LocalDir contains the local directory sink configuration.
	LocalDir *LocalDirConfig
	// S3 contains the S3-compatible bucket sink configuration.
	S3 *BucketConfig
}

// BucketConfig holds the configuration for an S3-compatible bucket.
type BucketConfig struct {
	// Enabled indicates whether the bucket sink is enabled.
	Enabled bool
	// Bucket is the name of the bucket.
	Bucket string
	// Region is the region of the bucket.
	Region string
	// Prefix is the prefix for objects in the bucket.
	Prefix string
	// Endpoint is the endpoint for the bucket.
	Endpoint string
	// AccessKey names the environment variable holding the access key.
	AccessKey string
	// SecretKey names the environment variable holding the secret key.
	SecretKey string
	// UseSSL enables SSL for the bucket connection.
	UseSSL bool
}

// LocalDirConfig holds the configuration for a local directory sink.
type LocalDirConfig struct {
	// Enabled indicates whether the local directory sink is enabled.
	Enabled bool
	// Path is the directory reports are copied into.
	Path string
	// Mode is the file mode for created directories.
	Mode os.FileMode
}

var config = defaults()

func defaults() Config {
	return Config{
		Log: logx.DefaultConfig(),
		Profile: &ProfileConfig{
			OutputDir:     ".",
			Threshold:     0.001,
			TopN:          25,
			MaxStackDepth: 100,
		},
		Sinks: &SinkConfig{
			LocalDir: &LocalDirConfig{Mode: 0755},
			S3:       &BucketConfig{},
		},
	}
}

// Initialize loads the configuration from the specified file.
//
// Parameters:
//   - path: The path to the configuration file.
//
// Returns:
//   - An error if the configuration cannot be loaded.
func Initialize(path string) error {
	viper.Reset()
	viper.SetConfigFile(path)
	viper.SetEnvPrefix("memtrail")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	config = defaults()
	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	initializeNestedStructs()
	overrideWithEnvVars()

	return nil
}

// initializeNestedStructs ensures all nested structs are initialized.
func initializeNestedStructs() {
	if config.Log == nil {
		config.Log = logx.DefaultConfig()
	}
	if config.Profile == nil {
		config.Profile = defaults().Profile
	}
	if config.Sinks == nil {
		config.Sinks = &SinkConfig{}
	}
	if config.Sinks.LocalDir == nil {
		config.Sinks.LocalDir = &LocalDirConfig{Mode: 0755}
	}
	if config.Sinks.S3 == nil {
		config.Sinks.S3 = &BucketConfig{}
	}
}

// overrideWithEnvVars resolves sensitive fields through environment variables.
// The configured values name the variables rather than carrying credentials.
func overrideWithEnvVars() {
	if config.Sinks.S3.AccessKey != "" {
		config.Sinks.S3.AccessKey = os.Getenv(config.Sinks.S3.AccessKey)
	}
	if config.Sinks.S3.SecretKey != "" {
		config.Sinks.S3.SecretKey = os.Getenv(config.Sinks.S3.SecretKey)
	}
}

// Get returns the loaded configuration.
func Get() Config {
	return config
}
