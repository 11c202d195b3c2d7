package config

import (
	"github.com/pkg/errors"
)

// ValidateBucketConfig validates the S3 bucket configuration.
//
// Parameters:
//   - bucketConfig: The configuration to validate.
//
// Returns:
//   - An error if any required field is missing, otherwise nil.
func ValidateBucketConfig(bucketConfig BucketConfig) error {
	if bucketConfig.AccessKey == "" {
		return errors.New("missing AccessKey in configuration")
	}
	if bucketConfig.SecretKey == "" {
		return errors.New("missing SecretKey in configuration")
	}
	if bucketConfig.Bucket == "" {
		return errors.New("missing Bucket in configuration")
	}
	if bucketConfig.Region == "" {
		return errors.New("missing Region in configuration")
	}
	if bucketConfig.Endpoint == "" {
		return errors.New("missing Endpoint in configuration")
	}
	return nil
}

// ValidateProfileConfig validates the profiling configuration.
//
// Parameters:
//   - profileConfig: The configuration to validate.
//
// Returns:
//   - An error if any field is out of range, otherwise nil.
func ValidateProfileConfig(profileConfig ProfileConfig) error {
	if profileConfig.OutputDir == "" {
		return errors.New("missing OutputDir in configuration")
	}
	if profileConfig.Threshold < 0 || profileConfig.Threshold >= 1 {
		return errors.New("Threshold must be in the range [0, 1)")
	}
	if profileConfig.TopN <= 0 {
		return errors.New("TopN must be positive")
	}
	if profileConfig.MaxStackDepth <= 0 {
		return errors.New("MaxStackDepth must be positive")
	}
	return nil
}

// ValidateLocalDirConfig validates the local directory sink configuration.
//
// Parameters:
//   - dirConfig: The configuration to validate.
//
// Returns:
//   - An error if the configuration is incomplete, otherwise nil.
func ValidateLocalDirConfig(dirConfig LocalDirConfig) error {
	if dirConfig.Path == "" {
		return errors.New("missing Path in configuration")
	}
	if dirConfig.Mode == 0 {
		return errors.New("missing Mode in configuration")
	}
	return nil
}
