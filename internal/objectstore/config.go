package objectstore

import (
	"errors"

	"github.com/tickerflow-io/tickerflow/internal/config"
)

// ErrRawBucketEmpty indicates no raw data bucket was configured.
var ErrRawBucketEmpty = errors.New("raw data bucket cannot be empty")

// Config holds object store settings. Endpoint is empty for real AWS and set
// for S3-compatible stores (MinIO, localstack); path-style addressing follows
// automatically in that case.
type Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string

	// RawBucket holds upstream payloads, TableBucket the unified table.
	RawBucket   string
	TableBucket string
}

// LoadConfig reads object store settings from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Region:      config.GetEnvStr("TICKERFLOW_S3_REGION", "us-east-1"),
		Endpoint:    config.GetEnvStr("TICKERFLOW_S3_ENDPOINT", ""),
		AccessKey:   config.GetEnvStr("TICKERFLOW_S3_ACCESS_KEY", ""),
		SecretKey:   config.GetEnvStr("TICKERFLOW_S3_SECRET_KEY", ""),
		RawBucket:   config.GetEnvStr("TICKERFLOW_S3_RAW_BUCKET", "tickerflow-raw"),
		TableBucket: config.GetEnvStr("TICKERFLOW_S3_TABLE_BUCKET", "tickerflow-tables"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.RawBucket == "" {
		return ErrRawBucketEmpty
	}

	if c.TableBucket == "" {
		return errors.New("table bucket cannot be empty")
	}

	return nil
}
