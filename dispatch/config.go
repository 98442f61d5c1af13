// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the batching and concurrency parameters of a [Dispatcher]. MaxBatchSize, MaxWait
// and MaxConcurrency are required; there are no defaults for them.
type Config struct {
	// MaxBatchSize is the size trigger: a batch is dispatched as soon as it holds this many items.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// MaxWait is the time trigger: a non-empty batch is dispatched once this much time has passed
	// since its first item was added.
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`
	// MaxConcurrency is the maximum number of batches being processed at once.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// QueueCapacity bounds the number of submitted items waiting to be batched. Once the queue is
	// full, Submit blocks. Zero means unbounded.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
	// BatchTimeout, if positive, is the deadline of the context passed to the processing function.
	// A batch that runs past it fails with ErrBatchTimeout.
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
}

// Validate returns a *ConfigError listing every invalid field, or nil.
func (c Config) Validate() error {
	var problems []FieldError
	if c.MaxBatchSize <= 0 {
		problems = append(problems, FieldError{"MaxBatchSize", c.MaxBatchSize, "must be positive"})
	}
	if c.MaxWait <= 0 {
		problems = append(problems, FieldError{"MaxWait", c.MaxWait, "must be positive"})
	}
	if c.MaxConcurrency < 1 {
		problems = append(problems, FieldError{"MaxConcurrency", c.MaxConcurrency, "must be at least 1"})
	}
	if c.QueueCapacity < 0 {
		problems = append(problems, FieldError{"QueueCapacity", c.QueueCapacity, "must not be negative"})
	}
	if c.BatchTimeout < 0 {
		problems = append(problems, FieldError{"BatchTimeout", c.BatchTimeout, "must not be negative"})
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// yamlConfig mirrors Config with durations spelled the way time.ParseDuration accepts them.
type yamlConfig struct {
	MaxBatchSize   int    `yaml:"max_batch_size"`
	MaxWait        string `yaml:"max_wait"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	QueueCapacity  int    `yaml:"queue_capacity,omitempty"`
	BatchTimeout   string `yaml:"batch_timeout,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler so that durations may be written as "50ms".
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw yamlConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	maxWait, err := parseDuration("max_wait", raw.MaxWait)
	if err != nil {
		return err
	}
	batchTimeout, err := parseDuration("batch_timeout", raw.BatchTimeout)
	if err != nil {
		return err
	}
	*c = Config{
		MaxBatchSize:   raw.MaxBatchSize,
		MaxWait:        maxWait,
		MaxConcurrency: raw.MaxConcurrency,
		QueueCapacity:  raw.QueueCapacity,
		BatchTimeout:   batchTimeout,
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler, the inverse of UnmarshalYAML.
func (c Config) MarshalYAML() (any, error) {
	raw := yamlConfig{
		MaxBatchSize:   c.MaxBatchSize,
		MaxWait:        c.MaxWait.String(),
		MaxConcurrency: c.MaxConcurrency,
		QueueCapacity:  c.QueueCapacity,
	}
	if c.BatchTimeout != 0 {
		raw.BatchTimeout = c.BatchTimeout.String()
	}
	return raw, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// ParseConfig decodes a YAML document into a Config and validates it.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse dispatcher config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read dispatcher config: %w", err)
	}
	return ParseConfig(data)
}
