// Package config loads the connector definition file and watches it for
// changes.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/mixbridge/internal/checkpoint"
	"github.com/lsm/mixbridge/internal/connector"
	"github.com/lsm/mixbridge/internal/kafka"
)

// Environment variables read by the process.
const (
	EnvConfigPath  = "MIXBRIDGE_CONFIG"
	EnvMetricsAddr = "MIXBRIDGE_METRICS_ADDR"
)

// Defaults for the process environment.
const (
	DefaultConfigPath  = "/etc/mixbridge/connector.yaml"
	DefaultMetricsAddr = ":9090"
)

// Definition is a complete connector deployment: the connector settings,
// the cluster records go to and where checkpoints are kept.
type Definition struct {
	Name       string              `yaml:"name"`
	Connector  map[string]string   `yaml:"connector"`
	Kafka      kafka.ClusterConfig `yaml:"kafka"`
	Checkpoint CheckpointConfig    `yaml:"checkpoint"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	Type              string `yaml:"type"` // kafka (default), sqlite, memory
	Topic             string `yaml:"topic,omitempty"`
	ReplicationFactor int16  `yaml:"replicationFactor,omitempty"`
	Path              string `yaml:"path,omitempty"`
}

// Validate checks the definition and returns the parsed task configuration.
// Structural problems are reported together; connector settings are parsed
// last so their messages come through unchanged.
func (d *Definition) Validate() (connector.TaskConfig, error) {
	var errs []error

	if d.Name == "" {
		errs = append(errs, &connector.ConfigError{Key: "name", Message: "definition must include 'name'"})
	}
	if err := d.Kafka.Validate(); err != nil {
		errs = append(errs, &connector.ConfigError{Key: "kafka", Message: "kafka: " + err.Error()})
	}

	switch d.Checkpoint.Type {
	case "", checkpoint.BackendKafka, checkpoint.BackendMemory:
	case checkpoint.BackendSQLite:
		if d.Checkpoint.Path == "" {
			errs = append(errs, &connector.ConfigError{Key: "checkpoint.path", Message: "checkpoint.path is required for the sqlite store"})
		}
	default:
		errs = append(errs, &connector.ConfigError{
			Key:     "checkpoint.type",
			Message: fmt.Sprintf("checkpoint.type %q is not valid (must be kafka, sqlite, or memory)", d.Checkpoint.Type),
		})
	}

	if err := errors.Join(errs...); err != nil {
		return connector.TaskConfig{}, err
	}
	return connector.Parse(d.Connector)
}

// CheckpointType returns the configured backend, defaulting to kafka.
func (d *Definition) CheckpointType() string {
	if d.Checkpoint.Type == "" {
		return checkpoint.BackendKafka
	}
	return d.Checkpoint.Type
}

// CheckpointOptions returns the options for opening the checkpoint store.
func (d *Definition) CheckpointOptions() checkpoint.Options {
	return checkpoint.Options{
		Backend:           d.CheckpointType(),
		Cluster:           &d.Kafka,
		Topic:             d.Checkpoint.Topic,
		ReplicationFactor: d.Checkpoint.ReplicationFactor,
		Path:              d.Checkpoint.Path,
	}
}

// Loader loads and watches a single definition file.
type Loader struct {
	mu       sync.RWMutex
	current  *Definition
	path     string
	logger   *slog.Logger
	onChange func(*Definition)
}

// NewLoader creates a loader for the definition at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger}
}

// OnChange registers a callback that fires with each successfully reloaded
// definition. Definitions that fail to parse are logged and skipped.
func (l *Loader) OnChange(fn func(*Definition)) {
	l.onChange = fn
}

// Load reads the definition file, expanding ${VAR} references from the
// environment.
func (l *Loader) Load() (*Definition, error) {
	def, err := loadFile(l.path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = def
	l.mu.Unlock()

	return def, nil
}

// Current returns the last successfully loaded definition.
func (l *Loader) Current() *Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the definition whenever the file changes. The parent
// directory is watched so editors that replace the file are noticed.
// Blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	l.logger.Info("watching connector definition", "path", l.path)

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			l.logger.Info("connector definition change detected", "op", event.Op.String())
			prev := l.Current()
			def, err := l.Load()
			if err != nil {
				l.logger.Error("failed to reload connector definition", "error", err)
				continue
			}
			// editors often write a file more than once per save
			if reflect.DeepEqual(prev, def) {
				l.logger.Debug("connector definition unchanged, skipping reload")
				continue
			}
			if l.onChange != nil {
				l.onChange(def)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// PathFromEnv returns MIXBRIDGE_CONFIG or the default path.
func PathFromEnv() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// MetricsAddrFromEnv returns MIXBRIDGE_METRICS_ADDR or the default address.
func MetricsAddrFromEnv() string {
	if a := os.Getenv(EnvMetricsAddr); a != "" {
		return a
	}
	return DefaultMetricsAddr
}

func loadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &def); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", path, err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("connector definition missing 'name' field in %s", path)
	}
	return &def, nil
}
