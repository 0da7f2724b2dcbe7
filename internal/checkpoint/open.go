package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lsm/mixbridge/internal/kafka"
)

// Backend names accepted by Open.
const (
	BackendKafka  = "kafka"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Options selects and configures a backend. An empty Backend means kafka.
type Options struct {
	Backend           string
	Cluster           *kafka.ClusterConfig // kafka
	Topic             string               // kafka
	ReplicationFactor int16                // kafka
	Path              string               // sqlite
}

// Open returns the store named by opts.Backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Backend {
	case "", BackendKafka:
		s, err := OpenKafka(ctx, KafkaConfig{
			Cluster:           opts.Cluster,
			Topic:             opts.Topic,
			ReplicationFactor: opts.ReplicationFactor,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := OpenSQLite(ctx, opts.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", opts.Backend)
	}
}
