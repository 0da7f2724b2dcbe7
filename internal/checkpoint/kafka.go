package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lsm/mixbridge/internal/kafka"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultKafkaTopic is the compacted topic checkpoints are written to.
const DefaultKafkaTopic = "mixbridge-offsets"

// DefaultReadTimeout bounds a checkpoint topic replay.
const DefaultReadTimeout = 30 * time.Second

// KafkaConfig configures a Kafka-backed checkpoint store.
type KafkaConfig struct {
	Cluster           *kafka.ClusterConfig
	Topic             string
	ReplicationFactor int16 // -1 uses the broker default
}

// producer abstracts the kafka client methods used for commits.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// consumer abstracts the kafka client methods used for reads.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// offsetLister abstracts the admin call used to find where a read stops.
type offsetLister interface {
	ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
}

// KafkaStore keeps checkpoints in a compacted Kafka topic, one record per
// commit keyed by {"service": ...}. The latest record for a key wins.
type KafkaStore struct {
	topic       string
	producer    producer
	admin       offsetLister
	newConsumer func() (consumer, error)
	readTimeout time.Duration
	logger      *slog.Logger
}

// OpenKafka connects to the cluster and makes sure the checkpoint topic exists.
func OpenKafka(ctx context.Context, cfg KafkaConfig, logger *slog.Logger) (*KafkaStore, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	rf := cfg.ReplicationFactor
	if rf == 0 {
		rf = -1
	}

	client, err := kafka.NewClient(cfg.Cluster,
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoint client: %w", err)
	}
	admin := kadm.NewClient(client)

	if err := ensureTopic(ctx, admin, topic, rf); err != nil {
		client.Close()
		return nil, err
	}
	logger.Info("checkpoint topic ready", "topic", topic)

	cluster := cfg.Cluster
	return &KafkaStore{
		topic:    topic,
		producer: client,
		admin:    admin,
		newConsumer: func() (consumer, error) {
			return kafka.NewClient(cluster,
				kgo.ConsumeTopics(topic),
				kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
			)
		},
		readTimeout: DefaultReadTimeout,
		logger:      logger,
	}, nil
}

func ensureTopic(ctx context.Context, admin *kadm.Client, topic string, rf int16) error {
	compact := "compact"
	resp, err := admin.CreateTopics(ctx, 1, rf, map[string]*string{"cleanup.policy": &compact}, topic)
	if err != nil {
		return fmt.Errorf("create checkpoint topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create checkpoint topic %s: %w", topic, r.Err)
		}
	}
	return nil
}

// Commit produces the checkpoint synchronously and waits for all in-sync replicas.
func (s *KafkaStore) Commit(ctx context.Context, cp Checkpoint) error {
	key, err := cp.MarshalKey()
	if err != nil {
		return fmt.Errorf("encode checkpoint key: %w", err)
	}
	value, err := cp.MarshalValue()
	if err != nil {
		return fmt.Errorf("encode checkpoint value: %w", err)
	}

	results := s.producer.ProduceSync(ctx, &kgo.Record{Topic: s.topic, Key: key, Value: value})
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("commit checkpoint to %s: %w", s.topic, err)
	}
	return nil
}

// ReadPosition replays the checkpoint topic up to its current end and returns
// the last position committed for service. A tombstone clears the position.
//
// A partition is read once a record at end-1 arrives, or once a fetch shows
// its high watermark at end with nothing left to return, which happens when
// compaction or control batches leave the tail without a visible record.
// If the replay outlives readTimeout the last position seen is returned.
func (s *KafkaStore) ReadPosition(ctx context.Context, service string) (string, bool, error) {
	key, err := Checkpoint{Service: service}.MarshalKey()
	if err != nil {
		return "", false, fmt.Errorf("encode checkpoint key: %w", err)
	}

	ends, err := s.admin.ListEndOffsets(ctx, s.topic)
	if err != nil {
		return "", false, fmt.Errorf("list end offsets for %s: %w", s.topic, err)
	}
	if err := ends.Error(); err != nil {
		return "", false, fmt.Errorf("list end offsets for %s: %w", s.topic, err)
	}

	remaining := make(map[int32]int64)
	ends.Each(func(o kadm.ListedOffset) {
		if o.Offset > 0 {
			remaining[o.Partition] = o.Offset
		}
	})
	if len(remaining) == 0 {
		return "", false, nil
	}

	cl, err := s.newConsumer()
	if err != nil {
		return "", false, fmt.Errorf("checkpoint consumer: %w", err)
	}
	defer cl.Close()

	timeout := s.readTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		position  string
		found     bool
		decodeErr error
	)
	for len(remaining) > 0 {
		fetches := cl.PollFetches(readCtx)
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		if readCtx.Err() != nil {
			s.logger.Warn("checkpoint read stopped before topic end",
				"topic", s.topic,
				"service", service,
				"timeout", timeout,
				"partitions_unread", len(remaining),
			)
			break
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return "", false, fmt.Errorf("read checkpoint topic %s: %w", s.topic, errs[0].Err)
		}

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, r := range p.Records {
				if !bytes.Equal(r.Key, key) {
					continue
				}
				if r.Value == nil {
					position, found = "", false
				} else if pos, err := UnmarshalPosition(r.Value); err != nil {
					decodeErr = err
				} else {
					position, found = pos, true
				}
			}

			end, ok := remaining[p.Partition]
			if !ok {
				return
			}
			if n := len(p.Records); n > 0 && p.Records[n-1].Offset+1 >= end {
				delete(remaining, p.Partition)
			} else if n == 0 && p.HighWatermark >= end {
				delete(remaining, p.Partition)
			}
		})
		if decodeErr != nil {
			return "", false, decodeErr
		}
	}

	s.logger.Debug("checkpoint read", "topic", s.topic, "service", service, "found", found)
	return position, found, nil
}

// Close shuts down the producer client.
func (s *KafkaStore) Close() error {
	s.producer.Close()
	return nil
}
