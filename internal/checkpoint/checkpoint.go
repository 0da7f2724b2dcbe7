// Package checkpoint stores the position reached by a source so a restarted
// task can tell where it left off.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
)

// ServiceMixpanel is the service key every Mixpanel record is checkpointed under.
const ServiceMixpanel = "mixpanel"

// Checkpoint is a {service -> position} pair. Position is the to_date of the
// most recently delivered export window.
type Checkpoint struct {
	Service  string
	Position string
}

type keyDoc struct {
	Service string `json:"service"`
}

type valueDoc struct {
	Position string `json:"position"`
}

// MarshalKey encodes the checkpoint key as {"service": "..."}.
func (c Checkpoint) MarshalKey() ([]byte, error) {
	return json.Marshal(keyDoc{Service: c.Service})
}

// MarshalValue encodes the checkpoint value as {"position": "..."}.
func (c Checkpoint) MarshalValue() ([]byte, error) {
	return json.Marshal(valueDoc{Position: c.Position})
}

// UnmarshalPosition decodes the position out of an encoded value.
func UnmarshalPosition(data []byte) (string, error) {
	var v valueDoc
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("decode checkpoint value: %w", err)
	}
	return v.Position, nil
}

// Reader looks up the last committed position for a service.
// ok is false when nothing has been committed yet.
type Reader interface {
	ReadPosition(ctx context.Context, service string) (position string, ok bool, err error)
}

// Committer durably records a checkpoint.
type Committer interface {
	Commit(ctx context.Context, cp Checkpoint) error
}

// Store is a checkpoint backend.
type Store interface {
	Reader
	Committer
	Close() error
}
