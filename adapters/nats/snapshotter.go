package nats

import (
	"github.com/driftworks/evlog-go/core/es"
)

// NewSnapshotter creates a jetstream key-value-store based snapshotter.
func NewSnapshotter(cfg KvConfig) (*es.KeyValueSnapshotter, error) {
	kv, err := NewKvStore(cfg)
	if err != nil {
		return nil, err
	}
	return es.NewKeyValueSnapshotter(kv), nil
}
