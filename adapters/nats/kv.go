package nats

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/driftworks/evlog-go/core/es"
)

type KvConfig struct {
	Connect  Connector // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Bucket   string
	MaxBytes int64 // MaxBytes caps the bucket size, defaults to 1 MiB
}

// KvStore is a JetStream key/value bucket exposed through the es.KeyValue
// contract, suitable for backing a KeyValueSnapshotter.
type KvStore struct {
	kv jetstream.KeyValue
}

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, _, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 1024 * 1024
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, err
	}

	return &KvStore{kv: kv}, nil
}

func (k *KvStore) Set(ctx context.Context, key string, data []byte) error {
	_, err := k.kv.Put(ctx, key, data)
	return err
}

func (k *KvStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v.Value(), true, nil
}

var _ es.KeyValue = (*KvStore)(nil)
