package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSKV is a KV backed by NATS JetStream key-value buckets. One JetStream
// bucket is created per logical bucket, named "<prefix>_<bucket>".
//
// The NATS connection is owned by the caller; Close does not drain it.
type NATSKV struct {
	js     jetstream.JetStream
	prefix string
	logger *zap.Logger

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

// NewNATSKV creates a NATSKV on an established connection.
func NewNATSKV(nc *nats.Conn, bucketPrefix string, logger *zap.Logger) (*NATSKV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bucketPrefix == "" {
		bucketPrefix = "marketd"
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%w: creating jetstream context: %v", ErrKV, err)
	}

	return &NATSKV{
		js:      js,
		prefix:  bucketPrefix,
		logger:  logger,
		buckets: make(map[string]jetstream.KeyValue),
	}, nil
}

// bucket returns the JetStream bucket for a logical name, creating it on
// first use.
func (s *NATSKV) bucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	if name == "" {
		return nil, ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if kv, ok := s.buckets[name]; ok {
		return kv, nil
	}

	bucketName := s.prefix + "_" + name
	kv, err := s.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "marketd " + name,
		History:     1,
	})
	if err != nil {
		// CreateKeyValue with a matching config is idempotent; a config
		// mismatch from an older deployment still binds.
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = s.js.KeyValue(ctx, bucketName)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: creating bucket %s: %v", ErrKV, bucketName, err)
		}
	}

	s.logger.Debug("jetstream bucket ready", zap.String("bucket", bucketName))
	s.buckets[name] = kv
	return kv, nil
}

// Get implements KV.
func (s *NATSKV) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	kv, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, false, err
	}
	entry, err := kv.Get(ctx, sanitizeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: getting %s/%s: %v", ErrKV, bucket, key, err)
	}
	return entry.Value(), true, nil
}

// Put implements KV.
func (s *NATSKV) Put(ctx context.Context, bucket, key string, value []byte) error {
	kv, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, sanitizeKey(key), value); err != nil {
		return fmt.Errorf("%w: putting %s/%s: %v", ErrKV, bucket, key, err)
	}
	return nil
}

// PutIfAbsent implements KV. JetStream's Create is atomic across the cluster,
// so concurrent writers racing on a key see exactly one success.
func (s *NATSKV) PutIfAbsent(ctx context.Context, bucket, key string, value []byte) (bool, error) {
	kv, err := s.bucket(ctx, bucket)
	if err != nil {
		return false, err
	}
	if _, err := kv.Create(ctx, sanitizeKey(key), value); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("%w: creating %s/%s: %v", ErrKV, bucket, key, err)
	}
	return true, nil
}

// Delete implements KV.
func (s *NATSKV) Delete(ctx context.Context, bucket, key string) error {
	kv, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	if err := kv.Purge(ctx, sanitizeKey(key)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("%w: deleting %s/%s: %v", ErrKV, bucket, key, err)
	}
	return nil
}

// Keys implements KV.
func (s *NATSKV) Keys(ctx context.Context, bucket string) ([]string, error) {
	kv, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: listing keys in %s: %v", ErrKV, bucket, err)
	}
	return keys, nil
}

// Close implements KV. The connection belongs to the caller.
func (s *NATSKV) Close() error {
	return nil
}

// sanitizeKey maps arbitrary keys onto the JetStream key charset
// ([-/_=.a-zA-Z0-9]). Out-of-range bytes become underscores; the callers'
// keys are hex digests and ticker-derived names, so collisions are not a
// practical concern.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '=' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

var _ KV = (*NATSKV)(nil)
