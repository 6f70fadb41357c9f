// Package objectstore holds the raw bytes of uploaded files. The in-memory
// bucket is the source of truth for the lifetime of the process; when a root
// directory is configured every write is mirrored to disk and the index is
// rehydrated from that mirror at startup.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// mirrorSuffix marks compressed blobs in the on-disk mirror.
const mirrorSuffix = ".zst"

// Config configures the store.
type Config struct {
	Bucket string
	// RootDir enables the on-disk mirror when non-empty.
	RootDir string
	// Compress stores mirrored blobs zstd-compressed.
	Compress bool
}

// Store is a bucket of opaque blobs addressed by key.
type Store struct {
	cfg    Config
	mu     sync.Mutex
	mem    *blob.Bucket
	mirror *blob.Bucket // nil when persistence is disabled
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// New creates a store for a single bucket. When cfg.RootDir is set the
// mirror directory is created if needed and any blobs found there are
// loaded into the in-memory index.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name must not be empty")
	}

	s := &Store{
		cfg: cfg,
		mem: memblob.OpenBucket(nil),
	}

	if cfg.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		s.enc = enc
		s.dec = dec
	}

	if cfg.RootDir != "" {
		// Plain files, no attribute sidecars: the mirror exists for
		// external inspection.
		mirror, err := fileblob.OpenBucket(cfg.RootDir, &fileblob.Options{
			CreateDir: true,
			Metadata:  fileblob.MetadataDontWrite,
		})
		if err != nil {
			return nil, fmt.Errorf("open mirror directory %s: %w", cfg.RootDir, err)
		}
		s.mirror = mirror

		if err := s.rehydrate(ctx); err != nil {
			mirror.Close()
			return nil, fmt.Errorf("rehydrate from mirror: %w", err)
		}
	}

	return s, nil
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string {
	return s.cfg.Bucket
}

// Put stores data under key, overwriting any prior value. When the mirror
// is enabled the bytes are also written to disk so the object survives a
// restart and can be inspected externally.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}

	if s.mirror != nil {
		mirrorKey := key
		mirrorData := data
		if s.enc != nil {
			mirrorKey += mirrorSuffix
			mirrorData = s.enc.EncodeAll(data, nil)
		}
		if err := s.mirror.WriteAll(ctx, mirrorKey, mirrorData, nil); err != nil {
			return fmt.Errorf("mirror object %s: %w", key, err)
		}
	}

	return nil
}

// Get returns the bytes stored under key. Reads are served from the
// in-memory index, never from disk.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.mem.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// List returns all keys in the bucket. Order is stable within a process
// lifetime (the index iterates lexically).
func (s *Store) List(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.mem.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Health verifies the store is usable with a write/read round trip.
func (s *Store) Health(ctx context.Context) error {
	const probe = ".health-probe"
	if err := s.mem.WriteAll(ctx, probe, []byte("ok"), nil); err != nil {
		return fmt.Errorf("health write: %w", err)
	}
	if _, err := s.mem.ReadAll(ctx, probe); err != nil {
		return fmt.Errorf("health read: %w", err)
	}
	if err := s.mem.Delete(ctx, probe); err != nil {
		return fmt.Errorf("health delete: %w", err)
	}
	return nil
}

// Close releases the underlying buckets.
func (s *Store) Close() error {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			return err
		}
	}
	return s.mem.Close()
}

// rehydrate loads every mirrored blob into the in-memory index.
func (s *Store) rehydrate(ctx context.Context) error {
	iter := s.mirror.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list mirror: %w", err)
		}

		data, err := s.mirror.ReadAll(ctx, obj.Key)
		if err != nil {
			return fmt.Errorf("read mirrored object %s: %w", obj.Key, err)
		}

		key := obj.Key
		if strings.HasSuffix(key, mirrorSuffix) {
			if s.dec == nil {
				return fmt.Errorf("mirrored object %s is compressed but compression is disabled", key)
			}
			decoded, err := s.dec.DecodeAll(data, nil)
			if err != nil {
				return fmt.Errorf("decompress mirrored object %s: %w", key, err)
			}
			key = strings.TrimSuffix(key, mirrorSuffix)
			data = decoded
		}

		if err := s.mem.WriteAll(ctx, key, data, nil); err != nil {
			return fmt.Errorf("load mirrored object %s: %w", key, err)
		}
	}
}
