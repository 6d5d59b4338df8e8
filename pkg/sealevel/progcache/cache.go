// Package progcache persists loaded and verified program images keyed by
// the blake3 hash of their ELF bytes. Because verification is a pure
// function of the image, a cache hit skips both ELF parsing and
// verification on later engine starts.
package progcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/sealevel/pkg/sealevel/loader"
)

var bucketPrograms = []byte("programs")

// ContentKey derives the cache key for an ELF image.
func ContentKey(elf []byte) [32]byte {
	return blake3.Sum256(elf)
}

// Cache is a persistent program store. Safe for concurrent use.
type Cache struct {
	db  *bolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens or creates a cache file.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("progcache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPrograms)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("progcache: init: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db, enc: enc, dec: dec}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	c.enc.Close()
	c.dec.Close()
	return c.db.Close()
}

// Put stores a verified executable under its content key.
func (c *Cache) Put(key [32]byte, exec *loader.Executable) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(exec); err != nil {
		return fmt.Errorf("progcache: encode: %w", err)
	}
	compressed := c.enc.EncodeAll(buf.Bytes(), nil)

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrograms).Put(key[:], compressed)
	})
}

// Get loads an executable by content key. The second return reports whether
// the key was present.
func (c *Cache) Get(key [32]byte) (*loader.Executable, bool, error) {
	var compressed []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketPrograms).Get(key[:]); v != nil {
			compressed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if compressed == nil {
		return nil, false, nil
	}

	raw, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("progcache: decompress: %w", err)
	}
	var exec loader.Executable
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&exec); err != nil {
		return nil, false, fmt.Errorf("progcache: decode: %w", err)
	}
	return &exec, true, nil
}

// Len returns the number of cached programs.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPrograms).Stats().KeyN
		return nil
	})
	return n, err
}
