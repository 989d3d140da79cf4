// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps the snapshot under a single redis key.
//
// It lets several nodes sharing a redis instance keep their snapshots off the local disk.
type RedisStore struct {
	rc  *redis.Client
	key string
	ttl time.Duration
}

// NewRedisStore connects to redis at addr.
//
// A zero ttl keeps the snapshot forever.
func NewRedisStore(ctx context.Context, addr, key string, ttl time.Duration) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rc := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close() //nolint:errcheck

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		rc:  rc,
		key: key,
		ttl: ttl,
	}, nil
}

// Close closes the redis client.
func (r *RedisStore) Close() error {
	return r.rc.Close()
}

// Reader implements SnapshotStore interface.
//
// A missing key is reported as os.ErrNotExist.
func (r *RedisStore) Reader(ctx context.Context) (io.ReadCloser, error) {
	data, err := r.rc.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("snapshot %q: %w", r.key, os.ErrNotExist)
		}

		return nil, fmt.Errorf("failed to get snapshot %q: %w", r.key, err)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Writer implements SnapshotStore interface.
//
// The snapshot is buffered in memory and stored when the writer is closed.
func (r *RedisStore) Writer(ctx context.Context) (io.WriteCloser, error) {
	return &redisWriter{ctx: ctx, store: r}, nil
}

type redisWriter struct {
	ctx   context.Context //nolint:containedctx
	store *RedisStore
	buf   bytes.Buffer
	done  bool
}

// Write implements io.Writer interface.
func (w *redisWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Close implements io.Closer interface.
func (w *redisWriter) Close() error {
	if w.done {
		return nil
	}

	w.done = true

	if err := w.store.rc.Set(w.ctx, w.store.key, w.buf.Bytes(), w.store.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot %q: %w", w.store.key, err)
	}

	return nil
}

// Abort drops the buffered snapshot.
func (w *redisWriter) Abort() {
	w.done = true
	w.buf.Reset()
}
