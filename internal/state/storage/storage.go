// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package storage persists the dynamic peers of the directory across restarts.
package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/pkg/storage"
)

const (
	labelOperation = "operation"
	labelStatus    = "status"

	operationSave = "save"
	operationLoad = "load"

	statusSuccess = "success"
	statusError   = "error"
)

// Storage saves and restores peer directory snapshots.
type Storage struct {
	state  Snapshotter
	logger *zap.Logger

	operationsMetric            *prom.CounterVec
	lastSnapshotSizeMetric      *prom.GaugeVec
	lastOperationPeersMetric    *prom.GaugeVec
	lastOperationDurationMetric *prom.GaugeVec

	store storage.SnapshotStore
}

// Describe implements prometheus.Collector interface.
func (storage *Storage) Describe(descs chan<- *prom.Desc) {
	prom.DescribeByCollect(storage, descs)
}

// Collect implements prometheus.Collector interface.
func (storage *Storage) Collect(metrics chan<- prom.Metric) {
	storage.operationsMetric.Collect(metrics)
	storage.lastSnapshotSizeMetric.Collect(metrics)
	storage.lastOperationPeersMetric.Collect(metrics)
	storage.lastOperationDurationMetric.Collect(metrics)
}

// Snapshotter exports and imports peer snapshots.
type Snapshotter interface {
	// ExportPeerSnapshots exports peer snapshots to the given function.
	ExportPeerSnapshots(f func(*state.PeerSnapshot) error) error

	// ImportPeerSnapshots imports peer snapshots from the given function, returning the number of imported peers.
	ImportPeerSnapshots(f func() (*state.PeerSnapshot, bool, error)) (int, error)
}

// New creates a new instance of Storage.
func New(store storage.SnapshotStore, state Snapshotter, logger *zap.Logger) *Storage {
	return &Storage{
		state:  state,
		logger: logger.With(zap.String("component", "storage")),
		store:  store,

		operationsMetric: prom.NewCounterVec(prom.CounterOpts{
			Name: "dtnd_storage_operations_total",
			Help: "The total number of storage operations.",
		}, []string{labelOperation, labelStatus}),
		lastSnapshotSizeMetric: prom.NewGaugeVec(prom.GaugeOpts{
			Name: "dtnd_storage_last_snapshot_size_bytes",
			Help: "The size of the last processed snapshot in bytes.",
		}, []string{labelOperation}),
		lastOperationPeersMetric: prom.NewGaugeVec(prom.GaugeOpts{
			Name: "dtnd_storage_last_operation_peers",
			Help: "The number of peers in the snapshot of the last operation.",
		}, []string{labelOperation}),
		lastOperationDurationMetric: prom.NewGaugeVec(prom.GaugeOpts{
			Name: "dtnd_storage_last_operation_duration_seconds",
			Help: "The duration of the last operation in seconds.",
		}, []string{labelOperation}),
	}
}

// Start starts the storage loop that periodically saves the state.
//
// The state is saved once more when the context is canceled.
func (storage *Storage) Start(ctx context.Context, clock clockwork.Clock, interval time.Duration) error {
	storage.logger.Info("start storage loop", zap.Duration("interval", interval))

	ticker := clock.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return storage.shutdown(ctx)
		case <-ticker.Chan():
			if err := storage.Save(ctx); err != nil {
				storage.logger.Error("failed to save state", zap.Error(err))
			}
		}
	}
}

func (storage *Storage) shutdown(ctx context.Context) error {
	storage.logger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := storage.Save(shutdownCtx); err != nil { //nolint:contextcheck
		return fmt.Errorf("failed to save state on shutdown: %w", err)
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}

	return ctx.Err()
}

// Save writes the dynamic peers into the snapshot store.
func (storage *Storage) Save(ctx context.Context) (err error) {
	start := time.Now()

	defer func() {
		if err != nil {
			storage.operationsMetric.WithLabelValues(operationSave, statusError).Inc()
		}
	}()

	// never panic, convert it into an error instead
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("save panicked: %v", recovered)
		}
	}()

	writer, err := storage.store.Writer(ctx)
	if err != nil {
		return fmt.Errorf("failed to get writer from store: %w", err)
	}

	closed := false

	// a failed export must not replace the previous snapshot
	defer func() {
		if !closed {
			abortWriter(writer)
		}
	}()

	stats, err := storage.Export(writer)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	closed = true

	// Make sure to close the writer to flush all data to the underlying storage.
	if err = writer.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	duration := time.Since(start)

	storage.logger.Info("state saved", zap.Int("peers", stats.NumPeers),
		zap.Duration("duration", duration), zap.Int("size_bytes", stats.Size))

	storage.operationsMetric.WithLabelValues(operationSave, statusSuccess).Inc()
	storage.lastSnapshotSizeMetric.WithLabelValues(operationSave).Set(float64(stats.Size))
	storage.lastOperationPeersMetric.WithLabelValues(operationSave).Set(float64(stats.NumPeers))
	storage.lastOperationDurationMetric.WithLabelValues(operationSave).Set(duration.Seconds())

	return nil
}

// Load restores peers from the snapshot store.
//
// Peers already present in the directory are kept as is.
func (storage *Storage) Load(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			storage.operationsMetric.WithLabelValues(operationLoad, statusError).Inc()
		}
	}()

	// never panic, convert it into an error instead
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("load panicked: %v", recovered)
		}
	}()

	start := time.Now()

	reader, err := storage.store.Reader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get reader: %w", err)
	}

	defer reader.Close() //nolint:errcheck

	stats, err := storage.Import(reader)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err = reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}

	duration := time.Since(start)

	storage.logger.Info("state loaded", zap.Int("peers", stats.NumPeers), zap.Int("imported_peers", stats.NumImported),
		zap.Duration("duration", duration), zap.Int("size_bytes", stats.Size))

	storage.operationsMetric.WithLabelValues(operationLoad, statusSuccess).Inc()
	storage.lastSnapshotSizeMetric.WithLabelValues(operationLoad).Set(float64(stats.Size))
	storage.lastOperationPeersMetric.WithLabelValues(operationLoad).Set(float64(stats.NumPeers))
	storage.lastOperationDurationMetric.WithLabelValues(operationLoad).Set(duration.Seconds())

	return nil
}

// Import reads peer records one by one from the reader and imports them into the state.
func (storage *Storage) Import(reader io.Reader) (SnapshotStats, error) {
	size := 0
	numPeers := 0

	buffer := make([]byte, 256)
	bufferedReader := bufio.NewReader(reader)

	imported, err := storage.state.ImportPeerSnapshots(func() (*state.PeerSnapshot, bool, error) {
		headerSize, peerSize, err := decodePeerSnapshotHeader(bufferedReader)
		if err != nil {
			if err == io.EOF { //nolint:errorlint
				return nil, false, nil
			}

			return nil, false, fmt.Errorf("failed to decode peer header: %w", err)
		}

		if peerSize > cap(buffer) {
			buffer = slices.Grow(buffer, peerSize)
		}

		buffer = buffer[:peerSize]

		if _, err = io.ReadFull(bufferedReader, buffer); err != nil {
			return nil, false, fmt.Errorf("failed to read bytes: %w", err)
		}

		peerSnapshot, err := decodePeerSnapshot(buffer)
		if err != nil {
			return nil, false, fmt.Errorf("failed to decode peer: %w", err)
		}

		size += headerSize + peerSize
		numPeers++

		return peerSnapshot, true, nil
	})
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("failed to import peers: %w", err)
	}

	return SnapshotStats{
		Size:        size,
		NumPeers:    numPeers,
		NumImported: imported,
	}, nil
}

// Export writes every dynamic peer of the state into the writer.
func (storage *Storage) Export(writer io.Writer) (SnapshotStats, error) {
	numPeers := 0
	size := 0

	var buffer []byte

	bufferedWriter := bufio.NewWriter(writer)

	if err := storage.state.ExportPeerSnapshots(func(snapshot *state.PeerSnapshot) error {
		var err error

		buffer, err = encodePeerSnapshot(buffer, snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode peer: %w", err)
		}

		written, err := bufferedWriter.Write(buffer)
		if err != nil {
			return fmt.Errorf("failed to write peer: %w", err)
		}

		// prepare the buffer for the next iteration - reset it
		buffer = buffer[:0]

		size += written
		numPeers++

		return nil
	}); err != nil {
		return SnapshotStats{}, fmt.Errorf("failed to snapshot peers: %w", err)
	}

	if err := bufferedWriter.Flush(); err != nil {
		return SnapshotStats{}, fmt.Errorf("failed to flush writer: %w", err)
	}

	return SnapshotStats{
		Size:     size,
		NumPeers: numPeers,
	}, nil
}

func getTempFile(dst string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory path: %w", err)
	}

	tmpFile, err := os.OpenFile(dst+".tmp", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	return tmpFile, nil
}

// commitTempFile renames the temporary file over the destination, removing it on failure.
func commitTempFile(tmpFile *os.File, dst string) error {
	renamed := false
	closer := sync.OnceValue(tmpFile.Close)

	defer func() {
		closer() //nolint:errcheck

		if !renamed {
			os.Remove(tmpFile.Name()) //nolint:errcheck
		}
	}()

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync data: %w", err)
	}

	if err := closer(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), dst); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	renamed = true

	return nil
}

// abortWriter discards the writer without committing it, if the writer supports that.
func abortWriter(writer io.WriteCloser) {
	if aborter, ok := writer.(interface{ Abort() }); ok {
		aborter.Abort()

		return
	}

	writer.Close() //nolint:errcheck
}

// SnapshotStats contains statistics about a snapshot.
type SnapshotStats struct {
	Size        int
	NumPeers    int
	NumImported int
}

// FileStore is a file-based implementation of the SnapshotStore interface.
type FileStore struct {
	Path string
}

// Reader implements SnapshotStore interface.
func (f *FileStore) Reader(context.Context) (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// Writer implements SnapshotStore interface.
//
// The destination is replaced atomically when the writer is closed.
func (f *FileStore) Writer(context.Context) (io.WriteCloser, error) {
	return &fileWriter{path: f.Path}, nil
}

type fileWriter struct {
	tmpFile   *os.File
	path      string
	committed bool
}

// Write implements io.Writer interface.
func (f *fileWriter) Write(p []byte) (n int, err error) {
	if f.tmpFile == nil {
		f.tmpFile, err = getTempFile(f.path)
		if err != nil {
			return 0, fmt.Errorf("failed to create temporary file: %w", err)
		}
	}

	return f.tmpFile.Write(p)
}

// Close implements io.Closer interface.
//
// It commits the temporary file to the destination, an empty snapshot replaces the destination with an empty file.
func (f *fileWriter) Close() error {
	if f.committed {
		return nil
	}

	f.committed = true

	if f.tmpFile == nil {
		var err error

		if f.tmpFile, err = getTempFile(f.path); err != nil {
			return fmt.Errorf("failed to create temporary file: %w", err)
		}
	}

	commitErr := commitTempFile(f.tmpFile, f.path)

	f.tmpFile = nil

	return commitErr
}

// Abort removes the temporary file without touching the destination.
func (f *fileWriter) Abort() {
	f.committed = true

	if f.tmpFile == nil {
		return
	}

	f.tmpFile.Close()           //nolint:errcheck
	os.Remove(f.tmpFile.Name()) //nolint:errcheck

	f.tmpFile = nil
}
