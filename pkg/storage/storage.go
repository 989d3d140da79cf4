// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package storage defines where peer snapshots are kept.
package storage

import (
	"context"
	"io"
)

// SnapshotStore reads and writes peer directory snapshots.
type SnapshotStore interface {
	// Reader returns a reader for the snapshot.
	Reader(context.Context) (io.ReadCloser, error)
	// Writer returns a writer for the snapshot, the snapshot is replaced when it is closed.
	Writer(context.Context) (io.WriteCloser, error)
}
