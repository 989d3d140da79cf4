// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package main implements a simple tool to dump a peer snapshot file as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/internal/state/storage"
)

var snapshotPath = "/var/lib/dtnd/peers.binpb"

func init() {
	flag.StringVar(&snapshotPath, "snapshot-path", snapshotPath, "path to the snapshot file")
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Fatalf("error: %v", err)
	}
}

// collector keeps every imported snapshot.
type collector struct {
	peers []*state.PeerSnapshot
}

func (c *collector) ExportPeerSnapshots(func(*state.PeerSnapshot) error) error {
	return nil
}

func (c *collector) ImportPeerSnapshots(f func() (*state.PeerSnapshot, bool, error)) (int, error) {
	for {
		snapshot, ok, err := f()
		if err != nil {
			return len(c.peers), err
		}

		if !ok {
			return len(c.peers), nil
		}

		c.peers = append(c.peers, snapshot)
	}
}

func run() error {
	f, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	defer f.Close() //nolint:errcheck

	var c collector

	if _, err = storage.New(nil, &c, zap.NewNop()).Import(f); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if c.peers == nil {
		c.peers = []*state.PeerSnapshot{}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	if err = encoder.Encode(c.peers); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}
