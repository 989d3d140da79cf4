// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bundle

import (
	"errors"
	"slices"
	"sync"
)

// ErrNotFound is returned for operations on bundles which are not in the store.
var ErrNotFound = errors.New("bundle not found")

type entry struct {
	data []byte
	pack Pack
}

// MemoryStore keeps bundles in memory.
type MemoryStore struct {
	bundles map[string]*entry
	mu      sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles: map[string]*entry{},
	}
}

// Push stores the bundle, replacing any bundle with the same ID.
//
// It returns false if a bundle with the same ID was already stored.
func (store *MemoryStore) Push(pack Pack, data []byte) bool {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, exists := store.bundles[pack.ID]

	store.bundles[pack.ID] = &entry{
		pack: pack,
		data: slices.Clone(data),
	}

	return !exists
}

// Forwarding implements Store.
func (store *MemoryStore) Forwarding() []string {
	store.mu.Lock()
	defer store.mu.Unlock()

	var ids []string

	for id, e := range store.bundles {
		if e.pack.Status == StatusForwarding {
			ids = append(ids, id)
		}
	}

	return ids
}

// Metadata implements Store.
func (store *MemoryStore) Metadata(id string) (Pack, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	e, ok := store.bundles[id]
	if !ok {
		return Pack{}, false
	}

	return e.pack, true
}

// Data returns the encoded bundle.
func (store *MemoryStore) Data(id string) ([]byte, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	e, ok := store.bundles[id]
	if !ok {
		return nil, false
	}

	return e.data, true
}

// SetStatus updates the status of the bundle.
func (store *MemoryStore) SetStatus(id string, status Status) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	e, ok := store.bundles[id]
	if !ok {
		return ErrNotFound
	}

	e.pack.Status = status

	return nil
}

// Remove deletes the bundle from the store.
func (store *MemoryStore) Remove(id string) {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.bundles, id)
}

// List returns the metadata of all stored bundles ordered by creation time.
func (store *MemoryStore) List() []Pack {
	store.mu.Lock()

	packs := make([]Pack, 0, len(store.bundles))

	for _, e := range store.bundles {
		packs = append(packs, e.pack)
	}

	store.mu.Unlock()

	SortByCreation(packs)

	return packs
}

// SortByCreation sorts the packs oldest first, ties are broken by ID.
func SortByCreation(packs []Pack) {
	slices.SortStableFunc(packs, func(a, b Pack) int {
		if c := a.CreationTime.Compare(b.CreationTime); c != 0 {
			return c
		}

		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}

// Check interfaces.
var (
	_ Store = (*MemoryStore)(nil)
)
