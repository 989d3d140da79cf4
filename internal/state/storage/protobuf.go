// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package storage

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dtnkit/dtnd/internal/state"
)

// A snapshot file is a sequence of protobuf length-delimited fields with number 1,
// each one carrying a single CBOR encoded peer record.
const (
	peersFieldNum  = 1
	peersFieldType = protowire.BytesType

	// MaxPeerSize is the maximum allowed size of a single encoded peer record.
	MaxPeerSize = 64 * 1024
)

// ErrPeerSnapshotTooLarge is returned when a peer record is above the maximum size of MaxPeerSize.
var ErrPeerSnapshotTooLarge = fmt.Errorf("peer snapshot is above the maximum size of %dB", MaxPeerSize)

var peerDecMode cbor.DecMode

func init() {
	var err error

	peerDecMode, err = cbor.DecOptions{
		MaxNestedLevels: 4,
		MaxMapPairs:     256,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// encodePeerSnapshot appends the framed peer record to the buffer.
func encodePeerSnapshot(buffer []byte, snapshot *state.PeerSnapshot) ([]byte, error) {
	data, err := cbor.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal peer: %w", err)
	}

	buffer = protowire.AppendTag(buffer, peersFieldNum, peersFieldType)
	buffer = protowire.AppendBytes(buffer, data)

	return buffer, nil
}

// decodePeerSnapshot decodes a peer record.
func decodePeerSnapshot(buffer []byte) (*state.PeerSnapshot, error) {
	var snapshot state.PeerSnapshot

	if err := peerDecMode.Unmarshal(buffer, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peer snapshot: %w", err)
	}

	return &snapshot, nil
}

// decodePeerSnapshotHeader reads the field header preceding a peer record.
//
// It returns the size of the header and the size of the record.
func decodePeerSnapshotHeader(r io.ByteReader) (headerSize, peerSize int, err error) {
	tagNum, tagType, tagEncodedLen, err := consumeTag(r)
	if err != nil {
		return 0, 0, err
	}

	if tagNum != peersFieldNum {
		return 0, 0, fmt.Errorf("unexpected number: %v", tagNum)
	}

	if tagType != peersFieldType {
		return 0, 0, fmt.Errorf("unexpected type: %v", tagType)
	}

	peerSizeVal, peerSizeEncodedLen, err := consumeVarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, io.ErrUnexpectedEOF
		}

		return 0, 0, err
	}

	if peerSizeVal > MaxPeerSize {
		return 0, 0, fmt.Errorf("%w: %v", ErrPeerSnapshotTooLarge, peerSizeVal)
	}

	return tagEncodedLen + peerSizeEncodedLen, int(peerSizeVal), nil
}

// consumeTag reads a varint-encoded tag, reporting its length.
//
// It is protowire.ConsumeTag working on an io.ByteReader.
func consumeTag(r io.ByteReader) (protowire.Number, protowire.Type, int, error) {
	v, n, err := consumeVarint(r)
	if err != nil {
		return 0, 0, 0, err
	}

	num, typ := protowire.DecodeTag(v)
	if num < protowire.MinValidNumber {
		return 0, 0, 0, errors.New("invalid field number")
	}

	return num, typ, n, nil
}

// consumeVarint reads a varint-encoded uint64, reporting its length.
//
// It is protowire.ConsumeVarint working on an io.ByteReader.
func consumeVarint(r io.ByteReader) (uint64, int, error) {
	var v uint64

	for i := range 10 {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				return 0, 0, io.ErrUnexpectedEOF
			}

			return 0, 0, err
		}

		y := uint64(b)
		v += y << uint(i*7)

		if y < 0x80 {
			return v, i + 1, nil
		}

		v -= 0x80 << uint(i*7)
	}

	return 0, 0, errors.New("variable length integer overflow")
}
