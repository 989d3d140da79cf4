// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package peerspec parses static peer specifications of the form scheme://host[:port]/node-id.
package peerspec

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/pkg/types"
)

var (
	// ErrMalformedPeerSpec is returned when the peer specification is not a valid URL.
	ErrMalformedPeerSpec = errors.New("malformed peer specification")
	// ErrUnknownConvergenceLayer is returned when the URL scheme is not a known convergence layer.
	ErrUnknownConvergenceLayer = errors.New("unknown convergence layer")
	// ErrMissingNodeID is returned when the URL path doesn't contain a node id.
	ErrMissingNodeID = errors.New("missing node id")
)

// Error describes a static peer specification which failed to parse.
type Error struct {
	Err  error
	Spec string
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("static peer %q: %s", e.Spec, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Parse converts a static peer specification into a static peer record.
//
// Scheme must be one of the known convergence layer names. Parse doesn't touch the peer directory.
func Parse(spec string, knownLayers []string) (*state.Peer, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return nil, &Error{Spec: spec, Err: fmt.Errorf("%w: %w", ErrMalformedPeerSpec, err)}
	}

	if u.Scheme == "" {
		return nil, &Error{Spec: spec, Err: fmt.Errorf("%w: expected scheme://host[:port]/node-id", ErrMalformedPeerSpec)}
	}

	if !slices.Contains(knownLayers, u.Scheme) {
		return nil, &Error{Spec: spec, Err: fmt.Errorf("%w: %q", ErrUnknownConvergenceLayer, u.Scheme)}
	}

	if u.Opaque != "" || u.Hostname() == "" {
		return nil, &Error{Spec: spec, Err: fmt.Errorf("%w: expected scheme://host[:port]/node-id", ErrMalformedPeerSpec)}
	}

	var port uint16

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, &Error{Spec: spec, Err: fmt.Errorf("%w: invalid port %q", ErrMalformedPeerSpec, portStr)}
		}

		port = uint16(p)
	}

	nodeID := strings.Trim(u.Path, "/")
	if nodeID == "" {
		return nil, &Error{Spec: spec, Err: ErrMissingNodeID}
	}

	return state.NewPeer(
		types.NodeEndpointID(nodeID),
		types.ParseAddress(u.Hostname()),
		types.PeerTypeStatic,
		[]types.ConvergenceLayer{{Name: u.Scheme, Port: port}},
		map[uint8]string{},
	), nil
}
