// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cla implements the registry of convergence layers known to the node.
package cla

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dtnkit/dtnd/pkg/types"
)

// Convergence layer names.
const (
	Dummy = "dummy"
	MTCP  = "mtcp"
	TCP   = "tcp"
	HTTP  = "http"
)

// Default ports.
const (
	DefaultMTCPPort = 16162
)

// ErrNoSender is returned by New for convergence layers the node knows by name but can't send on.
var ErrNoSender = errors.New("convergence layer has no local sender")

// ConvergenceLayer is an active transport of the node.
type ConvergenceLayer interface {
	// Name returns the convergence layer scheme name.
	Name() string
	// Port returns the local port of the convergence layer, 0 if it doesn't listen.
	Port() uint16
	// Send transfers the encoded bundle to the peer address.
	//
	// Port is the peer port, 0 means the convergence layer default.
	Send(ctx context.Context, address types.Address, port uint16, data []byte) error
}

// KnownNames returns the names of all convergence layers a static peer may be configured with.
func KnownNames() []string {
	return []string{Dummy, MTCP, TCP, HTTP}
}

// IsKnown returns true if the convergence layer name is known.
func IsKnown(name string) bool {
	return slices.Contains(KnownNames(), name)
}

// New creates an active convergence layer.
func New(layer types.ConvergenceLayer) (ConvergenceLayer, error) {
	switch layer.Name {
	case Dummy:
		return &DummyLayer{port: layer.Port}, nil
	case MTCP:
		port := layer.Port
		if port == 0 {
			port = DefaultMTCPPort
		}

		return NewMTCPLayer(port), nil
	case TCP, HTTP:
		return nil, fmt.Errorf("%w: %q", ErrNoSender, layer.Name)
	default:
		return nil, fmt.Errorf("unknown convergence layer %q", layer.Name)
	}
}

// Describe returns the announced form of the convergence layer.
func Describe(layer ConvergenceLayer) types.ConvergenceLayer {
	return types.ConvergenceLayer{Name: layer.Name(), Port: layer.Port()}
}

// DummyLayer accepts every bundle and discards it.
type DummyLayer struct {
	port uint16
}

// Name implements ConvergenceLayer.
func (*DummyLayer) Name() string {
	return Dummy
}

// Port implements ConvergenceLayer.
func (layer *DummyLayer) Port() uint16 {
	return layer.port
}

// Send implements ConvergenceLayer.
func (*DummyLayer) Send(ctx context.Context, _ types.Address, _ uint16, _ []byte) error {
	return ctx.Err()
}
