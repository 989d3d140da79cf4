// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cla

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/dtnkit/dtnd/pkg/types"
)

const mtcpSendTimeout = 30 * time.Second

// MTCPLayer sends bundles as CBOR byte strings over short-lived TCP connections.
type MTCPLayer struct {
	dialer net.Dialer
	port   uint16
}

// NewMTCPLayer creates MTCP convergence layer, port is the local listen port announced to peers.
func NewMTCPLayer(port uint16) *MTCPLayer {
	return &MTCPLayer{
		port: port,
	}
}

// Name implements ConvergenceLayer.
func (*MTCPLayer) Name() string {
	return MTCP
}

// Port implements ConvergenceLayer.
func (layer *MTCPLayer) Port() uint16 {
	return layer.port
}

// Send implements ConvergenceLayer.
func (layer *MTCPLayer) Send(ctx context.Context, address types.Address, port uint16, data []byte) error {
	if port == 0 {
		port = DefaultMTCPPort
	}

	frame, err := cbor.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, mtcpSendTimeout)
	defer cancel()

	conn, err := layer.dialer.DialContext(ctx, "tcp", address.HostPort(port))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	defer conn.Close() //nolint:errcheck

	if deadline, ok := ctx.Deadline(); ok {
		if err = conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	if _, err = conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}

	if err = conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	return nil
}
