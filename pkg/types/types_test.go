// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package types_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtnkit/dtnd/pkg/types"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		host string
		ip   bool
		key  string
	}{
		{host: "192.168.2.1", ip: true, key: "192.168.2.1"},
		{host: "[2001:db8::1]", ip: true, key: "2001:db8::1"},
		{host: "::ffff:10.0.0.1", ip: true, key: "10.0.0.1"},
		{host: "node.example.com", ip: false, key: "node.example.com"},
		{host: "lora-gw-7", ip: false, key: "lora-gw-7"},
	} {
		t.Run(tc.host, func(t *testing.T) {
			t.Parallel()

			addr := types.ParseAddress(tc.host)

			assert.Equal(t, tc.ip, addr.IsIP())
			assert.Equal(t, tc.key, addr.Key())
			assert.False(t, addr.IsZero())
		})
	}
}

func TestAddressHostPort(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[2001:db8::1]:4556", types.IPAddress(netip.MustParseAddr("2001:db8::1")).HostPort(4556))
	assert.Equal(t, "node:16162", types.ParseAddress("node").HostPort(16162))
	assert.True(t, types.Address{}.IsZero())
}

func TestConvergenceLayer(t *testing.T) {
	t.Parallel()

	cl, err := types.ParseConvergenceLayer("mtcp:16162")
	require.NoError(t, err)
	assert.Equal(t, types.ConvergenceLayer{Name: "mtcp", Port: 16162}, cl)
	assert.Equal(t, "mtcp:16162", cl.String())

	cl, err = types.ParseConvergenceLayer("dummy")
	require.NoError(t, err)
	assert.Equal(t, types.ConvergenceLayer{Name: "dummy"}, cl)
	assert.Equal(t, "dummy", cl.String())

	_, err = types.ParseConvergenceLayer("mtcp:70000")
	assert.Error(t, err)

	_, err = types.ParseConvergenceLayer(":1")
	assert.Error(t, err)
}

func TestEndpointID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, types.EndpointID("dtn://node1"), types.NodeEndpointID("node1"))
	assert.Equal(t, "dtn:none", types.EndpointID("").String())
	assert.Equal(t, "static", types.PeerTypeStatic.String())
	assert.Equal(t, "dynamic", types.PeerTypeDynamic.String())
}
