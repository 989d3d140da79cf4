// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package limits provides various node limits and default intervals.
package limits

import "time"

// Discovery limits.
const (
	// AnnouncementSizeMax is the size of the discovery receive buffer, larger datagrams are truncated and fail to decode.
	AnnouncementSizeMax = 1024
	// AnnouncementLayersMax is the maximum number of convergence layers accepted from a single announcement.
	AnnouncementLayersMax = 16
	// AnnouncementServicesMax is the maximum number of service entries accepted from a single announcement.
	AnnouncementServicesMax = 16
	// ServiceValueMax is the maximum length of a single service metadata value.
	ServiceValueMax = 128
	// EndpointIDMax is the maximum length of an endpoint ID.
	EndpointIDMax = 256

	// DiscoveryRatePerSecondMax is the sustained rate of announcements accepted from a single source IP.
	DiscoveryRatePerSecondMax = 2
	// DiscoveryBurstSizeMax is the burst of announcements accepted from a single source IP.
	DiscoveryBurstSizeMax = 8
	// IPRateGarbageCollectionPeriod is how often idle per-source limiters are dropped.
	IPRateGarbageCollectionPeriod = time.Minute
)

// Default intervals.
const (
	AnnounceInterval = 10 * time.Second
	PeerStaleness    = 20 * time.Second
	JanitorInterval  = 10 * time.Second
	SnapshotInterval = 10 * time.Minute
	DispatchInterval = 10 * time.Second
)

// Discovery defaults.
const (
	DiscoveryGroup = "224.0.0.26:3003"
	DiscoveryTTL   = 1
)
