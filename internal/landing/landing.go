// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package landing provides the node status page and its JSON endpoints.
package landing

import (
	"embed"
	"encoding/json"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/dtnkit/dtnd/internal/bundle"
	"github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/pkg/types"
)

//go:embed "html/index.html"
var static embed.FS

var indexTemplate = template.Must(template.ParseFS(static, "html/index.html"))

// PeerLister lists the known peers.
type PeerLister interface {
	List() []*state.PeerExport
}

// BundleLister lists the stored bundles.
type BundleLister interface {
	List() []bundle.Pack
}

// pageData is the data rendered by the index template.
type pageData struct {
	NodeID  types.EndpointID
	Peers   []*state.PeerExport
	Bundles []bundle.Pack
}

// Handler returns the status page handler.
//
// GET /peers and GET /bundles return the peer directory and the forwarding queue as JSON.
func Handler(nodeID types.EndpointID, peers PeerLister, bundles BundleLister, logger *zap.Logger) http.Handler {
	logger = logger.With(zap.String("component", "landing"))

	forwarding := func() []bundle.Pack {
		packs := bundles.List()
		queued := packs[:0]

		for _, pack := range packs {
			if pack.Status == bundle.StatusForwarding {
				queued = append(queued, pack)
			}
		}

		return queued
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		if err := indexTemplate.Execute(w, pageData{
			NodeID:  nodeID,
			Peers:   peers.List(),
			Bundles: forwarding(),
		}); err != nil {
			logger.Error("failed to render status page", zap.Error(err))
		}
	})

	mux.HandleFunc("GET /peers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, peers.List())
	})

	mux.HandleFunc("GET /bundles", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, forwarding())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}
