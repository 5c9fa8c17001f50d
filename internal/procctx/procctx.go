// Package procctx holds the process-wide values every worker
// constructor needs but none of them own: the client's peer id, the
// RPC download token, the shared blocklist, and the resolved config.
// No other package imports it: cmd/swarmd and session neither build a
// Context nor pass one to their workers.
package procctx

import (
	"github.com/coreswarm/swarmd/internal/blocklist"
	"github.com/coreswarm/swarmd/internal/config"
)

// Context is a set of process-wide values; nothing in this package
// mutates it after New.
type Context struct {
	PeerID        [20]byte
	DownloadToken string
	Blocklist     *blocklist.Blocklist
	Config        *config.Config
}

// New builds a Context. peerID must already be a valid 20-byte
// BitTorrent peer id (see generatePeerID in session for the generator).
func New(peerID [20]byte, downloadToken string, bl *blocklist.Blocklist, cfg *config.Config) *Context {
	return &Context{
		PeerID:        peerID,
		DownloadToken: downloadToken,
		Blocklist:     bl,
		Config:        cfg,
	}
}
