package peers

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sablecrm/telebridge/internal/wire"
)

const (
	// PeerCacheTTL bounds how long a resolved peer may be reused before a
	// fresh lookup. Access credentials go stale unpredictably, so entries
	// are also evicted eagerly whenever the network rejects one.
	PeerCacheTTL = 10 * time.Minute

	// DialogCacheTTL bounds reuse of a session's dialog-list scan, which is
	// the most expensive resolution step.
	DialogCacheTTL = 5 * time.Minute

	peerCacheSize   = 4096
	dialogCacheSize = 256
)

// Cache holds the per-process resolution caches. Both are safe for
// concurrent use from multiple session workers.
type Cache struct {
	peers   *expirable.LRU[string, wire.Peer]
	dialogs *expirable.LRU[string, []wire.Dialog]
}

// NewCache creates the peer and dialog caches.
func NewCache() *Cache {
	return &Cache{
		peers:   expirable.NewLRU[string, wire.Peer](peerCacheSize, nil, PeerCacheTTL),
		dialogs: expirable.NewLRU[string, []wire.Dialog](dialogCacheSize, nil, DialogCacheTTL),
	}
}

func peerKey(sessionID, identifier string) string {
	return sessionID + "\x00" + identifier
}

// GetPeer returns a cached peer younger than the TTL.
func (c *Cache) GetPeer(sessionID, identifier string) (wire.Peer, bool) {
	return c.peers.Get(peerKey(sessionID, identifier))
}

// PutPeer caches a freshly resolved peer.
func (c *Cache) PutPeer(sessionID, identifier string, p wire.Peer) {
	c.peers.Add(peerKey(sessionID, identifier), p)
}

// EvictPeer removes one identifier's entry and drops the session's dialog
// scan with it: a rejected credential means the scan that produced it is
// suspect too.
func (c *Cache) EvictPeer(sessionID, identifier string) {
	c.peers.Remove(peerKey(sessionID, identifier))
	c.dialogs.Remove(sessionID)
}

// GetDialogs returns the cached dialog-list scan for the session.
func (c *Cache) GetDialogs(sessionID string) ([]wire.Dialog, bool) {
	return c.dialogs.Get(sessionID)
}

// PutDialogs caches a session's dialog list.
func (c *Cache) PutDialogs(sessionID string, dialogs []wire.Dialog) {
	c.dialogs.Add(sessionID, dialogs)
}

// ClearSession drops every cache entry belonging to the session. Used by
// the admin cache-clear command and on session teardown.
func (c *Cache) ClearSession(sessionID string) {
	prefix := sessionID + "\x00"
	for _, k := range c.peers.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.peers.Remove(k)
		}
	}
	c.dialogs.Remove(sessionID)
}
