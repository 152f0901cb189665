// Package peers maps chat identifiers onto protocol peers. Resolution is an
// ordered pipeline of strategies tried until one produces an addressable
// peer; a peer without its access credential is never returned, because it
// fails silently downstream.
package peers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/sablecrm/telebridge/internal/wire"
)

// ErrPeerNotFound means every strategy was exhausted.
var ErrPeerNotFound = errors.New("peers: not found")

// SessionContext carries the per-session inputs resolution needs.
type SessionContext struct {
	SessionID  string
	SelfUserID int64
	Client     wire.Client
}

// Strategy is one resolution step. Returning (nil, nil) means "no match,
// try the next one"; an error aborts the pipeline (flood waits must not be
// swallowed by fallthrough).
type Strategy struct {
	Name    string
	Resolve func(ctx context.Context, sc *SessionContext, identifier string) (*wire.Peer, error)
}

// Resolver resolves identifiers with a strategy pipeline and caches.
type Resolver struct {
	cache       *Cache
	dialogLimit int
	historyScan int // dialogs inspected by the history fallback
	strategies  []Strategy
}

// NewResolver creates a resolver with the default strategy order:
// handle lookup, dialog scan, contact search, recent-history scan.
func NewResolver(cache *Cache) *Resolver {
	r := &Resolver{
		cache:       cache,
		dialogLimit: 100,
		historyScan: 5,
	}
	r.strategies = []Strategy{
		{Name: "handle", Resolve: r.byHandle},
		{Name: "dialog-scan", Resolve: r.byDialogScan},
		{Name: "contact-search", Resolve: r.byContactSearch},
		{Name: "history-scan", Resolve: r.byHistoryScan},
	}
	return r
}

// Resolve maps identifier to an addressable peer. The self reference and
// the cache are consulted before the pipeline runs; the first strategy to
// succeed wins and its result is cached.
func (r *Resolver) Resolve(ctx context.Context, sc *SessionContext, identifier string) (*wire.Peer, error) {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil && id == sc.SelfUserID {
		return &wire.Peer{ID: id, Kind: wire.PeerSelf}, nil
	}

	if p, ok := r.cache.GetPeer(sc.SessionID, identifier); ok {
		return &p, nil
	}

	for _, s := range r.strategies {
		p, err := s.Resolve(ctx, sc, identifier)
		if err != nil {
			return nil, fmt.Errorf("resolve via %s: %w", s.Name, err)
		}
		if p == nil {
			continue
		}
		if !p.Addressable() {
			// A strategy matched but could not produce a credential.
			// Treat as no match rather than hand out a peer that fails
			// silently downstream.
			slog.Debug("resolution strategy produced credential-less peer, skipping",
				"strategy", s.Name, "identifier", identifier)
			continue
		}
		r.cache.PutPeer(sc.SessionID, identifier, *p)
		return p, nil
	}

	return nil, ErrPeerNotFound
}

// Evict drops the cached peer for identifier (and the session's dialog
// scan). Call sites that see a PEER_INVALID from the network must evict
// before retrying resolution exactly once.
func (r *Resolver) Evict(sessionID, identifier string) {
	r.cache.EvictPeer(sessionID, identifier)
}

// WithPeer resolves identifier and runs fn against the peer. If fn fails
// with an invalid-peer error the cache entry is evicted and the whole
// sequence is retried exactly once; a second failure is surfaced.
func (r *Resolver) WithPeer(ctx context.Context, sc *SessionContext, identifier string, fn func(peer wire.Peer) error) error {
	peer, err := r.Resolve(ctx, sc, identifier)
	if err != nil {
		return err
	}

	err = fn(*peer)
	if err == nil || !wire.IsPeerInvalid(err) {
		return err
	}

	slog.Info("peer rejected by network, evicting and re-resolving",
		"session", sc.SessionID, "identifier", identifier)
	r.Evict(sc.SessionID, identifier)

	peer, rerr := r.Resolve(ctx, sc, identifier)
	if rerr != nil {
		return rerr
	}
	return fn(*peer)
}

// looksLikeHandle reports whether identifier is a human-readable handle
// rather than a numeric id.
func looksLikeHandle(identifier string) bool {
	s := strings.TrimPrefix(identifier, "@")
	if s == "" {
		return false
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return false
	}
	return true
}

func (r *Resolver) byHandle(ctx context.Context, sc *SessionContext, identifier string) (*wire.Peer, error) {
	if !looksLikeHandle(identifier) {
		return nil, nil
	}
	p, err := sc.Client.ResolveHandle(ctx, strings.TrimPrefix(identifier, "@"))
	if err != nil {
		if wire.IsPeerInvalid(err) {
			// Unknown handle: fall through, the directory just has no entry.
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// byDialogScan walks the session's recent chat list looking for a numeric
// match, taking the credential bundled with the dialog. The list itself is
// cached per session.
func (r *Resolver) byDialogScan(ctx context.Context, sc *SessionContext, identifier string) (*wire.Peer, error) {
	id, err := strconv.ParseInt(identifier, 10, 64)
	if err != nil {
		return nil, nil
	}

	dialogs, err := r.sessionDialogs(ctx, sc)
	if err != nil {
		return nil, err
	}
	for i := range dialogs {
		if dialogs[i].Peer.ID == id {
			p := dialogs[i].Peer
			return &p, nil
		}
	}
	return nil, nil
}

func (r *Resolver) sessionDialogs(ctx context.Context, sc *SessionContext) ([]wire.Dialog, error) {
	if cached, ok := r.cache.GetDialogs(sc.SessionID); ok {
		return cached, nil
	}
	dialogs, err := sc.Client.GetDialogs(ctx, r.dialogLimit)
	if err != nil {
		return nil, err
	}
	r.cache.PutDialogs(sc.SessionID, dialogs)
	return dialogs, nil
}

func (r *Resolver) byContactSearch(ctx context.Context, sc *SessionContext, identifier string) (*wire.Peer, error) {
	found, err := sc.Client.SearchContacts(ctx, strings.TrimPrefix(identifier, "@"))
	if err != nil {
		return nil, err
	}
	id, numeric := int64(0), false
	if v, perr := strconv.ParseInt(identifier, 10, 64); perr == nil {
		id, numeric = v, true
	}
	for i := range found {
		if numeric && found[i].ID == id {
			return &found[i], nil
		}
		if !numeric && strings.EqualFold(found[i].Handle, strings.TrimPrefix(identifier, "@")) {
			return &found[i], nil
		}
	}
	return nil, nil
}

// byHistoryScan is the last resort: look through recent messages of the
// most recently active chats for a sender with the wanted id, using the
// sender credential that rides along with each message.
func (r *Resolver) byHistoryScan(ctx context.Context, sc *SessionContext, identifier string) (*wire.Peer, error) {
	id, err := strconv.ParseInt(identifier, 10, 64)
	if err != nil {
		return nil, nil
	}

	dialogs, err := r.sessionDialogs(ctx, sc)
	if err != nil {
		return nil, err
	}
	limit := r.historyScan
	if limit > len(dialogs) {
		limit = len(dialogs)
	}
	for i := 0; i < limit; i++ {
		history, err := sc.Client.GetHistory(ctx, dialogs[i].Peer, 20, 0)
		if err != nil {
			if _, flood := wire.FloodWait(err); flood {
				return nil, err
			}
			// Best effort: a single unreadable chat must not abort the scan.
			slog.Debug("history scan skipped chat", "chat", dialogs[i].Peer.ID, "error", err)
			continue
		}
		for j := range history {
			if history[j].SenderID == id && history[j].SenderKey != "" {
				return &wire.Peer{
					ID:        id,
					Kind:      wire.PeerUser,
					AccessKey: history[j].SenderKey,
				}, nil
			}
		}
	}
	return nil, nil
}
