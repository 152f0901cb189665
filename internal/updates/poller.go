package updates

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sablecrm/telebridge/internal/wire"
)

// ChatStatus is a snapshot of one tracked chat, served by the admin API.
type ChatStatus struct {
	ChatID        string    `json:"chatId"`
	LastMessageID int64     `json:"lastMessageId"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
}

type chatState struct {
	lastMessageID int64
	lastCheckedAt time.Time
}

// Poller drives differential polling for one session. Each tracked chat keeps
// a watermark (highest message id ever observed); a poll fetches recent
// history, emits everything above the watermark oldest-first, then advances
// it. The watermark never moves backwards, so replays and out-of-order
// history cannot produce duplicates.
type Poller struct {
	src       *Source
	sessionID string
	client    wire.Client
	lookup    PeerLookup
	logger    *slog.Logger

	mu    sync.Mutex
	chats map[string]*chatState
}

func newPoller(src *Source, sessionID string, client wire.Client, lookup PeerLookup) *Poller {
	p := &Poller{
		src:       src,
		sessionID: sessionID,
		client:    client,
		lookup:    lookup,
		logger:    src.logger.With("session_id", sessionID),
		chats:     make(map[string]*chatState),
	}
	return p
}

// Track starts watching a chat. On first sight the watermark initializes to
// the chat's current top message, so only activity after tracking began is
// ever emitted.
func (p *Poller) Track(ctx context.Context, identifier string) error {
	p.mu.Lock()
	if _, ok := p.chats[identifier]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	var top int64
	err := p.src.governor.Polling(ctx, p.sessionID, func(ctx context.Context) error {
		peer, err := p.lookup(ctx, identifier)
		if err != nil {
			return err
		}
		history, err := p.client.GetHistory(ctx, peer, 1, 0)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			top = history[0].ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.chats[identifier]; !ok {
		p.chats[identifier] = &chatState{lastMessageID: top, lastCheckedAt: time.Now()}
		p.logger.Info("chat tracked", "chat_id", identifier, "watermark", top)
	}
	return nil
}

// Untrack stops watching a chat and forgets its watermark.
func (p *Poller) Untrack(identifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.chats, identifier)
}

// Status snapshots all tracked chats.
func (p *Poller) Status() []ChatStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChatStatus, 0, len(p.chats))
	for id, st := range p.chats {
		out = append(out, ChatStatus{ChatID: id, LastMessageID: st.lastMessageID, LastCheckedAt: st.lastCheckedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// run is the session's single poll loop. A flood wait inside any chat's poll
// suspends the whole loop via the governor, which keeps the session under
// the network's imposed pause.
func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.src.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
			// The interval is reloadable; re-arm with the current value.
			ticker.Reset(p.src.pollInterval())
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.chats))
	for id := range p.chats {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollChat(ctx, id); err != nil {
			// Transient failure on one chat must not stall the others.
			p.logger.Warn("poll failed", "chat_id", id, "error", err)
		}
	}
}

// pollChat fetches one window of history and emits unseen messages in
// ascending id order.
func (p *Poller) pollChat(ctx context.Context, identifier string) error {
	p.mu.Lock()
	st, ok := p.chats[identifier]
	var watermark int64
	if ok {
		watermark = st.lastMessageID
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	var history []wire.Message
	err := p.src.governor.Polling(ctx, p.sessionID, func(ctx context.Context) error {
		peer, err := p.lookup(ctx, identifier)
		if err != nil {
			return err
		}
		history, err = p.client.GetHistory(ctx, peer, p.src.pollWindow(), watermark)
		return err
	})
	if err != nil {
		return err
	}

	fresh := make([]wire.Message, 0, len(history))
	for _, m := range history {
		if m.ID > watermark {
			fresh = append(fresh, m)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })

	for _, m := range fresh {
		p.src.Emit(FromMessage(p.sessionID, TypeNewMessage, m))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok = p.chats[identifier]
	if !ok {
		return nil
	}
	st.lastCheckedAt = time.Now()
	if n := len(fresh); n > 0 {
		if max := fresh[n-1].ID; max > st.lastMessageID {
			st.lastMessageID = max
		}
	}
	return nil
}
