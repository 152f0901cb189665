// Package modern implements the generation-2 protocol client: JSON frames
// over a WebSocket connection, with a server-push event stream.
package modern

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sablecrm/telebridge/internal/wire"
)

// Gen-2 gateway method names.
const (
	methodRequestCode  = "auth.requestCode"
	methodSignIn       = "auth.signIn"
	methodImportToken  = "auth.importToken"
	methodSendMessage  = "messages.send"
	methodGetHistory   = "messages.history"
	methodGetDialogs   = "dialogs.list"
	methodResolve      = "contacts.resolve"
	methodSearch       = "contacts.search"
	methodSavePart     = "files.savePart"
	methodFinalizeFile = "files.finalize"
	methodUploadSmall  = "files.upload"
	methodSendFile     = "messages.sendFile"
	methodDownload     = "files.downloadChunk"
	methodSubscribe    = "updates.subscribe"
)

// reqFrame / resFrame / eventFrame are the gen-2 gateway wire frames.
type reqFrame struct {
	Type   string `json:"type"` // "req"
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type resFrame struct {
	Type    string          `json:"type"` // "res"
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		RetryAfterSec int    `json:"retry_after_sec,omitempty"`
	} `json:"error,omitempty"`
}

type eventFrame struct {
	Type    string          `json:"type"` // "event"
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client is the generation-2 protocol client.
type Client struct {
	url    string
	appID  string
	appKey string

	mu      sync.Mutex
	conn    *websocket.Conn
	authed  bool
	pending map[string]chan *resFrame
	events  chan wire.Event
	done    chan struct{}
}

// New creates an unconnected gen-2 client for the gateway at url.
func New(url, appID, appKey string) *Client {
	return &Client{url: url, appID: appID, appKey: appKey}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial modern gateway: %w", err)
	}

	c.conn = conn
	c.pending = make(map[string]chan *resFrame)
	c.done = make(chan struct{})
	go c.readPump()

	slog.Debug("modern gateway connected", "url", c.url)
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// closeLocked tears the link down and fails all pending calls. Must hold c.mu.
func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.authed = false
	close(c.done)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	if c.events != nil {
		close(c.events)
		c.events = nil
	}
	return err
}

// readPump dispatches response frames to their pending callers and event
// frames to the subscription channel.
func (c *Client) readPump() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closeLocked()
			c.mu.Unlock()
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			slog.Warn("modern gateway sent malformed frame", "error", err)
			continue
		}

		switch probe.Type {
		case "res":
			var res resFrame
			if err := json.Unmarshal(data, &res); err != nil {
				slog.Warn("modern gateway sent malformed response", "error", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[res.ID]
			if ok {
				delete(c.pending, res.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &res
				close(ch)
			}

		case "event":
			var ev eventFrame
			if err := json.Unmarshal(data, &ev); err != nil {
				slog.Warn("modern gateway sent malformed event", "error", err)
				continue
			}
			c.dispatchEvent(&ev)
		}
	}
}

func (c *Client) dispatchEvent(ev *eventFrame) {
	var kind wire.EventKind
	switch ev.Event {
	case "message.new":
		kind = wire.EventNewMessage
	case "message.edited":
		kind = wire.EventMessageEdited
	default:
		return
	}

	var body messageBody
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		slog.Warn("modern gateway event payload malformed", "event", ev.Event, "error", err)
		return
	}

	// Non-blocking send under the lock so Close cannot race the channel.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		return
	}
	select {
	case c.events <- wire.Event{Kind: kind, Message: body.toMessage()}:
	default:
		// Slow consumer: the update source drains promptly; dropping here
		// only happens if it is gone.
		slog.Warn("dropping gateway event, subscriber not draining")
	}
}

// call performs one request/response exchange.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return wire.ErrNotConnected
	}
	id := uuid.NewString()
	ch := make(chan *resFrame, 1)
	c.pending[id] = ch

	err := c.conn.WriteJSON(reqFrame{Type: "req", ID: id, Method: method, Params: params})
	if err != nil {
		delete(c.pending, id)
		c.closeLocked()
		c.mu.Unlock()
		return fmt.Errorf("write request: %w", err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return wire.ErrNotConnected
		}
		if !res.OK {
			if res.Error == nil {
				return &wire.Error{Code: wire.CodeInternal, Message: "gateway error without detail"}
			}
			return &wire.Error{
				Code:          res.Error.Code,
				Message:       res.Error.Message,
				RetryAfterSec: res.Error.RetryAfterSec,
			}
		}
		if out != nil && len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, out); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		return nil
	}
}

func (c *Client) RequestCode(ctx context.Context, phoneNumber string) (string, error) {
	var resp struct {
		CodeHash string `json:"code_hash"`
	}
	err := c.call(ctx, methodRequestCode, map[string]string{
		"app_id": c.appID, "app_key": c.appKey, "phone": phoneNumber,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.CodeHash, nil
}

func (c *Client) SignIn(ctx context.Context, phoneNumber, codeHash, code, password string) (*wire.Authorization, error) {
	var resp struct {
		UserID int64  `json:"user_id"`
		Handle string `json:"handle"`
		Token  string `json:"token"`
	}
	err := c.call(ctx, methodSignIn, map[string]string{
		"phone": phoneNumber, "code_hash": codeHash, "code": code, "password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	return &wire.Authorization{UserID: resp.UserID, Handle: resp.Handle, Token: resp.Token}, nil
}

func (c *Client) ImportToken(ctx context.Context, token string) (*wire.Authorization, error) {
	var resp struct {
		UserID int64  `json:"user_id"`
		Handle string `json:"handle"`
	}
	err := c.call(ctx, methodImportToken, map[string]string{
		"app_id": c.appID, "token": token,
	}, &resp)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	return &wire.Authorization{UserID: resp.UserID, Handle: resp.Handle, Token: token}, nil
}

// messageBody is the gen-2 message shape (shared with events).
type messageBody struct {
	ID        int64  `json:"id"`
	ChatID    int64  `json:"chat_id"`
	SenderID  int64  `json:"sender_id"`
	Sender    string `json:"sender,omitempty"`
	SenderKey string `json:"sender_key,omitempty"`
	Text      string `json:"text,omitempty"`
	SentAt    int64  `json:"sent_at"`
	Outgoing  bool   `json:"outgoing"`
	Media     *struct {
		FileID    string `json:"file_id"`
		Size      int64  `json:"size"`
		FileName  string `json:"file_name,omitempty"`
		MimeType  string `json:"mime_type,omitempty"`
		AccessKey string `json:"access_key,omitempty"`
	} `json:"media,omitempty"`
}

func (m *messageBody) toMessage() wire.Message {
	msg := wire.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Sender:    m.Sender,
		SenderKey: m.SenderKey,
		Text:      m.Text,
		SentAt:    time.Unix(m.SentAt, 0).UTC(),
		Outgoing:  m.Outgoing,
	}
	if m.Media != nil {
		msg.Media = &wire.MediaRef{
			FileID:    m.Media.FileID,
			Size:      m.Media.Size,
			FileName:  m.Media.FileName,
			MimeType:  m.Media.MimeType,
			AccessKey: m.Media.AccessKey,
		}
	}
	return msg
}

type peerBody struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Handle    string `json:"handle,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
}

func toPeerBody(p wire.Peer) peerBody {
	return peerBody{ID: p.ID, Kind: string(p.Kind), Handle: p.Handle, AccessKey: p.AccessKey}
}

func (p peerBody) toPeer() wire.Peer {
	return wire.Peer{ID: p.ID, Kind: wire.PeerKind(p.Kind), Handle: p.Handle, AccessKey: p.AccessKey}
}

func (c *Client) SendMessage(ctx context.Context, peer wire.Peer, text string) (*wire.Message, error) {
	var resp messageBody
	err := c.call(ctx, methodSendMessage, map[string]any{
		"peer": toPeerBody(peer), "text": text,
	}, &resp)
	if err != nil {
		return nil, err
	}
	msg := resp.toMessage()
	return &msg, nil
}

func (c *Client) GetHistory(ctx context.Context, peer wire.Peer, limit int, minID int64) ([]wire.Message, error) {
	var resp struct {
		Messages []messageBody `json:"messages"`
	}
	err := c.call(ctx, methodGetHistory, map[string]any{
		"peer": toPeerBody(peer), "limit": limit, "min_id": minID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]wire.Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		out = append(out, resp.Messages[i].toMessage())
	}
	return out, nil
}

func (c *Client) GetDialogs(ctx context.Context, limit int) ([]wire.Dialog, error) {
	var resp struct {
		Dialogs []struct {
			Peer        peerBody `json:"peer"`
			Title       string   `json:"title"`
			TopMessage  int64    `json:"top_message"`
			UnreadCount int      `json:"unread_count"`
		} `json:"dialogs"`
	}
	if err := c.call(ctx, methodGetDialogs, map[string]any{"limit": limit}, &resp); err != nil {
		return nil, err
	}
	out := make([]wire.Dialog, 0, len(resp.Dialogs))
	for _, d := range resp.Dialogs {
		out = append(out, wire.Dialog{
			Peer:        d.Peer.toPeer(),
			Title:       d.Title,
			TopMessage:  d.TopMessage,
			UnreadCount: d.UnreadCount,
		})
	}
	return out, nil
}

func (c *Client) ResolveHandle(ctx context.Context, handle string) (*wire.Peer, error) {
	var resp struct {
		Peer peerBody `json:"peer"`
	}
	if err := c.call(ctx, methodResolve, map[string]any{"handle": handle}, &resp); err != nil {
		return nil, err
	}
	peer := resp.Peer.toPeer()
	return &peer, nil
}

func (c *Client) SearchContacts(ctx context.Context, query string) ([]wire.Peer, error) {
	var resp struct {
		Peers []peerBody `json:"peers"`
	}
	if err := c.call(ctx, methodSearch, map[string]any{"query": query}, &resp); err != nil {
		return nil, err
	}
	out := make([]wire.Peer, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		out = append(out, p.toPeer())
	}
	return out, nil
}

func (c *Client) SaveFilePart(ctx context.Context, fileID string, part, totalParts int, data []byte) error {
	return c.call(ctx, methodSavePart, map[string]any{
		"file_id": fileID, "part": part, "total_parts": totalParts,
		"data": base64.StdEncoding.EncodeToString(data),
	}, nil)
}

func (c *Client) FinalizeFile(ctx context.Context, fileID string, totalParts int, name string) (*wire.FileRef, error) {
	err := c.call(ctx, methodFinalizeFile, map[string]any{
		"file_id": fileID, "total_parts": totalParts, "name": name,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &wire.FileRef{FileID: fileID, TotalParts: totalParts, Name: name}, nil
}

func (c *Client) UploadSmall(ctx context.Context, name string, data []byte) (*wire.FileRef, error) {
	var resp struct {
		FileID string `json:"file_id"`
	}
	err := c.call(ctx, methodUploadSmall, map[string]any{
		"name": name, "data": base64.StdEncoding.EncodeToString(data),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &wire.FileRef{FileID: resp.FileID, TotalParts: 1, Name: name}, nil
}

func (c *Client) SendFile(ctx context.Context, peer wire.Peer, ref *wire.FileRef, caption string) (*wire.Message, error) {
	var resp messageBody
	err := c.call(ctx, methodSendFile, map[string]any{
		"peer": toPeerBody(peer), "file_id": ref.FileID, "caption": caption,
	}, &resp)
	if err != nil {
		return nil, err
	}
	msg := resp.toMessage()
	return &msg, nil
}

func (c *Client) DownloadChunk(ctx context.Context, media *wire.MediaRef, offset int64, limit int) ([]byte, error) {
	var resp struct {
		Data string `json:"data"`
	}
	err := c.call(ctx, methodDownload, map[string]any{
		"file_id": media.FileID, "access_key": media.AccessKey,
		"offset": offset, "limit": limit,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Data == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return data, nil
}

// SubscribeEvents opens the push stream. Only one subscription per client;
// the previous channel is closed if called again.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan wire.Event, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, wire.ErrNotConnected
	}
	if c.events != nil {
		close(c.events)
	}
	events := make(chan wire.Event, 64)
	c.events = events
	done := c.done
	c.mu.Unlock()

	if err := c.call(ctx, methodSubscribe, nil, nil); err != nil {
		c.mu.Lock()
		if c.events == events {
			c.events = nil
		}
		c.mu.Unlock()
		close(events)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.events == events {
				close(c.events)
				c.events = nil
			}
			c.mu.Unlock()
		case <-done:
		}
	}()

	return events, nil
}

var _ wire.Client = (*Client)(nil)
