package legacy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sablecrm/telebridge/internal/wire"
)

// Client is the generation-1 protocol client. One TCP connection, one call
// in flight at a time (the link is single-flight; the engine relies on this
// for per-session serialization).
type Client struct {
	addr   string
	appID  string
	appKey string

	mu     sync.Mutex
	conn   net.Conn
	seq    uint32
	authed bool
}

// New creates an unconnected gen-1 client for the gateway at addr.
func New(addr, appID, appKey string) *Client {
	return &Client{addr: addr, appID: appID, appKey: appKey}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: 15 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial legacy gateway: %w", err)
	}
	c.conn = conn
	slog.Debug("legacy gateway connected", "addr", c.addr)
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
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.authed = false
	return err
}

// call performs one request/response round trip. The mutex makes the link
// single-flight; the deadline comes from ctx.
func (c *Client) call(ctx context.Context, opcode uint16, req, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return wire.ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	body, err := marshalBody(req)
	if err != nil {
		return err
	}

	c.seq++
	out := frame{opcode: opcode, seq: c.seq, body: body}
	if err := writeFrame(c.conn, out); err != nil {
		c.dropLocked()
		return err
	}

	in, err := readFrame(c.conn)
	if err != nil {
		c.dropLocked()
		return err
	}
	if in.seq != out.seq {
		c.dropLocked()
		return fmt.Errorf("legacy gateway: sequence mismatch (sent %d, got %d)", out.seq, in.seq)
	}

	switch in.opcode {
	case opError:
		var eb wireErrorBody
		if err := json.Unmarshal(in.body, &eb); err != nil {
			return fmt.Errorf("decode error frame: %w", err)
		}
		return &wire.Error{Code: eb.Code, Message: eb.Message, RetryAfterSec: eb.RetryAfterSec}
	case opReply:
		if resp != nil && len(in.body) > 0 {
			if err := json.Unmarshal(in.body, resp); err != nil {
				return fmt.Errorf("decode reply frame: %w", err)
			}
		}
		return nil
	default:
		c.dropLocked()
		return fmt.Errorf("legacy gateway: unexpected opcode %#x", in.opcode)
	}
}

// dropLocked discards a connection after a framing error. Must hold c.mu.
func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.authed = false
}

func (c *Client) RequestCode(ctx context.Context, phoneNumber string) (string, error) {
	var resp struct {
		CodeHash string `json:"code_hash"`
	}
	req := map[string]string{
		"app_id": c.appID, "app_key": c.appKey, "phone": phoneNumber,
	}
	if err := c.call(ctx, opRequestCode, req, &resp); err != nil {
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
	req := map[string]string{
		"phone": phoneNumber, "code_hash": codeHash, "code": code, "password": password,
	}
	if err := c.call(ctx, opSignIn, req, &resp); err != nil {
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
	req := map[string]string{"app_id": c.appID, "token": token}
	if err := c.call(ctx, opImportToken, req, &resp); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	return &wire.Authorization{UserID: resp.UserID, Handle: resp.Handle, Token: token}, nil
}

// peerBody is the over-the-wire peer reference.
type peerBody struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	AccessKey string `json:"access_key,omitempty"`
}

func toPeerBody(p wire.Peer) peerBody {
	return peerBody{ID: p.ID, Kind: string(p.Kind), AccessKey: p.AccessKey}
}

// messageBody is the over-the-wire message shape.
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

func (c *Client) SendMessage(ctx context.Context, peer wire.Peer, text string) (*wire.Message, error) {
	var resp messageBody
	req := struct {
		Peer peerBody `json:"peer"`
		Text string   `json:"text"`
	}{toPeerBody(peer), text}
	if err := c.call(ctx, opSendMessage, req, &resp); err != nil {
		return nil, err
	}
	msg := resp.toMessage()
	return &msg, nil
}

func (c *Client) GetHistory(ctx context.Context, peer wire.Peer, limit int, minID int64) ([]wire.Message, error) {
	var resp struct {
		Messages []messageBody `json:"messages"`
	}
	req := struct {
		Peer  peerBody `json:"peer"`
		Limit int      `json:"limit"`
		MinID int64    `json:"min_id"`
	}{toPeerBody(peer), limit, minID}
	if err := c.call(ctx, opGetHistory, req, &resp); err != nil {
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
			Handle      string   `json:"handle,omitempty"`
			Title       string   `json:"title"`
			TopMessage  int64    `json:"top_message"`
			UnreadCount int      `json:"unread_count"`
		} `json:"dialogs"`
	}
	req := struct {
		Limit int `json:"limit"`
	}{limit}
	if err := c.call(ctx, opGetDialogs, req, &resp); err != nil {
		return nil, err
	}
	out := make([]wire.Dialog, 0, len(resp.Dialogs))
	for _, d := range resp.Dialogs {
		out = append(out, wire.Dialog{
			Peer: wire.Peer{
				ID: d.Peer.ID, Kind: wire.PeerKind(d.Peer.Kind),
				Handle: d.Handle, AccessKey: d.Peer.AccessKey,
			},
			Title:       d.Title,
			TopMessage:  d.TopMessage,
			UnreadCount: d.UnreadCount,
		})
	}
	return out, nil
}

func (c *Client) ResolveHandle(ctx context.Context, handle string) (*wire.Peer, error) {
	var resp struct {
		Peer   peerBody `json:"peer"`
		Handle string   `json:"handle"`
	}
	req := struct {
		Handle string `json:"handle"`
	}{handle}
	if err := c.call(ctx, opResolve, req, &resp); err != nil {
		return nil, err
	}
	return &wire.Peer{
		ID: resp.Peer.ID, Kind: wire.PeerKind(resp.Peer.Kind),
		Handle: resp.Handle, AccessKey: resp.Peer.AccessKey,
	}, nil
}

func (c *Client) SearchContacts(ctx context.Context, query string) ([]wire.Peer, error) {
	var resp struct {
		Peers []struct {
			peerBody
			Handle string `json:"handle,omitempty"`
		} `json:"peers"`
	}
	req := struct {
		Query string `json:"query"`
	}{query}
	if err := c.call(ctx, opSearch, req, &resp); err != nil {
		return nil, err
	}
	out := make([]wire.Peer, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		out = append(out, wire.Peer{
			ID: p.ID, Kind: wire.PeerKind(p.Kind), Handle: p.Handle, AccessKey: p.AccessKey,
		})
	}
	return out, nil
}

func (c *Client) SaveFilePart(ctx context.Context, fileID string, part, totalParts int, data []byte) error {
	req := struct {
		FileID     string `json:"file_id"`
		Part       int    `json:"part"`
		TotalParts int    `json:"total_parts"`
		Data       string `json:"data"` // base64
	}{fileID, part, totalParts, base64.StdEncoding.EncodeToString(data)}
	return c.call(ctx, opSavePart, req, nil)
}

func (c *Client) FinalizeFile(ctx context.Context, fileID string, totalParts int, name string) (*wire.FileRef, error) {
	req := struct {
		FileID     string `json:"file_id"`
		TotalParts int    `json:"total_parts"`
		Name       string `json:"name"`
	}{fileID, totalParts, name}
	if err := c.call(ctx, opFinalizeFile, req, nil); err != nil {
		return nil, err
	}
	return &wire.FileRef{FileID: fileID, TotalParts: totalParts, Name: name}, nil
}

func (c *Client) UploadSmall(ctx context.Context, name string, data []byte) (*wire.FileRef, error) {
	var resp struct {
		FileID string `json:"file_id"`
	}
	req := struct {
		Name string `json:"name"`
		Data string `json:"data"`
	}{name, base64.StdEncoding.EncodeToString(data)}
	if err := c.call(ctx, opUploadSmall, req, &resp); err != nil {
		return nil, err
	}
	return &wire.FileRef{FileID: resp.FileID, TotalParts: 1, Name: name}, nil
}

func (c *Client) SendFile(ctx context.Context, peer wire.Peer, ref *wire.FileRef, caption string) (*wire.Message, error) {
	var resp messageBody
	req := struct {
		Peer    peerBody `json:"peer"`
		FileID  string   `json:"file_id"`
		Caption string   `json:"caption,omitempty"`
	}{toPeerBody(peer), ref.FileID, caption}
	if err := c.call(ctx, opSendFile, req, &resp); err != nil {
		return nil, err
	}
	msg := resp.toMessage()
	return &msg, nil
}

func (c *Client) DownloadChunk(ctx context.Context, media *wire.MediaRef, offset int64, limit int) ([]byte, error) {
	var resp struct {
		Data string `json:"data"`
	}
	req := struct {
		FileID    string `json:"file_id"`
		AccessKey string `json:"access_key,omitempty"`
		Offset    int64  `json:"offset"`
		Limit     int    `json:"limit"`
	}{media.FileID, media.AccessKey, offset, limit}
	if err := c.call(ctx, opDownload, req, &resp); err != nil {
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

// SubscribeEvents is unsupported on the gen-1 gateway.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan wire.Event, error) {
	return nil, wire.ErrEventsUnsupported
}

var _ wire.Client = (*Client)(nil)
