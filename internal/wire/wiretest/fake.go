// Package wiretest provides a scripted in-memory wire.Client for tests.
package wiretest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sablecrm/telebridge/internal/wire"
)

// Call records one invocation against the fake.
type Call struct {
	Method string
	Args   []any
}

// FakeClient implements wire.Client with scriptable behavior. Zero value is
// usable: connected-after-Connect, every call succeeds with zero results.
type FakeClient struct {
	mu    sync.Mutex
	calls []Call

	connected bool
	authed    bool

	// Script knobs. Errors are returned once per queued entry when set via
	// FailNext; the per-method funcs take precedence when non-nil.
	failures map[string][]error

	CodeHash      string
	Auth          *wire.Authorization
	Dialogs       []wire.Dialog
	Handles       map[string]*wire.Peer
	Contacts      []wire.Peer
	History       map[int64][]wire.Message // chatID → messages (newest first)
	SendResult    *wire.Message
	DownloadData  []byte // full remote file content served chunk by chunk
	Events        chan wire.Event
	EventsErr     error
	SavedParts    map[string]map[int][]byte // fileID → part → data
	FinalizeCount int
}

// NewFakeClient returns a fake with empty script tables.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		failures:   make(map[string][]error),
		Handles:    make(map[string]*wire.Peer),
		History:    make(map[int64][]wire.Message),
		SavedParts: make(map[string]map[int][]byte),
	}
}

// FailNext queues err to be returned by the next call to method.
func (f *FakeClient) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

// Calls returns a copy of the recorded invocations.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (f *FakeClient) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// record logs the call and pops a queued failure if one exists.
func (f *FakeClient) record(method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Args: args})
	if q := f.failures[method]; len(q) > 0 {
		err := q[0]
		f.failures[method] = q[1:]
		return err
	}
	return nil
}

func (f *FakeClient) Connect(ctx context.Context) error {
	if err := f.record("Connect"); err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Drop simulates a transport failure without going through Close.
func (f *FakeClient) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *FakeClient) Close() error {
	f.record("Close")
	f.mu.Lock()
	f.connected = false
	f.authed = false
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) RequestCode(ctx context.Context, phone string) (string, error) {
	if err := f.record("RequestCode", phone); err != nil {
		return "", err
	}
	if f.CodeHash == "" {
		return "hash-" + phone, nil
	}
	return f.CodeHash, nil
}

func (f *FakeClient) SignIn(ctx context.Context, phone, codeHash, code, password string) (*wire.Authorization, error) {
	if err := f.record("SignIn", phone, codeHash, code, password); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.authed = true
	f.mu.Unlock()
	if f.Auth != nil {
		return f.Auth, nil
	}
	return &wire.Authorization{UserID: 1000, Handle: "self", Token: "token-" + phone}, nil
}

func (f *FakeClient) ImportToken(ctx context.Context, token string) (*wire.Authorization, error) {
	if err := f.record("ImportToken", token); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.authed = true
	f.mu.Unlock()
	if f.Auth != nil {
		return f.Auth, nil
	}
	return &wire.Authorization{UserID: 1000, Handle: "self", Token: token}, nil
}

func (f *FakeClient) SendMessage(ctx context.Context, peer wire.Peer, text string) (*wire.Message, error) {
	if err := f.record("SendMessage", peer, text); err != nil {
		return nil, err
	}
	if f.SendResult != nil {
		return f.SendResult, nil
	}
	return &wire.Message{ID: int64(len(f.calls)), ChatID: peer.ID, Text: text, Outgoing: true}, nil
}

func (f *FakeClient) GetHistory(ctx context.Context, peer wire.Peer, limit int, minID int64) ([]wire.Message, error) {
	if err := f.record("GetHistory", peer, limit, minID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.History[peer.ID]
	var out []wire.Message
	for _, m := range msgs {
		if m.ID > minID {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *FakeClient) GetDialogs(ctx context.Context, limit int) ([]wire.Dialog, error) {
	if err := f.record("GetDialogs", limit); err != nil {
		return nil, err
	}
	if limit < len(f.Dialogs) {
		return f.Dialogs[:limit], nil
	}
	return f.Dialogs, nil
}

func (f *FakeClient) ResolveHandle(ctx context.Context, handle string) (*wire.Peer, error) {
	if err := f.record("ResolveHandle", handle); err != nil {
		return nil, err
	}
	if p, ok := f.Handles[handle]; ok {
		return p, nil
	}
	return nil, &wire.Error{Code: wire.CodePeerInvalid, Message: "no such handle"}
}

func (f *FakeClient) SearchContacts(ctx context.Context, query string) ([]wire.Peer, error) {
	if err := f.record("SearchContacts", query); err != nil {
		return nil, err
	}
	return f.Contacts, nil
}

func (f *FakeClient) SaveFilePart(ctx context.Context, fileID string, part, totalParts int, data []byte) error {
	if err := f.record("SaveFilePart", fileID, part, totalParts); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SavedParts[fileID] == nil {
		f.SavedParts[fileID] = make(map[int][]byte)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.SavedParts[fileID][part] = buf
	return nil
}

func (f *FakeClient) FinalizeFile(ctx context.Context, fileID string, totalParts int, name string) (*wire.FileRef, error) {
	if err := f.record("FinalizeFile", fileID, totalParts, name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	saved := len(f.SavedParts[fileID])
	f.FinalizeCount++
	f.mu.Unlock()
	if saved != totalParts {
		return nil, &wire.Error{
			Code:    wire.CodeFilePartMissing,
			Message: fmt.Sprintf("have %d of %d parts", saved, totalParts),
		}
	}
	return &wire.FileRef{FileID: fileID, TotalParts: totalParts, Name: name}, nil
}

func (f *FakeClient) UploadSmall(ctx context.Context, name string, data []byte) (*wire.FileRef, error) {
	if err := f.record("UploadSmall", name, len(data)); err != nil {
		return nil, err
	}
	return &wire.FileRef{FileID: "small-" + name, TotalParts: 1, Name: name}, nil
}

func (f *FakeClient) SendFile(ctx context.Context, peer wire.Peer, ref *wire.FileRef, caption string) (*wire.Message, error) {
	if err := f.record("SendFile", peer, ref.FileID, caption); err != nil {
		return nil, err
	}
	return &wire.Message{ID: int64(len(f.calls)), ChatID: peer.ID, Text: caption, Outgoing: true}, nil
}

func (f *FakeClient) DownloadChunk(ctx context.Context, media *wire.MediaRef, offset int64, limit int) ([]byte, error) {
	if err := f.record("DownloadChunk", media.FileID, offset, limit); err != nil {
		return nil, err
	}
	if offset >= int64(len(f.DownloadData)) {
		return nil, nil
	}
	end := offset + int64(limit)
	if end > int64(len(f.DownloadData)) {
		end = int64(len(f.DownloadData))
	}
	out := make([]byte, end-offset)
	copy(out, f.DownloadData[offset:end])
	return out, nil
}

func (f *FakeClient) SubscribeEvents(ctx context.Context) (<-chan wire.Event, error) {
	if err := f.record("SubscribeEvents"); err != nil {
		return nil, err
	}
	if f.EventsErr != nil {
		return nil, f.EventsErr
	}
	if f.Events == nil {
		f.Events = make(chan wire.Event, 16)
	}
	return f.Events, nil
}

var _ wire.Client = (*FakeClient)(nil)
