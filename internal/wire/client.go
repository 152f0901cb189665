package wire

import "context"

// Client is the capability surface both protocol generations implement.
//
// A Client is bound to exactly one session. Interactive calls against the
// same Client are serialized by the implementation (the physical link is
// single-flight); calls against different Clients are independent.
type Client interface {
	// Connect opens the transport. Idempotent when already connected.
	Connect(ctx context.Context) error
	// Connected reports whether the transport believes the link is alive.
	Connected() bool
	// Close tears down the transport. Safe to call twice.
	Close() error

	// RequestCode asks the network to deliver a one-time login code to the
	// phone number. The returned hash must be echoed back in SignIn.
	RequestCode(ctx context.Context, phoneNumber string) (codeHash string, err error)
	// SignIn submits the code (and the account password when the network
	// demands a second factor). On success the client is authenticated and
	// Authorization.Token can be persisted for later ImportToken resumes.
	SignIn(ctx context.Context, phoneNumber, codeHash, code, password string) (*Authorization, error)
	// ImportToken authenticates from a previously exported token. It never
	// triggers code delivery.
	ImportToken(ctx context.Context, token string) (*Authorization, error)

	// SendMessage delivers text to the peer and returns the sent message.
	SendMessage(ctx context.Context, peer Peer, text string) (*Message, error)
	// GetHistory returns up to limit messages of the chat with id greater
	// than minID, newest first (the network's native order).
	GetHistory(ctx context.Context, peer Peer, limit int, minID int64) ([]Message, error)
	// GetDialogs returns the account's recent chat list.
	GetDialogs(ctx context.Context, limit int) ([]Dialog, error)
	// ResolveHandle looks a human-readable handle up in the network
	// directory.
	ResolveHandle(ctx context.Context, handle string) (*Peer, error)
	// SearchContacts searches the account's contacts for the query.
	SearchContacts(ctx context.Context, query string) ([]Peer, error)

	// SaveFilePart uploads one part of a chunked file.
	SaveFilePart(ctx context.Context, fileID string, part, totalParts int, data []byte) error
	// FinalizeFile assembles previously saved parts into a sendable file.
	FinalizeFile(ctx context.Context, fileID string, totalParts int, name string) (*FileRef, error)
	// UploadSmall is the single-shot path for payloads below the chunking
	// threshold.
	UploadSmall(ctx context.Context, name string, data []byte) (*FileRef, error)
	// SendFile attaches a finalized upload to a message.
	SendFile(ctx context.Context, peer Peer, ref *FileRef, caption string) (*Message, error)
	// DownloadChunk reads limit bytes of the remote file at offset. A short
	// or empty result signals end of file. Offset and limit obey the
	// alignment rules in the transfer package.
	DownloadChunk(ctx context.Context, media *MediaRef, offset int64, limit int) ([]byte, error)

	// SubscribeEvents opens the push event stream. The legacy generation
	// returns ErrEventsUnsupported, which forces the polling update source.
	// The channel closes when ctx is cancelled or the link drops.
	SubscribeEvents(ctx context.Context) (<-chan Event, error)
}

// Dialer constructs a Client of the requested generation. The engine holds
// one Dialer and calls it per session.
type Dialer func(gen Generation) (Client, error)
