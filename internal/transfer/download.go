package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sablecrm/telebridge/internal/wire"
)

// Result is a fully reassembled download.
type Result struct {
	Data        []byte
	FileName    string
	ContentType string
}

// Download fetches the whole remote file in aligned windows. It stops when
// a request returns zero bytes or the declared size is reached, and never
// returns a silently truncated buffer: a declared size that cannot be
// reached is an error.
func Download(ctx context.Context, client wire.Client, media *wire.MediaRef) (*Result, error) {
	if media == nil || media.FileID == "" {
		return nil, &Error{Op: "download", Reason: "no media descriptor"}
	}

	var (
		buf    []byte
		offset int64
	)
	if media.Size > 0 {
		buf = make([]byte, 0, media.Size)
	}

	for {
		if media.Size > 0 && offset >= media.Size {
			break
		}

		limit := windowAt(offset)
		chunk, err := client.DownloadChunk(ctx, media, offset, limit)
		if err != nil {
			return nil, &Error{Op: "download", Reason: fmt.Sprintf("chunk at %d", offset), Err: err}
		}
		if len(chunk) == 0 {
			break
		}
		if len(chunk) > limit {
			return nil, &Error{Op: "download", Reason: fmt.Sprintf("oversized chunk at %d (%d > %d)", offset, len(chunk), limit)}
		}

		buf = append(buf, chunk...)
		offset += int64(len(chunk))

		// A short chunk means the file ended mid-window.
		if len(chunk) < limit {
			break
		}
	}

	if media.Size > 0 && int64(len(buf)) < media.Size {
		return nil, &Error{
			Op:     "download",
			Reason: fmt.Sprintf("incomplete: got %d of %d bytes", len(buf), media.Size),
		}
	}

	name, ctype := inferNameAndType(media)
	slog.Debug("download complete", "file_id", media.FileID, "size", len(buf), "name", name)
	return &Result{Data: buf, FileName: name, ContentType: ctype}, nil
}

// windowAt returns the request size for a read at offset: DownloadWindow,
// shrunk so the request stays aligned and never straddles a stride
// boundary.
func windowAt(offset int64) int {
	limit := DownloadWindow

	// Clamp to the next stride boundary.
	if rem := DownloadStride - int(offset%DownloadStride); rem < limit {
		limit = rem
	}

	// Round down to alignment; a misaligned offset gets the bytes up to
	// the next aligned position.
	if limit > DownloadAlign {
		limit -= limit % DownloadAlign
	}
	return limit
}
