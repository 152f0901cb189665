// Package transfer moves binary attachments in both directions under the
// network's chunk-alignment rules. Uploads are chunked with bounded
// concurrency and per-part retries; downloads are fetched in aligned
// windows and reassembled in order. A transfer either completes fully or
// fails with a single terminal error, never leaving partial artifacts.
package transfer

import (
	"fmt"
	"time"
)

const (
	// PartSize is the fixed upload part size.
	PartSize = 512 * 1024

	// SmallUploadLimit is the chunking threshold: payloads at or below it
	// take the single-shot path.
	SmallUploadLimit = 1024 * 1024

	// DownloadWindow is the per-request download size.
	DownloadWindow = 64 * 1024

	// DownloadAlign is the required alignment of download offsets/limits.
	DownloadAlign = 4 * 1024

	// DownloadStride is the larger window a single download request must
	// not straddle.
	DownloadStride = 1024 * 1024
)

// Retry policy for individual upload parts.
const (
	partAttempts  = 3
	partBaseDelay = 500 * time.Millisecond
	partMaxDelay  = 5 * time.Second
)

// Error is the single terminal failure a transfer reports.
type Error struct {
	Op     string // "upload" or "download"
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer %s failed: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("transfer %s failed: %s", e.Op, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// uploadConcurrency returns the part-upload parallelism ceiling for a
// payload. Larger payloads get less parallelism so one big transfer cannot
// saturate the shared link.
func uploadConcurrency(total int) int {
	switch {
	case total <= 8*1024*1024:
		return 4
	case total <= 64*1024*1024:
		return 2
	default:
		return 1
	}
}

// partTimeout returns the per-part deadline, which shrinks with payload
// size for the same reason the concurrency does.
func partTimeout(total int) time.Duration {
	switch {
	case total <= 8*1024*1024:
		return 60 * time.Second
	case total <= 64*1024*1024:
		return 45 * time.Second
	default:
		return 30 * time.Second
	}
}

// TotalParts returns ceil(n / PartSize).
func TotalParts(n int) int {
	return (n + PartSize - 1) / PartSize
}
