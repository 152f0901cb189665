package transfer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sablecrm/telebridge/internal/wire"
)

// Upload pushes data to the network and returns a ref ready to attach to a
// message. Payloads at or below SmallUploadLimit skip chunking entirely.
// For chunked payloads every part must confirm before the remote file is
// finalized; one part exhausting its retries fails the whole call and no
// finalize is issued.
func Upload(ctx context.Context, client wire.Client, name string, data []byte) (*wire.FileRef, error) {
	if len(data) <= SmallUploadLimit {
		ref, err := client.UploadSmall(ctx, name, data)
		if err != nil {
			return nil, &Error{Op: "upload", Reason: "single-shot upload", Err: err}
		}
		return ref, nil
	}

	fileID := uuid.NewString()
	totalParts := TotalParts(len(data))
	workers := uploadConcurrency(len(data))
	timeout := partTimeout(len(data))

	slog.Debug("chunked upload starting",
		"file_id", fileID, "size", len(data), "parts", totalParts, "workers", workers)

	uctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, workers)
	errCh := make(chan error, totalParts)
	var wg sync.WaitGroup

	for part := 0; part < totalParts; part++ {
		start := part * PartSize
		end := start + PartSize
		if end > len(data) {
			end = len(data)
		}

		wg.Add(1)
		go func(part, start, end int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-uctx.Done():
				errCh <- uctx.Err()
				return
			}
			if err := uploadPart(uctx, client, fileID, part, totalParts, data[start:end], timeout); err != nil {
				errCh <- err
				cancel() // abandon remaining parts, the transfer is dead
				return
			}
			errCh <- nil
		}(part, start, end)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return nil, &Error{Op: "upload", Reason: "part upload exhausted retries", Err: err}
		}
	}

	ref, err := client.FinalizeFile(ctx, fileID, totalParts, name)
	if err != nil {
		return nil, &Error{Op: "upload", Reason: "finalize", Err: err}
	}
	return ref, nil
}

// uploadPart pushes one part, retrying with exponential backoff + jitter.
func uploadPart(ctx context.Context, client wire.Client, fileID string, part, totalParts int, data []byte, timeout time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < partAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffWithJitter(partBaseDelay, partMaxDelay, attempt-1)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := client.SaveFilePart(pctx, fileID, part, totalParts, data)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("part upload failed, retrying",
			"file_id", fileID, "part", part, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max {
		delay = max
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}

	return delay
}
