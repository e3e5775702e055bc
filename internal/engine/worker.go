package engine

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftbyte/medley/internal/assemble"
	"github.com/driftbyte/medley/internal/decrypt"
	"github.com/driftbyte/medley/internal/planner"
	"github.com/driftbyte/medley/internal/transport"
	"github.com/driftbyte/medley/internal/utils"
)

const copyBufferSize = 64 * 1024

// runChunks executes a task's chunks with at most the inner concurrency
// limit in flight. Chunks are scheduled in index order; completion order
// is unconstrained because every chunk writes at its fixed offset. A
// permanent chunk failure stops new scheduling but lets in-flight
// siblings drain.
func (e *Engine) runChunks(t *Task, f Fetcher, dec *decrypt.Decryptor, asm *assemble.Assembler, appendMode bool) error {
	limit := t.connections
	if limit <= 0 {
		limit = 1
	}
	if appendMode {
		// Serial tasks have no fixed offsets; assembly must be
		// sequential.
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range t.chunks {
		if t.failed.Load() || t.ctx.Err() != nil {
			break
		}
		c := &t.chunks[i]
		g.Go(func() error {
			return e.downloadChunk(t, c, f, dec, asm, appendMode)
		})
	}
	return g.Wait()
}

// downloadChunk fetches, decrypts and writes one chunk, retrying
// transient failures with capped exponential backoff. Fatal failures and
// retry exhaustion mark the chunk permanently failed and escalate.
func (e *Engine) downloadChunk(t *Task, c *planner.Chunk, f Fetcher, dec *decrypt.Decryptor, asm *assemble.Assembler, appendMode bool) error {
	log := utils.GetLogger("chunk").With().Str("taskId", t.ID.String()).Int("chunkId", c.Index).Logger()
	t.setChunkStatus(c, planner.StatusInFlight)

	req := transport.Request{URL: c.URL}
	if c.URL == "" {
		req.URL = t.Spec.Manifest.URL
		// Serial tasks fetch the whole resource with a plain GET; the
		// source either rejects Range requests or has unknown size.
		if c.Length > 0 && !appendMode {
			req.Offset = c.Offset
			req.Length = c.Length
		}
	}

	for attempt := 0; ; attempt++ {
		if err := t.ctx.Err(); err != nil {
			t.setChunkStatus(c, planner.StatusPending)
			return err
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(t.ctx); err != nil {
				t.setChunkStatus(c, planner.StatusPending)
				return err
			}
		}
		appendStart := int64(0)
		if appendMode {
			appendStart = asm.AppendOffset()
		}
		written, err := e.fetchChunk(t, c, f, dec, asm, req, appendMode)
		if err == nil {
			t.markChunkDone(c)
			return nil
		}
		// The attempt's bytes are re-downloaded from scratch.
		if written > 0 {
			t.addBytes(-written)
		}
		if appendMode {
			asm.ResetAppend(appendStart)
		}
		if ctxErr := t.ctx.Err(); ctxErr != nil {
			t.setChunkStatus(c, planner.StatusPending)
			return ctxErr
		}
		kind := Classify(err)
		if kind == KindTransientNetwork && attempt < e.cfg.MaxRetries {
			delay := e.backoff.Delay(attempt, transport.RetryHint(err))
			log.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("Retrying chunk")
			t.noteRetry(c, attempt+1, err)
			select {
			case <-time.After(delay):
			case <-t.ctx.Done():
				t.setChunkStatus(c, planner.StatusPending)
				return t.ctx.Err()
			}
			continue
		}
		log.Error().Err(err).Int("attempts", attempt+1).Msg("Chunk failed permanently")
		t.markChunkFailed(c, err)
		t.failed.Store(true)
		return &TaskError{Kind: kind, Err: err}
	}
}

// fetchChunk performs one attempt: fetch the range or segment, stream it
// through the decryptor and hand buffers to the assembler at the chunk's
// offset. Returns the bytes credited to task progress.
func (e *Engine) fetchChunk(t *Task, c *planner.Chunk, f Fetcher, dec *decrypt.Decryptor, asm *assemble.Assembler, req transport.Request, appendMode bool) (int64, error) {
	res, err := f.Fetch(t.ctx, req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	reader := io.Reader(res.Body)
	if dec != nil {
		reader, err = dec.Reader(reader, c.Offset)
		if err != nil {
			return 0, err
		}
	}

	buffer := make([]byte, copyBufferSize)
	var written int64
	for {
		n, readErr := reader.Read(buffer)
		if n > 0 {
			var writeErr error
			if appendMode {
				writeErr = asm.Append(buffer[:n])
			} else {
				writeErr = asm.WriteAt(buffer[:n], c.Offset+written)
			}
			if writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
			t.addBytes(int64(n))
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if t.ctx.Err() != nil {
				return written, t.ctx.Err()
			}
			return written, fmt.Errorf("error reading chunk body: %w", transportRead(req.URL, readErr))
		}
	}
	if c.Length > 0 && written != c.Length {
		return written, fmt.Errorf("%w: got %d bytes, expected %d", errShortChunk, written, c.Length)
	}
	if c.Length <= 0 {
		t.setSegmentLength(c, written)
	}
	return written, nil
}

// transportRead wraps a mid-body read failure as a transient transport
// error so the retry policy applies.
func transportRead(url string, err error) error {
	return &transport.Error{Class: transport.ClassTransient, Op: "read", URL: url, Err: err}
}
