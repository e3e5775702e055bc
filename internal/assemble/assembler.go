// Package assemble owns the destination file. Workers hand it plaintext
// buffers with fixed offsets; it is the only holder of the file handle, so
// out-of-order chunk completion never races on disk. The final path only
// ever appears through an atomic rename of a fully verified temp file.
package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/driftbyte/medley/internal/utils"
)

var (
	// ErrSizeMismatch means the assembled length differs from the
	// manifest's total; the artifact is discarded, never renamed.
	ErrSizeMismatch = errors.New("assembled size mismatch")

	// ErrHashMismatch means the content hash check failed.
	ErrHashMismatch = errors.New("content hash mismatch")

	errFinalized = errors.New("assembler already finalized")
)

// Assembler writes chunk plaintext into a temp file and atomically
// finalizes it. With a known total length the temp file is preallocated
// and chunks land at fixed offsets; with an unknown length it degrades to
// sequential appends.
type Assembler struct {
	dest         string
	tmp          string
	total        int64
	expectedHash string

	mu        sync.Mutex
	file      *os.File
	written   int64
	appendOff int64
	done      bool
}

// New opens the temp file next to dest. totalLength < 0 means unknown
// (append mode); otherwise the file is preallocated to totalLength.
// contentHash is an optional hex SHA-256 to verify before finalizing.
func New(dest string, totalLength int64, contentHash string) (*Assembler, error) {
	tmp := dest + utils.TempSuffix
	file, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening temp file: %w", err)
	}
	if totalLength > 0 {
		if err := file.Truncate(totalLength); err != nil {
			file.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("error preallocating %s: %w", tmp, err)
		}
	}
	return &Assembler{
		dest:         dest,
		tmp:          tmp,
		total:        totalLength,
		expectedHash: strings.ToLower(contentHash),
		file:         file,
	}, nil
}

// WriteAt writes plaintext at the chunk's fixed byte offset. Rewriting the
// same range on a retry is harmless; the bytes are identical by offset.
func (a *Assembler) WriteAt(p []byte, off int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return errFinalized
	}
	n, err := a.file.WriteAt(p, off)
	if err != nil {
		return fmt.Errorf("error writing %s at offset %d: %w", a.tmp, off, err)
	}
	a.written += int64(n)
	return nil
}

// Append writes plaintext at the running cursor, for sources whose total
// length is unknown and must be assembled in order.
func (a *Assembler) Append(p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return errFinalized
	}
	n, err := a.file.WriteAt(p, a.appendOff)
	if err != nil {
		return fmt.Errorf("error appending to %s: %w", a.tmp, err)
	}
	a.appendOff += int64(n)
	a.written += int64(n)
	return nil
}

// AppendOffset returns the current append cursor.
func (a *Assembler) AppendOffset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendOff
}

// ResetAppend rewinds the append cursor, used when a serial chunk attempt
// is abandoned and retried from its start.
func (a *Assembler) ResetAppend(off int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.written -= a.appendOff - off
	a.appendOff = off
}

// Written returns the byte count handed to the file so far.
func (a *Assembler) Written() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// Finalize verifies length and content hash, then renames the temp file
// onto the destination. On any verification failure the temp file is
// removed and the destination path stays untouched.
func (a *Assembler) Finalize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return errFinalized
	}
	if a.total < 0 {
		// Append mode: drop any bytes beyond the cursor left by an
		// abandoned attempt.
		if err := a.file.Truncate(a.appendOff); err != nil {
			a.discardLocked()
			return fmt.Errorf("error trimming %s: %w", a.tmp, err)
		}
	}
	info, err := a.file.Stat()
	if err != nil {
		a.discardLocked()
		return fmt.Errorf("error inspecting %s: %w", a.tmp, err)
	}
	if a.total >= 0 && info.Size() != a.total {
		size := info.Size()
		a.discardLocked()
		return fmt.Errorf("%w: file has %d bytes, expected %d", ErrSizeMismatch, size, a.total)
	}
	if a.expectedHash != "" {
		if err := a.verifyHashLocked(); err != nil {
			a.discardLocked()
			return err
		}
	}
	if err := a.file.Sync(); err != nil {
		a.discardLocked()
		return fmt.Errorf("error syncing %s: %w", a.tmp, err)
	}
	if err := a.file.Close(); err != nil {
		a.file = nil
		a.discardLocked()
		return fmt.Errorf("error closing %s: %w", a.tmp, err)
	}
	a.file = nil
	if err := os.Rename(a.tmp, a.dest); err != nil {
		a.discardLocked()
		return fmt.Errorf("error renaming into place: %w", err)
	}
	a.done = true
	return nil
}

func (a *Assembler) verifyHashLocked() error {
	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("error seeking %s: %w", a.tmp, err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, a.file); err != nil {
		return fmt.Errorf("error hashing %s: %w", a.tmp, err)
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != a.expectedHash {
		return fmt.Errorf("%w: got %s, expected %s", ErrHashMismatch, actual, a.expectedHash)
	}
	return nil
}

// Discard removes the temp file. The destination path is never touched.
func (a *Assembler) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discardLocked()
}

func (a *Assembler) discardLocked() {
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
	os.Remove(a.tmp)
	a.done = true
}

// LinkExisting satisfies dest from a previously finished identical
// artifact via a hard link, after checking size (and hash when given)
// against the manifest. Returns false when existing does not match and a
// real download is needed.
func LinkExisting(existing, dest string, totalLength int64, contentHash string) (bool, error) {
	info, err := os.Stat(existing)
	if err != nil {
		return false, nil
	}
	if totalLength >= 0 && info.Size() != totalLength {
		return false, nil
	}
	if contentHash != "" {
		ok, err := fileHashMatches(existing, contentHash)
		if err != nil || !ok {
			return false, err
		}
	}
	if err := os.Link(existing, dest); err != nil {
		return false, fmt.Errorf("error linking existing artifact: %w", err)
	}
	return true, nil
}

func fileHashMatches(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(hasher.Sum(nil)) == strings.ToLower(expected), nil
}
