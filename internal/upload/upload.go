// Package upload is the chunked-upload session state machine spec §3/§4.2
// describes: a session accumulates chunks into a bitmap, validates them on
// arrival, and seals into a job input artifact once every chunk is present.
// Sessions are soft state — not persisted across a restart (spec §1
// Non-goals) — so the assembler keeps them entirely in memory, backed by
// per-session staging files on disk for the chunk bytes themselves.
//
// Grounded on common/chunkedFileWriter.go's disk-backed chunk accumulation
// (the teacher's worker-goroutine-plus-channel design is unnecessary here
// since chunk arrival is request-driven, not producer/consumer, so this
// keeps the file-per-chunk staging idea and drops the ordering channel) and
// common/bitmap.go via internal/bitmap for presence tracking.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/scribeforge/scribeforge/internal/bitmap"
	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/ids"
)

// Session is one in-progress (or sealed) chunked upload.
type Session struct {
	ID            ids.SessionID
	Owner         ids.UserID
	DeclaredSize  int64
	ChunkSize     int64
	ChunkCount    int
	ChunksPresent bitmap.Bitmap
	Sealed        bool
	CreatedAt     time.Time
	LastActivity  time.Time

	mu       sync.Mutex
	chunkSum map[int]uint32 // crc of each stored chunk, for idempotent-replay comparison
}

func chunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 0
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	return int(n)
}

// Assembler manages the set of live upload sessions and their on-disk chunk
// staging areas.
type Assembler struct {
	mu             sync.Mutex
	sessions       map[ids.SessionID]*Session
	stagingRoot    string
	maxUploadSz    int64
	idleTTL        time.Duration
	magicAllowList [][]byte
	now            func() time.Time
}

// New builds an Assembler rooted at stagingRoot (config DataDir/uploads),
// rejecting declared sizes above maxUploadBytes and expiring sessions idle
// past idleTTL. magicAllowList is the server-owned set of acceptable sealed
// artifact header prefixes (spec §4.2); a nil/empty list skips the check.
func New(stagingRoot string, maxUploadBytes int64, idleTTL time.Duration, magicAllowList [][]byte) *Assembler {
	return &Assembler{
		sessions:       make(map[ids.SessionID]*Session),
		stagingRoot:    stagingRoot,
		maxUploadSz:    maxUploadBytes,
		idleTTL:        idleTTL,
		magicAllowList: magicAllowList,
		now:            time.Now,
	}
}

// Init starts a new session for a declared total size and chunk size.
func (a *Assembler) Init(owner ids.UserID, declaredSize, chunkSize int64) (*Session, error) {
	if declaredSize <= 0 || declaredSize > a.maxUploadSz {
		return nil, errs.New(errs.KindUploadInvalidSize, "declared size out of bounds")
	}
	if chunkSize <= 0 {
		chunkSize = declaredSize
	}

	now := a.now()
	s := &Session{
		ID:            ids.NewSessionID(),
		Owner:         owner,
		DeclaredSize:  declaredSize,
		ChunkSize:     chunkSize,
		ChunkCount:    chunkCount(declaredSize, chunkSize),
		ChunksPresent: bitmap.New(chunkCount(declaredSize, chunkSize)),
		CreatedAt:     now,
		LastActivity:  now,
		chunkSum:      make(map[int]uint32),
	}

	if err := os.MkdirAll(a.sessionDir(s.ID), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "failed to create upload staging directory")
	}

	a.mu.Lock()
	a.sessions[s.ID] = s
	a.mu.Unlock()
	return s, nil
}

func (a *Assembler) sessionDir(id ids.SessionID) string {
	return filepath.Join(a.stagingRoot, id.String())
}

// Get returns the live session, or not-found if it has never existed,
// already been sealed-and-reaped, or expired.
func (a *Assembler) Get(id ids.SessionID) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, errs.NotFound("upload session")
	}
	return s, nil
}

// PutChunk validates and stores chunk index's bytes. Replaying the exact
// same bytes for an already-present index is a no-op success; replaying
// different bytes is a conflict (spec §3 edge case).
func (a *Assembler) PutChunk(ctx context.Context, id ids.SessionID, index int, data []byte) error {
	s, err := a.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Sealed {
		return errs.PreconditionFailed("upload session already sealed")
	}
	if index < 0 || index >= s.ChunkCount {
		return errs.New(errs.KindUploadInvalidChunkIndex, fmt.Sprintf("chunk index %d out of range [0,%d)", index, s.ChunkCount))
	}
	expectedSize := s.ChunkSize
	if index == s.ChunkCount-1 {
		if rem := s.DeclaredSize % s.ChunkSize; rem != 0 {
			expectedSize = rem
		}
	}
	if int64(len(data)) != expectedSize {
		return errs.New(errs.KindUploadInvalidSize, fmt.Sprintf("chunk %d expected %d bytes, got %d", index, expectedSize, len(data)))
	}

	sum := crc32Of(data)
	if s.ChunksPresent.Test(index) {
		if s.chunkSum[index] != sum {
			return errs.New(errs.KindUploadInvalidConflict, fmt.Sprintf("chunk %d already received with different contents", index))
		}
		return nil // idempotent replay
	}

	path := filepath.Join(a.sessionDir(id), fmt.Sprintf("%08d.chunk", index))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(err, errs.KindInternal, "failed to write chunk to staging")
	}

	s.ChunksPresent.Set(index)
	s.chunkSum[index] = sum
	s.LastActivity = a.now()
	return nil
}

// Seal validates every chunk is present, then concatenates the staged
// chunks into the final input artifact path and checks its header against
// the Assembler's server-owned magic-number allow-list (spec §4.2) before
// returning it. The session's staging directory is removed once sealed.
func (a *Assembler) Seal(ctx context.Context, id ids.SessionID, destPath string) (string, error) {
	s, err := a.Get(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Sealed {
		return "", errs.PreconditionFailed("upload session already sealed")
	}
	if !s.ChunksPresent.All(s.ChunkCount) {
		return "", errs.New(errs.KindUploadInvalidMissingChunks, "not every chunk has been received")
	}

	if err := assembleChunks(a.sessionDir(id), destPath, s.ChunkCount); err != nil {
		return "", errs.Wrap(err, errs.KindInternal, "failed to assemble upload artifact")
	}

	if len(a.magicAllowList) > 0 {
		if err := verifyMagic(destPath, a.magicAllowList); err != nil {
			_ = os.Remove(destPath)
			return "", err
		}
	}

	s.Sealed = true
	_ = os.RemoveAll(a.sessionDir(id))
	return destPath, nil
}

// Abort discards a session and its staged chunks.
func (a *Assembler) Abort(id ids.SessionID) error {
	a.mu.Lock()
	s, ok := a.sessions[id]
	if ok {
		delete(a.sessions, id)
	}
	a.mu.Unlock()
	if !ok {
		return errs.NotFound("upload session")
	}
	return os.RemoveAll(a.sessionDir(id))
}

// GC removes sessions idle past idleTTL, returning how many were reaped.
// Intended to be called periodically from a background ticker (spec §1
// Non-goals: sessions are soft state with no cross-restart durability, so
// GC is this process's only cleanup path).
func (a *Assembler) GC() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	reaped := 0
	for id, s := range a.sessions {
		s.mu.Lock()
		expired := !s.Sealed && now.Sub(s.LastActivity) > a.idleTTL
		s.mu.Unlock()
		if expired {
			delete(a.sessions, id)
			_ = os.RemoveAll(a.sessionDir(id))
			reaped++
		}
	}
	return reaped
}

func assembleChunks(stagingDir, destPath string, chunkCount int) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	for i := 0; i < chunkCount; i++ {
		path := filepath.Join(stagingDir, fmt.Sprintf("%08d.chunk", i))
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// verifyMagic succeeds if path's header matches any one candidate prefix in
// allowList (spec §4.2: validate "against an allow-list of magic numbers").
func verifyMagic(path string, allowList [][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	maxLen := 0
	for _, prefix := range allowList {
		if len(prefix) > maxLen {
			maxLen = len(prefix)
		}
	}

	buf := make([]byte, maxLen)
	n, readErr := io.ReadFull(f, buf)
	if readErr != nil && readErr != io.ErrUnexpectedEOF {
		return errs.New(errs.KindUploadInvalidMagicMismatch, "artifact shorter than expected magic prefix")
	}
	header := buf[:n]

	for _, prefix := range allowList {
		if len(prefix) <= len(header) && bytes.Equal(header[:len(prefix)], prefix) {
			return nil
		}
	}
	return errs.New(errs.KindUploadInvalidMagicMismatch, "artifact does not start with an allow-listed magic prefix")
}

// crc32Of is a cheap content fingerprint used only to detect whether a
// replayed chunk index carries different bytes than first received; it is
// not a durability integrity check.
func crc32Of(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
