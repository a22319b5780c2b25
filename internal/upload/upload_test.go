package upload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/ids"
)

func TestInitPutSealRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := New(filepath.Join(root, "uploads"), 1<<20, time.Hour, nil)

	s, err := a.Init(ids.NewUserID(), 10, 4)
	require.NoError(t, err)
	require.Equal(t, 3, s.ChunkCount)

	require.NoError(t, a.PutChunk(ctx, s.ID, 0, []byte("abcd")))
	require.NoError(t, a.PutChunk(ctx, s.ID, 1, []byte("efgh")))
	require.NoError(t, a.PutChunk(ctx, s.ID, 2, []byte("ij")))

	dest := filepath.Join(root, "final.bin")
	out, err := a.Seal(ctx, s.ID, dest)
	require.NoError(t, err)
	require.Equal(t, dest, out)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "abcdefghij", string(data))
}

func TestPutChunkRejectsWrongSize(t *testing.T) {
	ctx := context.Background()
	a := New(t.TempDir(), 1<<20, time.Hour, nil)
	s, err := a.Init(ids.NewUserID(), 10, 4)
	require.NoError(t, err)

	err = a.PutChunk(ctx, s.ID, 0, []byte("ab"))
	require.Error(t, err)
	ce, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindUploadInvalidSize, ce.Kind)
}

func TestPutChunkReplayIsIdempotentButConflictsOnMismatch(t *testing.T) {
	ctx := context.Background()
	a := New(t.TempDir(), 1<<20, time.Hour, nil)
	s, err := a.Init(ids.NewUserID(), 4, 4)
	require.NoError(t, err)

	require.NoError(t, a.PutChunk(ctx, s.ID, 0, []byte("abcd")))
	require.NoError(t, a.PutChunk(ctx, s.ID, 0, []byte("abcd")), "identical replay is a no-op")

	err = a.PutChunk(ctx, s.ID, 0, []byte("zzzz"))
	require.Error(t, err)
	ce, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindUploadInvalidConflict, ce.Kind)
}

func TestSealRejectsMissingChunksAndMagicMismatch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := New(root, 1<<20, time.Hour, [][]byte{[]byte("RIFF")})
	s, err := a.Init(ids.NewUserID(), 8, 4)
	require.NoError(t, err)
	require.NoError(t, a.PutChunk(ctx, s.ID, 0, []byte("abcd")))

	_, err = a.Seal(ctx, s.ID, filepath.Join(root, "out.bin"))
	require.Error(t, err)
	ce, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindUploadInvalidMissingChunks, ce.Kind)

	require.NoError(t, a.PutChunk(ctx, s.ID, 1, []byte("efgh")))
	_, err = a.Seal(ctx, s.ID, filepath.Join(root, "out2.bin"))
	require.Error(t, err)
	ce, ok = errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindUploadInvalidMagicMismatch, ce.Kind)
}

func TestGCReapsOnlyIdleUnsealedSessions(t *testing.T) {
	a := New(t.TempDir(), 1<<20, time.Minute, nil)
	fakeNow := time.Now()
	a.now = func() time.Time { return fakeNow }

	s, err := a.Init(ids.NewUserID(), 4, 4)
	require.NoError(t, err)

	fakeNow = fakeNow.Add(2 * time.Minute)
	reaped := a.GC()
	require.Equal(t, 1, reaped)

	_, err = a.Get(s.ID)
	require.Error(t, err)
}
