package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	folder := filepath.Join(dir, "album")
	require.NoError(t, os.MkdirAll(filepath.Join(folder, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "sub", "b.txt"), []byte("world!"), 0644))
	single := filepath.Join(dir, "single.bin")
	require.NoError(t, os.WriteFile(single, nil, 0644))

	files, err := CollectFiles([]string{single, folder})
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "single.bin", files[0].RelativePath)
	assert.Equal(t, int64(0), files[0].Size)
	assert.Equal(t, "album/a.txt", files[1].RelativePath)
	assert.Equal(t, "album/sub/b.txt", files[2].RelativePath)
	assert.Equal(t, int64(6), files[2].Size)

	req := TransferRequest{Files: files}
	assert.Equal(t, int64(11), req.TotalSize())
}

func TestFileDescriptorChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("lanxfer"), 0644))

	fd, err := NewFileDescriptor(path)
	require.NoError(t, err)
	assert.Contains(t, fd.MimeType, "text/plain")

	sum := sha256.Sum256([]byte("lanxfer"))
	got, err := fd.Checksum()
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	// Computed once: changing the file afterwards does not change the value.
	require.NoError(t, os.WriteFile(path, []byte("changed"), 0644))
	again, err := fd.Checksum()
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestNewFileDescriptorRejectsDirectory(t *testing.T) {
	_, err := NewFileDescriptor(t.TempDir())
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := fmt.Errorf("send failed: %w", &ChunkIOError{SessionID: "s1", Index: 2, Err: cause})

	var cio *ChunkIOError
	require.True(t, errors.As(wrapped, &cio))
	assert.Equal(t, 2, cio.Index)
	assert.ErrorIs(t, wrapped, cause)

	rej := &NegotiationError{Code: RejectCapacity, Reason: "file too large"}
	assert.True(t, rej.Rejected())
	assert.Contains(t, rej.Error(), "capacity")

	assert.True(t, IsCancellation(fmt.Errorf("x: %w", &CancellationError{Reason: "user"})))
	assert.False(t, IsCancellation(cause))
}
