package backup

import (
	"context"
	"io"
	"os"
	"path"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, content string) string {
	t.Helper()
	src := path.Join(t.TempDir(), "events.log")
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	return src
}

func TestBackupPlainCopy(t *testing.T) {
	t.Parallel()

	src := writeSource(t, "some log content")
	dir := t.TempDir()

	b, err := NewBackuper(src, dir, WithCompression(false), WithPruning(false, 0))
	require.NoError(t, err)

	res, err := b.Backup(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(len("some log content")), res.Size)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Equal(t, "some log content", string(got))
}

func TestBackupCompressed(t *testing.T) {
	t.Parallel()

	src := writeSource(t, "compressible compressible compressible")
	dir := t.TempDir()

	b, err := NewBackuper(src, dir, WithPruning(false, 0))
	require.NoError(t, err)

	res, err := b.Backup(context.Background())
	require.NoError(t, err)
	require.Greater(t, res.SizeAfterCompression, int64(0))

	f, err := os.Open(res.Path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, "compressible compressible compressible", string(got))

	// The uncompressed intermediate copy is gone.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPruneKeepsMostRecent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	names := []string{
		BackupFilenamePrefix + "_20260101T000000.log.zst",
		BackupFilenamePrefix + "_20260102T000000.log.zst",
		BackupFilenamePrefix + "_20260103T000000.log.zst",
		"unrelated.txt",
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, n := range names {
		p := path.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		mtime := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}

	require.NoError(t, Prune(dir, 2))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	require.ElementsMatch(t, []string{
		BackupFilenamePrefix + "_20260102T000000.log.zst",
		BackupFilenamePrefix + "_20260103T000000.log.zst",
		"unrelated.txt",
	}, left)

	require.Error(t, Prune(dir, 0))
}
