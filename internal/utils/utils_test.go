package utils

import (
	"archive/zip"
	"net"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "2.00 KB", FormatSize(2048))
	assert.Equal(t, "1.50 MB", FormatSize(3<<19))
	assert.Equal(t, "1.00 GB", FormatSize(1<<30))
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(0))
	assert.Equal(t, "1.00 KB/s", FormatSpeed(1024))
	assert.Equal(t, "2.00 MB/s", FormatSpeed(2<<20))
	assert.Equal(t, "1.00 GB/s", FormatSpeed(1<<30))
}

func TestFormatTimeDuration(t *testing.T) {
	assert.Equal(t, "42s", FormatTimeDuration(42*time.Second))
	assert.Equal(t, "2m 5s", FormatTimeDuration(125*time.Second))
	assert.Equal(t, "1h 0m 1s", FormatTimeDuration(time.Hour+time.Second))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "abcd...", TruncateString("abcdefghij", 7))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
	assert.Equal(t, "héll...", TruncateString("héllo wörld", 7))
}

func TestGetUniqueFilename(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "photo.png")
	assert.Equal(t, name, GetUniqueFilename(name))

	require.NoError(t, os.WriteFile(name, nil, 0644))
	assert.Equal(t, filepath.Join(dir, "photo (1).png"), GetUniqueFilename(name))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo (1).png"), nil, 0644))
	assert.Equal(t, filepath.Join(dir, "photo (2).png"), GetUniqueFilename(name))
}

func TestZipDirectory(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("beta"), 0644))

	target := filepath.Join(t.TempDir(), "out.zip")
	n, err := ZipDirectory(src, target)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := zip.OpenReader(target)
	require.NoError(t, err)
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a.txt", "nested/b.txt"}, names)
}

func TestNeedsRelay(t *testing.T) {
	lan := &net.IPNet{IP: net.IPv4(192, 168, 1, 20), Mask: net.CIDRMask(24, 32)}
	cgnat := &net.IPNet{IP: net.IPv4(100, 96, 3, 4), Mask: net.CIDRMask(10, 32)}

	assert.False(t, needsRelay("eth0", []net.Addr{lan}))
	assert.True(t, needsRelay("wg0", nil))
	assert.True(t, needsRelay("TUN1", nil))
	assert.True(t, needsRelay("en0", []net.Addr{lan, cgnat}))
}
