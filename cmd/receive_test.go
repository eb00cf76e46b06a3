package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BioHazard786/directdrop/internal/files"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeerInput(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "sleepy-otter-comet", want: "sleepy-otter-comet"},
		{in: "  sleepy-otter-comet\n", want: "sleepy-otter-comet"},
		{in: "https://directdrop.qzz.io/p/sleepy-otter-comet", want: "sleepy-otter-comet"},
		{in: "https://directdrop.qzz.io/p/sleepy-otter-comet/", want: "sleepy-otter-comet"},
		{in: "directdrop.qzz.io/p/brave-fox-anchor", want: "brave-fox-anchor"},
		{in: "https://directdrop.qzz.io/r/ABC123", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parsePeerInput(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestPrepareTransferOptions(t *testing.T) {
	opts, tempDir, cleanup, err := prepareTransferOptions(false, "out")
	require.NoError(t, err)
	assert.Equal(t, "out", opts.OutputDir)
	assert.Empty(t, tempDir)
	assert.Nil(t, cleanup)

	opts, tempDir, cleanup, err = prepareTransferOptions(true, "out")
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	assert.True(t, opts.ZipMode)
	assert.Equal(t, tempDir, opts.OutputDir)
	assert.DirExists(t, tempDir)

	cleanup()
	assert.NoDirExists(t, tempDir)
}

func TestOpenFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	outs, closeAll, err := openFiles([]files.FileInfo{{Path: path, Name: "a.txt", Size: 5, Type: "text/plain"}})
	require.NoError(t, err)
	defer closeAll()

	require.Len(t, outs, 1)
	buf := make([]byte, 3)
	_, err = outs[0].Reader.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "llo", string(buf))

	_, _, err = openFiles([]files.FileInfo{{Path: filepath.Join(dir, "missing"), Name: "missing"}})
	assert.Error(t, err)
}
