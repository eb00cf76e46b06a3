package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWriter_UniqueNameInOutputDir(t *testing.T) {
	dir := t.TempDir()
	rec := FileRecord{ID: "f1", Name: "report.pdf", Size: 5}

	first, err := NewFileWriter(rec, &TransferOptions{OutputDir: dir})
	require.NoError(t, err)
	_, err = first.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, first.Close())
	assert.True(t, first.IsComplete())

	second, err := NewFileWriter(rec, &TransferOptions{OutputDir: dir})
	require.NoError(t, err)
	require.NoError(t, second.Close())

	assert.Equal(t, filepath.Join(dir, "report.pdf"), first.Path)
	assert.Equal(t, filepath.Join(dir, "report (1).pdf"), second.Path)

	data, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFileWriter_StripsDirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(FileRecord{ID: "f2", Name: "../../etc/passwd"}, &TransferOptions{OutputDir: dir})
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, filepath.Join(dir, "passwd"), w.Path)
}

func TestFileWriter_Artifact(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(FileRecord{ID: "f3", Name: "a.txt", Size: 3}, &TransferOptions{OutputDir: dir})
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	art := w.Artifact()
	assert.Equal(t, StatusDone, art.Record.Status)
	assert.EqualValues(t, 3, art.Record.BytesTransferred)
	assert.Equal(t, w.Path, art.Path)
}

func TestFileRecord_Percent(t *testing.T) {
	assert.Equal(t, 50, FileRecord{Size: 10, BytesTransferred: 5}.Percent())
	assert.Equal(t, 100, FileRecord{Size: 0, Status: StatusDone}.Percent())
	assert.Equal(t, 0, FileRecord{Size: 0}.Percent())
}
